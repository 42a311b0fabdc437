package episode

import "io"

// Source yields episodes one at a time and returns io.EOF when exhausted.
type Source interface {
	Next() (Record, error)
}

// Store is the in-memory episode population for one run. It is not mutated
// after construction.
type Store struct {
	records []Record
}

// NewStore wraps records. The slice is not copied; callers must not modify
// it afterwards.
func NewStore(records []Record) *Store {
	return &Store{records: records}
}

// ReadAll drains src into a Store.
func ReadAll(src Source) (*Store, error) {
	var recs []Record
	for {
		rec, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return NewStore(recs), nil
}

// Len returns the number of episodes.
func (s *Store) Len() int { return len(s.records) }

// Cursor returns a fresh Source over the store. Each call starts from the
// first episode, so a failed pass can be rerun from scratch.
func (s *Store) Cursor() Source {
	return &cursor{records: s.records}
}

type cursor struct {
	records []Record
	i       int
}

func (c *cursor) Next() (Record, error) {
	if c.i >= len(c.records) {
		return Record{}, io.EOF
	}
	rec := c.records[c.i]
	c.i++
	return rec, nil
}

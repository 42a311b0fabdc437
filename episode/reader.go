package episode

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Reader streams episodes from an export: a JSON array of episode objects.
// Only one episode is decoded at a time.
type Reader struct {
	closers []io.Closer
	decoder *json.Decoder
	started bool
	done    bool
	num     int64
}

// Open opens an export file. Files ending in .gz are decompressed.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	var src io.Reader = bufio.NewReaderSize(file, 256*1024)
	closers := []io.Closer{file}
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz, err := gzip.NewReader(src)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("gzip %s: %w", path, err)
		}
		src = gz
		closers = append([]io.Closer{gz}, closers...)
	}

	r := NewReader(src)
	r.closers = closers
	return r, nil
}

// NewReader streams episodes from r.
func NewReader(r io.Reader) *Reader {
	br := bufio.NewReader(r)

	// Skip UTF-8 BOM if present
	bom, err := br.Peek(3)
	if err == nil && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		br.Discard(3)
	}

	return &Reader{decoder: json.NewDecoder(br)}
}

// Next returns the next episode, or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	if r.done {
		return Record{}, io.EOF
	}
	if !r.started {
		tok, err := r.decoder.Token()
		if err == io.EOF {
			r.done = true
			return Record{}, io.EOF
		}
		if err != nil {
			return Record{}, fmt.Errorf("read opening bracket: %w", err)
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			return Record{}, fmt.Errorf("expected '[', got %v", tok)
		}
		r.started = true
	}

	if !r.decoder.More() {
		// Read closing ']'
		r.decoder.Token()
		r.done = true
		return Record{}, io.EOF
	}

	var rec Record
	if err := r.decoder.Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("decode episode %d: %w", r.num+1, err)
	}
	r.num++
	return rec, nil
}

// Count returns the number of episodes read so far.
func (r *Reader) Count() int64 {
	return r.num
}

// Close releases the underlying file, if any.
func (r *Reader) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

package normalize

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"ccdinspect/episode"
)

// SkipReason classifies a contribution dropped during normalization.
type SkipReason string

const (
	// SkipMalformed: the payload is neither a scalar nor an item2d/time object.
	SkipMalformed SkipReason = "malformed_payload"
	// SkipRagged: value, time (and meta) arrays differ in length.
	SkipRagged SkipReason = "ragged_series"
	// SkipBadTime: a series time could not be read in the configured mode.
	SkipBadTime SkipReason = "bad_time"
	// SkipBadAdminTime: an admission, discharge or parse time could not be
	// read. The episode is kept with a null in that column.
	SkipBadAdminTime SkipReason = "bad_admin_time"
)

// Skip records one dropped contribution.
type Skip struct {
	EpisodeKey string
	FieldCode  string
	Reason     SkipReason
	Detail     string
}

// Summary describes a normalization run.
type Summary struct {
	RunID    uuid.UUID
	Mode     episode.TimeMode
	Started  time.Time
	Finished time.Time
	Episodes int
	Items1D  int
	Items2D  int
	Skips    []Skip
}

// Counts returns the number of skips per reason.
func (s *Summary) Counts() map[SkipReason]int {
	out := make(map[SkipReason]int)
	for _, sk := range s.Skips {
		out[sk.Reason]++
	}
	return out
}

// SkippedEpisodes returns the number of distinct episodes with at least one
// skip.
func (s *Summary) SkippedEpisodes() int {
	seen := make(map[string]bool)
	for _, sk := range s.Skips {
		seen[sk.EpisodeKey] = true
	}
	return len(seen)
}

// SkippedFields returns the field codes with skips, sorted, and how many
// episodes each lost.
func (s *Summary) SkippedFields() ([]string, map[string]int) {
	counts := make(map[string]int)
	for _, sk := range s.Skips {
		if sk.FieldCode != "" {
			counts[sk.FieldCode]++
		}
	}
	codes := make([]string, 0, len(counts))
	for c := range counts {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes, counts
}

package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/7MMA7/VulnDetectGA/pkg/dataset"
)

// Shard selects a disjoint slice of a batch: records whose position p
// satisfies p % Count == Index.
type Shard struct {
	Index int
	Count int
}

// AllRecords is the shard covering the whole batch.
var AllRecords = Shard{Index: 0, Count: 1}

// ParseShard parses "i/n" with 0 <= i < n. The empty string is AllRecords.
func ParseShard(s string) (Shard, error) {
	if s == "" {
		return AllRecords, nil
	}

	idx, count, ok := strings.Cut(s, "/")
	if !ok {
		return Shard{}, fmt.Errorf("%w: %q, want i/n", ErrInvalidShard, s)
	}

	i, errIdx := strconv.Atoi(strings.TrimSpace(idx))
	n, errCount := strconv.Atoi(strings.TrimSpace(count))

	if errIdx != nil || errCount != nil || n < 1 || i < 0 || i >= n {
		return Shard{}, fmt.Errorf("%w: %q, want i/n with 0 <= i < n", ErrInvalidShard, s)
	}

	return Shard{Index: i, Count: n}, nil
}

// String formats the shard as "i/n".
func (s Shard) String() string {
	return fmt.Sprintf("%d/%d", s.Index, s.Count)
}

// Select returns the records of the shard, preserving order.
func (s Shard) Select(records []dataset.Record) []dataset.Record {
	if s.Count <= 1 {
		return records
	}

	selected := make([]dataset.Record, 0, len(records)/s.Count+1)

	for pos, rec := range records {
		if pos%s.Count == s.Index {
			selected = append(selected, rec)
		}
	}

	return selected
}

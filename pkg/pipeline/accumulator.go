package pipeline

import (
	"slices"
	"sync"

	"github.com/7MMA7/VulnDetectGA/pkg/dataset"
)

// Accumulator collects results from concurrent workers. Results are returned
// in batch order regardless of completion order.
type Accumulator struct {
	entries []accumulated
	mu      sync.Mutex
}

type accumulated struct {
	result dataset.Result
	pos    int
}

// Add appends the result of the record at batch position pos.
func (a *Accumulator) Add(pos int, result dataset.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries = append(a.entries, accumulated{result: result, pos: pos})
}

// Len returns the number of results collected so far.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.entries)
}

// Results returns a sorted copy of the collected results.
func (a *Accumulator) Results() []dataset.Result {
	a.mu.Lock()
	entries := slices.Clone(a.entries)
	a.mu.Unlock()

	slices.SortStableFunc(entries, func(x, y accumulated) int {
		return x.pos - y.pos
	})

	results := make([]dataset.Result, len(entries))
	for i, e := range entries {
		results[i] = e.result
	}

	return results
}

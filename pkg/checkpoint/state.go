// Package checkpoint persists batch progress so an interrupted run can resume.
package checkpoint

import (
	"slices"

	"github.com/7MMA7/VulnDetectGA/pkg/dataset"
)

// State is the resumable progress of one batch.
type State struct {
	// Completed holds the branch keys of records already processed.
	Completed []string `json:"completed"`
	// Results are the accumulated results, in completion order.
	Results []dataset.Result `json:"results"`
}

// Done reports whether the record keyed by branch was already processed.
func (s *State) Done(branch string) bool {
	return slices.Contains(s.Completed, branch)
}

// Record marks branch as processed and appends its result when non-nil.
func (s *State) Record(branch string, result *dataset.Result) {
	if !s.Done(branch) {
		s.Completed = append(s.Completed, branch)
	}

	if result != nil {
		s.Results = append(s.Results, *result)
	}
}

// Metadata identifies the run a checkpoint belongs to.
type Metadata struct {
	Version   int    `json:"version"`
	RunID     string `json:"run_id"`
	InputPath string `json:"input_path"`
	InputHash string `json:"input_hash"`
	Shard     string `json:"shard"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

package pipeline

import (
	"errors"
	"fmt"
)

// FailureKind classifies the stage at which a record was aborted.
type FailureKind int

const (
	// FailureNone marks a record that produced findings normally.
	FailureNone FailureKind = iota
	// CheckoutFailure means the clone or checkout of the commit failed.
	CheckoutFailure
	// PatchFailure means the target function could not be inserted.
	PatchFailure
	// SynthesisFailure means no compilation descriptor could be produced.
	SynthesisFailure
	// SubmissionFailure means the analyzer process did not exit cleanly.
	SubmissionFailure
	// PollTimeout means the remote job did not settle within the poll budget.
	PollTimeout
	// RemoteFailure means the remote service reported the job failed.
	RemoteFailure
	// CorrelationFailure means findings could not be retrieved.
	CorrelationFailure
)

var failureNames = [...]string{
	"none",
	"CheckoutFailure",
	"PatchFailure",
	"SynthesisFailure",
	"SubmissionFailure",
	"PollTimeout",
	"RemoteFailure",
	"CorrelationFailure",
}

// String returns the failure kind name.
func (k FailureKind) String() string {
	if k < 0 || int(k) >= len(failureNames) {
		return "unknown"
	}

	return failureNames[k]
}

// Aborts reports whether a failure of this kind drops the record before a
// result exists. Scan-side failures still yield a result with no issues.
func (k FailureKind) Aborts() bool {
	switch k {
	case CheckoutFailure, PatchFailure, SynthesisFailure:
		return true
	default:
		return false
	}
}

// outcome is the metrics label for the kind.
func (k FailureKind) outcome() string {
	if k == FailureNone {
		return "ok"
	}

	return k.String()
}

// Sentinel errors.
var (
	ErrRecordFailed       = errors.New("record failed")
	ErrMissingDependency  = errors.New("missing pipeline dependency")
	ErrInvalidShard       = errors.New("invalid shard")
	ErrInvalidWorkerCount = errors.New("invalid worker count")
)

// RecordError describes why one record failed.
type RecordError struct {
	Err    error
	Branch string
	Idx    int
	Kind   FailureKind
}

// Error implements error.
func (e *RecordError) Error() string {
	return fmt.Sprintf("%s: %s (idx %d, %s): %v", ErrRecordFailed, e.Kind, e.Idx, e.Branch, e.Err)
}

// Unwrap exposes both ErrRecordFailed and the stage error.
func (e *RecordError) Unwrap() []error {
	return []error{ErrRecordFailed, e.Err}
}

// KindOf returns the failure kind carried by err, or FailureNone.
func KindOf(err error) FailureKind {
	var recErr *RecordError
	if errors.As(err, &recErr) {
		return recErr.Kind
	}

	return FailureNone
}

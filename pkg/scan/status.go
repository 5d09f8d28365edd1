// Package scan orchestrates one analysis job: submission of the external
// analyzer, bounded polling of the remote completion signal, and correlation
// of the returned findings with the patched file.
package scan

import "strings"

// Status is the lifecycle state of a scan job.
type Status int

const (
	// StatusPending means the job is queued remotely or not yet observed.
	StatusPending Status = iota
	// StatusRunning means the remote service reports the job in progress.
	StatusRunning
	// StatusSuccess means no queued and no running work remains.
	StatusSuccess
	// StatusFailed means submission failed or the remote task failed.
	StatusFailed
	// StatusTimeout is a local classification: polling budget exhausted or canceled.
	StatusTimeout
)

var statusNames = [...]string{"PENDING", "RUNNING", "SUCCESS", "FAILED", "TIMEOUT"}

// String returns the upper-case status name.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}

	return statusNames[s]
}

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTimeout
}

// MarshalText encodes the status name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStatus converts a status name back into a Status.
func ParseStatus(name string) (Status, bool) {
	upper := strings.ToUpper(name)

	for i, n := range statusNames {
		if n == upper {
			return Status(i), true
		}
	}

	return StatusPending, false
}

// Activity is one observation of the remote status endpoint.
type Activity struct {
	// Queued is the number of tasks waiting for the job identifier.
	Queued int
	// Running reports a task currently being processed.
	Running bool
	// Failed reports that the latest finished task failed or was canceled.
	Failed bool
}

// Idle reports the completion signal: nothing queued and nothing running.
func (a Activity) Idle() bool {
	return a.Queued == 0 && !a.Running
}

// Observation feeds one step of the state machine.
type Observation struct {
	// Err is a transient poll error; the state is left unchanged.
	Err error
	// Activity is the remote report; nil when no poll answered.
	Activity *Activity
	// Exhausted marks the last allowed attempt.
	Exhausted bool
	// Canceled marks a canceled or expired context.
	Canceled bool
}

// Next is the pure transition function of the job state machine.
func Next(current Status, obs Observation) Status {
	if current.Terminal() {
		return current
	}

	if obs.Canceled {
		return StatusTimeout
	}

	next := current

	if obs.Err == nil && obs.Activity != nil {
		switch {
		case obs.Activity.Failed && obs.Activity.Idle():
			return StatusFailed
		case obs.Activity.Idle():
			return StatusSuccess
		case obs.Activity.Running:
			next = StatusRunning
		default:
			next = StatusPending
		}
	}

	if obs.Exhausted {
		return StatusTimeout
	}

	return next
}

package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrSubmission wraps every analyzer submission failure.
var ErrSubmission = errors.New("analyzer submission failed")

// DefaultSettleDelay is the pause between submission and the first poll.
const DefaultSettleDelay = 5 * time.Second

// SubmitRequest describes one analyzer invocation.
type SubmitRequest struct {
	// JobID is the branch/job identifier grouping this run's findings remotely.
	JobID string
	// SourceRoot is the project base directory handed to the analyzer.
	SourceRoot string
	// DescriptorPath is the compile_commands.json path. Empty when BuildWrapperDir is set.
	DescriptorPath string
	// BuildWrapperDir is a build-wrapper capture directory used instead of a descriptor.
	BuildWrapperDir string
	// LogPath receives the analyzer's stdout and stderr.
	LogPath string
}

// Runner executes the external analyzer. A nil error means exit code 0.
type Runner interface {
	Run(ctx context.Context, req SubmitRequest) error
}

// StatusSource reports remote activity for a job identifier.
type StatusSource interface {
	Activity(ctx context.Context, jobID string) (Activity, error)
}

// Job is the transient record of a submitted analysis.
type Job struct {
	SubmittedAt time.Time
	ID          string
}

// Handle tracks a submission through polling.
type Handle struct {
	Job     Job
	LogPath string
	Status  Status
	// Polls counts status round-trips made by AwaitCompletion.
	Polls int
}

// Orchestrator submits analyzer jobs and waits for their remote completion.
type Orchestrator struct {
	runner Runner
	status StatusSource
	clock  Clock
	logger *slog.Logger
	settle time.Duration
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithClock injects the clock used for settle and poll delays.
func WithClock(clock Clock) OrchestratorOption {
	return func(o *Orchestrator) {
		o.clock = clock
	}
}

// WithSettleDelay overrides the pause before the first poll.
func WithSettleDelay(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.settle = d
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// NewOrchestrator creates an Orchestrator backed by runner and status.
func NewOrchestrator(runner Runner, status StatusSource, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		runner: runner,
		status: status,
		clock:  SystemClock{},
		logger: slog.Default(),
		settle: DefaultSettleDelay,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Submit runs the analyzer once. A failed run yields a FAILED handle and an
// error wrapping ErrSubmission; submissions are never retried.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*Handle, error) {
	handle := &Handle{
		Job:     Job{ID: req.JobID, SubmittedAt: o.clock.Now()},
		LogPath: req.LogPath,
		Status:  StatusPending,
	}

	err := o.runner.Run(ctx, req)
	if err != nil {
		handle.Status = StatusFailed

		if errors.Is(err, ErrSubmission) {
			return handle, err
		}

		return handle, fmt.Errorf("%w: %w", ErrSubmission, err)
	}

	o.logger.DebugContext(ctx, "analyzer submission accepted", "job", req.JobID)

	return handle, nil
}

// AwaitCompletion polls the status source at most maxAttempts times, sleeping
// interval between polls, and returns the terminal status. Exhausting the
// attempts or canceling ctx yields StatusTimeout.
func (o *Orchestrator) AwaitCompletion(ctx context.Context, handle *Handle, maxAttempts int, interval time.Duration) Status {
	if handle.Status.Terminal() {
		return handle.Status
	}

	if maxAttempts <= 0 {
		handle.Status = Next(handle.Status, Observation{Exhausted: true})

		return handle.Status
	}

	if err := o.clock.Sleep(ctx, o.settle); err != nil {
		handle.Status = Next(handle.Status, Observation{Canceled: true})

		return handle.Status
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		activity, err := o.status.Activity(ctx, handle.Job.ID)
		handle.Polls++

		var observed *Activity

		if err != nil {
			o.logger.WarnContext(ctx, "status poll failed",
				"job", handle.Job.ID, "attempt", attempt, "error", err)
		} else {
			observed = &activity
		}

		handle.Status = Next(handle.Status, Observation{
			Activity:  observed,
			Err:       err,
			Exhausted: attempt == maxAttempts,
			Canceled:  ctx.Err() != nil,
		})

		if handle.Status.Terminal() {
			break
		}

		if sleepErr := o.clock.Sleep(ctx, interval); sleepErr != nil {
			handle.Status = Next(handle.Status, Observation{Canceled: true})

			break
		}
	}

	o.logger.DebugContext(ctx, "scan job settled",
		"job", handle.Job.ID, "status", handle.Status.String(), "polls", handle.Polls)

	return handle.Status
}

// Package pipeline drives dataset records through checkout, patching,
// descriptor synthesis, remote analysis and correlation, containing every
// failure to the record that caused it.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/7MMA7/VulnDetectGA/pkg/checkpoint"
	"github.com/7MMA7/VulnDetectGA/pkg/compiledb"
	"github.com/7MMA7/VulnDetectGA/pkg/dataset"
	"github.com/7MMA7/VulnDetectGA/pkg/observability"
	"github.com/7MMA7/VulnDetectGA/pkg/patcher"
	"github.com/7MMA7/VulnDetectGA/pkg/scan"
	"github.com/7MMA7/VulnDetectGA/pkg/workspace"
)

const (
	tracerName = "github.com/7MMA7/VulnDetectGA/pipeline"

	// CloneDir is the repository directory inside a workspace.
	CloneDir = "repo"

	// DiffSuffix names the audit patch written next to the scanner log.
	DiffSuffix = ".patch.diff"

	stageCheckout  = "checkout"
	stagePatch     = "patch"
	stageSynth     = "synthesize"
	stageScan      = "scan"
	stageCorrelate = "correlate"

	filePerm = 0o644
	dirPerm  = 0o755
)

// Checkouter materializes a repository at a commit into dir.
type Checkouter interface {
	Checkout(ctx context.Context, projectURL, commitID, dir string) error
}

// Patcher inserts a function definition into file content.
type Patcher interface {
	Patch(content, functionSource string) patcher.Outcome
}

// Synthesizer produces the compilation descriptor of a checked-out tree.
type Synthesizer interface {
	Synthesize(mode compiledb.Mode, repoRoot, relPath string) (compiledb.Unit, error)
}

// Orchestrator submits an analysis job and waits for it to settle.
type Orchestrator interface {
	Submit(ctx context.Context, req scan.SubmitRequest) (*scan.Handle, error)
	AwaitCompletion(ctx context.Context, handle *scan.Handle, maxAttempts int, interval time.Duration) scan.Status
}

// Correlator retrieves the findings attributed to a file of a finished job.
type Correlator interface {
	Attribute(ctx context.Context, jobID, targetFilePath string) ([]scan.Issue, error)
}

// LogPathFunc returns where the analyzer output of jobID is captured.
type LogPathFunc func(dir, jobID string) string

// Deps are the collaborators of a Driver. All are required.
type Deps struct {
	Checkouter   Checkouter
	Patcher      Patcher
	Synthesizer  Synthesizer
	Orchestrator Orchestrator
	Correlator   Correlator
	Workspaces   *workspace.Manager
}

func (d Deps) validate() error {
	var missing []string

	if d.Checkouter == nil {
		missing = append(missing, "checkouter")
	}

	if d.Patcher == nil {
		missing = append(missing, "patcher")
	}

	if d.Synthesizer == nil {
		missing = append(missing, "synthesizer")
	}

	if d.Orchestrator == nil {
		missing = append(missing, "orchestrator")
	}

	if d.Correlator == nil {
		missing = append(missing, "correlator")
	}

	if d.Workspaces == nil {
		missing = append(missing, "workspaces")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingDependency, missing)
	}

	return nil
}

// Config tunes a Driver.
type Config struct {
	// Mode selects single-file or whole-repository synthesis.
	Mode compiledb.Mode
	// LogDir receives scanner logs and audit diffs. Empty disables both.
	LogDir string
	// MaxAttempts bounds status polls per job.
	MaxAttempts int
	// PollInterval separates two polls.
	PollInterval time.Duration
	// RecordTimeout bounds one record end to end. Zero means no limit.
	RecordTimeout time.Duration
	// Workers is the number of records processed concurrently.
	Workers int
	// IncludeFailures records aborted records with their error.
	IncludeFailures bool
	// WriteDiff stores a unified diff of each applied patch in LogDir.
	WriteDiff bool
	// BuildWrapperDir replaces the synthesized descriptor with a build-wrapper capture.
	BuildWrapperDir string
}

// DefaultConfig mirrors the reference polling budget of 30 attempts, 5s apart.
func DefaultConfig() Config {
	return Config{
		Mode:         compiledb.ModeSingleFile,
		MaxAttempts:  30,
		PollInterval: 5 * time.Second,
		Workers:      1,
	}
}

// Driver runs records through the analysis stages.
type Driver struct {
	deps    Deps
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.PipelineMetrics
	logPath LogPathFunc
	ckpt    *progress
	cfg     Config
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithTracer sets the tracer used for record and stage spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Driver) {
		d.tracer = tracer
	}
}

// WithMetrics records stage durations and outcomes.
func WithMetrics(metrics *observability.PipelineMetrics) Option {
	return func(d *Driver) {
		d.metrics = metrics
	}
}

// WithLogPath overrides how scanner log paths are derived.
func WithLogPath(fn LogPathFunc) Option {
	return func(d *Driver) {
		d.logPath = fn
	}
}

// CheckpointSaver persists batch progress.
type CheckpointSaver interface {
	Save(meta checkpoint.Metadata, state *checkpoint.State) error
}

// WithCheckpoint skips records already in state and saves state after each
// processed record.
func WithCheckpoint(saver CheckpointSaver, meta checkpoint.Metadata, state *checkpoint.State) Option {
	return func(d *Driver) {
		if state == nil {
			state = &checkpoint.State{}
		}

		d.ckpt = &progress{saver: saver, meta: meta, state: state}
	}
}

// New creates a Driver.
func New(deps Deps, cfg Config, opts ...Option) (*Driver, error) {
	err := deps.validate()
	if err != nil {
		return nil, err
	}

	if cfg.Workers < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWorkerCount, cfg.Workers)
	}

	d := &Driver{
		deps:    deps,
		cfg:     cfg,
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		logPath: defaultLogPath,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

func defaultLogPath(dir, jobID string) string {
	return filepath.Join(dir, jobID+".scanner_output.txt")
}

// Summary describes a finished batch.
type Summary struct {
	Results   []dataset.Result
	Failures  map[FailureKind]int
	Total     int
	Processed int
	Resumed   int
	Duration  time.Duration
}

// Failed counts records that hit any failure kind.
func (s Summary) Failed() int {
	failed := 0
	for _, n := range s.Failures {
		failed += n
	}

	return failed
}

// Succeeded counts records processed in this run without any failure.
func (s Summary) Succeeded() int {
	return s.Processed - s.Failed()
}

// Run processes records with cfg.Workers workers. Per-record failures are
// logged and counted, never returned; only ctx cancellation stops the batch.
func (d *Driver) Run(ctx context.Context, records []dataset.Record) (Summary, error) {
	start := time.Now()

	ctx, span := d.tracer.Start(ctx, "vulndetect.batch",
		trace.WithAttributes(
			attribute.Int("batch.records", len(records)),
			attribute.Int("batch.workers", d.cfg.Workers),
		))
	defer span.End()

	var (
		acc       Accumulator
		mu        sync.Mutex
		failures  = make(map[FailureKind]int)
		resumed   int
		processed int
	)

	positions := make(map[string]int, len(records))

	for pos, rec := range records {
		positions[workspace.BranchName(rec.Idx, rec.Target)] = pos
	}

	if d.ckpt != nil {
		for _, res := range d.ckpt.state.Results {
			pos, ok := positions[res.Branch]
			if !ok {
				pos = -1
			}

			acc.Add(pos, res)
		}
	}

	jobs := make(chan int)

	var wg sync.WaitGroup

	for range d.cfg.Workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for pos := range jobs {
				rec := records[pos]
				branch := workspace.BranchName(rec.Idx, rec.Target)

				if d.ckpt != nil && d.ckpt.done(branch) {
					mu.Lock()
					resumed++
					mu.Unlock()

					continue
				}

				res, err := d.Process(ctx, rec)

				kind := KindOf(err)

				mu.Lock()
				processed++

				if kind != FailureNone {
					failures[kind]++
				}
				mu.Unlock()

				var kept *dataset.Result

				if !kind.Aborts() || d.cfg.IncludeFailures {
					acc.Add(pos, res)
					kept = &res
				}

				if d.ckpt != nil && ctx.Err() == nil {
					d.ckpt.record(ctx, d.logger, branch, kept)
				}
			}
		}()
	}

feed:
	for pos := range records {
		if ctx.Err() != nil {
			break
		}

		select {
		case jobs <- pos:
		case <-ctx.Done():
			break feed
		}
	}

	close(jobs)
	wg.Wait()

	summary := Summary{
		Results:   acc.Results(),
		Failures:  failures,
		Total:     len(records),
		Processed: processed,
		Resumed:   resumed,
		Duration:  time.Since(start),
	}

	span.SetAttributes(
		attribute.Int("batch.results", len(summary.Results)),
		attribute.Int("batch.resumed", resumed),
	)

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "batch interrupted")

		return summary, fmt.Errorf("batch interrupted: %w", err)
	}

	return summary, nil
}

// Process runs one record. The returned result is meaningful unless the error
// is a RecordError whose kind Aborts; it then carries only the record identity
// and the error text. The workspace is released on every path.
func (d *Driver) Process(ctx context.Context, rec dataset.Record) (dataset.Result, error) {
	branch := workspace.BranchName(rec.Idx, rec.Target)
	label := workspace.Label(rec.Target)

	res := dataset.Result{
		Idx:    rec.Idx,
		Target: rec.Target,
		Branch: branch,
		Issues: []scan.Issue{},
	}

	if d.cfg.RecordTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, d.cfg.RecordTimeout)
		defer cancel()
	}

	ctx, span := d.tracer.Start(ctx, "vulndetect.record",
		trace.WithAttributes(
			attribute.Int("record.idx", rec.Idx),
			attribute.String("record.branch", branch),
		))
	defer span.End()

	if d.metrics != nil {
		defer d.metrics.TrackInflight(ctx)()
	}

	logger := d.logger.With("idx", rec.Idx, "branch", branch)

	err := d.process(ctx, logger, rec, &res)

	kind := KindOf(err)
	if d.metrics != nil {
		d.metrics.RecordOutcome(ctx, kind.outcome(), label)
		d.metrics.RecordFindings(ctx, label, len(res.Issues))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		logger.WarnContext(ctx, "record failed", "kind", kind.String(), "error", err)

		if kind.Aborts() || d.cfg.IncludeFailures {
			res.Error = err.Error()
		}

		return res, err
	}

	logger.InfoContext(ctx, "record analyzed", "issues", len(res.Issues))

	return res, nil
}

func (d *Driver) process(ctx context.Context, logger *slog.Logger, rec dataset.Record, res *dataset.Result) error {
	ws, err := d.deps.Workspaces.Acquire(res.Branch)
	if err != nil {
		return d.fail(res, CheckoutFailure, err)
	}

	defer func() {
		if relErr := ws.Release(); relErr != nil {
			logger.WarnContext(ctx, "workspace release failed", "error", relErr)
		}
	}()

	repoDir := ws.Path(CloneDir)

	err = d.stage(ctx, stageCheckout, func(ctx context.Context) error {
		return d.deps.Checkouter.Checkout(ctx, rec.ProjectURL, rec.CommitID, repoDir)
	})
	if err != nil {
		return d.fail(res, CheckoutFailure, err)
	}

	err = d.stage(ctx, stagePatch, func(context.Context) error {
		return d.patch(logger, repoDir, rec, res.Branch)
	})
	if err != nil {
		return d.fail(res, PatchFailure, err)
	}

	var unit compiledb.Unit

	err = d.stage(ctx, stageSynth, func(context.Context) error {
		var synthErr error

		unit, synthErr = d.deps.Synthesizer.Synthesize(d.cfg.Mode, repoDir, rec.FilePath)

		return synthErr
	})
	if err != nil {
		return d.fail(res, SynthesisFailure, err)
	}

	status, err := d.scan(ctx, res, unit)
	if err != nil {
		return d.fail(res, SubmissionFailure, err)
	}

	res.Status = status.String()

	switch status {
	case scan.StatusSuccess:
	case scan.StatusFailed:
		return d.fail(res, RemoteFailure, fmt.Errorf("remote job %s ended %s", res.Branch, status))
	default:
		return d.fail(res, PollTimeout, fmt.Errorf("remote job %s ended %s", res.Branch, status))
	}

	err = d.stage(ctx, stageCorrelate, func(ctx context.Context) error {
		issues, corrErr := d.deps.Correlator.Attribute(ctx, res.Branch, rec.FilePath)
		res.Issues = issues

		return corrErr
	})
	if err != nil {
		return d.fail(res, CorrelationFailure, err)
	}

	return nil
}

func (d *Driver) patch(logger *slog.Logger, repoDir string, rec dataset.Record, branch string) error {
	target := filepath.Join(repoDir, filepath.FromSlash(rec.FilePath))

	before, err := os.ReadFile(target)
	if err != nil {
		return fmt.Errorf("read target file: %w", err)
	}

	outcome := d.deps.Patcher.Patch(string(before), rec.Func)

	err = outcome.Err()
	if err != nil {
		return err
	}

	err = os.WriteFile(target, []byte(outcome.Content), filePerm)
	if err != nil {
		return fmt.Errorf("write patched file: %w", err)
	}

	logger.Debug("function inserted", "name", outcome.Name, "anchor", outcome.Anchor)

	if d.cfg.WriteDiff && d.cfg.LogDir != "" {
		diffErr := writeAudit(filepath.Join(d.cfg.LogDir, branch+DiffSuffix), patcher.Diff(string(before), outcome.Content))
		if diffErr != nil {
			logger.Warn("audit diff not written", "error", diffErr)
		}
	}

	return nil
}

func (d *Driver) scan(ctx context.Context, res *dataset.Result, unit compiledb.Unit) (scan.Status, error) {
	req := scan.SubmitRequest{
		JobID:          res.Branch,
		SourceRoot:     unit.Root,
		DescriptorPath: unit.DescriptorPath,
	}

	if d.cfg.BuildWrapperDir != "" {
		req.DescriptorPath = ""
		req.BuildWrapperDir = d.cfg.BuildWrapperDir
	}

	if d.cfg.LogDir != "" {
		err := os.MkdirAll(d.cfg.LogDir, dirPerm)
		if err != nil {
			return scan.StatusFailed, fmt.Errorf("create log dir: %w", err)
		}

		req.LogPath = d.logPath(d.cfg.LogDir, res.Branch)
		res.ScannerLog = req.LogPath
	}

	var status scan.Status

	err := d.stage(ctx, stageScan, func(ctx context.Context) error {
		handle, submitErr := d.deps.Orchestrator.Submit(ctx, req)
		if submitErr != nil {
			status = scan.StatusFailed

			return submitErr
		}

		status = d.deps.Orchestrator.AwaitCompletion(ctx, handle, d.cfg.MaxAttempts, d.cfg.PollInterval)

		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("scan.status", status.String()),
			attribute.Int("scan.polls", handle.Polls),
		)

		if d.metrics != nil {
			d.metrics.RecordPolls(ctx, status.String(), handle.Polls)
		}

		return nil
	})
	if err != nil {
		res.Status = status.String()
	}

	return status, err
}

// stage runs fn under a child span and records its duration.
func (d *Driver) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := d.tracer.Start(ctx, "vulndetect."+name)
	defer span.End()

	start := time.Now()

	err := fn(ctx)

	if d.metrics != nil {
		d.metrics.RecordStage(ctx, name, time.Since(start))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
	}

	return err
}

func (d *Driver) fail(res *dataset.Result, kind FailureKind, err error) error {
	return &RecordError{Err: err, Branch: res.Branch, Idx: res.Idx, Kind: kind}
}

func writeAudit(path, diff string) error {
	err := os.MkdirAll(filepath.Dir(path), dirPerm)
	if err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	err = os.WriteFile(path, []byte(diff), filePerm)
	if err != nil {
		return fmt.Errorf("write audit diff: %w", err)
	}

	return nil
}

// progress guards checkpoint state shared by workers.
type progress struct {
	saver CheckpointSaver
	state *checkpoint.State
	meta  checkpoint.Metadata
	mu    sync.Mutex
}

func (p *progress) done(branch string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state.Done(branch)
}

func (p *progress) record(ctx context.Context, logger *slog.Logger, branch string, result *dataset.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state.Record(branch, result)

	err := p.saver.Save(p.meta, p.state)
	if err != nil {
		logger.WarnContext(ctx, "checkpoint not saved", "branch", branch, "error", err)
	}
}

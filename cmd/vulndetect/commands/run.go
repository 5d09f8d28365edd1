package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/7MMA7/VulnDetectGA/pkg/checkpoint"
	"github.com/7MMA7/VulnDetectGA/pkg/compiledb"
	"github.com/7MMA7/VulnDetectGA/pkg/config"
	"github.com/7MMA7/VulnDetectGA/pkg/dataset"
	"github.com/7MMA7/VulnDetectGA/pkg/gitlib"
	"github.com/7MMA7/VulnDetectGA/pkg/observability"
	"github.com/7MMA7/VulnDetectGA/pkg/patcher"
	"github.com/7MMA7/VulnDetectGA/pkg/pipeline"
	"github.com/7MMA7/VulnDetectGA/pkg/report"
	"github.com/7MMA7/VulnDetectGA/pkg/scan"
	"github.com/7MMA7/VulnDetectGA/pkg/sonar"
	"github.com/7MMA7/VulnDetectGA/pkg/version"
	"github.com/7MMA7/VulnDetectGA/pkg/workspace"
)

const shutdownGrace = 5 * time.Second

// depsBuilder wires the pipeline collaborators for a loaded configuration.
type depsBuilder func(cfg *config.Config, prov observability.Providers, ws *workspace.Manager) (pipeline.Deps, pipeline.LogPathFunc, error)

type observabilityInit func(ctx context.Context, cfg observability.Config) (observability.Providers, error)

// RunCommand holds the flags of the run command.
type RunCommand struct {
	global     *GlobalOptions
	loadConfig configLoader
	buildDeps  depsBuilder
	initObs    observabilityInit

	output      string
	format      string
	shard       string
	logDir      string
	metricsAddr string
	workers     int

	includeFailures bool
	keepWorkspace   bool
	noCheckpoint    bool
	resume          bool
	clearCheckpoint bool
	summary         bool
	noColor         bool
}

// NewRunCommand creates the run command.
func NewRunCommand(global *GlobalOptions) *cobra.Command {
	return newRunCommandWithDeps(global, config.LoadConfig, buildDeps, observability.Init)
}

func newRunCommandWithDeps(
	global *GlobalOptions,
	loadConfig configLoader,
	deps depsBuilder,
	initObs observabilityInit,
) *cobra.Command {
	rc := &RunCommand{
		global:     global,
		loadConfig: loadConfig,
		buildDeps:  deps,
		initObs:    initObs,
	}

	cobraCmd := &cobra.Command{
		Use:   "run <records.jsonl>",
		Short: "Analyze every record and write the labeled result dataset",
		Long: `Run checks out each record's repository at its commit, inserts the
record's function, synthesizes a compilation database, submits the tree to
the remote analyzer and keeps the findings attributed to the patched file.

A failing record never stops the batch. Progress is checkpointed per record
and an interrupted batch resumes where it stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: rc.run,
	}

	flags := cobraCmd.Flags()
	flags.StringVarP(&rc.output, "output", "o", "", "result file (default from config, final_results.json)")
	flags.StringVar(&rc.format, "format", "", "result format: json, ndjson or yaml (default from output extension)")
	flags.StringVar(&rc.shard, "shard", "", "process only shard i/n of the input")
	flags.StringVar(&rc.logDir, "log-dir", "", "directory for scanner logs and patch diffs")
	flags.StringVar(&rc.metricsAddr, "metrics-addr", "", "serve /metrics, /healthz and /readyz on this address")
	flags.IntVarP(&rc.workers, "workers", "w", 0, "records processed concurrently")
	flags.BoolVar(&rc.includeFailures, "include-failures", false, "keep aborted records in the output with their error")
	flags.BoolVar(&rc.keepWorkspace, "keep-workspace", false, "keep per-record working directories")
	flags.BoolVar(&rc.noCheckpoint, "no-checkpoint", false, "disable checkpointing")
	flags.BoolVar(&rc.resume, "resume", true, "resume from an existing checkpoint")
	flags.BoolVar(&rc.clearCheckpoint, "clear-checkpoint", false, "discard any checkpoint before starting")
	flags.BoolVar(&rc.summary, "summary", false, "print the result summary tables when done")
	flags.BoolVar(&rc.noColor, "no-color", false, "disable colored output")

	return cobraCmd
}

func (rc *RunCommand) run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := rc.loadConfig(rc.global.ConfigPath)
	if err != nil {
		return err
	}

	rc.applyFlags(cmd, cfg)

	err = cfg.RequireCredentials()
	if err != nil {
		return err
	}

	shard, err := pipeline.ParseShard(rc.shard)
	if err != nil {
		return err
	}

	format := dataset.FormatFromPath(cfg.Output.Path)
	if cfg.Output.Format != "" {
		format, err = dataset.ParseFormat(cfg.Output.Format)
		if err != nil {
			return err
		}
	}

	runID := uuid.NewString()

	prov, err := rc.initObs(ctx, observabilityConfig(cfg, rc.global, runID, version.Get().Version, cmd.ErrOrStderr()))
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	logger := prov.Logger

	defer func() {
		shutdownErr := prov.Shutdown(context.WithoutCancel(ctx))
		if shutdownErr != nil {
			logger.Warn("telemetry flush failed", "error", shutdownErr)
		}
	}()

	inputPath := args[0]

	records, inputHash, err := loadRecords(inputPath, shard, logger)
	if err != nil {
		return err
	}

	ws, err := workspace.NewManager(cfg.Workspace.Dir,
		workspace.WithKeep(cfg.Workspace.Keep),
		workspace.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	if cfg.Workspace.Reset {
		err = ws.Reset()
		if err != nil {
			return fmt.Errorf("reset workspace: %w", err)
		}
	}

	if cfg.Telemetry.MetricsAddr != "" {
		stop, serveErr := serveTelemetry(cfg.Telemetry.MetricsAddr, prov.MetricsHandler, ws, logger)
		if serveErr != nil {
			return serveErr
		}

		defer stop()
	}

	deps, logPath, err := rc.buildDeps(cfg, prov, ws)
	if err != nil {
		return err
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithTracer(prov.Tracer),
		pipeline.WithLogPath(logPath),
	}

	metrics, err := observability.NewPipelineMetrics(prov.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	opts = append(opts, pipeline.WithMetrics(metrics))

	var ckpt *checkpoint.Manager

	if cfg.Pipeline.Checkpoint {
		var ckptOpt pipeline.Option

		ckpt, ckptOpt, err = rc.prepareCheckpoint(cfg, inputPath, inputHash, shard, runID, logger)
		if err != nil {
			return err
		}

		opts = append(opts, ckptOpt)
	}

	drv, err := pipeline.New(deps, pipelineConfig(cfg), opts...)
	if err != nil {
		return err
	}

	logger.Info("batch starting",
		"input", inputPath, "records", len(records), "shard", shard.String(), "workers", cfg.Pipeline.Workers)

	summary, runErr := drv.Run(ctx, records)

	writeErr := dataset.WriteFile(cfg.Output.Path, format, summary.Results)
	if writeErr == nil && runErr == nil && ckpt != nil {
		clearErr := ckpt.Clear()
		if clearErr != nil {
			logger.Warn("checkpoint not cleared", "error", clearErr)
		}
	}

	out := cmd.OutOrStdout()
	rc.printSummary(out, cfg.Output.Path, summary)

	if rc.summary {
		renderErr := report.RenderText(out, report.Compute(summary.Results), report.TextOptions{NoColor: rc.noColor})
		if renderErr != nil {
			return errors.Join(runErr, writeErr, renderErr)
		}
	}

	return errors.Join(runErr, writeErr)
}

// applyFlags overrides configuration values with explicitly set flags.
func (rc *RunCommand) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("output") {
		cfg.Output.Path = rc.output
	}

	if flags.Changed("format") {
		cfg.Output.Format = rc.format
	}

	if flags.Changed("log-dir") {
		cfg.Output.LogDir = rc.logDir
	}

	if flags.Changed("metrics-addr") {
		cfg.Telemetry.MetricsAddr = rc.metricsAddr
	}

	if flags.Changed("workers") && rc.workers > 0 {
		cfg.Pipeline.Workers = rc.workers
	}

	if flags.Changed("include-failures") {
		cfg.Output.IncludeFailures = rc.includeFailures
	}

	if flags.Changed("keep-workspace") {
		cfg.Workspace.Keep = rc.keepWorkspace
	}

	if rc.noCheckpoint {
		cfg.Pipeline.Checkpoint = false
	}

	if flags.Changed("resume") {
		cfg.Pipeline.Resume = rc.resume
	}
}

func (rc *RunCommand) prepareCheckpoint(
	cfg *config.Config,
	inputPath, inputHash string,
	shard pipeline.Shard,
	runID string,
	logger *slog.Logger,
) (*checkpoint.Manager, pipeline.Option, error) {
	dir := cfg.Pipeline.CheckpointDir
	if dir == "" {
		dir = checkpoint.DefaultDir()
	}

	mgr := checkpoint.NewManager(dir, inputHash)

	if rc.clearCheckpoint {
		err := mgr.Clear()
		if err != nil {
			return nil, nil, fmt.Errorf("clear checkpoint: %w", err)
		}
	}

	meta := checkpoint.Start(inputPath, inputHash, shard.String())
	meta.RunID = runID
	state := &checkpoint.State{}

	if cfg.Pipeline.Resume && mgr.Exists() {
		err := mgr.Validate(inputHash, shard.String())
		if err != nil {
			logger.Warn("checkpoint discarded", "dir", mgr.Dir(), "error", err)

			clearErr := mgr.Clear()
			if clearErr != nil {
				return nil, nil, fmt.Errorf("clear checkpoint: %w", clearErr)
			}
		} else {
			loadedMeta, loadedState, loadErr := mgr.Load()
			if loadErr != nil {
				return nil, nil, fmt.Errorf("load checkpoint: %w", loadErr)
			}

			meta, state = *loadedMeta, loadedState
			logger.Info("resuming from checkpoint",
				"dir", mgr.Dir(), "run_id", meta.RunID, "completed", len(state.Completed))
		}
	}

	return mgr, pipeline.WithCheckpoint(mgr, meta, state), nil
}

func (rc *RunCommand) printSummary(w io.Writer, outputPath string, s pipeline.Summary) {
	ok := color.New(color.FgGreen)
	warn := color.New(color.FgYellow)

	if rc.noColor {
		ok.DisableColor()
		warn.DisableColor()
	}

	line := ok
	if s.Failed() > 0 {
		line = warn
	}

	line.Fprintf(w, "%s of %s records analyzed, %s failed, %s resumed in %s\n",
		humanize.Comma(int64(s.Succeeded())),
		humanize.Comma(int64(s.Total)),
		humanize.Comma(int64(s.Failed())),
		humanize.Comma(int64(s.Resumed)),
		s.Duration.Round(time.Millisecond),
	)

	for _, kind := range slices.Sorted(maps.Keys(s.Failures)) {
		if n := s.Failures[kind]; n > 0 {
			warn.Fprintf(w, "  %-20s %d\n", kind, n)
		}
	}

	fmt.Fprintf(w, "%s results written to %s\n", humanize.Comma(int64(len(s.Results))), outputPath)
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	mode, err := compiledb.ParseMode(cfg.Compile.Mode)
	if err != nil {
		mode = compiledb.ModeSingleFile
	}

	return pipeline.Config{
		Mode:            mode,
		LogDir:          cfg.Output.LogDir,
		MaxAttempts:     cfg.Poll.MaxAttempts,
		PollInterval:    cfg.Poll.Interval,
		RecordTimeout:   cfg.Pipeline.RecordTimeout,
		Workers:         cfg.Pipeline.Workers,
		IncludeFailures: cfg.Output.IncludeFailures,
		WriteDiff:       cfg.Patch.WriteDiff,
		BuildWrapperDir: cfg.Scanner.BuildWrapper,
	}
}

// loadRecords hashes the input for checkpoint keying and reads the shard's records.
func loadRecords(path string, shard pipeline.Shard, logger *slog.Logger) ([]dataset.Record, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	hash, err := checkpoint.InputHash(f, shard.String())
	if err != nil {
		return nil, "", err
	}

	_, err = f.Seek(0, io.SeekStart)
	if err != nil {
		return nil, "", fmt.Errorf("rewind input: %w", err)
	}

	records, skipped, err := dataset.ReadAll(f, logger)
	if err != nil {
		return nil, "", fmt.Errorf("read input: %w", err)
	}

	if skipped > 0 {
		logger.Warn("input lines skipped", "skipped", skipped)
	}

	return shard.Select(records), hash, nil
}

func serveTelemetry(addr string, metrics http.Handler, ws *workspace.Manager, logger *slog.Logger) (func(), error) {
	rootReady := func(context.Context) error {
		_, err := os.Stat(ws.Root())

		return err
	}

	srv, err := observability.Serve(addr, observability.NewServeMux(metrics, rootReady), logger)
	if err != nil {
		return nil, err
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		shutdownErr := srv.Shutdown(ctx)
		if shutdownErr != nil {
			logger.Warn("telemetry server shutdown", "error", shutdownErr)
		}
	}, nil
}

// buildDeps wires the production collaborators.
func buildDeps(cfg *config.Config, prov observability.Providers, ws *workspace.Manager) (pipeline.Deps, pipeline.LogPathFunc, error) {
	logger := prov.Logger

	httpClient := &http.Client{
		Timeout:   cfg.Sonar.HTTPTimeout,
		Transport: observability.NewTransport(prov.Tracer, http.DefaultTransport),
	}

	client, err := sonar.NewClient(sonar.ClientConfig{
		APIURL:     cfg.Sonar.APIURL,
		Token:      cfg.Sonar.Token,
		ProjectKey: cfg.Sonar.ProjectKey,
		IssueTypes: cfg.Sonar.IssueTypes,
		PageSize:   cfg.Sonar.PageSize,
		MaxPages:   cfg.Sonar.MaxPages,
	}, httpClient)
	if err != nil {
		return pipeline.Deps{}, nil, err
	}

	props, err := cfg.Scanner.PropertyMap()
	if err != nil {
		return pipeline.Deps{}, nil, err
	}

	scannerCfg := sonar.ScannerConfig{
		Executable:   cfg.Scanner.Executable,
		HostURL:      cfg.Sonar.HostURL,
		Organization: cfg.Sonar.Organization,
		ProjectKey:   cfg.Sonar.ProjectKey,
		Token:        cfg.Sonar.Token,
		Exclusions:   cfg.Scanner.Exclusions,
		Properties:   props,
		CompressLogs: cfg.Scanner.CompressLogs,
	}

	if len(cfg.Scanner.Args) > 0 {
		scannerCfg.ExecutableArgs = cfg.Scanner.Args
	}

	scanner := sonar.NewScanner(scannerCfg, logger)

	patchMode, err := patcher.ParseMode(cfg.Patch.Mode)
	if err != nil {
		return pipeline.Deps{}, nil, err
	}

	maxSize, err := cfg.Patch.MaxFileSizeBytes()
	if err != nil {
		return pipeline.Deps{}, nil, err
	}

	deps := pipeline.Deps{
		Checkouter: gitlib.NewCheckouter(logger),
		Patcher:    patcher.New(patcher.WithMode(patchMode), patcher.WithMaxSize(maxSize)),
		Synthesizer: compiledb.NewSynthesizer(
			compiledb.WithCompilers(cfg.Compile.CCompiler, cfg.Compile.CXXCompiler),
			compiledb.WithSkipVendor(cfg.Compile.SkipVendor),
		),
		Orchestrator: scan.NewOrchestrator(scanner, client,
			scan.WithSettleDelay(cfg.Poll.SettleDelay),
			scan.WithLogger(logger),
		),
		Correlator: scan.NewCorrelator(client, logger),
		Workspaces: ws,
	}

	return deps, scanner.LogPath, nil
}

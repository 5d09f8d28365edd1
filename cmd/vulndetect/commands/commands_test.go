package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/7MMA7/VulnDetectGA/pkg/compiledb"
	"github.com/7MMA7/VulnDetectGA/pkg/config"
	"github.com/7MMA7/VulnDetectGA/pkg/dataset"
	"github.com/7MMA7/VulnDetectGA/pkg/observability"
	"github.com/7MMA7/VulnDetectGA/pkg/patcher"
	"github.com/7MMA7/VulnDetectGA/pkg/pipeline"
	"github.com/7MMA7/VulnDetectGA/pkg/scan"
	"github.com/7MMA7/VulnDetectGA/pkg/workspace"
)

const fooSource = `#include <stdio.h>

int foo(int x) {
	return x;
}
`

const fooPatch = "int foo(int x) { char buf[4]; buf[x] = 0; return x; }"

type testEnv struct {
	dir        string
	configPath string
	inputPath  string
	outputPath string
	ckptDir    string
}

func newTestEnv(t *testing.T, records ...dataset.Record) testEnv {
	t.Helper()

	dir := t.TempDir()
	env := testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "vulndetect.yaml"),
		inputPath:  filepath.Join(dir, "records.jsonl"),
		outputPath: filepath.Join(dir, "final_results.json"),
		ckptDir:    filepath.Join(dir, "checkpoints"),
	}

	cfg := strings.Join([]string{
		"sonar:",
		"  token: test-token",
		"  organization: test-org",
		"  project_key: test-project",
		"poll:",
		"  interval: 0s",
		"  settle_delay: 0s",
		"workspace:",
		"  dir: " + filepath.Join(dir, "work"),
		"output:",
		"  path: " + env.outputPath,
		"  log_dir: " + filepath.Join(dir, "logs"),
		"pipeline:",
		"  checkpoint_dir: " + env.ckptDir,
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(env.configPath, []byte(cfg), 0o600))

	var lines bytes.Buffer

	for _, rec := range records {
		data, err := json.Marshal(rec)
		require.NoError(t, err)

		lines.Write(data)
		lines.WriteByte('\n')
	}

	require.NoError(t, os.WriteFile(env.inputPath, lines.Bytes(), 0o600))

	return env
}

func pair(idx int) []dataset.Record {
	base := dataset.Record{
		ProjectURL: "https://example.com/repo.git",
		CommitID:   "abc1234",
		FilePath:   "src/foo.c",
		Func:       fooPatch,
		Idx:        idx,
	}

	vuln, fixed := base, base
	vuln.Target = workspace.TargetVulnerable
	fixed.Target = 0

	return []dataset.Record{vuln, fixed}
}

type writeCheckouter struct {
	mu    sync.Mutex
	calls int
}

func (c *writeCheckouter) Checkout(_ context.Context, _, _, dir string) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	path := filepath.Join(dir, "src", "foo.c")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, []byte(fooSource), 0o644)
}

type successOrchestrator struct{}

func (successOrchestrator) Submit(_ context.Context, req scan.SubmitRequest) (*scan.Handle, error) {
	return &scan.Handle{Job: scan.Job{ID: req.JobID}, LogPath: req.LogPath}, nil
}

func (successOrchestrator) AwaitCompletion(context.Context, *scan.Handle, int, time.Duration) scan.Status {
	return scan.StatusSuccess
}

// vulnOnlyCorrelator reports one finding on vulnerable branches.
type vulnOnlyCorrelator struct{}

func (vulnOnlyCorrelator) Attribute(_ context.Context, jobID, _ string) ([]scan.Issue, error) {
	if strings.HasSuffix(jobID, "-"+workspace.LabelVulnerable) {
		return []scan.Issue{{Rule: "c:S3519", Message: "buffer overflow", Severity: scan.SeverityCritical}}, nil
	}

	return []scan.Issue{}, nil
}

func fakeDeps(checkouter *writeCheckouter) depsBuilder {
	return func(_ *config.Config, _ observability.Providers, ws *workspace.Manager) (pipeline.Deps, pipeline.LogPathFunc, error) {
		deps := pipeline.Deps{
			Checkouter:   checkouter,
			Patcher:      patcher.New(),
			Synthesizer:  compiledb.NewSynthesizer(),
			Orchestrator: successOrchestrator{},
			Correlator:   vulnOnlyCorrelator{},
			Workspaces:   ws,
		}

		logPath := func(dir, jobID string) string {
			return filepath.Join(dir, jobID+".log")
		}

		return deps, logPath, nil
	}
}

func nopObservability(context.Context, observability.Config) (observability.Providers, error) {
	return observability.Providers{
		Tracer:   nooptrace.NewTracerProvider().Tracer("test"),
		Meter:    noopmetric.NewMeterProvider().Meter("test"),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Shutdown: func(context.Context) error { return nil },
	}, nil
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)

	err := cmd.Execute()

	return out.String(), err
}

func TestRunCommand_WritesDataset(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, append(pair(1), pair(2)...)...)
	checkouter := &writeCheckouter{}

	cmd := newRunCommandWithDeps(&GlobalOptions{ConfigPath: env.configPath},
		config.LoadConfig, fakeDeps(checkouter), nopObservability)

	out, err := execute(t, cmd, env.inputPath, "--no-color", "--summary")
	require.NoError(t, err)

	assert.Contains(t, out, "4 of 4 records analyzed, 0 failed")
	assert.Contains(t, out, "Pairs told apart: 2 of 2")

	results, err := dataset.ReadFile(env.outputPath)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, "analysis-1-vuln", results[0].Branch)
	assert.Equal(t, "analysis-1-fixed", results[1].Branch)
	assert.Equal(t, "SUCCESS", results[0].Status)
	assert.Len(t, results[0].Issues, 1)
	assert.Empty(t, results[1].Issues)
	assert.NotNil(t, results[1].Issues)

	entries, err := os.ReadDir(env.ckptDir)
	if err == nil {
		assert.Empty(t, entries, "checkpoint cleared after a clean batch")
	}

	assert.Equal(t, 4, checkouter.calls)
}

func TestRunCommand_Shard(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, append(pair(1), pair(2)...)...)

	cmd := newRunCommandWithDeps(&GlobalOptions{ConfigPath: env.configPath},
		config.LoadConfig, fakeDeps(&writeCheckouter{}), nopObservability)

	_, err := execute(t, cmd, env.inputPath, "--shard", "1/2", "--format", "ndjson", "--no-checkpoint")
	require.NoError(t, err)

	data, err := os.ReadFile(env.outputPath)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "analysis-1-fixed")
	assert.Contains(t, lines[1], "analysis-2-fixed")
}

func TestRunCommand_InvalidShard(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, pair(1)...)

	cmd := newRunCommandWithDeps(&GlobalOptions{ConfigPath: env.configPath},
		config.LoadConfig, fakeDeps(&writeCheckouter{}), nopObservability)

	_, err := execute(t, cmd, env.inputPath, "--shard", "2/2")
	require.ErrorIs(t, err, pipeline.ErrInvalidShard)
	assert.NoFileExists(t, env.outputPath)
}

func TestRunCommand_MissingCredentials(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, pair(1)...)

	withoutToken := func(path string) (*config.Config, error) {
		cfg, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}

		cfg.Sonar.Token = ""

		return cfg, nil
	}

	cmd := newRunCommandWithDeps(&GlobalOptions{ConfigPath: env.configPath},
		withoutToken, fakeDeps(&writeCheckouter{}), nopObservability)

	_, err := execute(t, cmd, env.inputPath)
	require.ErrorIs(t, err, config.ErrMissingCredentials)
}

func TestRunCommand_CanceledKeepsCheckpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, pair(1)...)

	cmd := newRunCommandWithDeps(&GlobalOptions{ConfigPath: env.configPath},
		config.LoadConfig, fakeDeps(&writeCheckouter{}), nopObservability)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cmd.SetContext(ctx)

	_, err := execute(t, cmd, env.inputPath, "--no-color")
	require.ErrorIs(t, err, context.Canceled)

	results, readErr := dataset.ReadFile(env.outputPath)
	require.NoError(t, readErr)
	assert.Empty(t, results)
}

func TestApplyFlags(t *testing.T) {
	t.Parallel()

	cmd := newRunCommandWithDeps(&GlobalOptions{}, config.LoadConfig, fakeDeps(&writeCheckouter{}), nopObservability)
	require.NoError(t, cmd.ParseFlags([]string{
		"--output", "out.yaml", "--workers", "4", "--include-failures",
		"--keep-workspace", "--no-checkpoint", "--resume=false", "--log-dir", "logs2",
	}))

	cfg := &config.Config{}
	cfg.Pipeline.Checkpoint = true
	cfg.Pipeline.Resume = true
	cfg.Pipeline.Workers = 1

	rc := &RunCommand{}
	rc.output, rc.workers, rc.includeFailures = "out.yaml", 4, true
	rc.keepWorkspace, rc.noCheckpoint, rc.resume, rc.logDir = true, true, false, "logs2"
	rc.applyFlags(cmd, cfg)

	assert.Equal(t, "out.yaml", cfg.Output.Path)
	assert.Equal(t, "logs2", cfg.Output.LogDir)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.True(t, cfg.Output.IncludeFailures)
	assert.True(t, cfg.Workspace.Keep)
	assert.False(t, cfg.Pipeline.Checkpoint)
	assert.False(t, cfg.Pipeline.Resume)
}

func TestGlobalOptions_LogLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, (&GlobalOptions{Verbose: true}).logLevel("error"))
	assert.Equal(t, slog.LevelError, (&GlobalOptions{Quiet: true}).logLevel("debug"))
	assert.Equal(t, slog.LevelWarn, (&GlobalOptions{}).logLevel("warn"))
	assert.Equal(t, slog.LevelInfo, (*GlobalOptions)(nil).logLevel("bogus"))
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, pair(1)...)

	out, err := execute(t, NewValidateCommand(), env.inputPath, "--no-color")
	require.NoError(t, err)
	assert.Contains(t, out, "2 records valid")

	bad := filepath.Join(env.dir, "bad.jsonl")
	good, err := os.ReadFile(env.inputPath)
	require.NoError(t, err)

	content := string(good) + strings.SplitN(string(good), "\n", 2)[0] + "\n{\"idx\": \"x\"}\n"
	require.NoError(t, os.WriteFile(bad, []byte(content), 0o600))

	out, err = execute(t, NewValidateCommand(), bad, "--no-color")
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, out, "line 3: duplicate (idx, target)")
	assert.Contains(t, out, "line 4:")
}

func TestPatchCommand(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	source := filepath.Join(env.dir, "foo.c")
	function := filepath.Join(env.dir, "foo.func")

	require.NoError(t, os.WriteFile(source, []byte(fooSource), 0o600))
	require.NoError(t, os.WriteFile(function, []byte(fooPatch), 0o600))

	cmd := newPatchCommandWithDeps(&GlobalOptions{ConfigPath: env.configPath}, config.LoadConfig)

	out, err := execute(t, cmd, source, function)
	require.NoError(t, err)
	assert.Contains(t, out, "+"+fooPatch)

	unchanged, err := os.ReadFile(source)
	require.NoError(t, err)
	assert.Equal(t, fooSource, string(unchanged))

	cmd = newPatchCommandWithDeps(&GlobalOptions{ConfigPath: env.configPath}, config.LoadConfig)
	cmd.SetIn(strings.NewReader(fooPatch))

	_, err = execute(t, cmd, source, "-", "--in-place")
	require.NoError(t, err)

	patched, err := os.ReadFile(source)
	require.NoError(t, err)
	assert.Contains(t, string(patched), fooPatch)
	assert.Contains(t, string(patched), "return x;\n}")
}

func TestPatchCommand_NotApplied(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	source := filepath.Join(env.dir, "foo.c")
	function := filepath.Join(env.dir, "bar.func")

	require.NoError(t, os.WriteFile(source, []byte(fooSource), 0o600))
	require.NoError(t, os.WriteFile(function, []byte("int bar(void) { return 0; }"), 0o600))

	cmd := newPatchCommandWithDeps(&GlobalOptions{ConfigPath: env.configPath}, config.LoadConfig)

	_, err := execute(t, cmd, source, function)
	require.ErrorIs(t, err, ErrPatchNotApplied)
	require.ErrorIs(t, err, patcher.ErrPatch)
}

func TestSynthCommand(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	repo := filepath.Join(env.dir, "repo")

	require.NoError(t, os.MkdirAll(filepath.Join(repo, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "src", "foo.c"), []byte(fooSource), 0o600))

	cmd := newSynthCommandWithDeps(&GlobalOptions{ConfigPath: env.configPath}, config.LoadConfig)

	out, err := execute(t, cmd, repo, "src/foo.c", "--list")
	require.NoError(t, err)
	assert.Contains(t, out, compiledb.FileName)
	assert.Contains(t, out, "(1 entries")
	assert.Contains(t, out, " -c foo.c")

	cmd = newSynthCommandWithDeps(&GlobalOptions{ConfigPath: env.configPath}, config.LoadConfig)

	_, err = execute(t, cmd, repo)
	require.ErrorIs(t, err, compiledb.ErrSourceMissing)
}

func TestReportCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	results := filepath.Join(dir, "final_results.json")
	html := filepath.Join(dir, "report.html")

	require.NoError(t, dataset.WriteFile(results, dataset.FormatJSON, []dataset.Result{
		{Branch: "analysis-1-vuln", Idx: 1, Target: 1, Issues: []scan.Issue{{Rule: "c:S3519", Severity: scan.SeverityCritical}}},
		{Branch: "analysis-1-fixed", Idx: 1, Target: 0, Issues: []scan.Issue{}},
	}))

	out, err := execute(t, NewReportCommand(), results, "--no-color", "--html", html)
	require.NoError(t, err)
	assert.Contains(t, out, "2 results")
	assert.Contains(t, out, "c:S3519")
	assert.FileExists(t, html)
}

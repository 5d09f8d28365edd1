package sonar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/7MMA7/VulnDetectGA/pkg/scan"
)

// Scanner defaults.
const (
	DefaultHostURL    = "https://sonarcloud.io"
	DefaultExecutable = "npx"
	LogFileSuffix     = ".scanner_output.txt"

	lz4Extension = ".lz4"
	logFilePerm  = 0o600
	waitDelay    = 10 * time.Second
	tokenEnvVar  = "SONAR_TOKEN"
)

// DefaultExecutableArgs precede the -D properties on the command line.
var DefaultExecutableArgs = []string{"sonar-scanner"}

// DefaultExclusions keep non-source files out of the analysis.
var DefaultExclusions = []string{"**/*.json", "**/*.txt", "**/*.lz4", "**/*.md"}

// ScannerConfig configures the scanner process.
type ScannerConfig struct {
	// Executable is the program to run, "npx" by default.
	Executable string
	// ExecutableArgs are placed before the -D properties.
	ExecutableArgs []string
	// HostURL is the analysis server URL.
	HostURL string
	// Organization and ProjectKey identify the shared remote project.
	Organization string
	ProjectKey   string
	// Token is passed through the environment, never on the command line.
	Token string
	// Exclusions are glob filters for non-source files.
	Exclusions []string
	// Properties are extra -Dkey=value pairs.
	Properties map[string]string
	// CompressLogs stores the captured output as an lz4 frame.
	CompressLogs bool
}

// Scanner runs the external analyzer and implements scan.Runner.
type Scanner struct {
	logger *slog.Logger
	cfg    ScannerConfig
}

// NewScanner creates a Scanner, filling defaults for empty fields.
func NewScanner(cfg ScannerConfig, logger *slog.Logger) *Scanner {
	if cfg.Executable == "" {
		cfg.Executable = DefaultExecutable
		if cfg.ExecutableArgs == nil {
			cfg.ExecutableArgs = DefaultExecutableArgs
		}
	}

	if cfg.HostURL == "" {
		cfg.HostURL = DefaultHostURL
	}

	if cfg.Exclusions == nil {
		cfg.Exclusions = DefaultExclusions
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Scanner{logger: logger, cfg: cfg}
}

// LogPath returns where the captured output of jobID is stored under dir.
func (s *Scanner) LogPath(dir, jobID string) string {
	path := filepath.Join(dir, jobID+LogFileSuffix)
	if s.cfg.CompressLogs {
		path += lz4Extension
	}

	return path
}

// Args builds the full argument list for one submission.
func (s *Scanner) Args(req scan.SubmitRequest) []string {
	args := append([]string{}, s.cfg.ExecutableArgs...)

	props := []string{
		"sonar.host.url=" + s.cfg.HostURL,
		"sonar.organization=" + s.cfg.Organization,
		"sonar.projectKey=" + s.cfg.ProjectKey,
		"sonar.projectBaseDir=" + req.SourceRoot,
		"sonar.branch.name=" + req.JobID,
	}

	if req.BuildWrapperDir != "" {
		props = append(props, "sonar.cfamily.build-wrapper-output="+req.BuildWrapperDir)
	} else {
		props = append(props, "sonar.cfamily.compile-commands="+req.DescriptorPath)
	}

	props = append(props,
		"sonar.scm.disabled=true",
		"sonar.c.file.suffixes=.c,.h",
		"sonar.cpp.file.suffixes=.cpp,.hpp,.cc",
		"sonar.cpd.exclusions=**/*",
	)

	if len(s.cfg.Exclusions) > 0 {
		props = append(props, "sonar.exclusions="+strings.Join(s.cfg.Exclusions, ","))
	}

	for _, key := range slices.Sorted(maps.Keys(s.cfg.Properties)) {
		props = append(props, key+"="+s.cfg.Properties[key])
	}

	for _, p := range props {
		args = append(args, "-D"+p)
	}

	return args
}

// Run executes the scanner in req.SourceRoot and captures its output to
// req.LogPath. A non-zero exit or a start failure wraps scan.ErrSubmission.
func (s *Scanner) Run(ctx context.Context, req scan.SubmitRequest) error {
	cmd := exec.CommandContext(ctx, s.cfg.Executable, s.Args(req)...)
	cmd.Dir = req.SourceRoot
	cmd.Env = append(os.Environ(), tokenEnvVar+"="+s.cfg.Token)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()

	if req.LogPath != "" {
		logErr := writeLog(req.LogPath, stdout.Bytes(), stderr.Bytes(), s.cfg.CompressLogs)
		if logErr != nil {
			s.logger.WarnContext(ctx, "scanner log not written", "path", req.LogPath, "error", logErr)
		}
	}

	s.logger.DebugContext(ctx, "scanner finished",
		"job", req.JobID, "duration", time.Since(start), "error", runErr)

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return fmt.Errorf("%w: exit code %d", scan.ErrSubmission, exitErr.ExitCode())
		}

		return fmt.Errorf("%w: %w", scan.ErrSubmission, runErr)
	}

	return nil
}

func writeLog(path string, stdout, stderr []byte, compress bool) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, logFilePerm)
	if err != nil {
		return fmt.Errorf("create log: %w", err)
	}

	var w io.Writer = f

	var zw *lz4.Writer
	if compress {
		zw = lz4.NewWriter(f)
		w = zw
	}

	_, err = fmt.Fprintf(w, "STDOUT\n%s\n\nSTDERR\n%s", stdout, stderr)

	if zw != nil {
		err = errors.Join(err, zw.Close())
	}

	err = errors.Join(err, f.Close())
	if err != nil {
		return fmt.Errorf("write log: %w", err)
	}

	return nil
}

// ReadLog returns the captured scanner output, decompressing lz4 logs.
func ReadLog(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, lz4Extension) {
		r = lz4.NewReader(f)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read log: %w", err)
	}

	return string(data), nil
}

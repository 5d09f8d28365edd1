// Package config loads the vulndetect configuration from defaults, a YAML
// file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/7MMA7/VulnDetectGA/pkg/compiledb"
	"github.com/7MMA7/VulnDetectGA/pkg/dataset"
	"github.com/7MMA7/VulnDetectGA/pkg/patcher"
	"github.com/7MMA7/VulnDetectGA/pkg/safeconv"
)

// Sentinel validation errors.
var (
	ErrMissingCredentials = errors.New("missing analysis service credentials")
	ErrInvalidAttempts    = errors.New("poll max attempts must be positive")
	ErrInvalidInterval    = errors.New("poll interval must not be negative")
	ErrInvalidWorkers     = errors.New("pipeline workers must be positive")
	ErrInvalidTimeout     = errors.New("record timeout must be positive")
	ErrInvalidSize        = errors.New("invalid size")
	ErrInvalidPageSize    = errors.New("page size must be between 1 and 500")
	ErrInvalidProperty    = errors.New("scanner property must be key=value")
)

const (
	configName = "vulndetect"
	configType = "yaml"
	envPrefix  = "VULNDETECT"

	// DotEnvFile is loaded before the environment is read, when present.
	DotEnvFile = ".env"

	maxPageSize = 500
)

// Config holds all vulndetect configuration.
type Config struct {
	Sonar     SonarConfig     `mapstructure:"sonar"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Poll      PollConfig      `mapstructure:"poll"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Patch     PatchConfig     `mapstructure:"patch"`
	Compile   CompileConfig   `mapstructure:"compile"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Output    OutputConfig    `mapstructure:"output"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// SonarConfig holds the analysis service coordinates and credentials.
type SonarConfig struct {
	APIURL       string        `mapstructure:"api_url"`
	HostURL      string        `mapstructure:"host_url"`
	Token        string        `mapstructure:"token"`
	Organization string        `mapstructure:"organization"`
	ProjectKey   string        `mapstructure:"project_key"`
	IssueTypes   []string      `mapstructure:"issue_types"`
	PageSize     int           `mapstructure:"page_size"`
	MaxPages     int           `mapstructure:"max_pages"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
}

// ScannerConfig holds the scanner process settings.
type ScannerConfig struct {
	Executable   string   `mapstructure:"executable"`
	BuildWrapper string   `mapstructure:"build_wrapper_output"`
	Args         []string `mapstructure:"args"`
	Exclusions   []string `mapstructure:"exclusions"`
	// Properties are extra "key=value" analysis properties. A list keeps
	// dotted property names out of viper's key path splitting.
	Properties   []string `mapstructure:"properties"`
	CompressLogs bool     `mapstructure:"compress_logs"`
}

// PropertyMap parses Properties into a map.
func (s ScannerConfig) PropertyMap() (map[string]string, error) {
	props := make(map[string]string, len(s.Properties))

	for _, p := range s.Properties {
		key, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidProperty, p)
		}

		props[strings.TrimSpace(key)] = value
	}

	return props, nil
}

// PollConfig bounds completion polling.
type PollConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Interval    time.Duration `mapstructure:"interval"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// WorkspaceConfig controls per-record working directories.
type WorkspaceConfig struct {
	Dir   string `mapstructure:"dir"`
	Keep  bool   `mapstructure:"keep"`
	Reset bool   `mapstructure:"reset"`
}

// PatchConfig controls the source patcher.
type PatchConfig struct {
	Mode        string `mapstructure:"mode"`
	MaxFileSize string `mapstructure:"max_file_size"`
	WriteDiff   bool   `mapstructure:"write_diff"`
}

// MaxFileSizeBytes parses MaxFileSize ("8MB", "512KiB").
func (p PatchConfig) MaxFileSizeBytes() (int, error) {
	n, err := humanize.ParseBytes(p.MaxFileSize)
	if err != nil {
		return 0, fmt.Errorf("%w: patch.max_file_size %q: %w", ErrInvalidSize, p.MaxFileSize, err)
	}

	size, ok := safeconv.Uint64ToInt(n)
	if !ok {
		return 0, fmt.Errorf("%w: patch.max_file_size %q overflows int", ErrInvalidSize, p.MaxFileSize)
	}

	return size, nil
}

// CompileConfig controls compilation unit synthesis.
type CompileConfig struct {
	Mode        string `mapstructure:"mode"`
	CCompiler   string `mapstructure:"c_compiler"`
	CXXCompiler string `mapstructure:"cxx_compiler"`
	SkipVendor  bool   `mapstructure:"skip_vendor"`
}

// PipelineConfig controls batch execution.
type PipelineConfig struct {
	CheckpointDir string        `mapstructure:"checkpoint_dir"`
	RecordTimeout time.Duration `mapstructure:"record_timeout"`
	Workers       int           `mapstructure:"workers"`
	Checkpoint    bool          `mapstructure:"checkpoint"`
	Resume        bool          `mapstructure:"resume"`
}

// OutputConfig controls the result file.
type OutputConfig struct {
	Path            string `mapstructure:"path"`
	Format          string `mapstructure:"format"`
	LogDir          string `mapstructure:"log_dir"`
	IncludeFailures bool   `mapstructure:"include_failures"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig controls OTel export.
type TelemetryConfig struct {
	OTLPHeaders  map[string]string `mapstructure:"otlp_headers"`
	ServiceName  string            `mapstructure:"service_name"`
	Environment  string            `mapstructure:"environment"`
	OTLPEndpoint string            `mapstructure:"otlp_endpoint"`
	MetricsAddr  string            `mapstructure:"metrics_addr"`
	SampleRatio  float64           `mapstructure:"sample_ratio"`
	OTLPInsecure bool              `mapstructure:"otlp_insecure"`
}

// LoadConfig loads configuration from defaults, the config file, a .env file
// in the working directory and the environment. An explicit configPath must
// exist; otherwise vulndetect.yaml is searched in ., ./config and /etc/vulndetect.
func LoadConfig(configPath string) (*Config, error) {
	err := LoadDotEnv(DotEnvFile)
	if err != nil {
		return nil, err
	}

	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.SetConfigType(configType)
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")
		viperCfg.AddConfigPath("/etc/vulndetect")
	}

	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperCfg.AutomaticEnv()

	bindErr := bindCredentialEnv(viperCfg)
	if bindErr != nil {
		return nil, bindErr
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	validateErr := validateConfig(&config)
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is ignored.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}

	return nil
}

// bindCredentialEnv accepts the plain SONAR_* variable names next to the prefixed ones.
func bindCredentialEnv(viperCfg *viper.Viper) error {
	bindings := map[string]string{
		"sonar.token":        "SONAR_TOKEN",
		"sonar.organization": "SONAR_ORG",
		"sonar.project_key":  "SONAR_PROJECT_KEY",
	}

	for key, plain := range bindings {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))

		err := viperCfg.BindEnv(key, prefixed, plain)
		if err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}

	return nil
}

func setDefaults(viperCfg *viper.Viper) {
	// Sonar defaults.
	viperCfg.SetDefault("sonar.api_url", DefaultSonarAPIURL)
	viperCfg.SetDefault("sonar.host_url", DefaultSonarHostURL)
	viperCfg.SetDefault("sonar.token", "")
	viperCfg.SetDefault("sonar.organization", "")
	viperCfg.SetDefault("sonar.project_key", "")
	viperCfg.SetDefault("sonar.issue_types", DefaultIssueTypes())
	viperCfg.SetDefault("sonar.page_size", DefaultSonarPageSize)
	viperCfg.SetDefault("sonar.max_pages", DefaultSonarMaxPages)
	viperCfg.SetDefault("sonar.http_timeout", DefaultHTTPTimeout)

	// Scanner defaults.
	viperCfg.SetDefault("scanner.executable", DefaultScannerExecutable)
	viperCfg.SetDefault("scanner.args", DefaultScannerArgs())
	viperCfg.SetDefault("scanner.exclusions", DefaultScannerExclusions())
	viperCfg.SetDefault("scanner.properties", []string{})
	viperCfg.SetDefault("scanner.build_wrapper_output", "")
	viperCfg.SetDefault("scanner.compress_logs", DefaultCompressLogs)

	// Poll defaults.
	viperCfg.SetDefault("poll.max_attempts", DefaultPollMaxAttempts)
	viperCfg.SetDefault("poll.interval", DefaultPollInterval)
	viperCfg.SetDefault("poll.settle_delay", DefaultPollSettleDelay)

	// Workspace defaults.
	viperCfg.SetDefault("workspace.dir", DefaultWorkspaceDir)
	viperCfg.SetDefault("workspace.keep", DefaultWorkspaceKeep)
	viperCfg.SetDefault("workspace.reset", DefaultWorkspaceReset)

	// Patch defaults.
	viperCfg.SetDefault("patch.mode", DefaultPatchMode)
	viperCfg.SetDefault("patch.max_file_size", DefaultPatchMaxFileSize)
	viperCfg.SetDefault("patch.write_diff", DefaultPatchWriteDiff)

	// Compile defaults.
	viperCfg.SetDefault("compile.mode", DefaultCompileMode)
	viperCfg.SetDefault("compile.c_compiler", DefaultCompileCCompiler)
	viperCfg.SetDefault("compile.cxx_compiler", DefaultCompileCXXCompiler)
	viperCfg.SetDefault("compile.skip_vendor", DefaultCompileSkipVendor)

	// Pipeline defaults.
	viperCfg.SetDefault("pipeline.record_timeout", DefaultPipelineRecordTimeout)
	viperCfg.SetDefault("pipeline.workers", DefaultPipelineWorkers)
	viperCfg.SetDefault("pipeline.checkpoint", DefaultCheckpointEnabled)
	viperCfg.SetDefault("pipeline.checkpoint_dir", "")
	viperCfg.SetDefault("pipeline.resume", DefaultCheckpointResume)

	// Output defaults.
	viperCfg.SetDefault("output.path", DefaultOutputPath)
	viperCfg.SetDefault("output.format", "")
	viperCfg.SetDefault("output.log_dir", DefaultOutputLogDir)
	viperCfg.SetDefault("output.include_failures", DefaultOutputIncludeFailures)

	// Logging defaults.
	viperCfg.SetDefault("logging.level", DefaultLogLevel)
	viperCfg.SetDefault("logging.format", DefaultLogFormat)

	// Telemetry defaults.
	viperCfg.SetDefault("telemetry.service_name", DefaultServiceName)
	viperCfg.SetDefault("telemetry.environment", "")
	viperCfg.SetDefault("telemetry.otlp_endpoint", "")
	viperCfg.SetDefault("telemetry.otlp_insecure", false)
	viperCfg.SetDefault("telemetry.otlp_headers", map[string]string{})
	viperCfg.SetDefault("telemetry.metrics_addr", "")
	viperCfg.SetDefault("telemetry.sample_ratio", 0.0)
}

func validateConfig(config *Config) error {
	if config.Poll.MaxAttempts <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAttempts, config.Poll.MaxAttempts)
	}

	if config.Poll.Interval < 0 || config.Poll.SettleDelay < 0 {
		return fmt.Errorf("%w: interval %s, settle %s", ErrInvalidInterval, config.Poll.Interval, config.Poll.SettleDelay)
	}

	if config.Pipeline.Workers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, config.Pipeline.Workers)
	}

	if config.Pipeline.RecordTimeout <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTimeout, config.Pipeline.RecordTimeout)
	}

	if config.Sonar.PageSize <= 0 || config.Sonar.PageSize > maxPageSize {
		return fmt.Errorf("%w: %d", ErrInvalidPageSize, config.Sonar.PageSize)
	}

	if _, err := config.Scanner.PropertyMap(); err != nil {
		return err
	}

	if _, err := config.Patch.MaxFileSizeBytes(); err != nil {
		return err
	}

	if _, err := patcher.ParseMode(config.Patch.Mode); err != nil {
		return fmt.Errorf("patch.mode: %w", err)
	}

	if _, err := compiledb.ParseMode(config.Compile.Mode); err != nil {
		return fmt.Errorf("compile.mode: %w", err)
	}

	if _, err := dataset.ParseFormat(config.Output.Format); err != nil {
		return fmt.Errorf("output.format: %w", err)
	}

	return nil
}

// RequireCredentials reports ErrMissingCredentials naming every absent value.
func (c *Config) RequireCredentials() error {
	var missing []string

	if c.Sonar.Token == "" {
		missing = append(missing, "token (SONAR_TOKEN)")
	}

	if c.Sonar.Organization == "" {
		missing = append(missing, "organization (SONAR_ORG)")
	}

	if c.Sonar.ProjectKey == "" {
		missing = append(missing, "project key (SONAR_PROJECT_KEY)")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}

	return nil
}

package config

import "time"

// Sonar defaults.
const (
	DefaultSonarAPIURL   = "https://sonarcloud.io/api"
	DefaultSonarHostURL  = "https://sonarcloud.io"
	DefaultSonarPageSize = 100
	DefaultSonarMaxPages = 1
	DefaultHTTPTimeout   = 30 * time.Second
)

// Scanner defaults.
const (
	DefaultScannerExecutable = "npx"
	DefaultCompressLogs      = false
)

// Poll defaults: 30 attempts at 5s after a 5s settle delay.
const (
	DefaultPollMaxAttempts = 30
	DefaultPollInterval    = 5 * time.Second
	DefaultPollSettleDelay = 5 * time.Second
)

// Workspace defaults.
const (
	DefaultWorkspaceDir   = "temp_workdir"
	DefaultWorkspaceKeep  = false
	DefaultWorkspaceReset = true
)

// Patch defaults.
const (
	DefaultPatchMode        = "lexical"
	DefaultPatchMaxFileSize = "8MB"
	DefaultPatchWriteDiff   = true
)

// Compile defaults.
const (
	DefaultCompileMode        = "single"
	DefaultCompileCCompiler   = "/usr/bin/gcc"
	DefaultCompileCXXCompiler = "/usr/bin/g++"
	DefaultCompileSkipVendor  = true
)

// Pipeline defaults.
const (
	DefaultPipelineRecordTimeout = 30 * time.Minute
	DefaultPipelineWorkers       = 1
	DefaultCheckpointEnabled     = true
	DefaultCheckpointResume      = true
)

// Output defaults.
const (
	DefaultOutputPath            = "final_results.json"
	DefaultOutputLogDir          = "scanner_logs"
	DefaultOutputIncludeFailures = false
)

// Logging and telemetry defaults.
const (
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
	DefaultServiceName = "vulndetect"
)

// DefaultIssueTypes are the finding types requested from the issues endpoint.
func DefaultIssueTypes() []string {
	return []string{"VULNERABILITY", "BUG"}
}

// DefaultScannerArgs precede the -D properties of the scanner command.
func DefaultScannerArgs() []string {
	return []string{"sonar-scanner"}
}

// DefaultScannerExclusions keep non-source files out of the analysis.
func DefaultScannerExclusions() []string {
	return []string{"**/*.json", "**/*.txt", "**/*.lz4", "**/*.md"}
}

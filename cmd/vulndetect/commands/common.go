// Package commands implements CLI command handlers for vulndetect.
package commands

import (
	"errors"
	"io"
	"log/slog"

	"github.com/7MMA7/VulnDetectGA/pkg/config"
	"github.com/7MMA7/VulnDetectGA/pkg/observability"
)

// GlobalOptions are the persistent root flags shared by every subcommand.
type GlobalOptions struct {
	ConfigPath string
	Verbose    bool
	Quiet      bool
}

var (
	// ErrInvalidInput is returned when an input file has rejected lines.
	ErrInvalidInput = errors.New("input validation failed")
	// ErrPatchNotApplied is returned by the patch command when nothing was inserted.
	ErrPatchNotApplied = errors.New("patch not applied")
)

type configLoader func(path string) (*config.Config, error)

// logLevel applies the verbosity flags on top of the configured level.
func (g *GlobalOptions) logLevel(configured string) slog.Level {
	switch {
	case g != nil && g.Verbose:
		return slog.LevelDebug
	case g != nil && g.Quiet:
		return slog.LevelError
	default:
		return observability.ParseLevel(configured)
	}
}

// observabilityConfig maps the loaded configuration onto observability.Config.
func observabilityConfig(cfg *config.Config, g *GlobalOptions, runID, version string, logOut io.Writer) observability.Config {
	oc := observability.DefaultConfig()
	oc.LogWriter = logOut
	oc.ServiceName = cfg.Telemetry.ServiceName
	oc.ServiceVersion = version
	oc.Environment = cfg.Telemetry.Environment
	oc.RunID = runID
	oc.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	oc.OTLPHeaders = cfg.Telemetry.OTLPHeaders
	oc.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	oc.SampleRatio = cfg.Telemetry.SampleRatio
	oc.Prometheus = cfg.Telemetry.MetricsAddr != ""
	oc.LogLevel = g.logLevel(cfg.Logging.Level)
	oc.LogJSON = cfg.Logging.Format == "json"

	return oc
}

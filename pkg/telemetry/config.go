// Package telemetry provides the observability plumbing for labforge:
// structured logging built on zerolog and optional tracing built on
// OpenTelemetry. Components receive a configured logger at construction and
// attach their own component field.
package telemetry

import "fmt"

// Config holds the telemetry configuration.
type Config struct {
	// ServiceName identifies the process in traces.
	ServiceName string

	// Logging configures structured logging.
	Logging LoggingConfig

	// Tracing configures span export.
	Tracing TracingConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format is "console" or "json".
	Format string

	// Output is "stdout", "stderr", or a file path.
	Output string

	// EnableCaller adds file:line information to log lines.
	EnableCaller bool
}

// TracingConfig configures the stdout span exporter.
type TracingConfig struct {
	// Enabled turns span export on. Off by default; a CLI run rarely
	// needs traces.
	Enabled bool

	// Pretty pretty-prints exported spans.
	Pretty bool
}

// DefaultConfig returns sensible CLI defaults: console logs at info level,
// tracing disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "labforge",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// Validate checks the configuration for values the wiring cannot handle.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("unsupported log format: %s", c.Logging.Format)
	}
	return nil
}

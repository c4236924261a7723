// Package gwlog provides the structured logging wrapper shared by every
// gateway subsystem. All components log through a component-tagged child
// logger rather than the global logger directly.
package gwlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls how the package-level logger is initialized.
type Config struct {
	Level      string // trace|debug|info|warn|error; default info
	JSONOutput bool   // true for machine-readable JSON, false for console
	Output     io.Writer
}

var base zerolog.Logger

func init() {
	Init(Config{Level: "info"})
}

// Init (re)configures the package-level logger. Safe to call once at
// process startup, before any component logger is derived.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	base = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given subsystem name,
// e.g. "keypackage", "pipeline", "rotation".
func WithComponent(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// Base returns the untagged package-level logger.
func Base() zerolog.Logger {
	return base
}

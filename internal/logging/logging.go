// Package logging provides the structured logger every engine component accepts
// as an explicit argument, never a package-level global.
package logging

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// Options controls how the root logger is built.
type Options struct {
	// Level is one of hclog's level names ("trace", "debug", "info", "warn", "error").
	Level string
	// Output defaults to os.Stderr when nil.
	Output io.Writer
	// JSON emits structured JSON lines instead of human-readable text.
	JSON bool
}

// New builds the root logger. Callers derive named, per-component loggers from it
// with Logger.Named; one hclog.Logger is threaded explicitly through
// constructors.
func New(opts Options) hclog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "monoforge",
		Level:      level,
		Output:     out,
		JSONFormat: opts.JSON,
	})
}

// Nop returns a logger that discards everything, for tests.
func Nop() hclog.Logger {
	return hclog.NewNullLogger()
}

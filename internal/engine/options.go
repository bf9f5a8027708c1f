package engine

import (
	"io"
	"log/slog"
	"time"
)

// Options configures engine behavior.
type Options struct {
	// MaxTurns limits completed tool-execution turns per run.
	// Default: 10
	MaxTurns int

	// ModelTimeout bounds each model call.
	// Default: 30s
	ModelTimeout time.Duration

	// ToolTimeout bounds each tool execution (0 = no limit).
	// Default: 0
	ToolTimeout time.Duration

	// CancelGrace is how long an in-flight tool may keep running after the
	// run is cancelled before its result is discarded.
	// Default: 500ms
	CancelGrace time.Duration

	// BufferSize is the per-subscriber event buffer used by BoundedSink.
	// Default: 256
	BufferSize int

	// ParallelTools executes a tool batch concurrently when every call in
	// it targets an Independent tool and has cleared all gates.
	// Default: false
	ParallelTools bool

	// ParallelLimit caps concurrent tool executions when ParallelTools is
	// enabled.
	// Default: 5
	ParallelLimit int

	// Logger receives engine diagnostics. Defaults to a discard logger.
	Logger *slog.Logger
}

// DefaultOptions returns the default engine configuration.
func DefaultOptions() *Options {
	return &Options{
		MaxTurns:      10,
		ModelTimeout:  30 * time.Second,
		ToolTimeout:   0,
		CancelGrace:   500 * time.Millisecond,
		BufferSize:    256,
		ParallelTools: false,
		ParallelLimit: 5,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func sanitizeOptions(opts *Options) *Options {
	if opts == nil {
		return DefaultOptions()
	}
	cfg := *opts
	defaults := DefaultOptions()
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaults.MaxTurns
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = defaults.ModelTimeout
	}
	if cfg.ToolTimeout < 0 {
		cfg.ToolTimeout = 0
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = defaults.CancelGrace
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.ParallelLimit <= 0 {
		cfg.ParallelLimit = defaults.ParallelLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}
	return &cfg
}

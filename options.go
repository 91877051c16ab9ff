package evalgraph

import (
	"log/slog"
	"time"
)

// Option is a function that configures an Engine.
type Option func(*Engine)

// WithWorkers sets the size of the worker pool executing sync nodes.
// Defaults to the number of hardware threads.
var WithWorkers = func(n int) Option {
	return func(e *Engine) {
		e.workers = n
	}
}

// WithCacheCapacity bounds the number of cached output records. Zero or
// negative means unbounded. Evictions never affect correctness, only
// reuse.
var WithCacheCapacity = func(n int) Option {
	return func(e *Engine) {
		e.cacheCap = n
	}
}

// WithLogger sets the logger for the engine.
var WithLogger = func(log *slog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithPendingWarnAfter sets how long an async task may stay outstanding
// before a single advisory warning is emitted. Zero disables the warning.
var WithPendingWarnAfter = func(d time.Duration) Option {
	return func(e *Engine) {
		e.warnAfter = d
	}
}

// NullWriter is a writer that discards all data.
type NullWriter struct{}

func (NullWriter) Write([]byte) (int, error) { return 0, nil }

// NullLogger creates a logger that discards all output.
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(NullWriter{}, nil))
}

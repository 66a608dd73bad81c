package esruntime

import "go.uber.org/zap"

const defaultMaxDepth = 64

type config struct {
	logger       *zap.Logger
	maxDepth     int
	maxCallStack int
}

func defaultConfig() config {
	return config{
		logger:   zap.NewNop(),
		maxDepth: defaultMaxDepth,
	}
}

// Option configures a Runtime at construction.
type Option func(*config)

// WithLogger routes the runtime's structured logs, including script
// console output, to l. The default logger discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMaxDepth bounds how deeply nested an object may be when values
// cross the bridge in either direction; crossing the limit fails with
// ErrTooDeep instead of consuming unbounded stack. The default is 64.
func WithMaxDepth(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxDepth = n
		}
	}
}

// WithMaxCallStackSize limits the engine's call stack depth, turning
// runaway script recursion into a RangeError.
func WithMaxCallStackSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxCallStack = n
		}
	}
}

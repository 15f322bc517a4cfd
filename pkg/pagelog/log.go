package pagelog

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type logKey struct{}

// WithLogger attaches the given logger to the context
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, logKey{}, logger)
}

// Log returns the logger stored in ctx or the global zerolog logger if the context doesn't carry one.
func Log(ctx context.Context) *zerolog.Logger {
	logger := ctx.Value(logKey{})
	if logger == nil {
		return &log.Logger
	}

	return logger.(*zerolog.Logger)
}

// WithFields returns a context whose logger carries the given string fields (i.e. task name or run ID)
func WithFields(ctx context.Context, fields map[string]string) context.Context {
	lctx := Log(ctx).With()
	for k, v := range fields {
		lctx = lctx.Str(k, v)
	}

	logger := lctx.Logger()
	return WithLogger(ctx, &logger)
}

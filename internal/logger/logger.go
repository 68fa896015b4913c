// Package logger wraps zerolog with the process-wide configuration used by
// the service and CLI binaries.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	// zerolog.Ctx falls back to the global logger instead of a disabled one.
	zerolog.DefaultContextLogger = &log.Logger
}

// Init configures the global logger. Unknown levels fall back to info.
func Init(level string, pretty bool) {
	InitWriter(level, pretty, os.Stderr)
}

// InitWriter is Init with an explicit sink.
func InitWriter(level string, pretty bool, w io.Writer) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if pretty {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// Logger returns the global logger instance.
func Logger() zerolog.Logger {
	return log.Logger
}

// WithContext returns a logger with the given fields attached.
func WithContext(fields map[string]interface{}) zerolog.Logger {
	return log.Logger.With().Fields(fields).Logger()
}

// Into stores l on ctx so downstream code logs with the same fields.
// zerolog.Ctx reads it back as well.
func Into(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// From returns the logger stored on ctx, or the global one.
func From(ctx context.Context) *zerolog.Logger {
	if ctx == nil {
		return &log.Logger
	}
	return zerolog.Ctx(ctx)
}

// Time logs the duration of an operation when the returned func runs:
//
//	defer logger.Time(ctx, "geo.matrix")(&err)
func Time(ctx context.Context, op string) func(errp *error) {
	start := time.Now()
	return func(errp *error) {
		l := From(ctx)
		dur := time.Since(start)
		if errp != nil && *errp != nil {
			l.Warn().Str("op", op).Dur("dur", dur).Err(*errp).Msg("operation failed")
			return
		}
		l.Debug().Str("op", op).Dur("dur", dur).Msg("operation done")
	}
}

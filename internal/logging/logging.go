// Package logging configures structured logging for ossgate using zerolog.
package logging

import (
	"context"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger with the specified level and format.
// Supported levels: "trace", "debug", "info", "warn", "error" (default: "info").
// Supported formats: "json", "console" (default: "json").
func Setup(level, format string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		return filepath.Base(file) + ":" + strconv.Itoa(line)
	}

	out := w
	if strings.ToLower(format) == "console" || strings.ToLower(format) == "text" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).Level(lvl).With().Timestamp().Caller().Logger()
	zerolog.DefaultContextLogger = &logger
	log.Logger = logger
	return logger
}

// FromContext returns the request-scoped logger stored on ctx, falling back
// to the global logger.
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// WithFields returns a context carrying a child of the context logger with
// the given string fields attached.
func WithFields(ctx context.Context, kv ...string) context.Context {
	l := zerolog.Ctx(ctx).With()
	for i := 0; i+1 < len(kv); i += 2 {
		l = l.Str(kv[i], kv[i+1])
	}
	logger := l.Logger()
	return logger.WithContext(ctx)
}

// Detach returns a background context that keeps the logger of ctx. Work
// handed off from a request (replication enqueue, async cleanup) uses it so
// it is not cancelled with the request.
func Detach(ctx context.Context) context.Context {
	return zerolog.Ctx(ctx).WithContext(context.Background())
}

// MaskFields replaces the values of sensitive keys in a form or JSON field map.
func MaskFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if sensitiveFields[strings.ToLower(k)] {
			v = "******"
		}
		out[k] = v
	}
	return out
}

var sensitiveFields = map[string]bool{
	"password":   true,
	"pwd1":       true,
	"pwd2":       true,
	"old_pwd":    true,
	"secret_key": true,
}

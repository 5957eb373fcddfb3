// Package logging provides structured logging for the generation service.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	// TraceIDKey is the context key for the request trace ID.
	TraceIDKey contextKey = "trace_id"
	// UserIDKey is the context key for the authenticated user ID.
	UserIDKey contextKey = "user_id"
)

// Logger wraps zerolog with service-scoped context helpers.
type Logger struct {
	zl zerolog.Logger
}

// New creates a logger for the given service. Format is "json" or "console";
// level is one of debug/info/warn/error (defaults to info).
func New(service, level, format string) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var zl zerolog.Logger
	if format == "console" {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zl = zerolog.New(os.Stderr)
	}

	zl = zl.Level(lvl).With().
		Timestamp().
		Str("service", service).
		Logger()

	return &Logger{zl: zl}
}

// Default returns a json logger at info level for the given service.
func Default(service string) *Logger {
	return New(service, "info", "json")
}

// WithContext returns a logger enriched with trace and user IDs from ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	zl := l.zl
	if traceID := GetTraceID(ctx); traceID != "" {
		zl = zl.With().Str("trace_id", traceID).Logger()
	}
	if userID := GetUserID(ctx); userID != "" {
		zl = zl.With().Str("user_id", userID).Logger()
	}
	return &Logger{zl: zl}
}

// Debug logs a debug message with optional key-value pairs.
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.log(l.zl.Debug(), msg, keysAndValues)
}

// Info logs an informational message with optional key-value pairs.
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.log(l.zl.Info(), msg, keysAndValues)
}

// Warn logs a warning with optional key-value pairs.
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.log(l.zl.Warn(), msg, keysAndValues)
}

// Error logs an error with optional key-value pairs.
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.log(l.zl.Error(), msg, keysAndValues)
}

func (l *Logger) log(ev *zerolog.Event, msg string, keysAndValues []interface{}) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		switch v := keysAndValues[i+1].(type) {
		case error:
			ev = ev.AnErr(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}

// LogRequest logs a completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	l.WithContext(ctx).zl.Info().
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Dur("duration", duration).
		Msg("http request")
}

// LogSecurityEvent logs a security-relevant event such as a rate limit denial.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	ev := l.WithContext(ctx).zl.Warn().Str("event", event)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg("security event")
}

// =============================================================================
// Context helpers
// =============================================================================

// NewTraceID generates a new trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID attaches a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID returns the trace ID from the context, or "".
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID attaches a user ID to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID returns the user ID from the context, or "".
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}

// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Logger wraps slog.Logger to provide specialized logging methods.
type Logger struct {
	*slog.Logger
}

// GlobalLogger is the default logger instance for the application.
var GlobalLogger *Logger

func init() {
	GlobalLogger = NewLogger(os.Stdout, os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
}

// LogContextKey is a type for context keys used by the logging package.
type LogContextKey string

// Context keys for logging
const (
	CorrelationID LogContextKey = "correlation_id"
	UserID        LogContextKey = "user_id"
)

// ctxHandler adds context values to every record before passing it on.
type ctxHandler struct {
	slog.Handler
}

func (h *ctxHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(CorrelationID).(string); ok && id != "" {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ctxHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ctxHandler{h.Handler.WithAttrs(attrs)}
}

func (h *ctxHandler) WithGroup(name string) slog.Handler {
	return &ctxHandler{h.Handler.WithGroup(name)}
}

// NewLogger builds a JSON logger in production and a text logger otherwise.
func NewLogger(w io.Writer, env, level string) *Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(&ctxHandler{handler})}
}

// Setup replaces GlobalLogger once configuration has been loaded.
func Setup(env, level string) {
	GlobalLogger = NewLogger(os.Stdout, env, level)
	slog.SetDefault(GlobalLogger.Logger)
}

// ParseLevel maps debug, info, warn and error to slog levels. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GenerateCorrelationID creates a new unique correlation ID.
func GenerateCorrelationID() string {
	return uuid.NewString()
}

// WithCorrelationID returns a new context with the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationID, id)
}

// ExtractCorrelationID retrieves the correlation ID from the context.
func ExtractCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationID).(string); ok {
		return id
	}
	return ""
}

// SyncLogger provides structured logging for one sync component of a user session.
type SyncLogger struct {
	component string
	userID    string
	logger    *Logger
}

// NewSyncLogger creates a SyncLogger for the given component, e.g. "websocket" or "polling".
func NewSyncLogger(component string) *SyncLogger {
	return &SyncLogger{
		component: component,
		logger:    GlobalLogger,
	}
}

// WithLogger returns a copy writing to l.
func (l *SyncLogger) WithLogger(logger *Logger) *SyncLogger {
	cp := *l
	cp.logger = logger
	return &cp
}

// ForUser returns a copy stamped with userID.
func (l *SyncLogger) ForUser(userID string) *SyncLogger {
	cp := *l
	cp.userID = userID
	return &cp
}

func (l *SyncLogger) attrs(extra ...any) []any {
	attrs := []any{slog.String("component", l.component)}
	if l.userID != "" {
		attrs = append(attrs, slog.String("user_id", l.userID))
	}
	return append(attrs, extra...)
}

// Debug logs at debug level.
func (l *SyncLogger) Debug(ctx context.Context, msg string, args ...any) {
	l.logger.DebugContext(ctx, msg, l.attrs(args...)...)
}

// Info logs at info level.
func (l *SyncLogger) Info(ctx context.Context, msg string, args ...any) {
	l.logger.InfoContext(ctx, msg, l.attrs(args...)...)
}

// Warn logs at warn level.
func (l *SyncLogger) Warn(ctx context.Context, msg string, args ...any) {
	l.logger.WarnContext(ctx, msg, l.attrs(args...)...)
}

// Error logs err at error level.
func (l *SyncLogger) Error(ctx context.Context, msg string, err error, args ...any) {
	if err != nil {
		args = append(args, slog.String("error", err.Error()))
	}
	l.logger.ErrorContext(ctx, msg, l.attrs(args...)...)
}

// LogConnect logs an established realtime connection.
func (l *SyncLogger) LogConnect(ctx context.Context, endpoint string) {
	l.Info(ctx, "realtime connected", slog.String("endpoint", endpoint))
}

// LogDisconnect logs a closed realtime connection.
func (l *SyncLogger) LogDisconnect(ctx context.Context, code int, reason string) {
	l.Info(ctx, "realtime disconnected",
		slog.Int("close_code", code),
		slog.String("reason", reason),
	)
}

// LogLifecycle logs a lifecycle event with arbitrary fields.
func (l *SyncLogger) LogLifecycle(ctx context.Context, event string, fields map[string]interface{}) {
	attrs := []any{slog.String("event", event)}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.Info(ctx, "sync lifecycle", attrs...)
}

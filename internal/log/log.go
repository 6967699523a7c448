// Package log is a thin structured-logging wrapper over log/slog, in the
// same key/value style the core calls through on every hot path
// (engine drops, router rejects, proxy reconnects).
package log

import (
	"context"
	"log/slog"
	"os"
)

var root = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetDefault swaps the process-wide logger, e.g. to raise verbosity or
// switch to JSON output in production.
func SetDefault(l *slog.Logger) {
	root = l
}

// SetLevel adjusts the minimum level of the default text handler.
func SetLevel(level slog.Level) {
	root = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func Debug(msg string, kv ...any) { root.Debug(msg, kv...) }
func Info(msg string, kv ...any)  { root.Info(msg, kv...) }
func Warn(msg string, kv ...any)  { root.Warn(msg, kv...) }
func Error(msg string, kv ...any) { root.Error(msg, kv...) }

// Ctx variants let callers propagate trace context where one exists (e.g.
// a request-scoped handler), falling back to context.Background() is fine
// for the core's own call sites.
func DebugCtx(ctx context.Context, msg string, kv ...any) { root.DebugContext(ctx, msg, kv...) }
func InfoCtx(ctx context.Context, msg string, kv ...any)  { root.InfoContext(ctx, msg, kv...) }
func WarnCtx(ctx context.Context, msg string, kv ...any)  { root.WarnContext(ctx, msg, kv...) }
func ErrorCtx(ctx context.Context, msg string, kv ...any) { root.ErrorContext(ctx, msg, kv...) }

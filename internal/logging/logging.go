// Package logging provides structured logging using slog.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds logging configuration.
type Config struct {
	Format string // "json" | "text"
	Level  string // "debug" | "info" | "warn" | "error"

	// Dir, when set, receives a daily append-only log file in addition to
	// stdout. Scheduled runs have no terminal, so this is where operators
	// look after a failure notice.
	Dir string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup initializes the global slog logger based on configuration. The
// returned closer flushes and closes the log file, if any.
func Setup(cfg Config) (io.Closer, error) {
	return setup(cfg, os.Stdout, time.Now())
}

func setup(cfg Config, console io.Writer, now time.Time) (io.Closer, error) {
	level := parseLevel(cfg.Level)

	out := console
	var closer io.Closer = nopCloser{}
	if cfg.Dir != "" {
		f, err := openLogFile(cfg.Dir, now)
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(console, f)
		closer = f
	}

	slog.SetDefault(slog.New(newHandler(cfg.Format, out, level)))
	return closer, nil
}

func newHandler(format string, w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
	}
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// FilePath returns the log file Setup writes to on the given day.
func FilePath(dir string, day time.Time) string {
	return filepath.Join(dir, "seq-courier-"+day.Format(time.DateOnly)+".log")
}

func openLogFile(dir string, now time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	path := FilePath(dir, now)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return f, nil
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// passIDKey is the context key for pass IDs.
type passIDKey struct{}

// WithPassID adds a pass ID to the context.
func WithPassID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, passIDKey{}, id)
}

// PassID retrieves the pass ID from context.
func PassID(ctx context.Context) string {
	if id, ok := ctx.Value(passIDKey{}).(string); ok {
		return id
	}
	return ""
}

// NewPassID creates a new unique pass ID.
func NewPassID() string {
	return uuid.NewString()
}

// PassLogger creates a logger carrying the pass ID.
func PassLogger(passID string) *slog.Logger {
	return slog.With("pass_id", passID)
}

// UnitLogger adds unit context fields to a pass logger.
func UnitLogger(log *slog.Logger, unitID, scope string) *slog.Logger {
	return log.With("unit_id", unitID, "scope", scope)
}

// WorkerLogger creates a logger with worker context.
func WorkerLogger(log *slog.Logger, workerID int) *slog.Logger {
	return log.With("worker_id", workerID)
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}

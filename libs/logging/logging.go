package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelCritical marks failures that need operator attention: malformed events
// and data inconsistencies that will not heal on retry.
const LevelCritical = slog.Level(12)

type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func NewLogger(level string, serviceName string, env string) *slog.Logger {
	return newLogger(os.Stdout, level, serviceName, env)
}

// NewFileLogger writes to stdout and to a size-rotated file.
func NewFileLogger(level, serviceName, env string, opts FileOptions) (*slog.Logger, io.Closer) {
	if strings.TrimSpace(opts.Path) == "" {
		return NewLogger(level, serviceName, env), nopCloser{}
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	return newLogger(io.MultiWriter(os.Stdout, rotator), level, serviceName, env), rotator
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newLogger(w io.Writer, level, serviceName, env string) *slog.Logger {
	lvl := parseLevel(level)
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: replaceLevel,
	})
	logger := slog.New(h)
	return logger.With(
		slog.String("service", serviceName),
		slog.String("env", env),
	)
}

func Crit(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(ctx, LevelCritical, msg, args...)
}

func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelCritical {
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "crit", "critical":
		return LevelCritical
	default:
		return slog.LevelInfo
	}
}

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Config holds logger configuration
type Config struct {
	Level        string // debug, info, warn, error
	Format       string // json, console
	Output       string // stdout, stderr, or file path
	EnableSource bool   // Enable source code location
	TimeFormat   string // Time format for console output

	// writer overrides Output when set, used by tests.
	writer io.Writer
}

// Logger wraps slog.Logger
type Logger struct {
	*slog.Logger
}

// New creates a new logger instance
func New(config *Config) (*Logger, error) {
	level := parseLevel(config.Level)

	writer, err := resolveWriter(config)
	if err != nil {
		return nil, err
	}

	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.EnableSource,
	}

	switch config.Format {
	case "console", "":
		timeFormat := config.TimeFormat
		if timeFormat == "" {
			timeFormat = time.RFC3339
		}

		handler = tint.NewHandler(writer, &tint.Options{
			Level:      level,
			AddSource:  config.EnableSource,
			TimeFormat: timeFormat,
			NoColor:    noColor(writer),
		})
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	return &Logger{Logger: slog.New(handler)}, nil
}

// NewDefault creates a logger with default settings (console format, info level)
func NewDefault() *Logger {
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.TimeOnly,
		NoColor:    noColor(os.Stdout),
	})

	return &Logger{Logger: slog.New(handler)}
}

// resolveWriter picks the log destination. Anything that is not a
// known stream name is treated as a file path and opened for append.
func resolveWriter(config *Config) (io.Writer, error) {
	if config.writer != nil {
		return config.writer, nil
	}

	switch config.Output {
	case "stderr":
		return os.Stderr, nil
	case "stdout", "":
		return os.Stdout, nil
	default:
		f, err := os.OpenFile(config.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return f, nil
	}
}

// noColor disables ANSI colors when the destination is not a terminal.
func noColor(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return true
	}
	return !isatty.IsTerminal(f.Fd())
}

// parseLevel converts string level to slog.Level
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithGroup creates a new logger with a group namespace
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{Logger: l.Logger.WithGroup(name)}
}

// WithAttrs creates a new logger with additional attributes
func (l *Logger) WithAttrs(attrs ...slog.Attr) *Logger {
	return &Logger{Logger: l.Logger.With(attrsToAny(attrs)...)}
}

// With creates a new logger with additional key-value pairs
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// attrsToAny converts []slog.Attr to []any
func attrsToAny(attrs []slog.Attr) []any {
	result := make([]any, len(attrs))
	for i, attr := range attrs {
		result[i] = attr
	}
	return result
}

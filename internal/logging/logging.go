// Package logging configures slog for the CLI: a coloured console handler
// on stderr and, once a run directory exists, a plain-text run.log file.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// TimeFormat is used by both console and file handlers.
const TimeFormat = "2006-01-02 15:04:05.000"

// FileName is the log file written inside each run directory.
const FileName = "run.log"

// ParseLevel converts a level name to a slog.Level. Unknown names map to
// Info.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG", "TRACE":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LevelName returns the upper-case name used in startup logs.
func LevelName(level slog.Level) string {
	switch {
	case level <= slog.LevelDebug:
		return "DEBUG"
	case level <= slog.LevelInfo:
		return "INFO"
	case level <= slog.LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// Logger owns the handlers for one process. AttachFile may be called once
// the run directory is known; Close releases the file.
type Logger struct {
	*slog.Logger

	level   slog.Level
	console slog.Handler
	file    *os.File
}

// New returns a Logger writing to w (normally os.Stderr). Colour is enabled
// only when w is a terminal.
func New(w io.Writer, level slog.Level) *Logger {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	console := tint.NewHandler(w, &tint.Options{
		AddSource:  level <= slog.LevelDebug,
		Level:      level,
		NoColor:    noColor,
		TimeFormat: TimeFormat,
	})
	return &Logger{
		Logger:  slog.New(console),
		level:   level,
		console: console,
	}
}

// Level returns the configured minimum level.
func (l *Logger) Level() slog.Level {
	return l.level
}

// AttachFile adds a file handler writing dir/run.log at the same level.
// Records logged before the call are not copied.
func (l *Logger) AttachFile(dir string) (string, error) {
	if l.file != nil {
		return "", errors.New("log file already attached")
	}
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("opening log file %s: %w", path, err)
	}
	fileHandler := slog.NewTextHandler(f, &slog.HandlerOptions{
		Level: l.level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format(TimeFormat))
			}
			return a
		},
	})
	l.file = f
	l.Logger = slog.New(NewFanout(l.console, fileHandler))
	return path, nil
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.Logger = slog.New(l.console)
	return err
}

type contextKey string

const loggerKey contextKey = "clinical-extract.logger"

// WithLogger returns a new context carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// From returns the logger carried by ctx, or slog.Default().
func From(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

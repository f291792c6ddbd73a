package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{" info ", slog.LevelInfo},
		{"WARNING", slog.LevelWarn},
		{"warn", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestLevelName(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelName(slog.LevelDebug))
	assert.Equal(t, "INFO", LevelName(slog.LevelInfo))
	assert.Equal(t, "WARN", LevelName(slog.LevelWarn))
	assert.Equal(t, "ERROR", LevelName(slog.LevelError))
}

func TestLoggerConsoleRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelWarn)

	l.Info("hidden")
	l.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "k=v")
}

func TestAttachFileWritesBothHandlers(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelInfo)
	dir := t.TempDir()

	path, err := l.AttachFile(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), path)

	l.Info("written to both", "run", "run-1")
	l.Debug("below level")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to both")
	assert.Contains(t, string(data), "run=run-1")
	assert.NotContains(t, string(data), "below level")
	assert.Contains(t, buf.String(), "written to both")

	// After Close the logger keeps working on the console.
	l.Info("console only")
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "console only")
}

func TestAttachFileTwice(t *testing.T) {
	l := New(&bytes.Buffer{}, slog.LevelInfo)
	dir := t.TempDir()
	_, err := l.AttachFile(dir)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.AttachFile(dir)
	assert.Error(t, err)
}

func TestAttachFileMissingDir(t *testing.T) {
	l := New(&bytes.Buffer{}, slog.LevelInfo)
	_, err := l.AttachFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithLogger(context.Background(), logger)
	From(ctx).Info("from context")
	assert.Contains(t, buf.String(), "from context")

	assert.Equal(t, slog.Default(), From(context.Background()))
}

func TestFanoutWithAttrs(t *testing.T) {
	var a, b bytes.Buffer
	h := NewFanout(
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	)
	logger := slog.New(h).With("chunk", 2)

	logger.Info("only a")
	logger.Error("both")

	assert.Contains(t, a.String(), "only a")
	assert.Contains(t, a.String(), "chunk=2")
	assert.NotContains(t, b.String(), "only a")
	assert.Contains(t, b.String(), "both")
	assert.Contains(t, b.String(), "chunk=2")
}

package loggy

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "fieldsync.log")

	logger, err := New(Config{Level: slog.LevelInfo, Format: "json", Output: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Info("queue drained", "processed", 3)
	logger.Debug("hidden")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"queue drained"`)
	assert.Contains(t, string(data), `"processed":3`)
	assert.NotContains(t, string(data), "hidden")
}

func TestWithAndSource(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf)
	logger.addSource = true

	logger.With("op_id", "op-1").WithError(errors.New("boom")).Warn("retry scheduled")

	out := buf.String()
	assert.Contains(t, out, "op_id=op-1")
	assert.Contains(t, out, "error=boom")
	assert.Contains(t, out, "source=loggy_test.go")
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	assert.NotPanics(t, func() {
		logger.Info("nothing")
		logger.With("k", "v").Error("still nothing")
		_ = logger.Close()
	})
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf)

	ctx := WithLogger(context.Background(), logger)
	ctx = WithRequestID(ctx, "req-123")

	assert.Equal(t, "req-123", GetRequestID(ctx))
	FromContext(ctx).Info("hello")
	assert.Contains(t, buf.String(), "request_id=req-123")
}

func TestInitSetsGlobal(t *testing.T) {
	prev := GetGlobalLogger()
	t.Cleanup(func() { SetGlobalLogger(prev) })

	require.NoError(t, Init(DefaultConfig()))
	assert.NotNil(t, GetGlobalLogger())
	assert.NotSame(t, prev, GetGlobalLogger())
}

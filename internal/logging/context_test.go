package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", WorkflowID(ctx))
	assert.Equal(t, "", TaskID(ctx))
	assert.Equal(t, "", WorkerID(ctx))

	ctx = WithWorkflowID(ctx, "wf-123")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithWorkerID(ctx, "worker-42")

	assert.Equal(t, "wf-123", WorkflowID(ctx))
	assert.Equal(t, "task-1", TaskID(ctx))
	assert.Equal(t, "worker-42", WorkerID(ctx))
}

func TestWithTask(t *testing.T) {
	ctx := WithTask(context.Background(), "wf-1", "t-1")
	assert.Equal(t, "wf-1", WorkflowID(ctx))
	assert.Equal(t, "t-1", TaskID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithWorkerID(WithTask(context.Background(), "wf-abc", "task-x"), "worker-7")

	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "workflow_id=wf-abc")
	assert.Contains(t, output, "task_id=task-x")
	assert.Contains(t, output, "worker_id=worker-7")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithWorkflowID(context.Background(), "wf-only")
	LogWith(ctx, logger).Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "workflow_id=wf-only")
	assert.NotContains(t, output, "task_id")
	assert.NotContains(t, output, "worker_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithTask(context.Background(), "wf-h", "task-h")
	logger.InfoContext(ctx, "handler test", "extra", "val")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "wf-h", record["workflow_id"])
	assert.Equal(t, "task-h", record["task_id"])
	assert.Equal(t, "val", record["extra"])
	assert.NotContains(t, record, "worker_id")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner)).With("component", "coordinator")

	logger.InfoContext(WithWorkerID(context.Background(), "w-1"), "with attrs")

	output := buf.String()
	assert.Contains(t, output, "component=coordinator")
	assert.Contains(t, output, "worker_id=w-1")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn")

	logger.Info("dropped")
	logger.Warn("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

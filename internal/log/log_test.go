package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/kiranshivaraju/jobgate/internal/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs_AddedToRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "info")

	ctx := log.ContextAttrs(context.Background(), slog.String("job_id", "abc"))
	logger.InfoContext(ctx, "dispatching", "attempt", 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "dispatching", rec["msg"])
	assert.Equal(t, "abc", rec["job_id"])
	assert.Equal(t, float64(1), rec["attempt"])
}

func TestContextAttrs_DoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "info")

	parent := log.ContextAttrs(context.Background(), slog.String("a", "1"))
	_ = log.ContextAttrs(parent, slog.String("b", "2"))
	logger.InfoContext(parent, "parent")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "1", rec["a"])
	assert.NotContains(t, rec, "b")
}

func TestNew_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "warn")

	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.NotZero(t, buf.Len())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, log.ParseLevel("debug"))
	assert.Equal(t, slog.LevelError, log.ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, log.ParseLevel("bogus"))
}

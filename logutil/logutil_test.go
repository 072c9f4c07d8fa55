package logutil

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTraceLevel(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	Setup(&buf, LevelTrace)
	TraceContext(context.Background(), "denoise step", "step", 3, "elapsed", 1234567*time.Microsecond)

	out := buf.String()
	assert.Contains(t, out, "level=TRACE")
	assert.Contains(t, out, "source=logutil_test.go:")
	assert.Contains(t, out, "step=3")
	assert.Contains(t, out, "elapsed=1.235s")
}

func TestTraceDisabled(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	Setup(&buf, slog.LevelInfo)
	Trace("hidden")
	slog.Info("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
	assert.NotContains(t, buf.String(), "source=")
}

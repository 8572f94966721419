package telemetry

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Formats(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LoggerConfig{Level: "debug", Format: "json", Writer: &buf})
	require.NoError(t, err)

	logger.Debug("hello", "group", "events")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"group":"events"`)

	buf.Reset()
	logger, err = NewLogger(LoggerConfig{Level: "warn", Format: "text", Writer: &buf})
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestNewLogger_Invalid(t *testing.T) {
	_, err := NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = NewLogger(LoggerConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.LogEnqueued("events")
	m.LogEnqueued("events")
	m.BatchResolved("events", "delivered", 2, 150*time.Millisecond)
	m.BatchResolved("events", "rejected", 1, time.Second)
	m.LogsDropped("events", "capacity", 3)
	m.LogsDropped("events", "capacity", 0)
	m.Retry("events")
	m.GroupState("events", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.enqueued.WithLabelValues("events")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.delivered.WithLabelValues("events")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batches.WithLabelValues("events", "rejected")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.dropped.WithLabelValues("events", "capacity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("events")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.state.WithLabelValues("events")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.LogEnqueued("events")
		m.LogsDropped("events", "capacity", 1)
		m.BatchResolved("events", "delivered", 1, time.Second)
		m.Retry("events")
		m.GroupState("events", 0)
	})
}

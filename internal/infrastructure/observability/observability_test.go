package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogger_LevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := InitLogger("warn", &buf)

	logger.Info().Msg("dropped")
	assert.Empty(t, buf.String())

	logger.Warn().Str("payment_id", "p-1").Msg("kept")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "p-1", line["payment_id"])
	assert.Contains(t, line, "time")
	assert.Contains(t, line, "caller")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLogLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLogLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, parseLogLevel("nonsense"))
	assert.Equal(t, zerolog.InfoLevel, parseLogLevel(""))
	assert.Equal(t, zerolog.ErrorLevel, parseLogLevel(" error "))
}

func TestMetrics_LockObserver(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())

	m.LockContended("lock:payment:1")
	m.LockContended("lock:payment:2")
	m.LockLost("lock:payment:1")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.LockContention.WithLabelValues("contended")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LockContention.WithLabelValues("lost")))
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(InitLogger("info", &buf), "outbox_publisher")
	logger.Info().Msg("started")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "outbox_publisher", line["component"])
}

package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.RecordReceived()
	m.RecordReceived()
	m.RecordDropped(DropDuplicate)
	m.RecordClassification("mcp")
	m.RecordFlush("grace")
	m.RecordEviction("dedup", 2500)
	m.RecordEviction("dedup", 0)
	m.SetOpen(3, 1)
	m.RecordBroadcast("transaction", 2, 1)
	m.SubscriberAdded("websocket")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.recordsReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recordsDropped.WithLabelValues(DropDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.classifications.WithLabelValues("mcp")))
	assert.Equal(t, 2500.0, testutil.ToFloat64(m.evictions.WithLabelValues("dedup")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.buffersOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.broadcastDropped.WithLabelValues("transaction")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscribers.WithLabelValues("websocket")))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RecordFlush("safety")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `flow_flushes_total{reason="safety"} 1`))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordReceived()
		m.RecordDropped(DropNoise)
		m.RecordFlush("grace")
		m.SetOpen(1, 1)
		m.RecordBroadcast("progress", 1, 1)
		m.RecordConfigReload(true)
	})
	assert.Nil(t, m.Registry())
}

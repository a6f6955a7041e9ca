package observability

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExposition(t *testing.T) {
	m := newMetrics()
	m.IncWebhookEvent("whatsapp_message", "accepted")
	m.IncWebhookEvent("whatsapp_message", "accepted")
	m.IncWebhookEvent("", "unrouted")
	m.IncStoreWrite("sheet", errors.New("quota"))
	m.SetRetryDepth(3)
	m.IncDeadLetter()
	m.ObserveLockAcquire("granted", 30*time.Millisecond)

	var buf bytes.Buffer
	require.NoError(t, m.WritePrometheus(&buf))
	out := buf.String()

	assert.Contains(t, out, "# TYPE ls_webhook_events_total counter")
	assert.Contains(t, out, `ls_webhook_events_total{kind="whatsapp_message",result="accepted"} 2.000000`)
	assert.Contains(t, out, `ls_webhook_events_total{kind="unknown",result="unrouted"} 1.000000`)
	assert.Contains(t, out, `ls_store_write_total{store="sheet",status="error"} 1.000000`)
	assert.Contains(t, out, "ls_retry_queue_depth 3.000000")
	assert.Contains(t, out, "ls_retry_dead_letters_total 1.000000")
	assert.Contains(t, out, `ls_lock_wait_seconds_bucket{result="granted",le="0.01"} 0`)
	assert.Contains(t, out, `ls_lock_wait_seconds_bucket{result="granted",le="0.05"} 1`)
	assert.Contains(t, out, `ls_lock_wait_seconds_count{result="granted"} 1`)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncWebhookEvent("payment", "accepted")
		m.ObserveDualWrite("synced", time.Second)
		m.SetRetryDepth(1)
		m.IncDeadLetter()
	})

	rec := httptest.NewRecorder()
	m.WriteHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLabelEscaping(t *testing.T) {
	c := NewCounterVec("x_total", "x", []string{"route"})
	c.Inc(`/a"b`)
	assert.Equal(t, 1.0, c.Value(`/a"b`))

	var buf bytes.Buffer
	require.NoError(t, c.WritePrometheus(&buf))
	assert.Contains(t, buf.String(), `x_total{route="/a\"b"} 1.000000`)
}

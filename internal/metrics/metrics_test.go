package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.Push("delivered", "device")
	m.Dropped("cap")
	m.WSMessage("set", "ok")
	m.SessionOpened()
	m.SessionClosed()
	m.Trigger("send")
	m.Gauge("x", "y", func() float64 { return 1 })
	assert.NotNil(t, m.Handler())
}

func TestCountersExposed(t *testing.T) {
	t.Parallel()
	m := New()
	m.Push("delivered", "device")
	m.Push("delivered", "device")
	m.Push("queued", "global")
	m.Gauge("queue_depth", "Queued messages.", func() float64 { return 7 })

	assert.Equal(t, 2.0, testutil.ToFloat64(m.pushes.WithLabelValues("delivered", "device")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `pushbridge_pushes_total{outcome="queued",scope="global"} 1`)
	assert.Contains(t, string(body), "pushbridge_queue_depth 7")
}

package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushbridge/internal/metrics"
)

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestRoutes(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	ws := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := NewRouter(Config{MetricsEnabled: true}, Deps{
		WS:      ws,
		Metrics: m,
		Health: func() Snapshot {
			return Snapshot{Namespace: "pushbridge.0", Connections: 2, QueueDepth: 5}
		},
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, body := get(t, srv.URL+"/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	assert.Equal(t, "ok", snap.Status)
	assert.Equal(t, 2, snap.Connections)
	assert.Equal(t, 5, snap.QueueDepth)

	resp, _ = get(t, srv.URL+"/ws")
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	resp, body = get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `pushbridge_http_requests_total{method="GET",path="/healthz",status="200"} 1`)

	resp, _ = get(t, srv.URL+"/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsDisabled(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(NewRouter(Config{}, Deps{}))
	defer srv.Close()

	resp, _ := get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"ok"`)
}

func TestPprofMount(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(NewRouter(Config{Pprof: true}, Deps{}))
	defer srv.Close()
	resp, body := get(t, srv.URL+"/debug/pprof/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "goroutine")
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, Deps{})
	require.Empty(t, s.Addr())
	require.NoError(t, s.Start(context.Background()))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, _ := get(t, "http://"+addr+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Empty(t, s.Addr())
	require.NoError(t, s.Stop(ctx))
}

// Package metrics exposes Prometheus collectors for the dispatcher and the
// transport. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pushbridge"

type Metrics struct {
	reg *prometheus.Registry

	pushes      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	wsMessages  *prometheus.CounterVec
	wsSessions  prometheus.Gauge
	triggers    *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec
	httpTotal   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		pushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Per-recipient dispatch outcomes.",
		}, []string{"outcome", "scope"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Queued messages removed without delivery.",
		}, []string{"reason"}),
		wsMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Inbound WebSocket messages by action and result.",
		}, []string{"action", "result"}),
		wsSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_sessions",
			Help:      "Open WebSocket sessions.",
		}),
		triggers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Handled state signals by kind.",
		}, []string{"kind"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
		httpTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"path", "method", "status"}),
	}
}

// Registerer allows callers to add their own collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.reg
}

// Gauge registers a callback gauge, e.g. queue depth.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

func (m *Metrics) Push(outcome, scope string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(outcome, scope).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) WSMessage(action, result string) {
	if m == nil {
		return
	}
	m.wsMessages.WithLabelValues(action, result).Inc()
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.wsSessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.wsSessions.Dec()
	}
}

func (m *Metrics) Trigger(kind string) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Middleware records RED metrics keyed by route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := strconv.Itoa(ww.Status())
		m.httpLatency.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
		m.httpTotal.WithLabelValues(path, r.Method, status).Inc()
	})
}

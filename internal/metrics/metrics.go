// Package metrics exposes Prometheus collectors for the push client.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the client collectors. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	connectionState   prometheus.Gauge
	connectAttempts   prometheus.Counter
	connects          prometheus.Counter
	disconnects       *prometheus.CounterVec
	connectionErrors  prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	heartbeatsSent    prometheus.Counter

	framesReceived      *prometheus.CounterVec
	protocolErrors      prometheus.Counter
	activeSubscriptions prometheus.Gauge
	rejectedSubscribes  prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors against reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "push_connection_state",
			Help: "Connection state: 0 disconnected, 1 connecting, 2 connected.",
		}),
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_connect_attempts_total",
			Help: "Transport dial attempts, including reconnects.",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_connects_total",
			Help: "Successful STOMP handshakes.",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_disconnects_total",
			Help: "Connection teardowns partitioned by reason.",
		}, []string{"reason"}),
		connectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_connection_errors_total",
			Help: "Transport-level errors reported through OnError.",
		}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_heartbeat_timeouts_total",
			Help: "Connections closed because no heart-beat arrived in time.",
		}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_heartbeats_sent_total",
			Help: "Heart-beat EOLs written to the server.",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_frames_received_total",
			Help: "Inbound frames partitioned by command.",
		}, []string{"command"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_protocol_errors_total",
			Help: "Inbound payloads discarded because they were not valid JSON.",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "push_active_subscriptions",
			Help: "Registered topic subscriptions.",
		}),
		rejectedSubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_subscribe_rejected_total",
			Help: "Subscribe calls ignored because the connection was not ready.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "route"}),
		gatherer: reg,
	}
	for _, c := range []prometheus.Collector{
		m.connectionState,
		m.connectAttempts,
		m.connects,
		m.disconnects,
		m.connectionErrors,
		m.heartbeatTimeouts,
		m.heartbeatsSent,
		m.framesReceived,
		m.protocolErrors,
		m.activeSubscriptions,
		m.rejectedSubscribes,
		m.httpRequests,
		m.httpDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// Handler returns an http.Handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SetConnectionState records the numeric connection state.
func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

// ObserveConnectAttempt counts a dial attempt.
func (m *Metrics) ObserveConnectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

// ObserveConnected counts a completed handshake.
func (m *Metrics) ObserveConnected() {
	if m == nil {
		return
	}
	m.connects.Inc()
}

// ObserveDisconnect counts a teardown with a short reason label.
func (m *Metrics) ObserveDisconnect(reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reason).Inc()
}

// ObserveConnectionError counts a transport error.
func (m *Metrics) ObserveConnectionError() {
	if m == nil {
		return
	}
	m.connectionErrors.Inc()
}

// ObserveHeartbeatTimeout counts a missed heart-beat.
func (m *Metrics) ObserveHeartbeatTimeout() {
	if m == nil {
		return
	}
	m.heartbeatTimeouts.Inc()
}

// ObserveHeartbeatSent counts an outgoing heart-beat.
func (m *Metrics) ObserveHeartbeatSent() {
	if m == nil {
		return
	}
	m.heartbeatsSent.Inc()
}

// ObserveFrame counts an inbound frame.
func (m *Metrics) ObserveFrame(command string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(command).Inc()
}

// ObserveProtocolError counts a discarded payload.
func (m *Metrics) ObserveProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

// SetActiveSubscriptions records the registry size.
func (m *Metrics) SetActiveSubscriptions(n int) {
	if m == nil {
		return
	}
	m.activeSubscriptions.Set(float64(n))
}

// ObserveRejectedSubscribe counts a subscribe made while disconnected.
func (m *Metrics) ObserveRejectedSubscribe() {
	if m == nil {
		return
	}
	m.rejectedSubscribes.Inc()
}

// ObserveHTTPRequest records one served request.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

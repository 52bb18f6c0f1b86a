package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/realtime-job-progress/internal/progress"
)

// PrometheusSink exports job session metrics: updates per status, finished
// sessions per result, sessions in flight and time to outcome.
type PrometheusSink struct {
	updates         *prometheus.CounterVec
	finished        *prometheus.CounterVec
	inFlight        prometheus.Gauge
	sessionDuration *prometheus.HistogramVec

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobprogress_updates_total",
			Help: "Applied progress updates partitioned by job kind and status.",
		}, []string{"kind", "status"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobprogress_sessions_finished_total",
			Help: "Sessions that reached a terminal status, partitioned by kind and result.",
		}, []string{"kind", "result"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobprogress_sessions_in_flight",
			Help: "Sessions that reported UPLOADING or PROCESSING and have not finished.",
		}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobprogress_session_duration_seconds",
			Help:    "Time from the first in-flight update to the terminal update.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"result"}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.updates,
		s.finished,
		s.inFlight,
		s.sessionDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	kind := evt.Kind
	if kind == "" {
		kind = "unknown"
	}
	if evt.Released {
		if s.tracker.forget(evt.SessionID) {
			s.inFlight.Dec()
		}
		return
	}
	s.updates.WithLabelValues(kind, string(evt.Status)).Inc()

	switch {
	case evt.Status.InFlight():
		if s.tracker.start(evt.SessionID, evt.TS) {
			s.inFlight.Inc()
		}
	case evt.Status.Terminal():
		result := "success"
		if evt.Status == progress.StatusFailed {
			result = "failed"
		}
		started, wasRunning, first := s.tracker.complete(evt.SessionID)
		if wasRunning {
			s.inFlight.Dec()
		}
		if !first {
			return
		}
		s.finished.WithLabelValues(kind, result).Inc()
		if wasRunning {
			if d := evt.TS.Sub(started); d > 0 {
				s.sessionDuration.WithLabelValues(result).Observe(d.Seconds())
			}
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// sessionTracker remembers when each session started and which sessions have
// already been counted as finished, until the session is released.
type sessionTracker struct {
	mu       sync.Mutex
	running  map[string]time.Time
	finished map[string]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{
		running:  make(map[string]time.Time),
		finished: make(map[string]struct{}),
	}
}

func (t *sessionTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	if _, done := t.finished[id]; done {
		return false
	}
	t.running[id] = at
	return true
}

// complete reports the start time if the session was running and whether this
// is its first terminal update.
func (t *sessionTracker) complete(id string) (started time.Time, wasRunning, first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, wasRunning = t.running[id]
	delete(t.running, id)
	if _, done := t.finished[id]; done {
		return started, wasRunning, false
	}
	t.finished[id] = struct{}{}
	return started, wasRunning, true
}

// forget drops all state for id and reports whether it was still running.
func (t *sessionTracker) forget(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, running := t.running[id]
	delete(t.running, id)
	delete(t.finished, id)
	return running
}

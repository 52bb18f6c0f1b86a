package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-job-progress/internal/connection"
	"github.com/JakeFAU/realtime-job-progress/internal/jobsession"
	"github.com/JakeFAU/realtime-job-progress/internal/metrics"
	"github.com/JakeFAU/realtime-job-progress/internal/store"
)

// SessionSource lists the sessions the process follows.
type SessionSource interface {
	All() []*jobsession.Tracker
	Lookup(sessionID string) (*jobsession.Tracker, bool)
}

// ConnectionStatus reports the push connection state for readiness checks.
type ConnectionStatus interface {
	State() connection.State
}

// Config wires the Server. Sessions and Connection are required; History is
// optional and enables the /v1/history routes.
type Config struct {
	Sessions       SessionSource
	Connection     ConnectionStatus
	History        store.ProgressRepository
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	RequestTimeout time.Duration
}

// Server routes HTTP requests to session snapshots and history.
type Server struct {
	router     chi.Router
	sessions   SessionSource
	connection ConnectionStatus
	history    *HistoryHandler
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &Server{
		sessions:   cfg.Sessions,
		connection: cfg.Connection,
		metrics:    cfg.Metrics,
		logger:     logger.Named("api"),
	}
	if cfg.History != nil {
		s.history = NewHistoryHandler(cfg.History, logger)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(cfg.Metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Get("/{session_id}", s.getSession)
		})
		if s.history != nil {
			r.Route("/history", func(r chi.Router) {
				r.Get("/", s.history.ListSessions)
				r.Get("/{session_id}", s.history.GetSession)
			})
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz is 200 only while the push connection is up, since no progress can
// arrive otherwise.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	state := connection.Disconnected
	if s.connection != nil {
		state = s.connection.State()
	}
	body := map[string]string{"connection": state.String()}
	if state != connection.Connected {
		body["status"] = "not ready"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ready"
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	var trackers []*jobsession.Tracker
	if s.sessions != nil {
		trackers = s.sessions.All()
	}
	out := make([]sessionDTO, 0, len(trackers))
	for _, t := range trackers {
		out = append(out, toSessionDTO(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// getSession serves the live snapshot, falling back to persisted history for
// sessions this process no longer follows.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if s.sessions != nil {
		if t, ok := s.sessions.Lookup(id); ok {
			writeJSON(w, http.StatusOK, map[string]any{"session": toSessionDTO(t)})
			return
		}
	}
	if s.history != nil {
		s.history.GetSession(w, r)
		return
	}
	writeError(w, http.StatusNotFound, "session not found")
}

type sessionDTO struct {
	jobsession.State
	Kind        string `json:"kind"`
	IsUploading bool   `json:"isUploading"`
}

func toSessionDTO(t *jobsession.Tracker) sessionDTO {
	return sessionDTO{
		State:       t.Progress(),
		Kind:        t.Kind(),
		IsUploading: t.IsUploading(),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

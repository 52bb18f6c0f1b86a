package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-job-progress/internal/progress"
	"github.com/JakeFAU/realtime-job-progress/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	historyTimeout      = 3 * time.Second
)

// HistoryHandler exposes persisted session snapshots.
type HistoryHandler struct {
	repo    store.ProgressRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewHistoryHandler wires the repository and logger.
func NewHistoryHandler(repo store.ProgressRepository, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		repo:    repo,
		timeout: historyTimeout,
		logger:  logger.Named("history"),
	}
}

// ListSessions handles GET /v1/history?status=&limit=&offset=. It returns
// {"sessions": [...]} on success, 400 for invalid filters, 503 when the repo
// is unavailable, or 500 if the repository call fails.
func (h *HistoryHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress history unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *string
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		val, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &val
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	records, err := h.repo.ListSessions(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	out := make([]recordDTO, 0, len(records))
	for _, rec := range records {
		out = append(out, toRecordDTO(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// GetSession handles GET /v1/history/{session_id}. It returns
// {"session": {...}}, 400 for malformed ids, 404 when the repository reports
// store.ErrNotFound, or 500 otherwise.
func (h *HistoryHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress history unavailable")
		return
	}
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rec, err := h.repo.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("get session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toRecordDTO(rec)})
}

func parseSessionID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "session_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("session_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid session_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (string, error) {
	status := progress.Status(strings.ToUpper(input))
	if !status.ValidWire() {
		return "", errors.New("invalid status")
	}
	return string(status), nil
}

type recordDTO struct {
	SessionID  string     `json:"sessionId"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"`
	Processed  int64      `json:"processed"`
	Total      int64      `json:"total"`
	Progress   float64    `json:"progress"`
	Message    string     `json:"message,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

func toRecordDTO(rec store.SessionRecord) recordDTO {
	return recordDTO{
		SessionID:  rec.SessionID.String(),
		Kind:       rec.Kind,
		Status:     rec.Status,
		Processed:  rec.Processed,
		Total:      rec.Total,
		Progress:   rec.Percent,
		Message:    rec.Message,
		UpdatedAt:  rec.UpdatedAt,
		FinishedAt: rec.FinishedAt,
	}
}

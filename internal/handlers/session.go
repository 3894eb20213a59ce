package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"codedrill-backend/internal/middleware"
	"codedrill-backend/internal/models"
	"codedrill-backend/internal/repository"
	"codedrill-backend/internal/services"
)

type SessionHandler struct {
	sessions  *services.SessionService
	analytics *services.AnalyticsService
	recovery  *services.RecoveryService
	history   *repository.HistoryRepo
}

func NewSessionHandler(sessions *services.SessionService, analytics *services.AnalyticsService, recovery *services.RecoveryService, history *repository.HistoryRepo) *SessionHandler {
	return &SessionHandler{sessions: sessions, analytics: analytics, recovery: recovery, history: history}
}

// Start either creates a session (201) or, when a live session already
// exists, returns a recovery payload (409) the client must resolve.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req models.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	outcome, err := h.sessions.StartOrRecover(r.Context(), userID, req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if outcome.Recovery != nil {
		writeJSON(w, http.StatusConflict, outcome)
		return
	}
	writeJSON(w, http.StatusCreated, outcome)
}

func (h *SessionHandler) Recover(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	sess, err := h.sessions.Recover(r.Context(), userID, sessionID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Dismiss abandons the existing session and starts the requested one in
// its place.
func (h *SessionHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	var req models.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	sess, err := h.sessions.Dismiss(r.Context(), userID, sessionID, req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *SessionHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	if err := h.sessions.Heartbeat(r.Context(), userID, sessionID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *SessionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sessions.Pause)
}

func (h *SessionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sessions.Resume)
}

func (h *SessionHandler) transition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, userID, sessionID uuid.UUID, expectedState string) (*models.PracticeSession, error)) {
	userID := middleware.GetUserID(r.Context())
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	var req models.TransitionRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	sess, err := apply(r.Context(), userID, sessionID, req.ExpectedState)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	sess, err := h.sessions.Complete(r.Context(), userID, sessionID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	var req models.TransitionRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	sess, err := h.sessions.Abandon(r.Context(), userID, sessionID, req.Reason)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionHandler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	var req models.SessionEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	live, err := h.analytics.RecordEvent(r.Context(), userID, sessionID, req.Event, req.Correct)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, live)
}

func (h *SessionHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	var req models.SnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}
	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed", map[string]string{"code": "code is required"}, r))
		return
	}

	if err := h.analytics.RecordSnapshot(r.Context(), userID, sessionID, req.Code, req.Language); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// Current returns the caller's live session, or 404 when none exists.
// An optional problem_id filter restricts the match to one problem.
func (h *SessionHandler) Current(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var (
		sess *models.PracticeSession
		err  error
	)
	if pid := r.URL.Query().Get("problem_id"); pid != "" {
		problemID, parseErr := uuid.Parse(pid)
		if parseErr != nil {
			writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid problem_id", r))
			return
		}
		sess, err = h.sessions.CurrentForProblem(r.Context(), userID, problemID)
	} else {
		sess, err = h.sessions.Current(r.Context(), userID)
	}
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionHandler) Pending(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	summary, ok := h.recovery.PendingSummary(r.Context(), userID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "No pending recovery", r))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	sess, err := h.sessions.Get(r.Context(), userID, sessionID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	live, err := h.sessions.Metrics(r.Context(), userID, sessionID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, live)
}

func (h *SessionHandler) History(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	entries, err := h.history.ListByUser(r.Context(), userID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to load history", r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

func (h *SessionHandler) sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid session ID", r))
		return uuid.Nil, false
	}
	return id, true
}

package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"codedrill-backend/internal/repository"
)

type ProblemHandler struct {
	repo *repository.ProblemRepo
}

func NewProblemHandler(repo *repository.ProblemRepo) *ProblemHandler {
	return &ProblemHandler{repo: repo}
}

func (h *ProblemHandler) List(w http.ResponseWriter, r *http.Request) {
	dailyOnly := r.URL.Query().Get("daily") == "true"

	problems, err := h.repo.List(r.Context(), dailyOnly)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to load problems", r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"problems": problems})
}

func (h *ProblemHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid problem ID", r))
		return
	}

	problem, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Problem not found", r))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to load problem", r))
		return
	}
	writeJSON(w, http.StatusOK, problem)
}

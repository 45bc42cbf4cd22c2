package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mkurata/saiten/internal/csvio"
	"github.com/mkurata/saiten/internal/i18n"
	"github.com/mkurata/saiten/internal/review"
	"github.com/mkurata/saiten/internal/store"
)

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.grading.Statistics(chi.URLParam(r, "examID"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, "ExamNotFound")
		return
	}
	if err != nil {
		slog.Error("exam statistics", "error", err)
		respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	export, err := h.store.ExportResults(examID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, "ExamNotFound")
		return
	}
	if err != nil {
		slog.Error("export results", "error", err)
		respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s_results.csv", examID))
		if err := csvio.WriteResults(w, export); err != nil {
			slog.Error("write csv export", "error", err)
		}
		return
	}
	respondJSON(w, http.StatusOK, export)
}

func (h *Handler) handleApplyReview(w http.ResponseWriter, r *http.Request) {
	var req review.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return
	}
	req.GradingResultID = chi.URLParam(r, "resultID")

	result, err := h.review.Apply(req)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, "ResultNotFound")
		return
	}
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": i18n.Td(r.Context(), "InvalidReviewRequest", map[string]any{"Reason": err.Error()}),
		})
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) handleReviewComparison(w http.ResponseWriter, r *http.Request) {
	items, err := h.review.Comparison(chi.URLParam(r, "examID"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, "ExamNotFound")
		return
	}
	if err != nil {
		slog.Error("review comparison", "error", err)
		respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	respondJSON(w, http.StatusOK, items)
}

func (h *Handler) handleReviewStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.review.Stats(chi.URLParam(r, "examID"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, "ExamNotFound")
		return
	}
	if err != nil {
		slog.Error("review stats", "error", err)
		respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

type finalizeRequest struct {
	GraderID string `json:"grader_id"`
}

func (h *Handler) handleReviewFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, r, http.StatusBadRequest, "InvalidRequestBody")
			return
		}
	}
	if req.GraderID == "" {
		req.GraderID = "reviewer"
	}

	result, err := h.review.Finalize(chi.URLParam(r, "examID"), req.GraderID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, "ExamNotFound")
		return
	}
	if err != nil {
		slog.Error("finalize review", "error", err)
		respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"finalized": result.Finalized,
		"errors":    result.Errors,
		"message": i18n.Td(r.Context(), "ReviewFinalized", map[string]any{
			"Confirmed": result.Finalized,
			"Failed":    len(result.Errors),
		}),
	})
}

package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mkurata/saiten/internal/grading"
	"github.com/mkurata/saiten/internal/i18n"
	"github.com/mkurata/saiten/internal/llm"
	"github.com/mkurata/saiten/internal/model"
	"github.com/mkurata/saiten/internal/review"
	"github.com/mkurata/saiten/internal/store"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store   *store.Store
	grading *grading.Service
	review  *review.Service
}

// New creates a new Handler.
func New(s *store.Store, g *grading.Service, r *review.Service) *Handler {
	return &Handler{store: s, grading: g, review: r}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/exams", h.handleListExams)
		r.Get("/exams/{examID}", h.handleGetExam)
		r.Get("/exams/{examID}/statistics", h.handleStatistics)
		r.Get("/exams/{examID}/export", h.handleExport)
		r.Get("/exams/{examID}/review", h.handleReviewComparison)
		r.Get("/exams/{examID}/review/stats", h.handleReviewStats)
		r.Post("/exams/{examID}/review/finalize", h.handleReviewFinalize)

		r.Post("/sessions", h.handleStartSession)
		r.Get("/sessions", h.handleListSessions)
		r.Get("/sessions/{sessionID}", h.handleGetSession)
		r.Delete("/sessions/{sessionID}", h.handleDeleteSession)

		r.Post("/answers/{answerID}/regrade", h.handleRegrade)
		r.Post("/results/{resultID}/review", h.handleApplyReview)

		r.Get("/llm/test", h.handleLLMTest)
		r.Get("/llm/models", h.handleLLMModels)
		r.Get("/llm/config", h.handleGetLLMConfig)
		r.Put("/llm/config", h.handlePutLLMConfig)
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	respondJSON(w, status, map[string]string{"error": i18n.T(r.Context(), msgID)})
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.store.ListExams()
	if err != nil {
		slog.Error("list exams", "error", err)
		respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	respondJSON(w, http.StatusOK, exams)
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	exam, err := h.store.GetExam(chi.URLParam(r, "examID"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, "ExamNotFound")
		return
	}
	if err != nil {
		slog.Error("get exam", "error", err)
		respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	respondJSON(w, http.StatusOK, exam)
}

type startSessionRequest struct {
	ExamID           string `json:"exam_id"`
	SkipGraded       bool   `json:"skip_graded"`
	ConsistencyCheck bool   `json:"consistency_check"`
	DelayMs          int    `json:"delay_ms"`
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return
	}

	sessionID, err := h.grading.Start(req.ExamID, grading.Options{
		SkipGraded:       req.SkipGraded,
		ConsistencyCheck: req.ConsistencyCheck,
		Delay:            time.Duration(req.DelayMs) * time.Millisecond,
	})
	var cfgErr *llm.ConfigurationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "ExamNotFound")
		return
	case errors.Is(err, grading.ErrNoAnswers):
		respondError(w, r, http.StatusBadRequest, "NoAnswersToGrade")
		return
	case errors.As(err, &cfgErr):
		// Fixable by the caller through PUT /api/llm/config, so not a 500.
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": cfgErr.Error()})
		return
	case err != nil:
		slog.Error("start grading session", "exam", req.ExamID, "error", err)
		respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.grading.Sessions())
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := h.grading.Get(chi.URLParam(r, "sessionID"))
	if sess == nil {
		respondError(w, r, http.StatusNotFound, "SessionNotFound")
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// handleDeleteSession cancels a running session, or forgets a finished one.
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if h.grading.Cancel(id) {
		respondJSON(w, http.StatusOK, map[string]string{"message": i18n.T(r.Context(), "SessionCancelled")})
		return
	}
	if h.grading.Remove(id) {
		respondJSON(w, http.StatusOK, map[string]string{"message": i18n.T(r.Context(), "SessionRemoved")})
		return
	}
	respondError(w, r, http.StatusNotFound, "SessionNotFound")
}

func (h *Handler) handleRegrade(w http.ResponseWriter, r *http.Request) {
	result, err := h.grading.Regrade(r.Context(), chi.URLParam(r, "answerID"))
	if errors.Is(err, grading.ErrQuestionNotFound) {
		respondError(w, r, http.StatusNotFound, "QuestionNotFound")
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, "AnswerNotFound")
		return
	}
	var gradeErr *llm.GradingError
	if errors.As(err, &gradeErr) {
		slog.Warn("regrade failed", "answer", chi.URLParam(r, "answerID"), "error", err)
		respondJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		slog.Error("regrade", "error", err)
		respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) handleLLMTest(w http.ResponseWriter, r *http.Request) {
	cfg := h.grading.Config()
	ok := h.grading.TestConnection(r.Context())
	msgID := "ConnectionFailed"
	if ok {
		msgID = "ConnectionOK"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":      ok,
		"message": i18n.Td(r.Context(), msgID, map[string]any{"Provider": string(cfg.Provider)}),
	})
}

func (h *Handler) handleLLMModels(w http.ResponseWriter, r *http.Request) {
	client, err := llm.NewClient(h.grading.Config())
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	models, err := client.Models(r.Context())
	if err != nil {
		slog.Warn("list models", "error", err)
		respondJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string][]string{"models": models})
}

func (h *Handler) handleGetLLMConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.grading.Config())
}

func (h *Handler) handlePutLLMConfig(w http.ResponseWriter, r *http.Request) {
	var cfg model.LLMConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return
	}
	h.grading.UpdateConfig(cfg)
	respondJSON(w, http.StatusOK, map[string]string{"message": i18n.T(r.Context(), "ConfigUpdated")})
}

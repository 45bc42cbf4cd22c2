package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mkurata/saiten/internal/grading"
	"github.com/mkurata/saiten/internal/i18n"
	"github.com/mkurata/saiten/internal/model"
	"github.com/mkurata/saiten/internal/review"
	"github.com/mkurata/saiten/internal/store"
)

// newLLMServer fakes an OpenAI-compatible backend that always returns the
// same verdict.
func newLLMServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [{"id": "test-model"}]}`))
	})
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"score\":\"○\",\"points\":9,\"reason\":\"solid answer\"}"}}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	router http.Handler
	store  *store.Store
	answer model.Answer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init() error = %v", err)
	}

	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	now := time.Now().Truncate(time.Second)
	exam := model.Exam{
		ID: "exam1", Name: "PM Exam", CreatedAt: now, UpdatedAt: now,
		Questions: []model.Question{
			{ID: "q1", ExamID: "exam1", Number: "問1", Content: "c", MaxScore: 10},
		},
	}
	if err := db.SaveExam(exam); err != nil {
		t.Fatalf("SaveExam() error = %v", err)
	}
	answer := model.Answer{
		ID: "a1", ExamID: "exam1", StudentID: "S001", QuestionID: "q1",
		Content: "the answer", CreatedAt: now,
	}
	if err := db.InsertAnswer(answer); err != nil {
		t.Fatalf("InsertAnswer() error = %v", err)
	}

	llmSrv := newLLMServer(t)
	cfg := model.LLMConfig{
		Provider: model.ProviderLMStudio,
		Endpoint: llmSrv.URL,
		Model:    "test-model",
		Timeout:  5 * time.Second,
	}

	h := New(db, grading.NewService(db, cfg), review.NewService(db))
	r := chi.NewRouter()
	r.Use(i18n.Middleware("en"))
	h.Routes(r)

	return &fixture{router: r, store: db, answer: answer}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

// runSession starts a grading session over the fixture exam and waits for
// it to finish.
func (f *fixture) runSession(t *testing.T) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/sessions", `{"exam_id": "exam1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /api/sessions = %d, body %q", w.Code, w.Body.String())
	}
	id := decode[map[string]string](t, w)["session_id"]

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := f.do(t, http.MethodGet, "/api/sessions/"+id, "")
		sess := decode[grading.Session](t, w)
		if sess.Status != grading.StatusRunning {
			if sess.Status != grading.StatusCompleted {
				t.Fatalf("session status = %q, errors %v", sess.Status, sess.Errors)
			}
			return id
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session did not finish in time")
	return ""
}

func TestListAndGetExam(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/exams", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/exams = %d", w.Code)
	}
	exams := decode[[]model.Exam](t, w)
	if len(exams) != 1 || exams[0].ID != "exam1" {
		t.Errorf("exams = %+v", exams)
	}

	w = f.do(t, http.MethodGet, "/api/exams/exam1", "")
	exam := decode[model.Exam](t, w)
	if len(exam.Questions) != 1 {
		t.Errorf("questions = %d, want 1", len(exam.Questions))
	}

	w = f.do(t, http.MethodGet, "/api/exams/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("GET unknown exam = %d, want 404", w.Code)
	}
	if got := decode[map[string]string](t, w)["error"]; got != "exam not found" {
		t.Errorf("error = %q, want localized message", got)
	}
}

func TestGradingSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	id := f.runSession(t)

	w := f.do(t, http.MethodGet, "/api/sessions/"+id, "")
	sess := decode[grading.Session](t, w)
	if sess.Progress.Current != 1 || sess.Progress.Percentage != 100 {
		t.Errorf("progress = %+v", sess.Progress)
	}
	if len(sess.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(sess.Results))
	}
	if sess.Results[0].FirstGrade.Score != model.ScorePass {
		t.Errorf("score = %q, want ○", sess.Results[0].FirstGrade.Score)
	}

	w = f.do(t, http.MethodGet, "/api/sessions", "")
	if got := decode[[]grading.Session](t, w); len(got) != 1 {
		t.Errorf("sessions = %d, want 1", len(got))
	}

	w = f.do(t, http.MethodDelete, "/api/sessions/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE session = %d", w.Code)
	}
	w = f.do(t, http.MethodGet, "/api/sessions/"+id, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("GET removed session = %d, want 404", w.Code)
	}
}

func TestStartSessionErrors(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/sessions", `{"exam_id": "nope"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown exam = %d, want 404", w.Code)
	}

	w = f.do(t, http.MethodPost, "/api/sessions", `{bad json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad body = %d, want 400", w.Code)
	}

	// All answers graded and skip_graded set: nothing to do.
	f.runSession(t)
	w = f.do(t, http.MethodPost, "/api/sessions", `{"exam_id": "exam1", "skip_graded": true}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("nothing to grade = %d, want 400", w.Code)
	}
	if got := decode[map[string]string](t, w)["error"]; got != "no answers to grade" {
		t.Errorf("error = %q", got)
	}

	// An unsupported provider in the stored config is a caller problem.
	w = f.do(t, http.MethodPut, "/api/llm/config", `{"provider": "claude-9000"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("put config = %d", w.Code)
	}
	w = f.do(t, http.MethodPost, "/api/sessions", `{"exam_id": "exam1"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unsupported provider = %d, want 400", w.Code)
	}
	if got := decode[map[string]string](t, w)["error"]; !strings.Contains(got, "claude-9000") {
		t.Errorf("error = %q, want mention of the provider", got)
	}
}

func TestRegradeEndpoint(t *testing.T) {
	f := newFixture(t)
	f.runSession(t)

	w := f.do(t, http.MethodPost, "/api/answers/a1/regrade", "")
	if w.Code != http.StatusOK {
		t.Fatalf("regrade = %d, body %q", w.Code, w.Body.String())
	}
	result := decode[model.GradingResult](t, w)
	if !strings.HasSuffix(result.FirstGrade.GraderID, "_regrade") {
		t.Errorf("GraderID = %q, want regrade marker", result.FirstGrade.GraderID)
	}

	w = f.do(t, http.MethodPost, "/api/answers/nope/regrade", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown answer = %d, want 404", w.Code)
	}

	// An answer whose question was removed gets its own message.
	orphan := model.Answer{ID: "a2", ExamID: "exam1", StudentID: "S002", QuestionID: "gone", Content: "x"}
	if err := f.store.InsertAnswer(orphan); err != nil {
		t.Fatalf("InsertAnswer() error = %v", err)
	}
	w = f.do(t, http.MethodPost, "/api/answers/a2/regrade", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("orphaned answer = %d, want 404", w.Code)
	}
	if got := decode[map[string]string](t, w)["error"]; got != "question not found" {
		t.Errorf("error = %q, want the question message", got)
	}
}

func TestReviewFlow(t *testing.T) {
	f := newFixture(t)
	f.runSession(t)

	result, err := f.store.GradingResultByAnswerID("a1")
	if err != nil {
		t.Fatalf("GradingResultByAnswerID() error = %v", err)
	}

	w := f.do(t, http.MethodPost, "/api/results/"+result.ID+"/review",
		`{"score": "△", "points": 6, "reason": "one element missing", "grader_id": "reviewer1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("apply review = %d, body %q", w.Code, w.Body.String())
	}
	updated := decode[model.GradingResult](t, w)
	if updated.SecondGrade == nil || updated.SecondGrade.Score != model.ScorePartial {
		t.Errorf("SecondGrade = %+v", updated.SecondGrade)
	}

	t.Run("validation error", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/results/"+result.ID+"/review",
			`{"score": "○", "points": 99, "reason": "r"}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("out of range points = %d, want 400", w.Code)
		}
	})

	t.Run("comparison", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/exams/exam1/review", "")
		items := decode[[]review.ComparisonItem](t, w)
		if len(items) != 1 {
			t.Fatalf("items = %d, want 1", len(items))
		}
		if items[0].ScoreDirection != review.DirectionDowngraded {
			t.Errorf("direction = %q, want downgraded", items[0].ScoreDirection)
		}
	})

	t.Run("stats", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/exams/exam1/review/stats", "")
		stats := decode[review.Stats](t, w)
		if stats.Completed != 1 || stats.Downgraded != 1 {
			t.Errorf("stats = %+v", stats)
		}
	})

	t.Run("finalize with nothing pending", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/exams/exam1/review/finalize", `{"grader_id": "chief"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("finalize = %d", w.Code)
		}
		got := decode[map[string]any](t, w)
		if got["finalized"].(float64) != 0 {
			t.Errorf("finalized = %v, want 0: the only result is already reviewed", got["finalized"])
		}
	})
}

func TestStatisticsAndExport(t *testing.T) {
	f := newFixture(t)
	f.runSession(t)

	w := f.do(t, http.MethodGet, "/api/exams/exam1/statistics", "")
	stats := decode[grading.Statistics](t, w)
	if stats.Total != 1 || stats.Graded != 1 {
		t.Errorf("stats = %+v", stats)
	}

	w = f.do(t, http.MethodGet, "/api/exams/exam1/export", "")
	export := decode[model.ExamResultExport](t, w)
	if export.NumGraded != 1 || len(export.Results) != 1 {
		t.Errorf("export = %+v", export)
	}

	w = f.do(t, http.MethodGet, "/api/exams/exam1/export?format=csv", "")
	if got := w.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/csv") {
		t.Errorf("Content-Type = %q, want text/csv", got)
	}
	if !strings.Contains(w.Body.String(), "S001,問1") {
		t.Errorf("csv body = %q", w.Body.String())
	}
}

func TestLLMEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/llm/test", "")
	got := decode[map[string]any](t, w)
	if got["ok"] != true {
		t.Errorf("test connection = %v, want ok", got)
	}

	w = f.do(t, http.MethodGet, "/api/llm/models", "")
	models := decode[map[string][]string](t, w)
	if len(models["models"]) != 1 || models["models"][0] != "test-model" {
		t.Errorf("models = %v", models)
	}

	w = f.do(t, http.MethodGet, "/api/llm/config", "")
	cfg := decode[model.LLMConfig](t, w)
	if cfg.Provider != model.ProviderLMStudio {
		t.Errorf("provider = %q", cfg.Provider)
	}

	w = f.do(t, http.MethodPut, "/api/llm/config",
		`{"provider": "ollama", "endpoint": "http://localhost:11434", "model": "llama3.2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("put config = %d", w.Code)
	}
	w = f.do(t, http.MethodGet, "/api/llm/config", "")
	if got := decode[model.LLMConfig](t, w); got.Provider != model.ProviderOllama {
		t.Errorf("provider after update = %q, want ollama", got.Provider)
	}
}

package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkurata/saiten/internal/llm"
	"github.com/mkurata/saiten/internal/model"
	"github.com/mkurata/saiten/internal/store"
)

// Grader grades a single answer against its question. Implementations call
// an LLM; tests use canned results.
type Grader interface {
	Grade(ctx context.Context, q model.Question, a model.Answer) (*llm.GradingResponse, error)
	CheckConsistency(ctx context.Context, q model.Question, a model.Answer, iterations int) (*llm.ConsistencyResult, error)
	TestConnection(ctx context.Context) bool
	Config() model.LLMConfig
}

// Store is the persistence the grading engine depends on. *store.Store
// satisfies it.
type Store interface {
	GetExam(id string) (*model.Exam, error)
	AnswersByExamID(examID string) ([]model.Answer, error)
	AllGradingResults() ([]model.GradingResult, error)
	GradingResultByAnswerID(answerID string) (*model.GradingResult, error)
	SaveGradingResult(r model.GradingResult) error
	GetAnswer(id string) (*model.Answer, error)
	GetQuestion(id string) (*model.Question, error)
}

// Options controls one batch grading run.
type Options struct {
	// SkipGraded leaves answers that already have a grading result alone.
	SkipGraded bool `json:"skip_graded"`
	// ConsistencyCheck grades each answer three times and records the
	// majority verdict.
	ConsistencyCheck bool `json:"consistency_check"`
	// Delay is the pause between grading calls, a backpressure knob for
	// rate-limited backends.
	Delay time.Duration `json:"delay"`
}

const (
	consistencyIterations = 3
	// sessionRetention bounds how long finished sessions stay inspectable.
	sessionRetention = 24 * time.Hour
)

var (
	// ErrNoAnswers is returned by Start when the exam has nothing to grade.
	ErrNoAnswers = errors.New("grading: no answers to grade")
	// ErrQuestionNotFound is returned by Regrade when the answer refers to a
	// question that no longer exists.
	ErrQuestionNotFound = errors.New("grading: question not found")
)

// Compile-time checks: the real client and store satisfy the interfaces.
var (
	_ Grader = (*llm.Client)(nil)
	_ Store  = (*store.Store)(nil)
)

// Service owns the grading sessions: it starts batch runs, tracks their
// progress and holds the current LLM configuration. Each session is driven
// by a single goroutine; multiple sessions may run concurrently.
type Service struct {
	store Store

	mu       sync.RWMutex
	sessions map[string]*session
	cfg      model.LLMConfig

	// newGrader builds the grader for a config snapshot; replaced in tests.
	newGrader func(cfg model.LLMConfig) (Grader, error)
}

// NewService creates a grading service backed by the given store.
func NewService(st Store, cfg model.LLMConfig) *Service {
	return &Service{
		store:    st,
		sessions: make(map[string]*session),
		cfg:      cfg,
		newGrader: func(cfg model.LLMConfig) (Grader, error) {
			return llm.NewClient(cfg)
		},
	}
}

// Config returns the current LLM configuration.
func (s *Service) Config() model.LLMConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// UpdateConfig swaps the LLM configuration. In-progress sessions keep the
// snapshot they started with; only future sessions see the change.
func (s *Service) UpdateConfig(cfg model.LLMConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// TestConnection reports whether the currently configured backend is
// reachable.
func (s *Service) TestConnection(ctx context.Context) bool {
	grader, err := s.newGrader(s.Config())
	if err != nil {
		return false
	}
	return grader.TestConnection(ctx)
}

// Start launches a batch grading run over every answer of an exam and
// returns the session id. The run itself happens on a background goroutine;
// callers poll Get for progress. Configuration and lookup problems are
// reported here; per-item grading failures are collected in the session.
func (s *Service) Start(examID string, opts Options) (string, error) {
	s.sweep()

	cfg := s.Config()
	grader, err := s.newGrader(cfg)
	if err != nil {
		return "", err
	}

	exam, err := s.store.GetExam(examID)
	if err != nil {
		return "", fmt.Errorf("load exam: %w", err)
	}
	answers, err := s.store.AnswersByExamID(examID)
	if err != nil {
		return "", fmt.Errorf("load answers: %w", err)
	}

	if opts.SkipGraded {
		existing, err := s.store.AllGradingResults()
		if err != nil {
			return "", fmt.Errorf("load grading results: %w", err)
		}
		graded := make(map[string]bool, len(existing))
		for _, r := range existing {
			graded[r.AnswerID] = true
		}
		var remaining []model.Answer
		for _, a := range answers {
			if !graded[a.ID] {
				remaining = append(remaining, a)
			}
		}
		answers = remaining
	}
	if len(answers) == 0 {
		return "", ErrNoAnswers
	}

	questions := make(map[string]model.Question, len(exam.Questions))
	for _, q := range exam.Questions {
		questions[q.ID] = q
	}

	st := newSession(uuid.NewString(), examID, len(answers), cfg)
	s.mu.Lock()
	s.sessions[st.s.ID] = st
	s.mu.Unlock()

	slog.Info("grading session started",
		"session_id", st.s.ID,
		"exam_id", examID,
		"answers", len(answers),
		"provider", cfg.Provider,
		"model", cfg.Model,
		"consistency_check", opts.ConsistencyCheck,
	)

	go s.run(st, grader, questions, answers, opts)
	return st.s.ID, nil
}

// run processes the answers strictly in order on a single worker. Grading
// failures are isolated per item; storage failures abort the whole run.
// Grading outlives the HTTP request that started it, hence the background
// context.
func (s *Service) run(st *session, grader Grader, questions map[string]model.Question, answers []model.Answer, opts Options) {
	ctx := context.Background()
	startedAt := time.Now()

	for i, a := range answers {
		// Cooperative cancellation, checked only at item boundaries: a
		// cancelled session keeps its progress frozen at the last
		// completed item.
		if st.isCancelled() {
			slog.Info("grading session cancelled", "session_id", st.s.ID)
			return
		}

		q, ok := questions[a.QuestionID]
		if !ok {
			st.addError(fmt.Sprintf("question not found: %s (student %s)", a.QuestionID, a.StudentID))
			continue
		}

		st.beginItem(a, startedAt)

		if err := s.gradeItem(ctx, st, grader, q, a, opts); err != nil {
			st.fail(err)
			return
		}
		st.finishItem()

		if i < len(answers)-1 && opts.Delay > 0 {
			time.Sleep(opts.Delay)
		}
	}

	st.complete()
	slog.Info("grading session completed",
		"session_id", st.s.ID,
		"results", len(st.snapshot().Results),
		"errors", len(st.snapshot().Errors),
	)
}

// gradeItem grades one answer and persists the result. A *llm.GradingError
// is recorded on the session and swallowed; any other error is returned and
// fails the session.
func (s *Service) gradeItem(ctx context.Context, st *session, grader Grader, q model.Question, a model.Answer, opts Options) error {
	var resp *llm.GradingResponse

	if opts.ConsistencyCheck {
		cr, err := grader.CheckConsistency(ctx, q, a, consistencyIterations)
		if err != nil {
			return s.recordItemError(st, err)
		}
		if !cr.IsConsistent {
			st.addError(fmt.Sprintf("inconsistent grading (student %s, question %s): stddev %.2f of %d",
				a.StudentID, q.Number, cr.StdDev, q.MaxScore))
		}
		resp = cr.Majority
	} else {
		var err error
		resp, err = grader.Grade(ctx, q, a)
		if err != nil {
			return s.recordItemError(st, err)
		}
	}

	result := model.GradingResult{
		ID:       "grading_" + uuid.NewString(),
		AnswerID: a.ID,
		FirstGrade: model.FirstGrade{
			Score:    resp.Score,
			Points:   resp.Points,
			Reason:   resp.Reason,
			GradedAt: time.Now(),
			GraderID: graderID(grader.Config()),
		},
	}
	if err := s.store.SaveGradingResult(result); err != nil {
		return fmt.Errorf("save grading result: %w", err)
	}
	st.addResult(result)
	return nil
}

// recordItemError turns a per-item grading failure into a session error
// entry. Anything that is not a GradingError escalates to the caller.
func (s *Service) recordItemError(st *session, err error) error {
	var ge *llm.GradingError
	if errors.As(err, &ge) {
		st.addError(err.Error())
		return nil
	}
	return err
}

func graderID(cfg model.LLMConfig) string {
	return "LLM_" + cfg.Model
}

// Get returns a snapshot of a session, or nil if unknown.
func (s *Service) Get(sessionID string) *Session {
	s.mu.RLock()
	st := s.sessions[sessionID]
	s.mu.RUnlock()
	if st == nil {
		return nil
	}
	return st.snapshot()
}

// Sessions returns snapshots of all known sessions.
func (s *Service) Sessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, st := range s.sessions {
		out = append(out, st.snapshot())
	}
	return out
}

// Cancel requests cancellation of a running session. It returns false if
// the session is unknown or already terminal.
func (s *Service) Cancel(sessionID string) bool {
	s.mu.RLock()
	st := s.sessions[sessionID]
	s.mu.RUnlock()
	if st == nil {
		return false
	}
	return st.cancel()
}

// Remove drops a session from the registry.
func (s *Service) Remove(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return false
	}
	delete(s.sessions, sessionID)
	return true
}

// sweep garbage-collects sessions that finished more than sessionRetention
// ago. Runs lazily on each Start, so no background timer is needed.
func (s *Service) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.sessions {
		snap := st.snapshot()
		if snap.Status == StatusRunning || snap.CompletedAt == nil {
			continue
		}
		if time.Since(*snap.CompletedAt) > sessionRetention {
			delete(s.sessions, id)
		}
	}
}

// Regrade grades a single answer again and replaces its first grade. An
// existing second grade is preserved: regrading is a machine action and
// must not discard human review.
func (s *Service) Regrade(ctx context.Context, answerID string) (*model.GradingResult, error) {
	a, err := s.store.GetAnswer(answerID)
	if err != nil {
		return nil, fmt.Errorf("load answer: %w", err)
	}
	q, err := s.store.GetQuestion(a.QuestionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrQuestionNotFound, a.QuestionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load question: %w", err)
	}

	grader, err := s.newGrader(s.Config())
	if err != nil {
		return nil, err
	}
	resp, err := grader.Grade(ctx, *q, *a)
	if err != nil {
		return nil, err
	}

	firstGrade := model.FirstGrade{
		Score:    resp.Score,
		Points:   resp.Points,
		Reason:   resp.Reason,
		GradedAt: time.Now(),
		GraderID: graderID(grader.Config()) + "_regrade",
	}

	result, err := s.store.GradingResultByAnswerID(answerID)
	switch {
	case err == nil:
		result.FirstGrade = firstGrade
	case errors.Is(err, store.ErrNotFound):
		result = &model.GradingResult{
			ID:         "grading_" + uuid.NewString(),
			AnswerID:   answerID,
			FirstGrade: firstGrade,
		}
	default:
		return nil, fmt.Errorf("load grading result: %w", err)
	}

	if err := s.store.SaveGradingResult(*result); err != nil {
		return nil, fmt.Errorf("save grading result: %w", err)
	}
	return result, nil
}

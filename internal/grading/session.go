package grading

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mkurata/saiten/internal/model"
)

// Status is the lifecycle state of a grading session. Running is the only
// non-terminal state; there are no transitions out of the other three.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Progress tracks how far a session has advanced. Current counts completed
// items, so a session cancelled after three of five items reports Current=3.
type Progress struct {
	Current    int    `json:"current"`
	Total      int    `json:"total"`
	Percentage int    `json:"percentage"`
	// ETA is the estimated remaining time in seconds, derived from the
	// average duration of the items completed so far.
	ETA        int    `json:"eta"`
	StudentID  string `json:"student_id,omitempty"`
	QuestionID string `json:"question_id,omitempty"`
}

// Session is the caller-facing snapshot of one batch grading run. Sessions
// are bookkeeping, not the system of record: grading results are persisted
// individually as they are produced.
type Session struct {
	ID          string                `json:"id"`
	ExamID      string                `json:"exam_id"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Status      Status                `json:"status"`
	Progress    Progress              `json:"progress"`
	Results     []model.GradingResult `json:"results"`
	Errors      []string              `json:"errors"`
	Config      model.LLMConfig       `json:"config"`
}

// session is the mutable state owned by the run goroutine. All reads from
// other goroutines go through snapshot().
type session struct {
	mu sync.Mutex
	s  Session
}

func newSession(id, examID string, total int, cfg model.LLMConfig) *session {
	return &session{s: Session{
		ID:        id,
		ExamID:    examID,
		StartedAt: time.Now(),
		Status:    StatusRunning,
		Progress:  Progress{Total: total},
		Config:    cfg,
	}}
}

func (st *session) snapshot() *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := st.s
	cp.Results = slices.Clone(st.s.Results)
	cp.Errors = slices.Clone(st.s.Errors)
	if st.s.CompletedAt != nil {
		t := *st.s.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// cancel requests cancellation. It only succeeds while the session is
// running; terminal states are final. The run loop observes the new status
// at the next item boundary, so an in-flight call finishes first.
func (st *session) cancel() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.s.Status != StatusRunning {
		return false
	}
	st.s.Status = StatusCancelled
	now := time.Now()
	st.s.CompletedAt = &now
	return true
}

func (st *session) isCancelled() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s.Status == StatusCancelled
}

func (st *session) addError(msg string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.Errors = append(st.s.Errors, msg)
}

func (st *session) addResult(r model.GradingResult) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.Results = append(st.s.Results, r)
}

// beginItem records which answer is being graded and refreshes the ETA from
// the items completed so far.
func (st *session) beginItem(a model.Answer, startedAt time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.Progress.StudentID = a.StudentID
	st.s.Progress.QuestionID = a.QuestionID
	if done := st.s.Progress.Current; done > 0 {
		avg := time.Since(startedAt).Seconds() / float64(done)
		st.s.Progress.ETA = int(avg*float64(st.s.Progress.Total-done) + 0.5)
	}
}

// finishItem advances the completed-item counter. Failed items count too:
// they occupied their slot in the sequence.
func (st *session) finishItem() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.Progress.Current++
	st.s.Progress.Percentage = int(float64(st.s.Progress.Current)/float64(st.s.Progress.Total)*100 + 0.5)
}

func (st *session) complete() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.s.Status != StatusRunning {
		return
	}
	st.s.Status = StatusCompleted
	now := time.Now()
	st.s.CompletedAt = &now
	st.s.Progress.Current = st.s.Progress.Total
	st.s.Progress.Percentage = 100
	st.s.Progress.ETA = 0
	st.s.Progress.StudentID = ""
	st.s.Progress.QuestionID = ""
}

// fail marks the session failed with the fatal error. Used for anything the
// loop cannot treat as a per-item failure, such as a storage error.
func (st *session) fail(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.s.Status != StatusRunning {
		return
	}
	st.s.Status = StatusFailed
	now := time.Now()
	st.s.CompletedAt = &now
	st.s.Errors = append(st.s.Errors, fmt.Sprintf("session failed: %v", err))
}

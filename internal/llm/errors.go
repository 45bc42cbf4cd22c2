package llm

import (
	"errors"
	"fmt"

	"github.com/mkurata/saiten/internal/model"
)

var (
	// ErrEmptyResponse is returned when the backend answered but no text
	// payload could be extracted from its envelope.
	ErrEmptyResponse = errors.New("llm: empty response from backend")

	// ErrUnparsableResponse is returned when neither the strict JSON parse
	// nor the heuristic extraction found a verdict in the response text.
	ErrUnparsableResponse = errors.New("llm: no grading verdict found in response")

	// ErrEmptyReason is returned when the parsed grade has no reason text.
	ErrEmptyReason = errors.New("llm: grading reason is empty")
)

// TransportError reports a non-2xx HTTP status or a connection failure.
type TransportError struct {
	StatusCode int // 0 when the request never reached the backend
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm: backend returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("llm: request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports that a call exceeded the configured timeout.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("llm: request timed out: %v", e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// InvalidVerdictError reports a parsed verdict outside {○, △, ×}.
type InvalidVerdictError struct {
	Score string
}

func (e *InvalidVerdictError) Error() string {
	return fmt.Sprintf("llm: invalid verdict %q", e.Score)
}

// InvalidPointsError reports points outside [0, MaxScore].
type InvalidPointsError struct {
	Points   int
	MaxScore int
}

func (e *InvalidPointsError) Error() string {
	return fmt.Sprintf("llm: invalid points %d (max %d)", e.Points, e.MaxScore)
}

// ConfigurationError reports an unsupported or misconfigured provider.
type ConfigurationError struct {
	Provider model.Provider
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("llm: provider %q: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("llm: unsupported provider %q", e.Provider)
}

// GradingError wraps any failure while grading one (question, answer) pair
// so a batch caller can distinguish a per-item failure from an
// infrastructure failure and report which item broke.
type GradingError struct {
	StudentID      string
	QuestionNumber string
	Err            error
}

func (e *GradingError) Error() string {
	return fmt.Sprintf("grade answer (student %s, question %s): %v",
		e.StudentID, e.QuestionNumber, e.Err)
}

func (e *GradingError) Unwrap() error { return e.Err }

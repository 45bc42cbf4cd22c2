// Package review implements the human second-grading pass: a reviewer
// confirms or overrides the machine's first grade and the service tracks
// how the two passes diverge.
package review

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mkurata/saiten/internal/model"
	"github.com/mkurata/saiten/internal/store"
)

// Store is the persistence the review service depends on.
type Store interface {
	GetExam(id string) (*model.Exam, error)
	AnswersByExamID(examID string) ([]model.Answer, error)
	AllGradingResults() ([]model.GradingResult, error)
	GetGradingResult(id string) (*model.GradingResult, error)
	SaveGradingResult(r model.GradingResult) error
	GetAnswer(id string) (*model.Answer, error)
	GetQuestion(id string) (*model.Question, error)
}

// Request is one reviewer decision for a grading result.
type Request struct {
	GradingResultID string           `json:"grading_result_id"`
	Score           model.GradeScore `json:"score"`
	Points          int              `json:"points"`
	Reason          string           `json:"reason"`
	Changes         string           `json:"changes"`
	GraderID        string           `json:"grader_id"`
}

// Direction classifies how the second grade moved the verdict.
type Direction string

const (
	DirectionUpgraded   Direction = "upgraded"
	DirectionDowngraded Direction = "downgraded"
	DirectionUnchanged  Direction = "unchanged"
)

// ComparisonItem pairs a grading result with its answer and question and
// the first-vs-second delta.
type ComparisonItem struct {
	Result           model.GradingResult `json:"result"`
	Answer           model.Answer        `json:"answer"`
	Question         model.Question      `json:"question"`
	ScoreChanged     bool                `json:"score_changed"`
	PointsChanged    bool                `json:"points_changed"`
	ScoreDirection   Direction           `json:"score_direction"`
	PointsDifference int                 `json:"points_difference"`
}

// Stats summarizes the second-grading pass for one exam.
type Stats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
	// AgreementRate is the percentage of completed reviews that kept the
	// first verdict.
	AgreementRate float64 `json:"agreement_rate"`
	Upgraded      int     `json:"upgraded"`
	Downgraded    int     `json:"downgraded"`
	Unchanged     int     `json:"unchanged"`

	PointsIncreased     int     `json:"points_increased"`
	PointsDecreased     int     `json:"points_decreased"`
	PointsUnchanged     int     `json:"points_unchanged"`
	AveragePointsChange float64 `json:"average_points_change"`
}

// FinalizeResult reports the outcome of auto-confirming unreviewed grades.
type FinalizeResult struct {
	Finalized int      `json:"finalized"`
	Errors    []string `json:"errors"`
}

// Service implements the review operations.
type Service struct {
	store Store
}

func NewService(st Store) *Service {
	return &Service{store: st}
}

// Apply records a reviewer's second grade on an existing grading result,
// replacing any previous second grade. Points must fit the question's max
// score; verdict and reason are validated like a first grade.
func (s *Service) Apply(req Request) (*model.GradingResult, error) {
	result, err := s.store.GetGradingResult(req.GradingResultID)
	if err != nil {
		return nil, fmt.Errorf("load grading result: %w", err)
	}
	answer, err := s.store.GetAnswer(result.AnswerID)
	if err != nil {
		return nil, fmt.Errorf("load answer: %w", err)
	}
	question, err := s.store.GetQuestion(answer.QuestionID)
	if err != nil {
		return nil, fmt.Errorf("load question: %w", err)
	}

	if !req.Score.Valid() {
		return nil, fmt.Errorf("review: invalid verdict %q", req.Score)
	}
	if req.Points < 0 || req.Points > question.MaxScore {
		return nil, fmt.Errorf("review: points must be between 0 and %d, got %d", question.MaxScore, req.Points)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, errors.New("review: reason is required")
	}

	result.SecondGrade = &model.SecondGrade{
		Score:    req.Score,
		Points:   req.Points,
		Reason:   req.Reason,
		GradedAt: time.Now(),
		GraderID: req.GraderID,
		Changes:  req.Changes,
	}
	if err := s.store.SaveGradingResult(*result); err != nil {
		return nil, fmt.Errorf("save grading result: %w", err)
	}
	return result, nil
}

// Comparison lists every graded answer of an exam with its first/second
// grade delta, for the review screens.
func (s *Service) Comparison(examID string) ([]ComparisonItem, error) {
	exam, err := s.store.GetExam(examID)
	if err != nil {
		return nil, fmt.Errorf("load exam: %w", err)
	}
	answers, err := s.store.AnswersByExamID(examID)
	if err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}
	all, err := s.store.AllGradingResults()
	if err != nil {
		return nil, fmt.Errorf("load grading results: %w", err)
	}

	questions := make(map[string]model.Question, len(exam.Questions))
	for _, q := range exam.Questions {
		questions[q.ID] = q
	}
	byAnswer := make(map[string]model.GradingResult, len(all))
	for _, r := range all {
		byAnswer[r.AnswerID] = r
	}

	var items []ComparisonItem
	for _, a := range answers {
		r, ok := byAnswer[a.ID]
		if !ok {
			continue
		}
		q, ok := questions[a.QuestionID]
		if !ok {
			continue
		}

		item := ComparisonItem{
			Result:         r,
			Answer:         a,
			Question:       q,
			ScoreDirection: DirectionUnchanged,
		}
		if sg := r.SecondGrade; sg != nil {
			item.ScoreChanged = sg.Score != r.FirstGrade.Score
			item.PointsChanged = sg.Points != r.FirstGrade.Points
			item.ScoreDirection = scoreDirection(r.FirstGrade.Score, sg.Score)
			item.PointsDifference = sg.Points - r.FirstGrade.Points
		}
		items = append(items, item)
	}
	return items, nil
}

func scoreDirection(first, second model.GradeScore) Direction {
	switch {
	case second.Rank() > first.Rank():
		return DirectionUpgraded
	case second.Rank() < first.Rank():
		return DirectionDowngraded
	default:
		return DirectionUnchanged
	}
}

// Stats aggregates the review pass for an exam.
func (s *Service) Stats(examID string) (*Stats, error) {
	items, err := s.Comparison(examID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Total: len(items)}
	var agreed, totalDiff int
	for _, item := range items {
		switch item.ScoreDirection {
		case DirectionUpgraded:
			stats.Upgraded++
		case DirectionDowngraded:
			stats.Downgraded++
		default:
			stats.Unchanged++
		}

		if item.Result.SecondGrade == nil {
			continue
		}
		stats.Completed++
		if !item.ScoreChanged {
			agreed++
		}
		switch {
		case item.PointsDifference > 0:
			stats.PointsIncreased++
		case item.PointsDifference < 0:
			stats.PointsDecreased++
		default:
			stats.PointsUnchanged++
		}
		totalDiff += item.PointsDifference
	}
	stats.Pending = stats.Total - stats.Completed
	if stats.Completed > 0 {
		stats.AgreementRate = float64(agreed) / float64(stats.Completed) * 100
		stats.AveragePointsChange = float64(totalDiff) / float64(stats.Completed)
	}
	return stats, nil
}

// Finalize confirms every unreviewed result by copying its first grade into
// a second grade attributed to the finalizing grader. Per-item failures are
// collected; one bad row does not abort the rest.
func (s *Service) Finalize(examID, graderID string) (*FinalizeResult, error) {
	items, err := s.Comparison(examID)
	if err != nil {
		return nil, err
	}

	res := &FinalizeResult{}
	for _, item := range items {
		if item.Result.SecondGrade != nil {
			continue
		}
		result := item.Result
		result.SecondGrade = &model.SecondGrade{
			Score:    result.FirstGrade.Score,
			Points:   result.FirstGrade.Points,
			Reason:   result.FirstGrade.Reason,
			GradedAt: time.Now(),
			GraderID: graderID + "_auto_finalized",
			Changes:  "no second grading; first grade confirmed as final",
		}
		if err := s.store.SaveGradingResult(result); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf(
				"finalize failed (student %s, question %s): %v",
				item.Answer.StudentID, item.Question.Number, err))
			continue
		}
		res.Finalized++
	}
	return res, nil
}

// ensure the concrete store satisfies the interface
var _ Store = (*store.Store)(nil)

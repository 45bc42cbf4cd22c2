package grading

import (
	"fmt"

	"github.com/mkurata/saiten/internal/model"
)

// QuestionStats is the per-question grading breakdown.
type QuestionStats struct {
	QuestionID     string  `json:"question_id"`
	QuestionNumber string  `json:"question_number"`
	Total          int     `json:"total"`
	Graded         int     `json:"graded"`
	AveragePoints  float64 `json:"average_points"`
}

// Statistics summarizes grading progress for one exam. Distribution and
// averages use the final verdict: second grade when present, first grade
// otherwise.
type Statistics struct {
	Total             int                      `json:"total"`
	Graded            int                      `json:"graded"`
	Pending           int                      `json:"pending"`
	ScoreDistribution map[model.GradeScore]int `json:"score_distribution"`
	AveragePoints     float64                  `json:"average_points"`
	Questions         []QuestionStats          `json:"questions"`
}

// Statistics computes the grading summary for an exam.
func (s *Service) Statistics(examID string) (*Statistics, error) {
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

	answerIDs := make(map[string]model.Answer, len(answers))
	for _, a := range answers {
		answerIDs[a.ID] = a
	}

	// results for this exam only, keyed by answer id
	results := make(map[string]model.GradingResult)
	for _, r := range all {
		if _, ok := answerIDs[r.AnswerID]; ok {
			results[r.AnswerID] = r
		}
	}

	stats := &Statistics{
		Total:   len(answers),
		Graded:  len(results),
		Pending: len(answers) - len(results),
		ScoreDistribution: map[model.GradeScore]int{
			model.ScorePass:    0,
			model.ScorePartial: 0,
			model.ScoreFail:    0,
		},
	}

	var totalPoints int
	for _, r := range results {
		stats.ScoreDistribution[r.FinalScore()]++
		totalPoints += r.FinalPoints()
	}
	if len(results) > 0 {
		stats.AveragePoints = float64(totalPoints) / float64(len(results))
	}

	for _, q := range exam.Questions {
		qs := QuestionStats{QuestionID: q.ID, QuestionNumber: q.Number}
		var points int
		for _, a := range answers {
			if a.QuestionID != q.ID {
				continue
			}
			qs.Total++
			if r, ok := results[a.ID]; ok {
				qs.Graded++
				points += r.FinalPoints()
			}
		}
		if qs.Graded > 0 {
			qs.AveragePoints = float64(points) / float64(qs.Graded)
		}
		stats.Questions = append(stats.Questions, qs)
	}
	return stats, nil
}

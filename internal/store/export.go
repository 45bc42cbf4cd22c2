package store

import (
	"time"

	"github.com/mkurata/saiten/internal/model"
)

// ExportResults assembles the final grading state of one exam for export:
// every answer joined with its question and grading result, ordered by
// student then question number. Ungraded answers are skipped.
func (s *Store) ExportResults(examID string) (*model.ExamResultExport, error) {
	exam, err := s.GetExam(examID)
	if err != nil {
		return nil, err
	}
	answers, err := s.AnswersByExamID(examID)
	if err != nil {
		return nil, err
	}

	questions := make(map[string]model.Question, len(exam.Questions))
	for _, q := range exam.Questions {
		questions[q.ID] = q
	}

	export := &model.ExamResultExport{
		ExamID:     exam.ID,
		ExamName:   exam.Name,
		ExportedAt: time.Now(),
		NumAnswers: len(answers),
	}

	for _, a := range answers {
		r, err := s.GradingResultByAnswerID(a.ID)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		q, ok := questions[a.QuestionID]
		if !ok {
			continue
		}

		export.NumGraded++
		if r.SecondGrade != nil {
			export.NumReviewed++
		}
		export.Results = append(export.Results, model.AnswerResult{
			StudentID:      a.StudentID,
			QuestionNumber: q.Number,
			QuestionID:     q.ID,
			AnswerContent:  a.Content,
			CharacterCount: a.CharacterCount,
			MaxScore:       q.MaxScore,
			FinalScore:     r.FinalScore(),
			FinalPoints:    r.FinalPoints(),
			FirstGrade:     r.FirstGrade,
			SecondGrade:    r.SecondGrade,
		})
	}
	return export, nil
}

package model

import "time"

// ExamResultExport is the top-level JSON structure for grading result export.
type ExamResultExport struct {
	ExamID      string          `json:"exam_id"`
	ExamName    string          `json:"exam_name"`
	ExportedAt  time.Time       `json:"exported_at"`
	NumAnswers  int             `json:"num_answers"`
	NumGraded   int             `json:"num_graded"`
	NumReviewed int             `json:"num_reviewed"`
	Results     []AnswerResult  `json:"results"`
}

// AnswerResult holds one graded answer for export. Final score/points
// reflect the second grade when a reviewer recorded one.
type AnswerResult struct {
	StudentID      string       `json:"student_id"`
	QuestionNumber string       `json:"question_number"`
	QuestionID     string       `json:"question_id"`
	AnswerContent  string       `json:"answer_content"`
	CharacterCount int          `json:"character_count"`
	MaxScore       int          `json:"max_score"`
	FinalScore     GradeScore   `json:"final_score"`
	FinalPoints    int          `json:"final_points"`
	FirstGrade     FirstGrade   `json:"first_grade"`
	SecondGrade    *SecondGrade `json:"second_grade,omitempty"`
}

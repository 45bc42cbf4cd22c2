// Package csvio handles the CSV interchange formats: answer sheets coming
// in, graded results going out.
package csvio

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mkurata/saiten/internal/model"
)

// answerHeader is the required header of an answer import file.
var answerHeader = []string{"student_id", "question_number", "answer_content"}

// AnswerRow is one parsed line of an answer import file.
type AnswerRow struct {
	StudentID      string
	QuestionNumber string
	Content        string
	Line           int
}

// ParseResult collects the rows plus everything worth telling the operator
// about the file.
type ParseResult struct {
	Rows     []AnswerRow
	Errors   []string
	Warnings []string

	TotalRows       int
	ValidRows       int
	UniqueStudents  int
	UniqueQuestions int
}

// OK reports whether the file parsed without errors.
func (r *ParseResult) OK() bool { return len(r.Errors) == 0 }

// ParseAnswers reads an answer CSV. Individual bad rows are reported and
// skipped; only an unreadable stream is a hard error.
func ParseAnswers(r io.Reader) (*ParseResult, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // field-count checks produce row errors, not a parse abort

	result := &ParseResult{}

	header, err := cr.Read()
	if err == io.EOF {
		result.Errors = append(result.Errors, "file is empty")
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if !validHeader(header) {
		result.Errors = append(result.Errors, fmt.Sprintf(
			"invalid header: expected [%s], got [%s]",
			strings.Join(answerHeader, ", "), strings.Join(header, ", ")))
	}

	students := map[string]bool{}
	questions := map[string]bool{}

	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.TotalRows++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		result.TotalRows++

		if len(record) != len(answerHeader) {
			result.Errors = append(result.Errors, fmt.Sprintf(
				"line %d: expected %d fields, got %d", line, len(answerHeader), len(record)))
			continue
		}

		row := AnswerRow{
			StudentID:      strings.TrimSpace(record[0]),
			QuestionNumber: strings.TrimSpace(record[1]),
			Content:        strings.TrimSpace(record[2]),
			Line:           line,
		}
		if row.StudentID == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: student_id is empty", line))
			continue
		}
		if row.QuestionNumber == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: question_number is empty", line))
			continue
		}
		if row.Content == "" {
			result.Warnings = append(result.Warnings, fmt.Sprintf("line %d: answer_content is empty", line))
		}

		result.Rows = append(result.Rows, row)
		students[row.StudentID] = true
		questions[row.QuestionNumber] = true
	}

	result.ValidRows = len(result.Rows)
	result.UniqueStudents = len(students)
	result.UniqueQuestions = len(questions)
	return result, nil
}

func validHeader(header []string) bool {
	if len(header) != len(answerHeader) {
		return false
	}
	for i, h := range header {
		if strings.TrimSpace(strings.ToLower(h)) != answerHeader[i] {
			return false
		}
	}
	return true
}

// BuildAnswers resolves parsed rows against an exam's questions and turns
// them into answers ready for insertion. Rows naming an unknown question
// number come back as errors, not answers.
func BuildAnswers(examID string, questions []model.Question, rows []AnswerRow) ([]model.Answer, []string) {
	byNumber := make(map[string]model.Question, len(questions))
	for _, q := range questions {
		byNumber[q.Number] = q
	}

	var (
		answers []model.Answer
		errs    []string
	)
	now := time.Now()
	for _, row := range rows {
		q, ok := byNumber[row.QuestionNumber]
		if !ok {
			errs = append(errs, fmt.Sprintf(
				"line %d: unknown question number %q", row.Line, row.QuestionNumber))
			continue
		}
		count := utf8.RuneCountInString(row.Content)
		if q.CharacterLimit > 0 && count > q.CharacterLimit {
			errs = append(errs, fmt.Sprintf(
				"line %d: answer exceeds the %d character limit (%d)", row.Line, q.CharacterLimit, count))
		}
		answers = append(answers, model.Answer{
			ID:             "answer_" + uuid.NewString(),
			ExamID:         examID,
			StudentID:      row.StudentID,
			QuestionID:     q.ID,
			Content:        row.Content,
			CharacterCount: count,
			CreatedAt:      now,
		})
	}
	return answers, errs
}

// WriteResults writes an export as CSV, one row per graded answer with the
// final verdict first and the machine grade alongside for comparison.
func WriteResults(w io.Writer, export *model.ExamResultExport) error {
	cw := csv.NewWriter(w)

	header := []string{
		"student_id", "question_number", "final_score", "final_points", "max_score",
		"first_score", "first_points", "first_reason",
		"second_score", "second_points", "second_reason", "second_grader",
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, r := range export.Results {
		row := []string{
			r.StudentID,
			r.QuestionNumber,
			string(r.FinalScore),
			strconv.Itoa(r.FinalPoints),
			strconv.Itoa(r.MaxScore),
			string(r.FirstGrade.Score),
			strconv.Itoa(r.FirstGrade.Points),
			r.FirstGrade.Reason,
			"", "", "", "",
		}
		if sg := r.SecondGrade; sg != nil {
			row[8] = string(sg.Score)
			row[9] = strconv.Itoa(sg.Points)
			row[10] = sg.Reason
			row[11] = sg.GraderID
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

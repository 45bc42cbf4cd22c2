package llm

import (
	"fmt"
	"strings"

	"github.com/mkurata/saiten/internal/model"
)

// Verdict bands shared by the prompt rubric and the response validator.
// Pass requires at least 80% of the max score, Partial at least 50%.
const (
	passBandPercent    = 80
	partialBandPercent = 50
)

const systemPrompt = `You are a grader for the IPA Project Manager certification exam.
Grade the answer according to the following criteria and return the result in JSON format.

Grading criteria:
- ○: Equivalent to the sample answer (meets 80% or more elements)
- △: Partially correct (meets 50-79% of elements)
- ×: Incorrect or off-topic (less than 50%)

Return the output in the following JSON format:
{
  "score": "○" | "△" | "×",
  "points": numeric_score,
  "reason": "grading_reason_within_100_chars"
}`

const gradingCriteria = `GRADING CRITERIA:
- Does the answer accurately understand the question requirements?
- Does the answer align with the question intent?
- How much does the answer include elements from the sample answer?
- Are appropriate PM knowledge and expressions used?
- Is the content logical and consistent?`

// Prompt is the normalized grading prompt consumed by the provider adapter.
type Prompt struct {
	SystemPrompt    string
	QuestionContext string
	AnswerToGrade   string
	GradingCriteria string
}

// BuildPrompt renders a question and answer into the four-section grading
// prompt. Pure and deterministic: the same inputs always produce the same
// prompt.
func BuildPrompt(q model.Question, a model.Answer) Prompt {
	var qc strings.Builder
	qc.WriteString("QUESTION:\n")
	qc.WriteString(q.Content)
	qc.WriteString("\n\nQUESTION INTENT:\n")
	qc.WriteString(q.Intention)
	qc.WriteString("\n\nSAMPLE ANSWER:\n")
	qc.WriteString(q.SampleAnswer)
	fmt.Fprintf(&qc, "\n\nMAX SCORE: %d points", q.MaxScore)

	var ag strings.Builder
	ag.WriteString("STUDENT ANSWER TO GRADE:\n")
	ag.WriteString("Student ID: " + a.StudentID + "\n")
	ag.WriteString("Answer Content: " + a.Content)

	return Prompt{
		SystemPrompt:    systemPrompt,
		QuestionContext: qc.String(),
		AnswerToGrade:   ag.String(),
		GradingCriteria: gradingCriteria,
	}
}

// UserPrompt joins the non-system sections into the single user turn sent
// to chat-style backends.
func (p Prompt) UserPrompt() string {
	return p.QuestionContext + "\n\n" +
		p.AnswerToGrade + "\n\n" +
		p.GradingCriteria + "\n\n" +
		"Please grade the student answer based on the above information and return the result in JSON format."
}

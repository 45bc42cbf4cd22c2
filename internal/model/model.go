package model

import "time"

// GradeScore is the three-tier verdict used throughout the grading flow.
// The glyphs follow the IPA exam convention: ○ pass, △ partial, × fail.
type GradeScore string

const (
	ScorePass    GradeScore = "○"
	ScorePartial GradeScore = "△"
	ScoreFail    GradeScore = "×"
)

// Valid reports whether s is one of the three known verdicts.
func (s GradeScore) Valid() bool {
	switch s {
	case ScorePass, ScorePartial, ScoreFail:
		return true
	}
	return false
}

// Rank orders verdicts for comparison: × < △ < ○.
func (s GradeScore) Rank() int {
	switch s {
	case ScorePass:
		return 2
	case ScorePartial:
		return 1
	default:
		return 0
	}
}

// Exam groups the questions of one published exam.
type Exam struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Questions   []Question `json:"questions"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Question is one gradable short-answer question. Immutable once the exam
// is published.
type Question struct {
	ID             string `json:"id"`
	ExamID         string `json:"exam_id"`
	Number         string `json:"number"` // e.g. "問1", "設問2-1"
	Content        string `json:"content"`
	Intention      string `json:"intention"`
	SampleAnswer   string `json:"sample_answer"`
	MaxScore       int    `json:"max_score"`
	CharacterLimit int    `json:"character_limit,omitempty"`
}

// Answer is one student's submitted answer to a question. Immutable once
// imported.
type Answer struct {
	ID             string    `json:"id"`
	ExamID         string    `json:"exam_id"`
	StudentID      string    `json:"student_id"`
	QuestionID     string    `json:"question_id"`
	SubQuestionID  string    `json:"sub_question_id,omitempty"`
	Content        string    `json:"content"`
	CharacterCount int       `json:"character_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// FirstGrade is the machine-produced grade for an answer.
type FirstGrade struct {
	Score    GradeScore `json:"score"`
	Points   int        `json:"points"`
	Reason   string     `json:"reason"`
	GradedAt time.Time  `json:"graded_at"`
	GraderID string     `json:"grader_id"`
}

// SecondGrade is the human review grade, optionally overriding FirstGrade.
// Changes describes the delta from the first grade.
type SecondGrade struct {
	Score    GradeScore `json:"score"`
	Points   int        `json:"points"`
	Reason   string     `json:"reason"`
	GradedAt time.Time  `json:"graded_at"`
	GraderID string     `json:"grader_id"`
	Changes  string     `json:"changes"`
}

// GradingResult aggregates the grades for one answer. There is exactly one
// result per answer id; saving again overwrites.
type GradingResult struct {
	ID          string       `json:"id"`
	AnswerID    string       `json:"answer_id"`
	FirstGrade  FirstGrade   `json:"first_grade"`
	SecondGrade *SecondGrade `json:"second_grade,omitempty"`
}

// FinalScore returns the effective verdict: second grade if present,
// first grade otherwise.
func (r GradingResult) FinalScore() GradeScore {
	if r.SecondGrade != nil {
		return r.SecondGrade.Score
	}
	return r.FirstGrade.Score
}

// FinalPoints returns the effective points, preferring the second grade.
func (r GradingResult) FinalPoints() int {
	if r.SecondGrade != nil {
		return r.SecondGrade.Points
	}
	return r.FirstGrade.Points
}

// Provider selects one of the supported LLM backends.
type Provider string

const (
	ProviderLMStudio    Provider = "lm-studio"
	ProviderOllama      Provider = "ollama"
	ProviderAzureOpenAI Provider = "azure-openai"
	ProviderGemini      Provider = "gemini"
)

// LLMConfig holds the backend selection and generation parameters for
// grading calls. A grading session snapshots it at start; later edits only
// affect future sessions.
type LLMConfig struct {
	Provider    Provider      `json:"provider"`
	Endpoint    string        `json:"endpoint"`
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	// UseMaxTokens controls whether the token cap is sent at all; some
	// local servers misbehave when max_tokens is present.
	UseMaxTokens bool          `json:"use_max_tokens"`
	Timeout      time.Duration `json:"timeout"`

	// Azure OpenAI specific.
	APIKey       string `json:"api_key,omitempty"`
	APIVersion   string `json:"api_version,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`
	// Gemini specific.
	GeminiAPIKey string `json:"gemini_api_key,omitempty"`
	// Ollama specific: overrides Endpoint when set.
	OllamaHost string `json:"ollama_host,omitempty"`
}

// QuestionImport is used for loading exam definitions from JSON.
type QuestionImport struct {
	Number         string `json:"number"`
	Content        string `json:"content"`
	Intention      string `json:"intention"`
	SampleAnswer   string `json:"sample_answer"`
	MaxScore       int    `json:"max_score"`
	CharacterLimit int    `json:"character_limit,omitempty"`
}

// ExamImport is the top-level JSON structure for exam definition import.
type ExamImport struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Questions   []QuestionImport `json:"questions"`
}

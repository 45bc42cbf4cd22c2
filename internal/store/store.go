package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mkurata/saiten/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the SQLite persistence layer for exams, answers and grading
// results. Writes are keyed; saving a grading result for an answer that
// already has one overwrites it (last write wins).
type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exams (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL,
		number TEXT NOT NULL,
		content TEXT NOT NULL,
		intention TEXT NOT NULL DEFAULT '',
		sample_answer TEXT NOT NULL DEFAULT '',
		max_score INTEGER NOT NULL,
		character_limit INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (exam_id) REFERENCES exams(id)
	);

	CREATE TABLE IF NOT EXISTS answers (
		id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		sub_question_id TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		character_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (exam_id) REFERENCES exams(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS grading_results (
		id TEXT PRIMARY KEY,
		answer_id TEXT NOT NULL UNIQUE,
		first_score TEXT NOT NULL,
		first_points INTEGER NOT NULL,
		first_reason TEXT NOT NULL,
		first_graded_at DATETIME NOT NULL,
		first_grader TEXT NOT NULL,
		second_score TEXT,
		second_points INTEGER,
		second_reason TEXT,
		second_graded_at DATETIME,
		second_grader TEXT,
		second_changes TEXT,
		FOREIGN KEY (answer_id) REFERENCES answers(id)
	);

	CREATE INDEX IF NOT EXISTS idx_questions_exam ON questions(exam_id);
	CREATE INDEX IF NOT EXISTS idx_answers_exam ON answers(exam_id);
	CREATE INDEX IF NOT EXISTS idx_answers_student ON answers(student_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveExam stores an exam and its questions, replacing any previous version
// with the same id.
func (s *Store) SaveExam(e model.Exam) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO exams (id, name, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			updated_at = excluded.updated_at`,
		e.ID, e.Name, e.Description, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM questions WHERE exam_id = ?`, e.ID); err != nil {
		return err
	}
	for _, q := range e.Questions {
		_, err := tx.Exec(
			`INSERT INTO questions (id, exam_id, number, content, intention, sample_answer, max_score, character_limit)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			q.ID, e.ID, q.Number, q.Content, q.Intention, q.SampleAnswer, q.MaxScore, q.CharacterLimit,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetExam returns an exam with its questions.
func (s *Store) GetExam(id string) (*model.Exam, error) {
	var e model.Exam
	err := s.db.QueryRow(
		`SELECT id, name, description, created_at, updated_at FROM exams WHERE id = ?`, id,
	).Scan(&e.ID, &e.Name, &e.Description, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT id, exam_id, number, content, intention, sample_answer, max_score, character_limit
		 FROM questions WHERE exam_id = ? ORDER BY number`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Number, &q.Content, &q.Intention,
			&q.SampleAnswer, &q.MaxScore, &q.CharacterLimit); err != nil {
			return nil, err
		}
		e.Questions = append(e.Questions, q)
	}
	return &e, rows.Err()
}

// ListExams returns all exams without their questions.
func (s *Store) ListExams() ([]model.Exam, error) {
	rows, err := s.db.Query(`SELECT id, name, description, created_at, updated_at FROM exams ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var exams []model.Exam
	for rows.Next() {
		var e model.Exam
		if err := rows.Scan(&e.ID, &e.Name, &e.Description, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// GetQuestion returns a single question by id.
func (s *Store) GetQuestion(id string) (*model.Question, error) {
	var q model.Question
	err := s.db.QueryRow(
		`SELECT id, exam_id, number, content, intention, sample_answer, max_score, character_limit
		 FROM questions WHERE id = ?`, id,
	).Scan(&q.ID, &q.ExamID, &q.Number, &q.Content, &q.Intention,
		&q.SampleAnswer, &q.MaxScore, &q.CharacterLimit)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// InsertAnswer stores a submitted answer.
func (s *Store) InsertAnswer(a model.Answer) error {
	_, err := s.db.Exec(
		`INSERT INTO answers (id, exam_id, student_id, question_id, sub_question_id, content, character_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ExamID, a.StudentID, a.QuestionID, a.SubQuestionID, a.Content, a.CharacterCount, a.CreatedAt,
	)
	return err
}

// GetAnswer returns a single answer by id.
func (s *Store) GetAnswer(id string) (*model.Answer, error) {
	var a model.Answer
	err := s.db.QueryRow(
		`SELECT id, exam_id, student_id, question_id, sub_question_id, content, character_count, created_at
		 FROM answers WHERE id = ?`, id,
	).Scan(&a.ID, &a.ExamID, &a.StudentID, &a.QuestionID, &a.SubQuestionID,
		&a.Content, &a.CharacterCount, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// AnswersByExamID returns all answers for an exam in import order.
func (s *Store) AnswersByExamID(examID string) ([]model.Answer, error) {
	rows, err := s.db.Query(
		`SELECT id, exam_id, student_id, question_id, sub_question_id, content, character_count, created_at
		 FROM answers WHERE exam_id = ? ORDER BY created_at, id`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var answers []model.Answer
	for rows.Next() {
		var a model.Answer
		if err := rows.Scan(&a.ID, &a.ExamID, &a.StudentID, &a.QuestionID, &a.SubQuestionID,
			&a.Content, &a.CharacterCount, &a.CreatedAt); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// SaveGradingResult upserts a grading result keyed by answer id. Saving the
// same result twice is idempotent; saving a newer result for the same
// answer overwrites the old one wholesale.
func (s *Store) SaveGradingResult(r model.GradingResult) error {
	var (
		secScore, secReason, secGrader, secChanges sql.NullString
		secPoints                                  sql.NullInt64
		secGradedAt                                sql.NullTime
	)
	if sg := r.SecondGrade; sg != nil {
		secScore = sql.NullString{String: string(sg.Score), Valid: true}
		secPoints = sql.NullInt64{Int64: int64(sg.Points), Valid: true}
		secReason = sql.NullString{String: sg.Reason, Valid: true}
		secGradedAt = sql.NullTime{Time: sg.GradedAt, Valid: true}
		secGrader = sql.NullString{String: sg.GraderID, Valid: true}
		secChanges = sql.NullString{String: sg.Changes, Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO grading_results
			(id, answer_id, first_score, first_points, first_reason, first_graded_at, first_grader,
			 second_score, second_points, second_reason, second_graded_at, second_grader, second_changes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(answer_id) DO UPDATE SET
			id = excluded.id,
			first_score = excluded.first_score,
			first_points = excluded.first_points,
			first_reason = excluded.first_reason,
			first_graded_at = excluded.first_graded_at,
			first_grader = excluded.first_grader,
			second_score = excluded.second_score,
			second_points = excluded.second_points,
			second_reason = excluded.second_reason,
			second_graded_at = excluded.second_graded_at,
			second_grader = excluded.second_grader,
			second_changes = excluded.second_changes`,
		r.ID, r.AnswerID,
		string(r.FirstGrade.Score), r.FirstGrade.Points, r.FirstGrade.Reason,
		r.FirstGrade.GradedAt, r.FirstGrade.GraderID,
		secScore, secPoints, secReason, secGradedAt, secGrader, secChanges,
	)
	return err
}

const gradingResultColumns = `id, answer_id, first_score, first_points, first_reason, first_graded_at, first_grader,
	second_score, second_points, second_reason, second_graded_at, second_grader, second_changes`

func scanGradingResult(row interface{ Scan(...any) error }) (*model.GradingResult, error) {
	var (
		r                                          model.GradingResult
		firstScore                                 string
		secScore, secReason, secGrader, secChanges sql.NullString
		secPoints                                  sql.NullInt64
		secGradedAt                                sql.NullTime
	)
	err := row.Scan(&r.ID, &r.AnswerID,
		&firstScore, &r.FirstGrade.Points, &r.FirstGrade.Reason,
		&r.FirstGrade.GradedAt, &r.FirstGrade.GraderID,
		&secScore, &secPoints, &secReason, &secGradedAt, &secGrader, &secChanges)
	if err != nil {
		return nil, err
	}
	r.FirstGrade.Score = model.GradeScore(firstScore)

	if secScore.Valid {
		r.SecondGrade = &model.SecondGrade{
			Score:    model.GradeScore(secScore.String),
			Points:   int(secPoints.Int64),
			Reason:   secReason.String,
			GradedAt: secGradedAt.Time,
			GraderID: secGrader.String,
			Changes:  secChanges.String,
		}
	}
	return &r, nil
}

// GetGradingResult returns a grading result by its own id.
func (s *Store) GetGradingResult(id string) (*model.GradingResult, error) {
	r, err := scanGradingResult(s.db.QueryRow(
		`SELECT `+gradingResultColumns+` FROM grading_results WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

// GradingResultByAnswerID returns the grading result for an answer.
func (s *Store) GradingResultByAnswerID(answerID string) (*model.GradingResult, error) {
	r, err := scanGradingResult(s.db.QueryRow(
		`SELECT `+gradingResultColumns+` FROM grading_results WHERE answer_id = ?`, answerID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

// AllGradingResults returns every stored grading result.
func (s *Store) AllGradingResults() ([]model.GradingResult, error) {
	rows, err := s.db.Query(`SELECT ` + gradingResultColumns + ` FROM grading_results`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []model.GradingResult
	for rows.Next() {
		r, err := scanGradingResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

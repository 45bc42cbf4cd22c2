package review

import (
	"errors"
	"strings"
	"testing"

	"github.com/mkurata/saiten/internal/model"
	"github.com/mkurata/saiten/internal/store"
)

type fakeStore struct {
	exam    *model.Exam
	answers []model.Answer
	results map[string]*model.GradingResult // keyed by result id
	saveErr error
}

func (f *fakeStore) GetExam(id string) (*model.Exam, error) {
	if f.exam == nil || f.exam.ID != id {
		return nil, store.ErrNotFound
	}
	return f.exam, nil
}

func (f *fakeStore) AnswersByExamID(examID string) ([]model.Answer, error) {
	var out []model.Answer
	for _, a := range f.answers {
		if a.ExamID == examID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) AllGradingResults() ([]model.GradingResult, error) {
	var out []model.GradingResult
	for _, r := range f.results {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeStore) GetGradingResult(id string) (*model.GradingResult, error) {
	r, ok := f.results[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) SaveGradingResult(r model.GradingResult) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.results[r.ID] = &r
	return nil
}

func (f *fakeStore) GetAnswer(id string) (*model.Answer, error) {
	for _, a := range f.answers {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetQuestion(id string) (*model.Question, error) {
	for _, q := range f.exam.Questions {
		if q.ID == id {
			return &q, nil
		}
	}
	return nil, store.ErrNotFound
}

// newFixture builds one exam with a single 10 point question, three graded
// answers and one grading result per answer.
func newFixture() *fakeStore {
	fs := &fakeStore{
		exam: &model.Exam{
			ID: "exam1",
			Questions: []model.Question{
				{ID: "q1", ExamID: "exam1", Number: "問1", MaxScore: 10},
			},
		},
		results: make(map[string]*model.GradingResult),
	}
	scores := []model.GradeScore{model.ScorePass, model.ScorePartial, model.ScoreFail}
	points := []int{9, 6, 2}
	for i := 0; i < 3; i++ {
		aID := []string{"a1", "a2", "a3"}[i]
		fs.answers = append(fs.answers, model.Answer{
			ID: aID, ExamID: "exam1", StudentID: "S00" + string(rune('1'+i)), QuestionID: "q1",
		})
		fs.results["g"+aID] = &model.GradingResult{
			ID:       "g" + aID,
			AnswerID: aID,
			FirstGrade: model.FirstGrade{
				Score: scores[i], Points: points[i], Reason: "machine", GraderID: "LLM_test",
			},
		}
	}
	return fs
}

func TestApply(t *testing.T) {
	fs := newFixture()
	svc := NewService(fs)

	got, err := svc.Apply(Request{
		GradingResultID: "ga1",
		Score:           model.ScorePartial,
		Points:          6,
		Reason:          "missing one key element",
		Changes:         "downgraded from ○",
		GraderID:        "reviewer1",
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got.SecondGrade == nil {
		t.Fatal("SecondGrade = nil")
	}
	if got.SecondGrade.Score != model.ScorePartial || got.SecondGrade.Points != 6 {
		t.Errorf("SecondGrade = %+v", got.SecondGrade)
	}
	if got.FirstGrade.Score != model.ScorePass {
		t.Error("Apply() must not touch the first grade")
	}
	if fs.results["ga1"].SecondGrade == nil {
		t.Error("second grade was not persisted")
	}
}

func TestApplyValidation(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"invalid verdict", Request{GradingResultID: "ga1", Score: "A", Points: 5, Reason: "r"}},
		{"points above max", Request{GradingResultID: "ga1", Score: model.ScorePass, Points: 11, Reason: "r"}},
		{"negative points", Request{GradingResultID: "ga1", Score: model.ScoreFail, Points: -1, Reason: "r"}},
		{"blank reason", Request{GradingResultID: "ga1", Score: model.ScorePass, Points: 9, Reason: "  "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(newFixture())
			if _, err := svc.Apply(tt.req); err == nil {
				t.Error("Apply() error = nil, want validation failure")
			}
		})
	}

	t.Run("unknown result", func(t *testing.T) {
		svc := NewService(newFixture())
		_, err := svc.Apply(Request{GradingResultID: "nope", Score: model.ScorePass, Points: 9, Reason: "r"})
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("error = %v, want wrapped ErrNotFound", err)
		}
	})
}

func TestApplyReplacesPreviousReview(t *testing.T) {
	fs := newFixture()
	svc := NewService(fs)

	for _, points := range []int{6, 8} {
		if _, err := svc.Apply(Request{
			GradingResultID: "ga1", Score: model.ScorePass, Points: points, Reason: "pass", GraderID: "reviewer1",
		}); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}
	if got := fs.results["ga1"].SecondGrade.Points; got != 8 {
		t.Errorf("Points = %d, want the latest review to win", got)
	}
}

func TestComparison(t *testing.T) {
	fs := newFixture()
	// a1 reviewed down, a2 reviewed up, a3 untouched.
	fs.results["ga1"].SecondGrade = &model.SecondGrade{Score: model.ScorePartial, Points: 6, Reason: "r"}
	fs.results["ga2"].SecondGrade = &model.SecondGrade{Score: model.ScorePass, Points: 9, Reason: "r"}
	svc := NewService(fs)

	items, err := svc.Comparison("exam1")
	if err != nil {
		t.Fatalf("Comparison() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}

	byAnswer := make(map[string]ComparisonItem)
	for _, item := range items {
		byAnswer[item.Answer.ID] = item
	}

	a1 := byAnswer["a1"]
	if a1.ScoreDirection != DirectionDowngraded || !a1.ScoreChanged {
		t.Errorf("a1 direction = %q, want downgraded", a1.ScoreDirection)
	}
	if a1.PointsDifference != -3 {
		t.Errorf("a1 points diff = %d, want -3", a1.PointsDifference)
	}

	a2 := byAnswer["a2"]
	if a2.ScoreDirection != DirectionUpgraded {
		t.Errorf("a2 direction = %q, want upgraded", a2.ScoreDirection)
	}

	a3 := byAnswer["a3"]
	if a3.ScoreDirection != DirectionUnchanged || a3.ScoreChanged {
		t.Errorf("a3 = %+v, want untouched", a3)
	}
}

func TestComparisonUnknownExam(t *testing.T) {
	svc := NewService(newFixture())
	_, err := svc.Comparison("nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want wrapped ErrNotFound", err)
	}
}

func TestStats(t *testing.T) {
	fs := newFixture()
	fs.results["ga1"].SecondGrade = &model.SecondGrade{Score: model.ScorePass, Points: 7, Reason: "r"}
	fs.results["ga2"].SecondGrade = &model.SecondGrade{Score: model.ScoreFail, Points: 2, Reason: "r"}
	svc := NewService(fs)

	stats, err := svc.Stats("exam1")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 3 || stats.Completed != 2 || stats.Pending != 1 {
		t.Errorf("totals = %d/%d/%d, want 3/2/1", stats.Total, stats.Completed, stats.Pending)
	}
	// ga1 kept its ○, ga2 went △ to ×.
	if stats.AgreementRate != 50 {
		t.Errorf("AgreementRate = %v, want 50", stats.AgreementRate)
	}
	if stats.Downgraded != 1 {
		t.Errorf("Downgraded = %d, want 1", stats.Downgraded)
	}
	// Points moved -2 and -4.
	if stats.PointsDecreased != 2 || stats.AveragePointsChange != -3 {
		t.Errorf("points stats = %d decreased, avg %v", stats.PointsDecreased, stats.AveragePointsChange)
	}
}

func TestFinalize(t *testing.T) {
	fs := newFixture()
	fs.results["ga1"].SecondGrade = &model.SecondGrade{Score: model.ScorePass, Points: 9, Reason: "r", GraderID: "reviewer1"}
	svc := NewService(fs)

	res, err := svc.Finalize("exam1", "chief")
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if res.Finalized != 2 {
		t.Errorf("Finalized = %d, want 2", res.Finalized)
	}
	if len(res.Errors) != 0 {
		t.Errorf("Errors = %v, want none", res.Errors)
	}

	if got := fs.results["ga1"].SecondGrade.GraderID; got != "reviewer1" {
		t.Errorf("reviewed result GraderID = %q, want the human review kept", got)
	}
	for _, id := range []string{"ga2", "ga3"} {
		sg := fs.results[id].SecondGrade
		if sg == nil {
			t.Fatalf("%s: SecondGrade = nil after Finalize", id)
		}
		if sg.GraderID != "chief_auto_finalized" {
			t.Errorf("%s: GraderID = %q", id, sg.GraderID)
		}
		if sg.Score != fs.results[id].FirstGrade.Score || sg.Points != fs.results[id].FirstGrade.Points {
			t.Errorf("%s: auto-confirmed grade differs from the first grade", id)
		}
	}
}

func TestFinalizeCollectsPerItemErrors(t *testing.T) {
	fs := newFixture()
	fs.saveErr = errors.New("disk full")
	svc := NewService(fs)

	res, err := svc.Finalize("exam1", "chief")
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if res.Finalized != 0 {
		t.Errorf("Finalized = %d, want 0", res.Finalized)
	}
	if len(res.Errors) != 3 {
		t.Fatalf("Errors = %d, want 3", len(res.Errors))
	}
	if !strings.Contains(res.Errors[0], "disk full") {
		t.Errorf("error = %q, want the cause included", res.Errors[0])
	}
}

package llm

import (
	"errors"
	"strings"
	"testing"

	"github.com/mkurata/saiten/internal/model"
)

func TestParseGradingResponseJSON(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		maxScore   int
		wantScore  model.GradeScore
		wantPoints int
		wantReason string
	}{
		{
			"plain JSON",
			`{"score": "○", "points": 9, "reason": "matches the sample answer"}`,
			10, model.ScorePass, 9, "matches the sample answer",
		},
		{
			"fenced JSON block",
			"Here is the result:\n```json\n{\"score\": \"△\", \"points\": 6, \"reason\": \"partially correct\"}\n```",
			10, model.ScorePartial, 6, "partially correct",
		},
		{
			"JSON with surrounding fence whitespace",
			"```json\n  {\"score\": \"×\", \"points\": 0, \"reason\": \"off-topic\"}  \n```",
			10, model.ScoreFail, 0, "off-topic",
		},
		{
			// The escaped quote in the reason only survives a real JSON
			// parse, so this also proves fractional points stay on the
			// strict path instead of rerouting through the patterns.
			"fractional points truncated",
			`{"score": "○", "points": 9.5, "reason": "said \"almost exact\""}`,
			10, model.ScorePass, 9, `said "almost exact"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseGradingResponse(tt.raw, tt.maxScore)
			if err != nil {
				t.Fatalf("parseGradingResponse() error = %v", err)
			}
			if got.Score != tt.wantScore {
				t.Errorf("Score = %q, want %q", got.Score, tt.wantScore)
			}
			if got.Points != tt.wantPoints {
				t.Errorf("Points = %d, want %d", got.Points, tt.wantPoints)
			}
			if got.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.wantReason)
			}
		})
	}
}

func TestParseGradingResponseHeuristic(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantScore  model.GradeScore
		wantPoints int
		wantReason string
	}{
		{
			"quoted json-ish fields in prose",
			`The grade is "score": "○" with "points": 8 and "reason": "covers the key elements"`,
			model.ScorePass, 8, "covers the key elements",
		},
		{
			"labeled fields",
			"score: △\npoints: 5\nreason: only half the elements are present",
			model.ScorePartial, 5, "only half the elements are present",
		},
		{
			"bare glyph with points suffix",
			"Verdict is × because the answer misses the point. 2 points awarded.",
			model.ScoreFail, 2, fallbackReason,
		},
		{
			"glyph only falls back to defaults",
			"○",
			model.ScorePass, fallbackPoints, fallbackReason,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseGradingResponse(tt.raw, 10)
			if err != nil {
				t.Fatalf("parseGradingResponse() error = %v", err)
			}
			if got.Score != tt.wantScore {
				t.Errorf("Score = %q, want %q", got.Score, tt.wantScore)
			}
			if got.Points != tt.wantPoints {
				t.Errorf("Points = %d, want %d", got.Points, tt.wantPoints)
			}
			if got.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.wantReason)
			}
		})
	}
}

func TestParseGradingResponseErrors(t *testing.T) {
	t.Run("no verdict glyph", func(t *testing.T) {
		_, err := parseGradingResponse("I cannot grade this answer.", 10)
		if !errors.Is(err, ErrUnparsableResponse) {
			t.Errorf("error = %v, want ErrUnparsableResponse", err)
		}
	})

	t.Run("invalid verdict in JSON", func(t *testing.T) {
		_, err := parseGradingResponse(`{"score": "A", "points": 5, "reason": "ok"}`, 10)
		var verdictErr *InvalidVerdictError
		if !errors.As(err, &verdictErr) {
			t.Fatalf("error = %v, want *InvalidVerdictError", err)
		}
		if verdictErr.Score != "A" {
			t.Errorf("Score = %q, want %q", verdictErr.Score, "A")
		}
	})

	t.Run("points above max score", func(t *testing.T) {
		_, err := parseGradingResponse(`{"score": "○", "points": 15, "reason": "ok"}`, 10)
		var pointsErr *InvalidPointsError
		if !errors.As(err, &pointsErr) {
			t.Fatalf("error = %v, want *InvalidPointsError", err)
		}
		if pointsErr.Points != 15 || pointsErr.MaxScore != 10 {
			t.Errorf("Points = %d/%d, want 15/10", pointsErr.Points, pointsErr.MaxScore)
		}
	})

	t.Run("negative points", func(t *testing.T) {
		_, err := parseGradingResponse(`{"score": "×", "points": -1, "reason": "ok"}`, 10)
		var pointsErr *InvalidPointsError
		if !errors.As(err, &pointsErr) {
			t.Errorf("error = %v, want *InvalidPointsError", err)
		}
	})

	t.Run("empty reason", func(t *testing.T) {
		_, err := parseGradingResponse(`{"score": "○", "points": 9, "reason": "  "}`, 10)
		if !errors.Is(err, ErrEmptyReason) {
			t.Errorf("error = %v, want ErrEmptyReason", err)
		}
	})
}

func TestValidateGradingResponseBandWarnings(t *testing.T) {
	tests := []struct {
		name         string
		score        model.GradeScore
		points       int
		wantWarnings int
	}{
		{"pass in band", model.ScorePass, 8, 0},
		{"pass at exactly 80 percent", model.ScorePass, 8, 0},
		{"pass below band", model.ScorePass, 5, 1},
		{"partial in band", model.ScorePartial, 6, 0},
		{"partial at upper boundary warns", model.ScorePartial, 8, 1},
		{"partial below band", model.ScorePartial, 3, 1},
		{"fail in band", model.ScoreFail, 2, 0},
		{"fail at 50 percent warns", model.ScoreFail, 5, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &GradingResponse{Score: tt.score, Points: tt.points, Reason: "r"}
			warnings, err := validateGradingResponse(resp, 10)
			if err != nil {
				t.Fatalf("validateGradingResponse() error = %v", err)
			}
			if len(warnings) != tt.wantWarnings {
				t.Errorf("warnings = %v, want %d", warnings, tt.wantWarnings)
			}
		})
	}
}

func TestBandWarningDoesNotBlockAcceptance(t *testing.T) {
	got, err := parseGradingResponse(`{"score": "○", "points": 3, "reason": "generous grader"}`, 10)
	if err != nil {
		t.Fatalf("parseGradingResponse() error = %v", err)
	}
	if len(got.Warnings) == 0 {
		t.Fatal("expected a band mismatch warning")
	}
	if !strings.Contains(got.Warnings[0], "pass band") {
		t.Errorf("warning = %q, want mention of the pass band", got.Warnings[0])
	}
	if got.Points != 3 {
		t.Errorf("Points = %d, want 3 unchanged", got.Points)
	}
}

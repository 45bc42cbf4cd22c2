package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mkurata/saiten/internal/model"
)

// GradingResponse is the normalized verdict parsed from a backend's text
// output.
type GradingResponse struct {
	Score  model.GradeScore `json:"score"`
	Points int              `json:"points"`
	Reason string           `json:"reason"`
	// Warnings records non-fatal issues such as a verdict/points band
	// mismatch. They never block acceptance.
	Warnings []string `json:"warnings,omitempty"`
}

var fencedJSONRegex = regexp.MustCompile("```json\\s*([\\s\\S]*?)\\s*```")

// strictGrading is the strict-parse shape. Points is a float because some
// backends return fractional points; the fraction is truncated.
type strictGrading struct {
	Score  model.GradeScore `json:"score"`
	Points float64          `json:"points"`
	Reason string           `json:"reason"`
}

// Heuristic extraction pattern families, tried strictly in order; the first
// match in each family wins. The ordering is part of the contract: quoted
// JSON-ish forms beat labeled forms beat bare glyphs.
var (
	scorePatterns = []*regexp.Regexp{
		regexp.MustCompile(`["']?score["']?\s*:\s*["']([○△×])["']`),
		regexp.MustCompile(`score\s*:\s*([○△×])`),
		regexp.MustCompile(`([○△×])`),
		regexp.MustCompile(`grade\s*:\s*([○△×])`),
	}
	pointsPatterns = []*regexp.Regexp{
		regexp.MustCompile(`["']?points?["']?\s*:\s*(\d+)`),
		regexp.MustCompile(`points?\s*:\s*(\d+)`),
		regexp.MustCompile(`(\d+)\s*points?`),
		regexp.MustCompile(`score:\s*(\d+)`),
	}
	reasonPatterns = []*regexp.Regexp{
		regexp.MustCompile(`["']?reason["']?\s*:\s*["']([^"']+)["']`),
		regexp.MustCompile(`reason\s*:\s*([^\n]+)`),
		regexp.MustCompile(`because\s*:\s*([^\n]+)`),
		regexp.MustCompile(`explanation\s*:\s*([^\n]+)`),
	}
)

const (
	fallbackPoints = 5
	fallbackReason = "could not extract grading reason"
)

// parseGradingResponse turns raw backend text into a validated
// GradingResponse. It first attempts a strict JSON parse (unwrapping a
// ```json fence if present) and falls back to heuristic pattern extraction
// when the text is not valid JSON.
func parseGradingResponse(raw string, maxScore int) (*GradingResponse, error) {
	var resp GradingResponse

	text := raw
	if m := fencedJSONRegex.FindStringSubmatch(raw); m != nil {
		text = m[1]
	}

	var strict strictGrading
	if err := json.Unmarshal([]byte(text), &strict); err != nil {
		extracted, exErr := extractGradingFromText(raw)
		if exErr != nil {
			return nil, exErr
		}
		resp = *extracted
	} else {
		resp = GradingResponse{Score: strict.Score, Points: int(strict.Points), Reason: strict.Reason}
	}

	warnings, err := validateGradingResponse(&resp, maxScore)
	if err != nil {
		return nil, err
	}
	resp.Warnings = warnings
	return &resp, nil
}

// extractGradingFromText is the repair path for backends that ignore the
// requested JSON shape. A missing verdict glyph is a hard failure; missing
// points or reason fall back to neutral defaults like the strict path's
// optional fields would.
func extractGradingFromText(text string) (*GradingResponse, error) {
	var scoreMatch []string
	for _, p := range scorePatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			scoreMatch = m
			break
		}
	}
	if scoreMatch == nil {
		return nil, ErrUnparsableResponse
	}

	points := fallbackPoints
	for _, p := range pointsPatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				points = n
			}
			break
		}
	}

	reason := fallbackReason
	for _, p := range reasonPatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			reason = strings.TrimSpace(m[1])
			break
		}
	}

	return &GradingResponse{
		Score:  model.GradeScore(scoreMatch[1]),
		Points: points,
		Reason: reason,
	}, nil
}

// validateGradingResponse enforces the domain invariants on a parsed grade.
// Verdict, points range and reason are hard requirements; the verdict/points
// band consistency is a soft check returned as warnings because LLMs
// routinely miscalibrate the two.
func validateGradingResponse(resp *GradingResponse, maxScore int) ([]string, error) {
	if !resp.Score.Valid() {
		return nil, &InvalidVerdictError{Score: string(resp.Score)}
	}
	if resp.Points < 0 || resp.Points > maxScore {
		return nil, &InvalidPointsError{Points: resp.Points, MaxScore: maxScore}
	}
	if strings.TrimSpace(resp.Reason) == "" {
		return nil, ErrEmptyReason
	}

	pct := float64(resp.Points) / float64(maxScore) * 100

	var warnings []string
	switch resp.Score {
	case model.ScorePass:
		if pct < passBandPercent {
			warnings = append(warnings, fmt.Sprintf(
				"verdict ○ but points below the pass band: %d/%d (%.1f%%)", resp.Points, maxScore, pct))
		}
	case model.ScorePartial:
		if pct < partialBandPercent || pct >= passBandPercent {
			warnings = append(warnings, fmt.Sprintf(
				"verdict △ but points outside the partial band: %d/%d (%.1f%%)", resp.Points, maxScore, pct))
		}
	case model.ScoreFail:
		if pct >= partialBandPercent {
			warnings = append(warnings, fmt.Sprintf(
				"verdict × but points at or above the partial band: %d/%d (%.1f%%)", resp.Points, maxScore, pct))
		}
	}
	return warnings, nil
}

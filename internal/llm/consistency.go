package llm

import (
	"context"
	"math"
	"time"

	"github.com/mkurata/saiten/internal/model"
)

// consistencyDelay spaces the repeated grading calls so local backends are
// not hammered.
const consistencyDelay = 500 * time.Millisecond

// consistencyStdDevRatio: the sample counts as consistent when the points
// standard deviation stays within this fraction of the max score.
const consistencyStdDevRatio = 0.1

// ConsistencyResult reports how stable the backend's grading is under
// repeated sampling of the identical pair. It is a reliability estimate,
// not a correctness guarantee.
type ConsistencyResult struct {
	Results []GradingResponse `json:"results"`
	// Majority is the result chosen by majority verdict; ties go to the
	// verdict seen earliest in Results.
	Majority     *GradingResponse `json:"majority"`
	IsConsistent bool             `json:"is_consistent"`
	Variance     float64          `json:"variance"`
	StdDev       float64          `json:"std_dev"`
}

// CheckConsistency grades the same (question, answer) pair iterations times
// in sequence and aggregates the spread. If any single call fails, the whole
// check fails: a majority cannot be computed from an incomplete sample.
func (c *Client) CheckConsistency(ctx context.Context, q model.Question, a model.Answer, iterations int) (*ConsistencyResult, error) {
	results := make([]GradingResponse, 0, iterations)

	for i := 0; i < iterations; i++ {
		resp, err := c.Grade(ctx, q, a)
		if err != nil {
			return nil, err
		}
		results = append(results, *resp)

		if i < iterations-1 {
			select {
			case <-time.After(consistencyDelay):
			case <-ctx.Done():
				return nil, &GradingError{StudentID: a.StudentID, QuestionNumber: q.Number, Err: ctx.Err()}
			}
		}
	}

	variance := pointsVariance(results)
	stdDev := math.Sqrt(variance)

	return &ConsistencyResult{
		Results:      results,
		Majority:     majorityResult(results),
		IsConsistent: stdDev <= float64(q.MaxScore)*consistencyStdDevRatio,
		Variance:     variance,
		StdDev:       stdDev,
	}, nil
}

// majorityResult picks the most frequent verdict and returns the earliest
// result carrying it. The strictly-greater scan over results in order makes
// ties resolve to the first-seen verdict.
func majorityResult(results []GradingResponse) *GradingResponse {
	if len(results) == 0 {
		return nil
	}

	counts := make(map[model.GradeScore]int)
	for _, r := range results {
		counts[r.Score]++
	}

	majority := results[0].Score
	maxCount := 0
	for _, r := range results {
		if counts[r.Score] > maxCount {
			maxCount = counts[r.Score]
			majority = r.Score
		}
	}

	for i := range results {
		if results[i].Score == majority {
			return &results[i]
		}
	}
	return &results[0]
}

// pointsVariance is the population variance of the points values.
func pointsVariance(results []GradingResponse) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += float64(r.Points)
	}
	mean := sum / float64(len(results))

	var sq float64
	for _, r := range results {
		d := float64(r.Points) - mean
		sq += d * d
	}
	return sq / float64(len(results))
}

package rules

import "github.com/opensource-credit/kestrel/internal/domain"

// Outcome is one scoreable unit. Top-level rules and whole groups both reduce
// to a pass/fail flag plus a weight before scoring.
type Outcome struct {
	Passed bool
	Weight float64
}

// Outcomes flattens an evaluation output into scoreable units.
func Outcomes(out *Output) []Outcome {
	units := make([]Outcome, 0, len(out.RuleTraces)+len(out.GroupTraces))
	for _, rt := range out.RuleTraces {
		units = append(units, Outcome{Passed: rt.Passed, Weight: rt.Weight})
	}
	for _, gt := range out.GroupTraces {
		units = append(units, Outcome{Passed: gt.Passed, Weight: gt.Weight})
	}
	return units
}

// Score aggregates outcomes into a single value under the given method.
//
// weighted and average produce a 0..100 score. pass_fail is exactly 0 or 100.
// sum is an unbounded raw accumulation of passed weights, criteria using it
// must carry an explicit pass threshold calibrated to their weights.
func Score(method domain.ScoringMethod, outcomes []Outcome) float64 {
	if len(outcomes) == 0 {
		return 0
	}

	switch method {
	case domain.ScoringPassFail:
		for _, o := range outcomes {
			if !o.Passed {
				return 0
			}
		}
		return 100

	case domain.ScoringSum:
		var s float64
		for _, o := range outcomes {
			if o.Passed {
				s += o.Weight
			}
		}
		return s

	case domain.ScoringAverage:
		passed := 0
		for _, o := range outcomes {
			if o.Passed {
				passed++
			}
		}
		return float64(passed) / float64(len(outcomes)) * 100

	default: // weighted
		var total, earned float64
		for _, o := range outcomes {
			total += o.Weight
			if o.Passed {
				earned += o.Weight
			}
		}
		if total == 0 {
			return 0
		}
		score := earned / total * 100
		if score > 100 {
			score = 100
		}
		return score
	}
}

// IsPassing applies the threshold comparison. A score exactly at the
// threshold passes.
func IsPassing(score, threshold float64) bool {
	return score >= threshold
}

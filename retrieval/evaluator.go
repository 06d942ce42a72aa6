package retrieval

import "strings"

// SufficiencyDecision is the evaluator's verdict on a below-minimum
// multi-query result.
type SufficiencyDecision struct {
	Sufficient bool
	Reason     string
}

// SufficiencyEvaluator decides whether a multi-query result that missed the
// MIN_ITEMS bar is still good enough to accept. Pure heuristic: a smaller
// result set passes when it covers every requested standard and carries
// strong scores, which beats falling through to a broader but noisier rerun.
type SufficiencyEvaluator struct {
	// MinCoverageScore is the average score a small result set must reach.
	MinCoverageScore float64
}

// NewSufficiencyEvaluator returns the evaluator with the default threshold.
func NewSufficiencyEvaluator() *SufficiencyEvaluator {
	return &SufficiencyEvaluator{MinCoverageScore: 0.8}
}

// Evaluate inspects the items against the requested standards.
func (e *SufficiencyEvaluator) Evaluate(query string, requested []string, items []Item, minItems int) SufficiencyDecision {
	if len(items) == 0 {
		return SufficiencyDecision{Sufficient: false, Reason: "no_items"}
	}
	if len(items) >= minItems {
		return SufficiencyDecision{Sufficient: true, Reason: "meets_min_items"}
	}

	if len(requested) >= 2 {
		if missing := FindMissingScopes(items, requested, true); len(missing) > 0 {
			return SufficiencyDecision{
				Sufficient: false,
				Reason:     "missing_scopes: " + strings.Join(missing, ", "),
			}
		}
	}

	var sum float64
	scored := 0
	for _, it := range items {
		if s := it.EffectiveScore(); s != nil {
			sum += *s
			scored++
		}
	}
	if scored == 0 {
		return SufficiencyDecision{Sufficient: false, Reason: "unscored_small_set"}
	}
	avg := sum / float64(scored)
	if avg >= e.MinCoverageScore {
		return SufficiencyDecision{Sufficient: true, Reason: "high_score_full_coverage"}
	}
	return SufficiencyDecision{Sufficient: false, Reason: "low_average_score"}
}

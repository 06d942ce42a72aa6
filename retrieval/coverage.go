package retrieval

import (
	"fmt"
	"strings"

	"github.com/mcalza96/cire-orchestrator/agent"
)

// itemStandard reads the standard anchored in an item's row metadata.
func itemStandard(it Item) string {
	meta := it.Metadata
	row, _ := meta["row"].(map[string]interface{})
	rowMeta, _ := row["metadata"].(map[string]interface{})
	for _, field := range []string{"source_standard", "standard", "scope"} {
		if value, ok := rowMeta[field].(string); ok && strings.TrimSpace(value) != "" {
			return strings.ToUpper(strings.TrimSpace(value))
		}
	}
	if value, ok := row["source_standard"].(string); ok && strings.TrimSpace(value) != "" {
		return strings.ToUpper(strings.TrimSpace(value))
	}
	// Flat metadata, before the row nesting is applied.
	for _, field := range []string{"source_standard", "standard", "scope"} {
		if value, ok := meta[field].(string); ok && strings.TrimSpace(value) != "" {
			return strings.ToUpper(strings.TrimSpace(value))
		}
	}
	return ""
}

// itemMentionsClause reports whether an item anchors a clause reference in
// content or metadata.
func itemMentionsClause(it Item, clause string) bool {
	if clause == "" {
		return false
	}
	if strings.Contains(it.Content, clause) {
		return true
	}
	row, _ := it.Metadata["row"].(map[string]interface{})
	rowMeta, _ := row["metadata"].(map[string]interface{})
	for _, field := range []string{"clause_id", "clause_ref", "clause"} {
		if value, ok := rowMeta[field].(string); ok && strings.TrimSpace(value) == clause {
			return true
		}
	}
	if refs, ok := rowMeta["clause_refs"].([]interface{}); ok {
		for _, raw := range refs {
			if value, ok := raw.(string); ok && strings.TrimSpace(value) == clause {
				return true
			}
		}
	}
	return false
}

// FindMissingScopes returns requested standards not represented in the
// top-k items. With enforce false and fewer than two requested standards the
// check is a no-op, so single-scope modes never report scope gaps.
func FindMissingScopes(items []Item, requested []string, enforce bool) []string {
	if len(requested) == 0 {
		return nil
	}
	if !enforce && len(requested) < 2 {
		return nil
	}
	present := make(map[string]struct{})
	for _, it := range items {
		if std := itemStandard(it); std != "" {
			present[std] = struct{}{}
		}
	}
	var missing []string
	for _, raw := range requested {
		scope := strings.ToUpper(strings.TrimSpace(raw))
		if scope == "" {
			continue
		}
		matched := false
		for std := range present {
			if strings.Contains(std, scope) || strings.Contains(scope, std) {
				matched = true
				break
			}
		}
		if !matched {
			missing = append(missing, scope)
		}
	}
	return missing
}

// FindMissingClauseRefs returns query clause references not anchored by any
// item. When the number of anchored references already meets minRequired the
// remainder is not reported.
func FindMissingClauseRefs(items []Item, clauseRefs []string, minRequired int) []string {
	if len(clauseRefs) == 0 {
		return nil
	}
	var missing []string
	anchored := 0
	for _, clause := range clauseRefs {
		found := false
		for _, it := range items {
			if itemMentionsClause(it, clause) {
				found = true
				break
			}
		}
		if found {
			anchored++
		} else {
			missing = append(missing, clause)
		}
	}
	if minRequired > 0 && anchored >= minRequired {
		return nil
	}
	if minRequired == 0 {
		// Informational only: no minimum demanded.
		return missing
	}
	return missing
}

// CoverageDecision is the multihop fallback gate outcome.
type CoverageDecision struct {
	NeedsFallback bool
	Reason        string
	Code          string
}

// DecideMultihopFallback inspects the hybrid top-k and decides whether a
// multi-query rerun can plausibly balance the evidence. When the engine
// already ran multihop (signalled in the hybrid trace), a rerun is skipped
// to avoid redundant calls.
func DecideMultihopFallback(query string, requested []string, items []Item, hybridTrace map[string]interface{}, topK int, clauseRefs []string) CoverageDecision {
	if topK <= 0 {
		topK = 12
	}
	top := items
	if len(top) > topK {
		top = top[:topK]
	}
	plannerMultihop, _ := hybridTrace["planner_multihop"].(bool)

	if len(requested) >= 2 {
		missing := FindMissingScopes(top, requested, true)
		if len(missing) > 0 && !plannerMultihop {
			limit := len(missing)
			if limit > 3 {
				limit = 3
			}
			return CoverageDecision{
				NeedsFallback: true,
				Reason:        fmt.Sprintf("missing_standards_in_topk: %s", strings.Join(missing[:limit], ", ")),
				Code:          agent.CodeGraphFallbackNoMultihop,
			}
		}
	}

	if len(clauseRefs) > 0 {
		var missingClauses []string
		for _, clause := range clauseRefs {
			found := false
			for _, it := range top {
				if itemMentionsClause(it, clause) {
					found = true
					break
				}
			}
			if !found {
				missingClauses = append(missingClauses, clause)
			}
		}
		if len(missingClauses) > 0 && !plannerMultihop {
			limit := len(missingClauses)
			if limit > 3 {
				limit = 3
			}
			return CoverageDecision{
				NeedsFallback: true,
				Reason:        fmt.Sprintf("missing_clause_refs_in_topk: %s", strings.Join(missingClauses[:limit], ", ")),
				Code:          agent.CodeGraphFallbackNoMultihop,
			}
		}
	}

	return CoverageDecision{NeedsFallback: false, Reason: "coverage_ok"}
}

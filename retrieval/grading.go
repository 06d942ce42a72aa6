package retrieval

import (
	"regexp"
	"strings"

	"github.com/mcalza96/cire-orchestrator/agent"
)

var gradingClauseRE = regexp.MustCompile(`\b\d+(?:\.\d+)+\b`)

// MinAverageScore is the floor below which a scored evidence set is graded
// as low_score.
const MinAverageScore = 0.12

// GradeRetrieval post-checks retrieved evidence against the plan and query.
// It returns ok plus a reason from the retryable taxonomy when the evidence
// cannot ground an answer: empty_retrieval, scope_mismatch, clause_missing,
// or low_score.
func GradeRetrieval(documents []agent.EvidenceItem, plan agent.RetrievalPlan, query string) (bool, string) {
	if len(documents) == 0 {
		return false, agent.CodeEmptyRetrieval
	}

	var contentful []agent.EvidenceItem
	for _, doc := range documents {
		if strings.TrimSpace(doc.Content) != "" {
			contentful = append(contentful, doc)
		}
	}
	if len(contentful) == 0 {
		return false, agent.CodeEmptyRetrieval
	}

	if len(plan.RequestedStandards) > 0 {
		matched := make(map[string]struct{})
		for _, doc := range contentful {
			std := doc.Standard()
			if std == "" {
				continue
			}
			for _, raw := range plan.RequestedStandards {
				scope := strings.ToUpper(strings.TrimSpace(raw))
				if scope == "" {
					continue
				}
				if strings.Contains(std, scope) || strings.Contains(scope, std) {
					matched[scope] = struct{}{}
				}
			}
		}
		if len(plan.RequestedStandards) >= 2 && len(matched) < 2 {
			return false, agent.CodeScopeMismatch
		}
		if len(matched) == 0 {
			return false, agent.CodeScopeMismatch
		}
	}

	clauseRefs := gradingClauseRE.FindAllString(query, -1)
	if plan.RequireLiteralEvidence && len(clauseRefs) > 0 {
		anchored := false
		for _, doc := range contentful {
			meta := doc.RowMetadata()
			for _, field := range []string{"clause_id", "clause_ref", "clause"} {
				if value, ok := meta[field].(string); ok && strings.TrimSpace(value) != "" {
					anchored = true
					break
				}
			}
			if anchored {
				break
			}
		}
		if !anchored {
			var blob strings.Builder
			for _, doc := range contentful {
				blob.WriteString(doc.Content)
				blob.WriteByte('\n')
			}
			content := blob.String()
			found := false
			for _, clause := range clauseRefs {
				if strings.Contains(content, clause) {
					found = true
					break
				}
			}
			if !found {
				return false, agent.CodeClauseMissing
			}
		}
	}

	var sum float64
	meaningful := false
	scored := 0
	for _, doc := range contentful {
		sum += doc.Score
		scored++
		if doc.Score > 0 {
			meaningful = true
		}
	}
	if meaningful && scored > 0 && sum/float64(scored) < MinAverageScore {
		return false, agent.CodeLowScore
	}

	return true, "ok"
}

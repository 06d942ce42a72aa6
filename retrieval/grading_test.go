package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mcalza96/cire-orchestrator/agent"
)

func gradedChunk(source, standard, content string, score float64) agent.EvidenceItem {
	return agent.EvidenceItem{
		Source:  source,
		Content: content,
		Score:   score,
		Metadata: map[string]interface{}{
			"row": map[string]interface{}{
				"content":  content,
				"metadata": map[string]interface{}{"source_standard": standard},
			},
		},
	}
}

func TestGradeRetrievalEmpty(t *testing.T) {
	ok, reason := GradeRetrieval(nil, agent.RetrievalPlan{}, "query")
	assert.False(t, ok)
	assert.Equal(t, agent.CodeEmptyRetrieval, reason)
}

func TestGradeRetrievalScopeMismatch(t *testing.T) {
	docs := []agent.EvidenceItem{gradedChunk("C1", "ISO 45001", "5.3 roles", 0.9)}
	plan := agent.RetrievalPlan{RequestedStandards: []string{"ISO 9001"}}
	ok, reason := GradeRetrieval(docs, plan, "query")
	assert.False(t, ok)
	assert.Equal(t, agent.CodeScopeMismatch, reason)
}

func TestGradeRetrievalMultiScopeNeedsTwoMatches(t *testing.T) {
	docs := []agent.EvidenceItem{gradedChunk("C1", "ISO 9001", "9.1", 0.9)}
	plan := agent.RetrievalPlan{RequestedStandards: []string{"ISO 9001", "ISO 14001"}}
	ok, reason := GradeRetrieval(docs, plan, "query")
	assert.False(t, ok)
	assert.Equal(t, agent.CodeScopeMismatch, reason)
}

func TestGradeRetrievalClauseMissing(t *testing.T) {
	docs := []agent.EvidenceItem{gradedChunk("C1", "ISO 9001", "contenido sin anclas", 0.9)}
	plan := agent.RetrievalPlan{
		RequestedStandards:     []string{"ISO 9001"},
		RequireLiteralEvidence: true,
	}
	ok, reason := GradeRetrieval(docs, plan, "que exige la 9.1.2")
	assert.False(t, ok)
	assert.Equal(t, agent.CodeClauseMissing, reason)
}

func TestGradeRetrievalLowScore(t *testing.T) {
	docs := []agent.EvidenceItem{gradedChunk("C1", "ISO 9001", "9.1 contenido", 0.05)}
	plan := agent.RetrievalPlan{RequestedStandards: []string{"ISO 9001"}}
	ok, reason := GradeRetrieval(docs, plan, "consulta general")
	assert.False(t, ok)
	assert.Equal(t, agent.CodeLowScore, reason)
}

func TestGradeRetrievalOK(t *testing.T) {
	docs := []agent.EvidenceItem{gradedChunk("C1", "ISO 9001", "9.1 evaluar el desempeno", 0.9)}
	plan := agent.RetrievalPlan{
		RequestedStandards:     []string{"ISO 9001"},
		RequireLiteralEvidence: true,
	}
	ok, reason := GradeRetrieval(docs, plan, "que exige la 9.1")
	assert.True(t, ok)
	assert.Equal(t, "ok", reason)
}

func TestSufficiencyEvaluator(t *testing.T) {
	evaluator := NewSufficiencyEvaluator()

	full := []Item{itemWithStandard("c1", "ISO 9001"), itemWithStandard("c2", "ISO 14001")}
	decision := evaluator.Evaluate("q", []string{"ISO 9001", "ISO 14001"}, full, 6)
	assert.True(t, decision.Sufficient)
	assert.Equal(t, "high_score_full_coverage", decision.Reason)

	partial := []Item{itemWithStandard("c1", "ISO 9001")}
	decision = evaluator.Evaluate("q", []string{"ISO 9001", "ISO 14001"}, partial, 6)
	assert.False(t, decision.Sufficient)

	decision = evaluator.Evaluate("q", nil, nil, 6)
	assert.False(t, decision.Sufficient)
}

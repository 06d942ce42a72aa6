package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itemWithStandard(source, standard string) Item {
	score := 0.9
	return Item{
		Source:  source,
		Content: "contenido " + source,
		Score:   &score,
		Metadata: map[string]interface{}{
			"row": map[string]interface{}{
				"metadata": map[string]interface{}{"source_standard": standard},
			},
		},
	}
}

func TestFindMissingScopes(t *testing.T) {
	items := []Item{itemWithStandard("c1", "ISO 45001")}
	missing := FindMissingScopes(items, []string{"ISO 9001", "ISO 14001", "ISO 45001"}, true)
	assert.Equal(t, []string{"ISO 9001", "ISO 14001"}, missing)
}

func TestFindMissingScopesNoRequested(t *testing.T) {
	assert.Nil(t, FindMissingScopes([]Item{itemWithStandard("c1", "ISO 9001")}, nil, true))
}

func TestFindMissingScopesSingleScopeNotEnforced(t *testing.T) {
	missing := FindMissingScopes([]Item{itemWithStandard("c1", "ISO 14001")}, []string{"ISO 9001"}, false)
	assert.Nil(t, missing)
}

func TestFindMissingClauseRefs(t *testing.T) {
	anchored := Item{
		Source:  "c1",
		Content: "La clausula 9.1.2 exige evaluar",
		Metadata: map[string]interface{}{"row": map[string]interface{}{
			"metadata": map[string]interface{}{},
		}},
	}
	missing := FindMissingClauseRefs([]Item{anchored}, []string{"9.1.2", "5.3"}, 0)
	assert.Equal(t, []string{"5.3"}, missing)

	// Minimum already met: no report.
	assert.Nil(t, FindMissingClauseRefs([]Item{anchored}, []string{"9.1.2", "5.3"}, 1))
}

func TestDecideMultihopFallback(t *testing.T) {
	items := []Item{itemWithStandard("c1", "ISO 45001")}
	requested := []string{"ISO 9001", "ISO 14001", "ISO 45001"}

	decision := DecideMultihopFallback("compara las normas", requested, items, nil, 12, nil)
	require.True(t, decision.NeedsFallback)
	assert.Contains(t, decision.Reason, "missing_standards_in_topk")

	// The engine already did multihop: rerun skipped.
	trace := map[string]interface{}{"planner_multihop": true}
	decision = DecideMultihopFallback("compara las normas", requested, items, trace, 12, nil)
	assert.False(t, decision.NeedsFallback)

	// Full coverage: no fallback.
	full := []Item{
		itemWithStandard("c1", "ISO 9001"),
		itemWithStandard("c2", "ISO 14001"),
		itemWithStandard("c3", "ISO 45001"),
	}
	decision = DecideMultihopFallback("compara las normas", requested, full, nil, 12, nil)
	assert.False(t, decision.NeedsFallback)
}

func TestDecideMultihopFallbackOnMissingClauses(t *testing.T) {
	items := []Item{itemWithStandard("c1", "ISO 9001")}
	decision := DecideMultihopFallback("que exige 9.1.2", []string{"ISO 9001"}, items, nil, 12, []string{"9.1.2"})
	require.True(t, decision.NeedsFallback)
	assert.Contains(t, decision.Reason, "missing_clause_refs_in_topk")
}

package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcalza96/cire-orchestrator/agent"
)

func TestBuildDeterministicSubqueriesPerScope(t *testing.T) {
	pc := PlanningContext{
		Query:              "Relaciona ISO 9001 9.1.2 con ISO 14001 9.1.1",
		RequestedStandards: []string{"ISO 9001", "ISO 14001"},
		MaxQueries:         6,
		Mode:               "comparativa",
	}
	subqueries := BuildDeterministicSubqueries(pc)
	require.GreaterOrEqual(t, len(subqueries), 3)

	assert.Equal(t, "ISO 9001", subqueries[0].Filters.SourceStandard)
	assert.Equal(t, "ISO 14001", subqueries[1].Filters.SourceStandard)
	// Clause near the standard narrows the filter.
	require.NotNil(t, subqueries[0].Filters.Metadata)
	assert.Equal(t, "9.1.2", subqueries[0].Filters.Metadata["clause_id"])

	ids := make([]string, 0, len(subqueries))
	for _, sq := range subqueries {
		ids = append(ids, sq.ID)
	}
	assert.Contains(t, ids, "bridge_contexto")
	assert.Contains(t, ids, "step_back")
}

func TestBuildDeterministicSubqueriesLiteralSuppressesStepBack(t *testing.T) {
	pc := PlanningContext{
		Query:                  "Cita el texto exacto de ISO 9001 9.1",
		RequestedStandards:     []string{"ISO 9001"},
		MaxQueries:             6,
		Mode:                   "literal_normativa",
		RequireLiteralEvidence: true,
	}
	subqueries := BuildDeterministicSubqueries(pc)
	for _, sq := range subqueries {
		assert.NotEqual(t, "step_back", sq.ID)
		assert.NotEqual(t, "bridge_contexto", sq.ID)
	}
}

func TestEnsureScopeCoverageSynthesizesFillers(t *testing.T) {
	pc := PlanningContext{
		Query:              "compara las tres normas",
		RequestedStandards: []string{"ISO 9001", "ISO 14001", "ISO 45001"},
		MaxQueries:         6,
	}
	partial := []agent.Subquery{
		{ID: "scope_9001_general", Query: "ISO 9001", Filters: &agent.SubqueryFilter{SourceStandard: "ISO 9001"}},
	}
	covered := EnsureScopeCoverage(pc, partial)

	scopes := make(map[string]bool)
	for _, sq := range covered {
		for _, scope := range sq.Filters.Scopes() {
			scopes[scope] = true
		}
	}
	assert.True(t, scopes["ISO 9001"])
	assert.True(t, scopes["ISO 14001"])
	assert.True(t, scopes["ISO 45001"])
}

func TestEnsureScopeCoverageCapPrefersOnePerScope(t *testing.T) {
	pc := PlanningContext{
		Query:              "compara",
		RequestedStandards: []string{"ISO 9001", "ISO 14001"},
		MaxQueries:         2,
	}
	subqueries := []agent.Subquery{
		{ID: "a1", Query: "q1", Filters: &agent.SubqueryFilter{SourceStandard: "ISO 9001"}},
		{ID: "a2", Query: "q2", Filters: &agent.SubqueryFilter{SourceStandard: "ISO 9001"}},
		{ID: "b1", Query: "q3", Filters: &agent.SubqueryFilter{SourceStandard: "ISO 14001"}},
	}
	covered := EnsureScopeCoverage(pc, subqueries)
	require.Len(t, covered, 2)
	assert.Equal(t, "a1", covered[0].ID)
	assert.Equal(t, "b1", covered[1].ID)
}

func TestDeterministicPlannerIdempotent(t *testing.T) {
	pc := PlanningContext{
		Query:              "Relaciona ISO 9001 9.1.2 con ISO 14001 9.1.1",
		RequestedStandards: []string{"ISO 9001", "ISO 14001"},
		MaxQueries:         6,
	}
	planner := DeterministicPlanner{}
	first, err := planner.Plan(context.Background(), pc)
	require.NoError(t, err)
	second, err := planner.Plan(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

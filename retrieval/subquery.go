package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/profile"
	"github.com/mcalza96/cire-orchestrator/router"
)

// PlanningContext carries everything a subquery planner needs. Planning is
// idempotent: the same context always yields the same subqueries.
type PlanningContext struct {
	Query                  string
	RequestedStandards     []string
	MaxQueries             int
	Mode                   string
	RequireLiteralEvidence bool
	IncludeSemanticTail    bool
	Profile                *profile.AgentProfile
	Decomposition          profile.DecompositionPolicy
}

// SubqueryPlanner decomposes a query into focused retrieval subqueries.
type SubqueryPlanner interface {
	Plan(ctx context.Context, pc PlanningContext) ([]agent.Subquery, error)
}

// DeterministicPlanner derives subqueries from the query text alone: one per
// requested standard (bounded), a documentary-impact bridge query, and a
// general-principles step-back query. Literal modes suppress the step-back,
// reserving it for coverage repair, and add the bridge only when no
// per-standard subquery was produced.
type DeterministicPlanner struct{}

func (DeterministicPlanner) Plan(ctx context.Context, pc PlanningContext) ([]agent.Subquery, error) {
	planned := BuildDeterministicSubqueries(pc)
	return EnsureScopeCoverage(pc, planned), nil
}

// BuildDeterministicSubqueries is the raw deterministic decomposition,
// without scope-coverage enforcement.
func BuildDeterministicSubqueries(pc PlanningContext) []agent.Subquery {
	maxQueries := pc.MaxQueries
	if maxQueries < 1 {
		maxQueries = 6
	}
	effectiveQuery, _ := router.ApplySearchHints(pc.Query, pc.Profile)
	clauseRefs := router.ExtractClauseRefs(effectiveQuery, pc.Profile)

	var out []agent.Subquery

	standards := pc.RequestedStandards
	if len(standards) > 3 {
		standards = standards[:3]
	}
	for _, standard := range standards {
		clause := router.ClauseNearStandard(effectiveQuery, standard)
		key := strings.ToLower(router.StandardKey(standard))
		if key == "" {
			key = "scope"
		}
		clauseLabel := "general"
		if clause != "" {
			clauseLabel = strings.ReplaceAll(clause, ".", "_")
		}

		parts := []string{standard}
		if clause != "" {
			parts = append(parts, clause)
		}
		limit := len(clauseRefs)
		if limit > 3 {
			limit = 3
		}
		parts = append(parts, clauseRefs[:limit]...)

		filter := &agent.SubqueryFilter{SourceStandard: standard}
		if clause != "" {
			filter.Metadata = map[string]interface{}{"clause_id": clause}
		}
		out = append(out, agent.Subquery{
			ID:      fmt.Sprintf("scope_%s_%s", key, clauseLabel),
			Query:   strings.Join(parts, " "),
			Filters: filter,
		})
		if len(out) >= maxQueries {
			return out
		}
	}

	literalMode := pc.RequireLiteralEvidence ||
		pc.Mode == profile.ModeLiteralNormativa || pc.Mode == profile.ModeLiteralLista

	var sharedFilter *agent.SubqueryFilter
	if len(pc.RequestedStandards) > 0 {
		sharedFilter = &agent.SubqueryFilter{SourceStandards: append([]string(nil), pc.RequestedStandards...)}
	}

	if len(out) < maxQueries && (!literalMode || len(out) == 0) {
		out = append(out, agent.Subquery{
			ID:      "bridge_contexto",
			Query:   effectiveQuery + " impacto documental evidencia registros cumplimiento riesgos",
			Filters: sharedFilter,
		})
	}

	if len(out) < maxQueries && !literalMode {
		out = append(out, agent.Subquery{
			ID:      "step_back",
			Query:   "principios generales y requisitos clave relacionados: " + effectiveQuery,
			Filters: sharedFilter,
		})
	}

	if len(out) < maxQueries && pc.IncludeSemanticTail && !literalMode {
		out = append(out, agent.Subquery{
			ID:      "semantic_tail",
			Query:   effectiveQuery,
			Filters: sharedFilter,
		})
	}

	if len(out) > maxQueries {
		out = out[:maxQueries]
	}
	return out
}

// EnsureScopeCoverage synthesizes filler subqueries for every requested
// standard the planned set does not cover, then caps the list at MaxQueries
// keeping one representative per requested scope first.
func EnsureScopeCoverage(pc PlanningContext, subqueries []agent.Subquery) []agent.Subquery {
	maxQueries := pc.MaxQueries
	if maxQueries < 1 {
		maxQueries = 6
	}

	requested := make([]string, 0, len(pc.RequestedStandards))
	for _, raw := range pc.RequestedStandards {
		if scope := strings.ToUpper(strings.TrimSpace(raw)); scope != "" {
			requested = append(requested, scope)
		}
	}
	if len(requested) < 2 {
		if len(subqueries) > maxQueries {
			return subqueries[:maxQueries]
		}
		return subqueries
	}

	present := make(map[string]struct{})
	for _, sq := range subqueries {
		for _, scope := range sq.Filters.Scopes() {
			present[scope] = struct{}{}
		}
	}
	var missing []string
	for _, scope := range requested {
		if _, ok := present[scope]; !ok {
			missing = append(missing, scope)
		}
	}
	merged := subqueries
	if len(missing) > 0 {
		fillerCtx := pc
		fillerCtx.RequestedStandards = missing
		fillerCtx.MaxQueries = len(missing)
		fillers := BuildDeterministicSubqueries(fillerCtx)
		merged = dedupSubqueries(append(append([]agent.Subquery(nil), subqueries...), fillers...))
	}
	if len(merged) <= maxQueries {
		return merged
	}

	// One representative per requested scope first, then fill in order.
	var selected []agent.Subquery
	selectedKeys := make(map[string]struct{})
	for _, scope := range requested {
		for _, sq := range merged {
			if !router.Contains(sq.Filters.Scopes(), scope) {
				continue
			}
			key := subqueryKey(sq)
			if _, dup := selectedKeys[key]; dup {
				continue
			}
			selected = append(selected, sq)
			selectedKeys[key] = struct{}{}
			break
		}
	}
	for _, sq := range merged {
		if len(selected) >= maxQueries {
			break
		}
		key := subqueryKey(sq)
		if _, dup := selectedKeys[key]; dup {
			continue
		}
		selected = append(selected, sq)
		selectedKeys[key] = struct{}{}
	}
	if len(selected) > maxQueries {
		selected = selected[:maxQueries]
	}
	return selected
}

func subqueryKey(sq agent.Subquery) string {
	if id := strings.TrimSpace(sq.ID); id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(sq.Query))
}

func dedupSubqueries(subqueries []agent.Subquery) []agent.Subquery {
	seen := make(map[string]struct{}, len(subqueries))
	out := make([]agent.Subquery, 0, len(subqueries))
	for _, sq := range subqueries {
		key := subqueryKey(sq)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, sq)
	}
	return out
}

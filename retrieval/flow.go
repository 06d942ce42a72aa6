package retrieval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/core"
	"github.com/mcalza96/cire-orchestrator/profile"
	"github.com/mcalza96/cire-orchestrator/router"
	"github.com/mcalza96/cire-orchestrator/telemetry"
)

// Flow executes the multi-strategy retrieval pipeline for one query:
// multi-query primary (optional) -> hybrid baseline -> multihop fallback ->
// coverage repair, with min-score filtering and structural noise reduction
// applied at every exit. Recoverable trouble degrades to whatever evidence is
// in hand and surfaces as trace codes; only a total hybrid failure escapes as
// an error.
type Flow struct {
	cfg     *core.Config
	client  *ContractClient
	planner SubqueryPlanner
	logger  core.Logger

	profileCtx        *profile.AgentProfile
	profileResolution map[string]interface{}
}

// NewFlow builds a retrieval flow. A nil planner gets the hybrid default.
func NewFlow(cfg *core.Config, client *ContractClient, planner SubqueryPlanner) *Flow {
	if planner == nil {
		planner = NewHybridPlanner(cfg)
	}
	return &Flow{cfg: cfg, client: client, planner: planner, logger: &core.NoOpLogger{}}
}

// SetLogger sets the logger (kernel/retrieval component).
func (f *Flow) SetLogger(logger core.Logger) {
	if logger == nil {
		f.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		f.logger = cal.WithComponent("kernel/retrieval")
	} else {
		f.logger = logger
	}
}

// SetProfileContext injects the active profile and its resolution record so
// diagnostics can explain which policy applied.
func (f *Flow) SetProfileContext(p *profile.AgentProfile, resolution map[string]interface{}) {
	f.profileCtx = p
	f.profileResolution = resolution
}

// Input bundles one retrieval request.
type Input struct {
	Query            string
	Scope            RequestScope
	Plan             agent.RetrievalPlan
	ValidatedFilters map[string]interface{}
	ValidatedScope   map[string]interface{}
}

// Result carries the evidence plus diagnostics and the per-subquery item
// groups (when the strategy produced them) for map-reduce aggregation.
type Result struct {
	Evidence    []agent.EvidenceItem
	Diagnostics *agent.RetrievalDiagnostics
	Groups      []agent.SubqueryGroup
}

type flowRun struct {
	in            Input
	expandedQuery string
	hintTrace     *agent.SearchHintTrace
	clauseRefs    []string
	multihopHint  bool

	requireAllScopes bool
	minClauseRefs    int
	maxSubqueries    int
	literalMode      bool
	crossScopeMode   bool
	k                int
	fetchK           int

	timings map[string]float64
	groups  []agent.SubqueryGroup
}

// Execute runs the pipeline and never returns a nil Result alongside a nil
// error.
func (f *Flow) Execute(ctx context.Context, in Input) (*Result, error) {
	run := f.prepare(in)

	telemetry.AddSpanEvent(ctx, "retrieval.flow.start",
		attribute.String("mode", in.Plan.Mode),
		attribute.Int("requested_standards", len(in.Plan.RequestedStandards)),
		attribute.Bool("multihop_hint", run.multihopHint),
	)

	// A zero chunk budget means the mode does not retrieve (scope-ambiguous
	// modes); no contract call is made at all.
	if in.Plan.ChunkK <= 0 {
		trace := agent.NewRetrievalTrace()
		return &Result{
			Diagnostics: &agent.RetrievalDiagnostics{
				Contract:        string(f.cfg.RetrievalContract),
				Strategy:        "hybrid",
				Partial:         false,
				Trace:           trace,
				ScopeValidation: run.in.ValidatedScope,
			},
		}, nil
	}

	if f.cfg.RetrievalContract == core.ContractComprehensive {
		return f.executeComprehensive(ctx, run)
	}

	// 1. Multi-query primary (optional).
	if f.cfg.MultiQueryPrimary && run.multihopHint && in.Plan.ChunkK > 0 {
		if result := f.executeMultiQueryPrimary(ctx, run); result != nil {
			return result, nil
		}
	}

	// 2. Hybrid baseline.
	hybridItems, hybridTrace, hybridErr := f.executeHybrid(ctx, run)
	if hybridErr != nil {
		f.logger.WarnWithContext(ctx, "Hybrid retrieval failed", map[string]interface{}{
			"operation": "hybrid_retrieval",
			"error":     truncate(hybridErr.Error(), 120),
		})
	}

	trace := agent.NewRetrievalTrace()
	trace.HybridTrace = hybridTrace
	trace.SemanticTail = f.cfg.DeterministicSemanticTail
	hybridItems = FilterByMinScore(hybridItems, f.minScore(), f.cfg.MinScoreBackstopEnabled, f.cfg.MinScoreBackstopTopN, trace)
	if run.hintTrace != nil {
		trace.SearchHintExpansions = run.hintTrace
	}
	if f.profileResolution != nil {
		trace.ProfileResolution = f.profileResolution
	}

	// 3. Multihop fallback.
	if f.cfg.MultihopFallback && run.multihopHint && run.in.Plan.ChunkK > 0 {
		if result := f.executeMultihopFallback(ctx, run, hybridItems, hybridTrace, trace); result != nil {
			return result, nil
		}
	}

	// 4. Hybrid with coverage repair.
	trace.ModePolicy = &agent.ModePolicyTrace{
		RequireAllRequestedScopes: run.requireAllScopes,
		MinClauseRefs:             run.minClauseRefs,
		MaxSubqueries:             run.maxSubqueries,
	}
	items := f.coverageRepair(ctx, run, hybridItems, trace, "hybrid")
	items = FilterByMinScore(items, f.minScore(), f.cfg.MinScoreBackstopEnabled, f.cfg.MinScoreBackstopTopN, trace)
	items = ReduceStructuralNoise(items, run.in.Query)
	trace.LayerStats = LayerStats(items)
	trace.RAGFeatures = FeaturesFromHybridTrace(hybridTrace)
	f.recordTimings(run, trace)

	if hybridErr != nil && len(items) == 0 {
		trace.AddErrorCodes(agent.CodeUpstreamUnavailable)
		return &Result{
			Evidence: nil,
			Diagnostics: &agent.RetrievalDiagnostics{
				Contract:        string(f.cfg.RetrievalContract),
				Strategy:        "hybrid",
				Partial:         true,
				Trace:           trace,
				ScopeValidation: run.in.ValidatedScope,
			},
			Groups: run.groups,
		}, hybridErr
	}

	return &Result{
		Evidence: ToEvidence(items),
		Diagnostics: &agent.RetrievalDiagnostics{
			Contract:        string(f.cfg.RetrievalContract),
			Strategy:        "hybrid",
			Partial:         false,
			Trace:           trace,
			ScopeValidation: run.in.ValidatedScope,
		},
		Groups: run.groups,
	}, nil
}

func (f *Flow) prepare(in Input) *flowRun {
	expandedQuery, hintTrace := router.ApplySearchHints(in.Query, f.profileCtx)
	clauseRefs := router.ExtractClauseRefs(in.Query, f.profileCtx)
	multihopHint := len(in.Plan.RequestedStandards) >= 2 || len(clauseRefs) >= 2

	var modeCfg *profile.QueryModeConfig
	if f.profileCtx != nil {
		modeCfg = f.profileCtx.ModeConfig(in.Plan.Mode)
	}

	requireAllScopes := len(in.Plan.RequestedStandards) >= 2
	minClauseRefs := 0
	if in.Plan.RequireLiteralEvidence {
		minClauseRefs = 1
	}
	maxSubqueries := 6
	if modeCfg != nil {
		if modeCfg.CoverageRequirements.RequireAllRequestedScopes != nil {
			requireAllScopes = *modeCfg.CoverageRequirements.RequireAllRequestedScopes
		}
		if modeCfg.CoverageRequirements.MinClauseRefs != nil {
			minClauseRefs = *modeCfg.CoverageRequirements.MinClauseRefs
		}
		if modeCfg.DecompositionPolicy.MaxSubqueries > 0 {
			maxSubqueries = modeCfg.DecompositionPolicy.MaxSubqueries
		}
	}
	minClauseRefs = clampInt(minClauseRefs, 0, 6)
	maxSubqueries = clampInt(maxSubqueries, 2, 12)

	literalMode := in.Plan.RequireLiteralEvidence ||
		in.Plan.Mode == profile.ModeLiteralNormativa || in.Plan.Mode == profile.ModeLiteralLista
	crossScopeMode := len(in.Plan.RequestedStandards) >= 2 && !literalMode

	kCap := 18
	if crossScopeMode {
		kCap = 24
	}
	k := clampInt(in.Plan.ChunkK, 1, kCap)
	fetchK := in.Plan.ChunkFetchK
	if fetchK < 1 {
		fetchK = 1
	}

	return &flowRun{
		in:               in,
		expandedQuery:    expandedQuery,
		hintTrace:        hintTrace,
		clauseRefs:       clauseRefs,
		multihopHint:     multihopHint,
		requireAllScopes: requireAllScopes,
		minClauseRefs:    minClauseRefs,
		maxSubqueries:    maxSubqueries,
		literalMode:      literalMode,
		crossScopeMode:   crossScopeMode,
		k:                k,
		fetchK:           fetchK,
		timings:          make(map[string]float64),
	}
}

func (f *Flow) minScore() float64 {
	if f.profileCtx != nil {
		return f.profileCtx.Retrieval.MinScore
	}
	return 0
}

func (f *Flow) filters(run *flowRun) map[string]interface{} {
	if run.in.ValidatedFilters != nil {
		return run.in.ValidatedFilters
	}
	if len(run.in.Plan.RequestedStandards) > 0 {
		return map[string]interface{}{
			"source_standards": run.in.Plan.RequestedStandards,
		}
	}
	return nil
}

func (f *Flow) mergeSpec(run *flowRun, topCap int) MergeSpec {
	top := run.k
	if top < 12 {
		top = 12
	}
	if top > topCap {
		top = topCap
	}
	return MergeSpec{Strategy: "rrf", RRFK: DefaultRRFK, TopK: top}
}

func (f *Flow) buildSubqueries(ctx context.Context, run *flowRun, purpose string) []agent.Subquery {
	pc := PlanningContext{
		Query:                  run.in.Query,
		RequestedStandards:     run.in.Plan.RequestedStandards,
		MaxQueries:             run.maxSubqueries,
		Mode:                   run.in.Plan.Mode,
		RequireLiteralEvidence: run.in.Plan.RequireLiteralEvidence,
		IncludeSemanticTail:    f.cfg.DeterministicSemanticTail,
		Profile:                f.profileCtx,
	}
	if f.profileCtx != nil {
		if modeCfg := f.profileCtx.ModeConfig(run.in.Plan.Mode); modeCfg != nil {
			pc.Decomposition = modeCfg.DecompositionPolicy
		}
	}
	subqueries, err := f.planner.Plan(ctx, pc)
	if err != nil {
		subqueries = BuildDeterministicSubqueries(pc)
	}
	if purpose == "fallback" {
		fallbackMax := clampInt(f.cfg.MultiQueryFallbackMaxQueries, 2, run.maxSubqueries)
		if len(subqueries) > fallbackMax {
			subqueries = subqueries[:fallbackMax]
		}
	}
	return subqueries
}

// runMultiQuery dispatches a subquery batch. Advanced mode uses the contract
// multi-query endpoint; legacy mode fans the subqueries out as concurrent
// hybrid calls and merges locally with deterministic RRF.
func (f *Flow) runMultiQuery(ctx context.Context, run *flowRun, queries []agent.Subquery, merge MergeSpec, timeout time.Duration, stage string) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	defer func() {
		run.timings[stage] = roundMS(time.Since(started))
	}()

	if f.cfg.RetrievalContract != core.ContractLegacy {
		resp, err := f.client.MultiQuery(callCtx, run.in.Scope, queries, merge)
		if err != nil {
			return nil, err
		}
		if len(resp.Subqueries) > 0 {
			run.groups = resp.Subqueries
		}
		return resp, nil
	}

	// Legacy fan-out: one hybrid call per subquery, cancelled together when
	// the stage deadline expires. The merge reads a fixed-size result vector
	// so it stays deterministic regardless of completion order.
	results := make([][]Item, len(queries))
	var wg sync.WaitGroup
	for i, sq := range queries {
		wg.Add(1)
		go func(slot int, sq agent.Subquery) {
			defer wg.Done()
			req := HybridRequest{Query: sq.Query, K: run.k, FetchK: run.fetchK}
			if sq.Filters != nil {
				req.Filters = map[string]interface{}{}
				if sq.Filters.SourceStandard != "" {
					req.Filters["source_standard"] = sq.Filters.SourceStandard
				}
				if len(sq.Filters.SourceStandards) > 0 {
					req.Filters["source_standards"] = sq.Filters.SourceStandards
				}
				if len(sq.Filters.Metadata) > 0 {
					req.Filters["metadata"] = sq.Filters.Metadata
				}
			}
			resp, err := f.client.Hybrid(callCtx, run.in.Scope, req)
			if err != nil {
				return
			}
			results[slot] = resp.Items
		}(i, sq)
	}
	wg.Wait()

	groups := make([]agent.SubqueryGroup, 0, len(queries))
	for i, sq := range queries {
		group := agent.SubqueryGroup{ID: sq.ID, Query: sq.Query}
		for _, it := range results[i] {
			group.Items = append(group.Items, map[string]interface{}{
				"source":   it.Source,
				"content":  it.Content,
				"score":    derefScore(it.EffectiveScore()),
				"metadata": it.Metadata,
			})
		}
		groups = append(groups, group)
	}
	run.groups = groups

	merged := RRFMerge(results, merge.RRFK, merge.TopK)
	return &Response{Items: merged, Partial: false, Subqueries: groups}, nil
}

func (f *Flow) executeHybrid(ctx context.Context, run *flowRun) ([]Item, map[string]interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.cfg.HybridTimeout)
	defer cancel()

	started := time.Now()
	resp, err := f.client.Hybrid(callCtx, run.in.Scope, HybridRequest{
		Query:   run.expandedQuery,
		K:       run.k,
		FetchK:  run.fetchK,
		Filters: f.filters(run),
	})
	run.timings["hybrid"] = roundMS(time.Since(started))
	if err != nil {
		return nil, map[string]interface{}{}, err
	}
	hybridTrace := resp.Trace
	if hybridTrace == nil {
		hybridTrace = map[string]interface{}{}
	}
	return resp.Items, hybridTrace, nil
}

func (f *Flow) executeMultiQueryPrimary(ctx context.Context, run *flowRun) *Result {
	merge := f.mergeSpec(run, 16)
	subqueries := f.buildSubqueries(ctx, run, "primary")

	resp, err := f.runMultiQuery(ctx, run, subqueries, merge, f.cfg.MultiQueryTimeout, "multi_query_primary")
	if err != nil {
		f.logger.WarnWithContext(ctx, "Primary multi-query failed, hybrid continues", map[string]interface{}{
			"operation": "multi_query_primary",
			"error":     truncate(err.Error(), 120),
		})
		return nil
	}

	trace := agent.NewRetrievalTrace()
	trace.Promoted = true
	trace.Reason = "complex_intent"
	trace.SemanticTail = f.cfg.DeterministicSemanticTail
	trace.MultiQueryTrace = resp.Trace
	trace.Subqueries = subqueries
	if run.hintTrace != nil {
		trace.SearchHintExpansions = run.hintTrace
	}
	if f.profileResolution != nil {
		trace.ProfileResolution = f.profileResolution
	}

	minItems := f.cfg.MultiQueryMinItems
	if minItems < 1 {
		minItems = 6
	}

	accepted := len(resp.Items) >= minItems
	strategy := "multi_query_primary"
	if !accepted && f.cfg.MultiQueryEvaluator && len(resp.Items) > 0 {
		decision := NewSufficiencyEvaluator().Evaluate(run.in.Query, run.in.Plan.RequestedStandards, resp.Items, minItems)
		if decision.Sufficient {
			accepted = true
			strategy = "multi_query_primary_evaluator"
			trace.EvaluatorOverride = true
			trace.EvaluatorReason = decision.Reason
		}
	}

	if accepted {
		items := FilterByMinScore(resp.Items, f.minScore(), f.cfg.MinScoreBackstopEnabled, f.cfg.MinScoreBackstopTopN, trace)
		items = ReduceStructuralNoise(items, run.in.Query)
		trace.LayerStats = LayerStats(items)
		items = f.coverageRepair(ctx, run, items, trace, strategy)
		items = FilterByMinScore(items, f.minScore(), f.cfg.MinScoreBackstopEnabled, f.cfg.MinScoreBackstopTopN, trace)
		items = ReduceStructuralNoise(items, run.in.Query)
		f.recordTimings(run, trace)
		return &Result{
			Evidence: ToEvidence(items),
			Diagnostics: &agent.RetrievalDiagnostics{
				Contract:        string(f.cfg.RetrievalContract),
				Strategy:        strategy,
				Partial:         resp.Partial,
				Trace:           trace,
				ScopeValidation: run.in.ValidatedScope,
			},
			Groups: run.groups,
		}
	}

	// Optional refine pass: append a step-back query and retry once.
	if f.cfg.MultiQueryRefine {
		stepBack := agent.Subquery{
			ID:    "step_back",
			Query: "principios generales y requisitos clave relacionados: " + run.expandedQuery,
		}
		if len(run.in.Plan.RequestedStandards) > 0 {
			stepBack.Filters = &agent.SubqueryFilter{SourceStandards: run.in.Plan.RequestedStandards}
		}
		refined := append(append([]agent.Subquery(nil), subqueries...), stepBack)
		maxQueries := f.cfg.PlannerMaxQueries
		if maxQueries < 1 {
			maxQueries = 5
		}
		if len(refined) > maxQueries {
			refined = refined[:maxQueries]
		}

		resp2, err := f.runMultiQuery(ctx, run, refined, merge, f.cfg.MultiQueryTimeout, "multi_query_refine")
		if err == nil && len(resp2.Items) >= minItems {
			items := FilterByMinScore(resp2.Items, f.minScore(), f.cfg.MinScoreBackstopEnabled, f.cfg.MinScoreBackstopTopN, trace)
			items = ReduceStructuralNoise(items, run.in.Query)
			trace.Refined = true
			trace.Reason = "insufficient_primary_multi_query"
			trace.LayerStats = LayerStats(items)
			items = f.coverageRepair(ctx, run, items, trace, "multi_query_refined")
			items = FilterByMinScore(items, f.minScore(), f.cfg.MinScoreBackstopEnabled, f.cfg.MinScoreBackstopTopN, trace)
			items = ReduceStructuralNoise(items, run.in.Query)
			f.recordTimings(run, trace)
			return &Result{
				Evidence: ToEvidence(items),
				Diagnostics: &agent.RetrievalDiagnostics{
					Contract:        string(f.cfg.RetrievalContract),
					Strategy:        "multi_query_refined",
					Partial:         resp2.Partial,
					Trace:           trace,
					ScopeValidation: run.in.ValidatedScope,
				},
				Groups: run.groups,
			}
		}
	}

	return nil
}

func (f *Flow) executeMultihopFallback(ctx context.Context, run *flowRun, hybridItems []Item, hybridTrace map[string]interface{}, baseTrace *agent.RetrievalTrace) *Result {
	// Early exit: with full scope coverage already in hand, a rerun cannot
	// improve anything.
	if f.cfg.EarlyExitCoverage && len(run.in.Plan.RequestedStandards) >= 2 {
		missingBefore := FindMissingScopes(hybridItems, run.in.Plan.RequestedStandards, run.requireAllScopes)
		if len(missingBefore) == 0 {
			baseTrace.FallbackSkipped = "coverage_already_satisfied"
			items := f.coverageRepair(ctx, run, hybridItems, baseTrace, "hybrid")
			items = FilterByMinScore(items, f.minScore(), f.cfg.MinScoreBackstopEnabled, f.cfg.MinScoreBackstopTopN, baseTrace)
			items = ReduceStructuralNoise(items, run.in.Query)
			f.recordTimings(run, baseTrace)
			return &Result{
				Evidence: ToEvidence(items),
				Diagnostics: &agent.RetrievalDiagnostics{
					Contract:        string(f.cfg.RetrievalContract),
					Strategy:        "hybrid",
					Partial:         false,
					Trace:           baseTrace,
					ScopeValidation: run.in.ValidatedScope,
				},
				Groups: run.groups,
			}
		}
	}

	topK := len(hybridItems)
	if topK > 12 {
		topK = 12
	}
	decision := DecideMultihopFallback(run.in.Query, run.in.Plan.RequestedStandards, hybridItems, hybridTrace, topK, run.clauseRefs)
	if !decision.NeedsFallback {
		return nil
	}

	missingBefore := FindMissingScopes(hybridItems, run.in.Plan.RequestedStandards, run.requireAllScopes)
	subqueries := f.buildSubqueries(ctx, run, "fallback")
	merge := f.mergeSpec(run, 16)

	resp, err := f.runMultiQuery(ctx, run, subqueries, merge, f.cfg.MultiQueryTimeout, "multi_query_fallback")
	if err != nil {
		// Graceful degradation: return the hybrid items instead of nothing.
		f.logger.WarnWithContext(ctx, "Multi-query fallback failed, using hybrid items", map[string]interface{}{
			"operation":    "multi_query_fallback",
			"error":        truncate(err.Error(), 120),
			"hybrid_items": len(hybridItems),
		})
		items := FilterByMinScore(hybridItems, f.minScore(), f.cfg.MinScoreBackstopEnabled, f.cfg.MinScoreBackstopTopN, baseTrace)
		items = ReduceStructuralNoise(items, run.in.Query)
		baseTrace.MultiQueryFallbackError = truncate(err.Error(), 120)
		f.recordTimings(run, baseTrace)
		return &Result{
			Evidence: ToEvidence(items),
			Diagnostics: &agent.RetrievalDiagnostics{
				Contract:        string(f.cfg.RetrievalContract),
				Strategy:        "hybrid",
				Partial:         true,
				Trace:           baseTrace,
				ScopeValidation: run.in.ValidatedScope,
			},
			Groups: run.groups,
		}
	}

	trace := agent.NewRetrievalTrace()
	trace.FallbackReason = decision.Reason
	code := decision.Code
	if code == "" {
		code = agent.CodeGraphFallbackNoMultihop
	}
	trace.AddErrorCodes(code)
	trace.SemanticTail = f.cfg.DeterministicSemanticTail
	trace.ModePolicy = &agent.ModePolicyTrace{
		RequireAllRequestedScopes: run.requireAllScopes,
		MinClauseRefs:             run.minClauseRefs,
		MaxSubqueries:             run.maxSubqueries,
	}
	trace.HybridTrace = hybridTrace
	trace.MultiQueryTrace = resp.Trace
	trace.Subqueries = subqueries

	items := FilterByMinScore(resp.Items, f.minScore(), f.cfg.MinScoreBackstopEnabled, f.cfg.MinScoreBackstopTopN, trace)
	items = ReduceStructuralNoise(items, run.in.Query)

	missingAfter := FindMissingScopes(items, run.in.Plan.RequestedStandards, run.requireAllScopes)
	if f.cfg.EarlyExitCoverage && len(run.in.Plan.RequestedStandards) >= 2 && len(missingAfter) >= len(missingBefore) {
		trace.EarlyExit = "no_coverage_improvement"
		trace.MissingScopesBefore = missingBefore
		trace.MissingScopesAfter = missingAfter
		if len(missingAfter) > 0 {
			trace.AddErrorCodes(agent.CodeScopeMismatch)
		}
		trace.MissingScopes = missingAfter
		f.recordTimings(run, trace)
		return &Result{
			Evidence: ToEvidence(items),
			Diagnostics: &agent.RetrievalDiagnostics{
				Contract:        string(f.cfg.RetrievalContract),
				Strategy:        "multi_query",
				Partial:         resp.Partial,
				Trace:           trace,
				ScopeValidation: run.in.ValidatedScope,
			},
			Groups: run.groups,
		}
	}

	trace.RAGFeatures = FeaturesFromHybridTrace(hybridTrace)
	if run.hintTrace != nil {
		trace.SearchHintExpansions = run.hintTrace
	}
	if f.profileResolution != nil {
		trace.ProfileResolution = f.profileResolution
	}
	trace.LayerStats = LayerStats(items)

	items = f.coverageRepair(ctx, run, items, trace, "multi_query_fallback")
	items = FilterByMinScore(items, f.minScore(), f.cfg.MinScoreBackstopEnabled, f.cfg.MinScoreBackstopTopN, trace)
	items = ReduceStructuralNoise(items, run.in.Query)
	f.recordTimings(run, trace)

	return &Result{
		Evidence: ToEvidence(items),
		Diagnostics: &agent.RetrievalDiagnostics{
			Contract:        string(f.cfg.RetrievalContract),
			Strategy:        "multi_query_fallback",
			Partial:         resp.Partial,
			Trace:           trace,
			ScopeValidation: run.in.ValidatedScope,
		},
		Groups: run.groups,
	}
}

func (f *Flow) executeComprehensive(ctx context.Context, run *flowRun) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.cfg.HybridTimeout)
	defer cancel()

	policy := map[string]interface{}{
		"require_all_requested_scopes": run.requireAllScopes,
		"min_clause_refs":              run.minClauseRefs,
		"max_subqueries":               run.maxSubqueries,
	}
	started := time.Now()
	resp, err := f.client.Comprehensive(callCtx, run.in.Scope, HybridRequest{
		Query:   run.expandedQuery,
		K:       run.k,
		FetchK:  run.fetchK,
		Filters: f.filters(run),
	}, policy)
	run.timings["comprehensive"] = roundMS(time.Since(started))

	trace := agent.NewRetrievalTrace()
	if run.hintTrace != nil {
		trace.SearchHintExpansions = run.hintTrace
	}
	if f.profileResolution != nil {
		trace.ProfileResolution = f.profileResolution
	}
	if err != nil {
		trace.AddErrorCodes(agent.CodeUpstreamUnavailable)
		f.recordTimings(run, trace)
		return &Result{
			Diagnostics: &agent.RetrievalDiagnostics{
				Contract:        string(core.ContractComprehensive),
				Strategy:        "comprehensive",
				Partial:         true,
				Trace:           trace,
				ScopeValidation: run.in.ValidatedScope,
			},
		}, err
	}

	trace.MultiQueryTrace = resp.Trace
	items := FilterByMinScore(resp.Items, f.minScore(), f.cfg.MinScoreBackstopEnabled, f.cfg.MinScoreBackstopTopN, trace)
	items = ReduceStructuralNoise(items, run.in.Query)
	trace.LayerStats = LayerStats(items)
	f.recordTimings(run, trace)
	if len(resp.Subqueries) > 0 {
		run.groups = resp.Subqueries
	}
	return &Result{
		Evidence: ToEvidence(items),
		Diagnostics: &agent.RetrievalDiagnostics{
			Contract:        string(core.ContractComprehensive),
			Strategy:        "comprehensive",
			Partial:         resp.Partial,
			Trace:           trace,
			ScopeValidation: run.in.ValidatedScope,
		},
		Groups: run.groups,
	}, nil
}

// coverageRepair synthesizes focused subqueries for missing scopes and clause
// references, merges the extra items in, and optionally issues a step-back
// pass for gaps that remain. Best-effort: a failed repair returns the
// original items with the gap recorded.
func (f *Flow) coverageRepair(ctx context.Context, run *flowRun, items []Item, trace *agent.RetrievalTrace, reason string) []Item {
	if !f.cfg.CoverageGateEnabled {
		return items
	}

	missingScopes := FindMissingScopes(items, run.in.Plan.RequestedStandards, run.requireAllScopes)
	missingClauses := FindMissingClauseRefs(items, run.clauseRefs, run.minClauseRefs)
	if len(missingScopes) == 0 && len(missingClauses) == 0 {
		trace.MissingScopes = []string{}
		trace.MissingClauseRefs = []string{}
		return items
	}

	missCap := f.cfg.CoverageGateMaxMissing
	if missCap < 1 {
		missCap = 2
	}
	if len(missingScopes) > missCap {
		missingScopes = missingScopes[:missCap]
	}
	if len(missingClauses) > missCap {
		missingClauses = missingClauses[:missCap]
	}

	var focused []agent.Subquery
	clauseLimit := len(run.clauseRefs)
	if clauseLimit > 3 {
		clauseLimit = 3
	}
	for idx, scope := range missingScopes {
		parts := append([]string{scope}, run.clauseRefs[:clauseLimit]...)
		parts = append(parts, run.expandedQuery)
		focused = append(focused, agent.Subquery{
			ID:      fmt.Sprintf("scope_repair_%d", idx+1),
			Query:   truncate(strings.Join(parts, " "), 900),
			Filters: &agent.SubqueryFilter{SourceStandard: scope},
		})
	}
	for idx, clause := range missingClauses {
		filter := &agent.SubqueryFilter{Metadata: map[string]interface{}{"clause_id": clause}}
		if len(run.in.Plan.RequestedStandards) > 0 {
			filter.SourceStandards = run.in.Plan.RequestedStandards
		}
		focused = append(focused, agent.Subquery{
			ID:      fmt.Sprintf("clause_repair_%d", idx+1),
			Query:   truncate(run.expandedQuery+" clausula "+clause, 900),
			Filters: filter,
		})
	}

	merge := f.mergeSpec(run, 18)
	resp, err := f.runMultiQuery(ctx, run, focused, merge, f.cfg.CoverageRepairTimeout, "coverage_gate")
	if err != nil {
		trace.CoverageGate = &agent.CoverageGateTrace{
			TriggerReason:     reason,
			MissingScopes:     missingScopes,
			MissingClauseRefs: missingClauses,
			Error:             "coverage_gate_timeout",
		}
		return items
	}
	if len(resp.Items) == 0 {
		trace.CoverageGate = &agent.CoverageGateTrace{
			TriggerReason:          reason,
			MissingScopes:          missingScopes,
			MissingClauseRefs:      missingClauses,
			AddedQueries:           subqueryIDs(focused),
			FinalMissingScopes:     missingScopes,
			FinalMissingClauseRefs: missingClauses,
		}
		trace.MissingScopes = missingScopes
		trace.MissingClauseRefs = missingClauses
		var codes []string
		if len(missingScopes) > 0 {
			codes = append(codes, agent.CodeScopeMismatch)
		}
		if len(missingClauses) > 0 {
			codes = append(codes, agent.CodeClauseMissing)
		}
		trace.AddErrorCodes(codes...)
		return items
	}

	merged := DedupItems(append(append([]Item(nil), items...), resp.Items...))
	gate := &agent.CoverageGateTrace{
		TriggerReason:     reason,
		MissingScopes:     missingScopes,
		MissingClauseRefs: missingClauses,
		AddedQueries:      subqueryIDs(focused),
	}
	trace.CoverageGate = gate

	// Step-back pass for remaining gaps.
	remaining := FindMissingScopes(merged, run.in.Plan.RequestedStandards, run.requireAllScopes)
	remainingClauses := FindMissingClauseRefs(merged, run.clauseRefs, run.minClauseRefs)
	if (len(remaining) > 0 || len(remainingClauses) > 0) && f.cfg.CoverageGateStepBack {
		if len(remaining) > missCap {
			remaining = remaining[:missCap]
		}
		if len(remainingClauses) > missCap {
			remainingClauses = remainingClauses[:missCap]
		}
		var stepBack []agent.Subquery
		for idx, scope := range remaining {
			stepBack = append(stepBack, agent.Subquery{
				ID:      fmt.Sprintf("scope_step_back_%d", idx+1),
				Query:   "principios generales y requisitos clave relacionados con: " + run.expandedQuery,
				Filters: &agent.SubqueryFilter{SourceStandard: scope},
			})
		}
		for idx, clause := range remainingClauses {
			filter := &agent.SubqueryFilter{Metadata: map[string]interface{}{"clause_id": clause}}
			if len(run.in.Plan.RequestedStandards) > 0 {
				filter.SourceStandards = run.in.Plan.RequestedStandards
			}
			stepBack = append(stepBack, agent.Subquery{
				ID:      fmt.Sprintf("clause_step_back_%d", idx+1),
				Query:   truncate("principios generales y requisitos clave relacionados con: "+run.expandedQuery+" clausula "+clause, 900),
				Filters: filter,
			})
		}

		sbResp, sbErr := f.runMultiQuery(ctx, run, stepBack, merge, f.cfg.CoverageRepairTimeout, "coverage_gate_step_back")
		if sbErr == nil && len(sbResp.Items) > 0 {
			merged = DedupItems(append(merged, sbResp.Items...))
			gate.StepBackMissingScopes = remaining
			gate.StepBackMissingClauses = remainingClauses
			gate.StepBackQueries = subqueryIDs(stepBack)
		}
	}

	finalMissing := FindMissingScopes(merged, run.in.Plan.RequestedStandards, run.requireAllScopes)
	finalMissingClauses := FindMissingClauseRefs(merged, run.clauseRefs, run.minClauseRefs)
	gate.FinalMissingScopes = finalMissing
	gate.FinalMissingClauseRefs = finalMissingClauses
	trace.MissingScopes = emptyIfNil(finalMissing)
	trace.MissingClauseRefs = emptyIfNil(finalMissingClauses)
	var codes []string
	if len(finalMissing) > 0 {
		codes = append(codes, agent.CodeScopeMismatch)
	}
	if len(finalMissingClauses) > 0 {
		codes = append(codes, agent.CodeClauseMissing)
	}
	trace.AddErrorCodes(codes...)
	return merged
}

func (f *Flow) recordTimings(run *flowRun, trace *agent.RetrievalTrace) {
	for stage, ms := range run.timings {
		trace.RecordTiming(stage, ms)
	}
}

func subqueryIDs(subqueries []agent.Subquery) []string {
	out := make([]string, 0, len(subqueries))
	for _, sq := range subqueries {
		out = append(out, sq.ID)
	}
	return out
}

func emptyIfNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func derefScore(s *float64) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func roundMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

package retrieval

import (
	"context"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/core"
	"github.com/mcalza96/cire-orchestrator/profile"
)

// EngineRetriever is the retriever port implementation backed by the RAG
// contract. The semantic_retrieval tool and the graph runtime consume it
// through the tools.Retriever interface.
type EngineRetriever struct {
	cfg     *core.Config
	client  *ContractClient
	planner SubqueryPlanner
	logger  core.Logger

	profileCtx        *profile.AgentProfile
	profileResolution map[string]interface{}
	validatedFilters  map[string]interface{}
	validatedScope    map[string]interface{}
}

// NewEngineRetriever builds the adapter. The contract client is mandatory.
func NewEngineRetriever(cfg *core.Config, client *ContractClient, planner SubqueryPlanner) *EngineRetriever {
	return &EngineRetriever{
		cfg:     cfg,
		client:  client,
		planner: planner,
		logger:  &core.NoOpLogger{},
	}
}

// SetLogger sets the logger (kernel/retrieval component).
func (r *EngineRetriever) SetLogger(logger core.Logger) {
	if logger == nil {
		r.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		r.logger = cal.WithComponent("kernel/retrieval")
	} else {
		r.logger = logger
	}
}

// SetProfileContext injects the active profile for score thresholds, hints,
// and mode policy.
func (r *EngineRetriever) SetProfileContext(p *profile.AgentProfile, resolution map[string]interface{}) {
	r.profileCtx = p
	r.profileResolution = resolution
}

// ValidateScope calls the contract's scope validation and remembers the
// payload for diagnostics.
func (r *EngineRetriever) ValidateScope(ctx context.Context, query string, scope agent.RequestScope, filters map[string]interface{}) (map[string]interface{}, error) {
	payload, err := r.client.ValidateScope(ctx, scope, query, filters)
	if err != nil {
		return nil, err
	}
	r.validatedScope = payload.Map()
	return r.validatedScope, nil
}

// ApplyValidatedScope adopts the engine-normalized filters for subsequent
// retrieval calls.
func (r *EngineRetriever) ApplyValidatedScope(validated map[string]interface{}) {
	r.validatedScope = validated
	normalized, _ := validated["normalized_scope"].(map[string]interface{})
	filters, _ := normalized["filters"].(map[string]interface{})
	r.validatedFilters = filters
}

// RetrieveChunks runs the full retrieval flow and returns evidence plus
// diagnostics and subquery groups.
func (r *EngineRetriever) RetrieveChunks(ctx context.Context, query string, scope agent.RequestScope, plan agent.RetrievalPlan) ([]agent.EvidenceItem, *agent.RetrievalDiagnostics, []agent.SubqueryGroup, error) {
	flow := NewFlow(r.cfg, r.client, r.planner)
	flow.SetLogger(r.logger)
	flow.SetProfileContext(r.profileCtx, r.profileResolution)
	result, err := flow.Execute(ctx, Input{
		Query:            query,
		Scope:            scope,
		Plan:             plan,
		ValidatedFilters: r.validatedFilters,
		ValidatedScope:   r.validatedScope,
	})
	if result == nil {
		return nil, nil, nil, err
	}
	return result.Evidence, result.Diagnostics, result.Groups, err
}

// RetrieveSummaries is covered by the advanced contract: hybrid fusion
// already interleaves summary layers, so a separate summary pass returns
// nothing here.
func (r *EngineRetriever) RetrieveSummaries(ctx context.Context, query string, scope agent.RequestScope, plan agent.RetrievalPlan) ([]agent.EvidenceItem, error) {
	return nil, nil
}

package graph

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/core"
	"github.com/mcalza96/cire-orchestrator/profile"
	"github.com/mcalza96/cire-orchestrator/synthesis"
)

func agentIntent(mode string) agent.QueryIntent {
	return agent.QueryIntent{Mode: mode, Rationale: "test"}
}

func testKernelConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.RAGServiceSecret = "secret"
	cfg.TotalTimeout = 10 * time.Second
	return cfg
}

// memoryRetriever is the in-memory retriever double. It can return fixed
// evidence, fail with a scope rejection, or sleep to exercise deadlines.
type memoryRetriever struct {
	evidence    []agent.EvidenceItem
	diagnostics *agent.RetrievalDiagnostics
	groups      []agent.SubqueryGroup

	scopeValid      bool
	scopePayload    map[string]interface{}
	sleep           time.Duration
	retrievalCalls  atomic.Int64
	validateCalls   atomic.Int64
	appliedScope    map[string]interface{}
	profileInjected atomic.Bool
}

func newMemoryRetriever(evidence ...agent.EvidenceItem) *memoryRetriever {
	return &memoryRetriever{
		evidence:   evidence,
		scopeValid: true,
		diagnostics: &agent.RetrievalDiagnostics{
			Contract: "advanced",
			Strategy: "hybrid",
			Trace:    agent.NewRetrievalTrace(),
		},
	}
}

func (m *memoryRetriever) RetrieveChunks(ctx context.Context, query string, scope agent.RequestScope, plan agent.RetrievalPlan) ([]agent.EvidenceItem, *agent.RetrievalDiagnostics, []agent.SubqueryGroup, error) {
	m.retrievalCalls.Add(1)
	if m.sleep > 0 {
		select {
		case <-time.After(m.sleep):
		case <-ctx.Done():
			return nil, m.diagnostics, nil, ctx.Err()
		}
	}
	return m.evidence, m.diagnostics, m.groups, nil
}

func (m *memoryRetriever) RetrieveSummaries(ctx context.Context, query string, scope agent.RequestScope, plan agent.RetrievalPlan) ([]agent.EvidenceItem, error) {
	return nil, nil
}

func (m *memoryRetriever) ValidateScope(ctx context.Context, query string, scope agent.RequestScope, filters map[string]interface{}) (map[string]interface{}, error) {
	m.validateCalls.Add(1)
	if m.scopePayload != nil {
		return m.scopePayload, nil
	}
	return map[string]interface{}{"valid": m.scopeValid}, nil
}

func (m *memoryRetriever) ApplyValidatedScope(validated map[string]interface{}) {
	m.appliedScope = validated
}

func (m *memoryRetriever) SetProfileContext(p *profile.AgentProfile, resolution map[string]interface{}) {
	m.profileInjected.Store(true)
}

func literalChunk(source, standard, content string) agent.EvidenceItem {
	return agent.EvidenceItem{
		Source:  source,
		Content: content,
		Score:   0.92,
		Metadata: map[string]interface{}{
			"row": map[string]interface{}{
				"content":  content,
				"metadata": map[string]interface{}{"source_standard": standard},
			},
		},
	}
}

// slowGenerator wraps the template generator with an artificial delay.
type slowGenerator struct {
	delay time.Duration
	inner synthesis.TemplateGenerator
}

func (g slowGenerator) Generate(ctx context.Context, in synthesis.Input) (agent.AnswerDraft, error) {
	select {
	case <-time.After(g.delay):
	case <-ctx.Done():
		return agent.AnswerDraft{}, ctx.Err()
	}
	return g.inner.Generate(ctx, in)
}

func answerMentions(text string, needles ...string) bool {
	for _, needle := range needles {
		if !strings.Contains(text, needle) {
			return false
		}
	}
	return true
}

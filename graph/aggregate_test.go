package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/profile"
	"github.com/mcalza96/cire-orchestrator/synthesis"
)

func aggregateState(groups []agent.SubqueryGroup) *State {
	plan := agent.RetrievalPlan{Mode: profile.ModeCrossScopeAnalysis}
	return &State{
		UserQuery:      "compara las normas",
		Profile:        profile.Default(),
		RetrievalPlan:  &plan,
		SubqueryGroups: groups,
		WorkingMemory:  map[string]interface{}{},
		FlowStart:      time.Now(),
	}
}

func TestAggregateDisabledForPlainModes(t *testing.T) {
	o := NewOrchestrator(testKernelConfig(), newMemoryRetriever(), synthesis.TemplateGenerator{}, nil)
	state := aggregateState([]agent.SubqueryGroup{{ID: "q1", Query: "x"}})
	plan := agent.RetrievalPlan{Mode: profile.ModeExplicativa}
	state.RetrievalPlan = &plan
	delta := o.aggregateSubqueriesNode(context.Background(), state)
	assert.Nil(t, delta.PartialAnswers)
}

func TestAggregateGroupedMapReduce(t *testing.T) {
	o := NewOrchestrator(testKernelConfig(), newMemoryRetriever(), synthesis.TemplateGenerator{}, nil)
	groups := []agent.SubqueryGroup{
		{
			ID:    "scope_9001",
			Query: "ISO 9001 9.1.2",
			Items: []map[string]interface{}{
				{"source": "C1", "content": "9.1.2 satisfaccion del cliente", "score": 0.9},
			},
		},
		{ID: "scope_14001", Query: "ISO 14001 9.1.1"},
	}
	state := aggregateState(groups)

	delta := o.aggregateSubqueriesNode(context.Background(), state)
	require.Len(t, delta.PartialAnswers, 2)

	first := delta.PartialAnswers[0]
	assert.Equal(t, "scope_9001", first.ID)
	assert.Equal(t, "ok", first.Status)
	assert.Equal(t, []string{"C1"}, first.EvidenceSources)
	assert.NotEmpty(t, first.Summary)

	second := delta.PartialAnswers[1]
	assert.Equal(t, "no_evidence", second.Status)
}

func TestAggregateFallsBackToChunksByOverlap(t *testing.T) {
	o := NewOrchestrator(testKernelConfig(), newMemoryRetriever(), synthesis.TemplateGenerator{}, nil)
	state := aggregateState([]agent.SubqueryGroup{{ID: "q1", Query: "satisfaccion del cliente"}})
	state.Chunks = []agent.EvidenceItem{
		{Source: "C1", Content: "requisitos de satisfaccion del cliente", Score: 0.8},
		{Source: "C2", Content: "gestion ambiental de residuos", Score: 0.9},
	}

	delta := o.aggregateSubqueriesNode(context.Background(), state)
	require.Len(t, delta.PartialAnswers, 1)
	assert.Equal(t, "ok", delta.PartialAnswers[0].Status)
	assert.Contains(t, delta.PartialAnswers[0].EvidenceSources, "C1")
}

func TestAggregateGlobalFlag(t *testing.T) {
	cfg := testKernelConfig()
	cfg.SubqueryGroupedMapReduce = true
	o := NewOrchestrator(cfg, newMemoryRetriever(), synthesis.TemplateGenerator{}, nil)
	state := aggregateState([]agent.SubqueryGroup{{ID: "q1", Query: "x"}})
	plan := agent.RetrievalPlan{Mode: profile.ModeExplicativa}
	state.RetrievalPlan = &plan

	delta := o.aggregateSubqueriesNode(context.Background(), state)
	require.Len(t, delta.PartialAnswers, 1)
}

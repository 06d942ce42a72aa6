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
	"github.com/mcalza96/cire-orchestrator/tools"
)

func plannerState(query string) *State {
	return &State{
		UserQuery:      query,
		WorkingQuery:   query,
		Profile:        profile.Default(),
		PlanAttempts:   1,
		WorkingMemory:  map[string]interface{}{},
		StageTimingsMS: map[string]float64{},
		FlowStart:      time.Now(),
	}
}

func plannerOrchestrator() *Orchestrator {
	return NewOrchestrator(testKernelConfig(), newMemoryRetriever(), synthesis.TemplateGenerator{}, nil)
}

func TestPlannerBuildsLiteralPlan(t *testing.T) {
	o := plannerOrchestrator()
	state := plannerState("Que exige la clausula 9.1 de ISO 9001?")
	delta := o.plannerNode(context.Background(), state, nil)
	state.merge(delta)

	require.NotNil(t, state.Intent)
	assert.Equal(t, profile.ModeLiteralNormativa, state.Intent.Mode)
	require.NotNil(t, state.Plan)
	require.NotEmpty(t, state.Plan.Steps)
	assert.Equal(t, tools.NameSemanticRetrieval, state.Plan.Steps[0].Tool)
	assert.Equal(t, actionExecuteTool, state.NextAction)
	assert.LessOrEqual(t, state.MaxSteps, HardMaxSteps)
	assert.LessOrEqual(t, state.MaxReflections, HardMaxReflections)
}

func TestPlannerFiltersDisallowedTools(t *testing.T) {
	o := plannerOrchestrator()
	state := plannerState("Compara ISO 9001 con ISO 14001 respecto al seguimiento")
	state.Profile = profile.Default()
	state.Profile.Capabilities.AllowedTools = []string{tools.NameSemanticRetrieval}

	delta := o.plannerNode(context.Background(), state, nil)
	state.merge(delta)

	for _, step := range state.Plan.Steps {
		assert.Equal(t, tools.NameSemanticRetrieval, step.Tool)
	}
}

func TestPlannerAmbiguousScopeInterrupts(t *testing.T) {
	o := plannerOrchestrator()
	state := plannerState("Que exige la clausula 9.1.2?")
	delta := o.plannerNode(context.Background(), state, nil)
	state.merge(delta)

	require.NotNil(t, state.Clarification)
	assert.Equal(t, "clarification", state.Clarification.Kind)
	assert.Equal(t, "L2", state.Clarification.Level)
	assert.Equal(t, agent.StopAwaitingClarification, state.StopReason)
	assert.Equal(t, 1, state.InteractionInterruptions)
}

func TestPlannerMergesClarificationScopes(t *testing.T) {
	o := plannerOrchestrator()
	state := plannerState("Que exige la clausula 9.1.2?")
	clarCtx := &ClarificationContext{RequestedScopes: []string{"ISO 9001"}}
	delta := o.plannerNode(context.Background(), state, clarCtx)
	state.merge(delta)

	assert.Nil(t, state.Clarification)
	require.NotNil(t, state.RetrievalPlan)
	assert.Equal(t, []string{"ISO 9001"}, state.RetrievalPlan.RequestedStandards)
}

func TestPlannerAppendsCalculatorWhenNeeded(t *testing.T) {
	o := plannerOrchestrator()
	state := plannerState("Calcula 5*(20+2) con los limites del 9.1 de ISO 9001")
	delta := o.plannerNode(context.Background(), state, nil)
	state.merge(delta)

	sequence := toolSequence(*state.Plan)
	assert.Contains(t, sequence, tools.NameSemanticRetrieval)
	assert.Contains(t, sequence, tools.NameCalculator)
}

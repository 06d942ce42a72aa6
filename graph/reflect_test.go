package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/profile"
	"github.com/mcalza96/cire-orchestrator/synthesis"
	"github.com/mcalza96/cire-orchestrator/tools"
)

func reflectState(planSteps int, cursor int, results ...agent.ToolResult) *State {
	plan := agent.ReasoningPlan{Goal: "q"}
	for i := 0; i < planSteps; i++ {
		plan.Steps = append(plan.Steps, agent.ToolCall{Tool: tools.NameSemanticRetrieval})
	}
	return &State{
		UserQuery:      "consulta original",
		WorkingQuery:   "consulta original",
		Profile:        profile.Default(),
		Plan:           &plan,
		ToolCursor:     cursor,
		PlanAttempts:   1,
		MaxSteps:       DefaultMaxSteps,
		MaxReflections: DefaultMaxReflections,
		ToolResults:    results,
		WorkingMemory:  map[string]interface{}{},
		FlowStart:      time.Now(),
	}
}

func reflectOrchestrator() *Orchestrator {
	return NewOrchestrator(testKernelConfig(), newMemoryRetriever(), synthesis.TemplateGenerator{}, nil)
}

func TestReflectContinuesPlan(t *testing.T) {
	o := reflectOrchestrator()
	state := reflectState(2, 1, agent.ToolResult{Tool: tools.NameSemanticRetrieval, OK: true,
		Output: map[string]interface{}{"chunk_count": 2, "summary_count": 0}})
	delta := o.reflectNode(state)
	assert.Equal(t, actionExecuteTool, *delta.NextAction)
}

func TestReflectReplansOnEmptyRetrieval(t *testing.T) {
	o := reflectOrchestrator()
	state := reflectState(1, 1, agent.ToolResult{Tool: tools.NameSemanticRetrieval, OK: true,
		Output: map[string]interface{}{"chunk_count": 0, "summary_count": 0}})
	delta := o.reflectNode(state)

	require.Equal(t, actionReplan, *delta.NextAction)
	assert.Equal(t, 2, *delta.PlanAttempts)
	assert.Equal(t, 1, *delta.Reflections)
	// Clean-query rule: the replan reason travels in working memory, never
	// in the embedding text.
	require.NotNil(t, delta.WorkingQuery)
	assert.Equal(t, "consulta original", *delta.WorkingQuery)
	assert.Equal(t, agent.CodeEmptyRetrieval, delta.WorkingMemory[MemoryLastReplanReason])
}

func TestReflectStopsAtMaxPlanAttempts(t *testing.T) {
	o := reflectOrchestrator()
	state := reflectState(1, 1, agent.ToolResult{Tool: tools.NameSemanticRetrieval, OK: true,
		Output: map[string]interface{}{"chunk_count": 0, "summary_count": 0}})
	state.PlanAttempts = MaxPlanAttempts
	state.MaxReflections = HardMaxReflections
	delta := o.reflectNode(state)
	assert.Equal(t, actionGenerate, *delta.NextAction)
}

func TestReflectNonRetryableToolError(t *testing.T) {
	o := reflectOrchestrator()
	state := reflectState(1, 1, agent.ToolResult{Tool: tools.NameCalculator, OK: false,
		Error: agent.CodeMissingExpression})
	delta := o.reflectNode(state)
	assert.Equal(t, actionGenerate, *delta.NextAction)
	require.NotNil(t, delta.StopReason)
	assert.Equal(t, agent.StopToolErrorNonRetryable, *delta.StopReason)
}

func TestReflectRetryableToolTimeoutOnlyForRetrieval(t *testing.T) {
	assert.True(t, isRetryableToolError(agent.ToolResult{
		Tool: tools.NameSemanticRetrieval, Error: agent.CodeToolTimeout}))
	assert.False(t, isRetryableToolError(agent.ToolResult{
		Tool: tools.NameCalculator, Error: agent.CodeToolTimeout}))
}

func TestExtractRetrySignalCrossScopeInformational(t *testing.T) {
	trace := agent.NewRetrievalTrace()
	trace.MissingScopes = []string{"ISO 14001"}
	trace.AddErrorCodes(agent.CodeScopeMismatch)

	state := reflectState(1, 1)
	state.Intent = &agent.QueryIntent{Mode: profile.ModeCrossScopeAnalysis}
	state.Retrieval = &agent.RetrievalDiagnostics{Trace: trace}

	last := &agent.ToolResult{Tool: tools.NameSemanticRetrieval, OK: true,
		Output: map[string]interface{}{"chunk_count": 3, "summary_count": 0}}
	// Cross-scope mode ignores scope/clause signals.
	assert.Equal(t, "", extractRetrySignal(state, last))

	state.Intent = &agent.QueryIntent{Mode: profile.ModeComparativa}
	assert.Equal(t, agent.CodeScopeMismatch, extractRetrySignal(state, last))
}

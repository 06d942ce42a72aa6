package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcalza96/cire-orchestrator/agent"
)

func TestMergeAppendsAndReindexesSteps(t *testing.T) {
	state := &State{}
	state.merge(&Delta{AppendSteps: []agent.ReasoningStep{
		{Type: agent.StepPlan, Description: "plan"},
	}})
	state.merge(&Delta{AppendSteps: []agent.ReasoningStep{
		{Type: agent.StepTool, Description: "tool", Index: 99}, // index is reassigned
		{Type: agent.StepReflection, Description: "reflect"},
	}})

	require.Len(t, state.ReasoningSteps, 3)
	for i, step := range state.ReasoningSteps {
		assert.Equal(t, i+1, step.Index)
	}
}

func TestMergeStopReasonFirstWriterWins(t *testing.T) {
	state := &State{}
	state.merge(&Delta{StopReason: strPtr(agent.StopPlannerTimeout)})
	state.merge(&Delta{StopReason: strPtr(agent.StopDone)})
	assert.Equal(t, agent.StopPlannerTimeout, state.StopReason)
}

func TestMergeAccumulatesTimings(t *testing.T) {
	state := &State{}
	state.merge(&Delta{StageTimings: map[string]float64{"planner": 10}})
	state.merge(&Delta{StageTimings: map[string]float64{"planner": 5, "generator": 7}})
	assert.Equal(t, float64(15), state.StageTimingsMS["planner"])
	assert.Equal(t, float64(7), state.StageTimingsMS["generator"])
}

func TestMergeEvidenceAppendsNotReplaces(t *testing.T) {
	state := &State{}
	state.merge(&Delta{AppendChunks: []agent.EvidenceItem{{Source: "C1"}}})
	state.merge(&Delta{AppendChunks: []agent.EvidenceItem{{Source: "C2"}}})
	require.Len(t, state.Chunks, 2)
}

func TestMergeWorkingMemoryUnion(t *testing.T) {
	state := &State{}
	state.merge(&Delta{WorkingMemory: map[string]interface{}{"a": 1}})
	state.merge(&Delta{WorkingMemory: map[string]interface{}{"b": 2, "a": 3}})
	assert.Equal(t, 3, state.WorkingMemory["a"])
	assert.Equal(t, 2, state.WorkingMemory["b"])
}

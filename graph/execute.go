package graph

import (
	"context"
	"time"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/tools"
)

// executeToolNode runs the next planned tool under its per-tool deadline and
// merges the result: semantic_retrieval metadata accumulates into evidence
// and diagnostics, every other successful tool lands in working memory.
func (o *Orchestrator) executeToolNode(ctx context.Context, state *State, validator tools.AnswerValidator) *Delta {
	started := time.Now()

	if state.Plan == nil {
		return &Delta{
			NextAction:   strPtr(actionGenerate),
			StopReason:   strPtr(agent.StopMissingPlan),
			StageTimings: map[string]float64{"execute_tool": elapsedMS(started)},
		}
	}
	cursor := state.ToolCursor
	if cursor >= len(state.Plan.Steps) {
		return &Delta{
			NextAction:   strPtr(actionGenerate),
			StageTimings: map[string]float64{"execute_tool": elapsedMS(started)},
		}
	}
	maxSteps := state.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	if maxSteps > HardMaxSteps {
		maxSteps = HardMaxSteps
	}
	if len(state.ToolResults) >= maxSteps {
		return &Delta{
			NextAction:   strPtr(actionGenerate),
			StopReason:   strPtr(agent.StopMaxStepsReached),
			StageTimings: map[string]float64{"execute_tool": elapsedMS(started)},
		}
	}

	stepCall := state.Plan.Steps[cursor]
	toolName := stepCall.Tool
	tool := o.registry.Get(toolName)

	var result agent.ToolResult
	var toolElapsed time.Duration
	if tool == nil {
		result = agent.ToolResult{Tool: toolName, OK: false, Error: agent.CodeToolNotRegistered}
	} else {
		payload := make(map[string]interface{}, len(stepCall.Input)+3)
		for key, value := range stepCall.Input {
			payload[key] = value
		}
		if toolName == tools.NameCalculator {
			if expr, _ := payload["expression"].(string); expr == "" {
				if inferred := tools.InferExpression(state.WorkingQuery); inferred != "" {
					payload["expression"] = inferred
				}
			}
		}
		// Pipe the previous tool's result and a working-memory snapshot.
		if len(state.ToolResults) > 0 {
			prev := state.ToolResults[len(state.ToolResults)-1]
			if prev.Output != nil {
				payload["previous_tool_output"] = prev.Output
			}
			if prev.Metadata != nil {
				payload["previous_tool_metadata"] = prev.Metadata
			}
		}
		if len(state.WorkingMemory) > 0 {
			snapshot := make(map[string]interface{}, len(state.WorkingMemory))
			for key, value := range state.WorkingMemory {
				snapshot[key] = value
			}
			payload["working_memory"] = snapshot
		}

		timeout := effectiveToolTimeout(o.cfg, toolName)
		if state.Profile != nil {
			if policy, ok := state.Profile.Capabilities.ToolPolicies[toolName]; ok && policy.TimeoutMS > 0 {
				override := time.Duration(policy.TimeoutMS) * time.Millisecond
				if override < 20*time.Millisecond {
					override = 20 * time.Millisecond
				}
				timeout = override
			}
		}
		timeout = adaptiveTimeout(state, o.cfg, timeout, 2800*time.Millisecond)

		toolStarted := time.Now()
		result = o.runToolWithDeadline(ctx, tool, payload, state, validator, timeout)
		toolElapsed = time.Since(toolStarted)
	}

	delta := &Delta{
		AppendToolResults: []agent.ToolResult{result},
		ToolCursor:        intPtr(cursor + 1),
		AppendSteps: []agent.ReasoningStep{{
			Type:        agent.StepTool,
			Tool:        toolName,
			Description: orDefault(stepCall.Rationale, "tool_execution"),
			Input:       sanitizePayload(stepCall.Input),
			Output: mergeMaps(sanitizePayload(result.Output), map[string]interface{}{
				"duration_ms": roundMS(toolElapsed),
			}),
			OK:    result.OK,
			Error: result.Error,
		}},
		StageTimings: map[string]float64{"execute_tool": elapsedMS(started)},
	}
	if toolName != "" {
		delta.ToolTimings = map[string]float64{toolName: roundMS(toolElapsed)}
	}

	if result.Tool == tools.NameSemanticRetrieval && result.Metadata != nil {
		if chunks, ok := result.Metadata["chunks"].([]agent.EvidenceItem); ok {
			delta.AppendChunks = chunks
		}
		if summaries, ok := result.Metadata["summaries"].([]agent.EvidenceItem); ok {
			delta.AppendSummaries = summaries
		}
		if groups, ok := result.Metadata["subquery_groups"].([]agent.SubqueryGroup); ok {
			delta.AppendGroups = groups
		}
		if diagnostics, ok := result.Metadata["retrieval"].(*agent.RetrievalDiagnostics); ok {
			delta.Retrieval = diagnostics
		}
	} else if result.OK {
		delta.WorkingMemory = map[string]interface{}{result.Tool: result.Output}
	}
	return delta
}

// runToolWithDeadline executes the tool under a timeout. The tool receives a
// context that is cancelled at the deadline; a tool that overruns anyway is
// abandoned and reported as tool_timeout.
func (o *Orchestrator) runToolWithDeadline(ctx context.Context, tool tools.AgentTool, payload map[string]interface{}, state *State, validator tools.AnswerValidator, timeout time.Duration) agent.ToolResult {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	view := tools.StateView{
		UserQuery:     state.UserQuery,
		WorkingQuery:  state.WorkingQuery,
		Scope:         state.Scope,
		ScopeLabel:    state.ScopeLabel,
		Profile:       state.Profile,
		Chunks:        state.Chunks,
		Summaries:     state.Summaries,
		WorkingMemory: state.WorkingMemory,
		Generation:    state.Generation,
	}
	if state.RetrievalPlan != nil {
		view.Plan = *state.RetrievalPlan
	}

	done := make(chan agent.ToolResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("Tool panicked", map[string]interface{}{
					"operation": "tool_execution",
					"tool":      tool.Name(),
					"panic":     clipText(stringifyPanic(r), 200),
				})
				done <- agent.ToolResult{Tool: tool.Name(), OK: false, Error: agent.ToolErrorPrefix + "panic"}
			}
		}()
		done <- tool.Run(callCtx, payload, view, o.runtimeContext(validator))
	}()

	select {
	case result := <-done:
		if !result.OK && callCtx.Err() == context.DeadlineExceeded && result.Error == agent.CodeUpstreamUnavailable {
			result.Error = agent.CodeToolTimeout
		}
		return result
	case <-callCtx.Done():
		return agent.ToolResult{Tool: tool.Name(), OK: false, Error: agent.CodeToolTimeout}
	}
}

func (o *Orchestrator) runtimeContext(validator tools.AnswerValidator) tools.RuntimeContext {
	return tools.RuntimeContext{
		Retriever: o.retriever,
		Generator: o.generator,
		Validator: validator,
	}
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func mergeMaps(base, extra map[string]interface{}) map[string]interface{} {
	if base == nil {
		base = make(map[string]interface{}, len(extra))
	}
	for key, value := range extra {
		base[key] = value
	}
	return base
}

func stringifyPanic(r interface{}) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	if s, ok := r.(string); ok {
		return s
	}
	return "unknown panic"
}

func roundMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

package graph

import (
	"strings"
	"time"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/profile"
	"github.com/mcalza96/cire-orchestrator/tools"
)

// reflectNode decides the next action after a tool ran: continue the plan,
// replan on a retryable failure, or move to generation. Replans never exceed
// MaxPlanAttempts regardless of remaining deadline, and the working query is
// reset to the original user query; the retry reason travels in working
// memory, never in the embedding text.
func (o *Orchestrator) reflectNode(state *State) *Delta {
	started := time.Now()

	if state.Plan == nil {
		return &Delta{
			NextAction:   strPtr(actionGenerate),
			StopReason:   strPtr(agent.StopMissingPlan),
			StageTimings: map[string]float64{"reflect": elapsedMS(started)},
		}
	}

	cursor := state.ToolCursor
	reflections := state.Reflections
	maxReflections := state.MaxReflections
	if maxReflections <= 0 {
		maxReflections = DefaultMaxReflections
	}
	if maxReflections > HardMaxReflections {
		maxReflections = HardMaxReflections
	}
	planAttempts := state.PlanAttempts
	if planAttempts < 1 {
		planAttempts = 1
	}

	var last *agent.ToolResult
	if len(state.ToolResults) > 0 {
		last = &state.ToolResults[len(state.ToolResults)-1]
	}

	nextAction := actionGenerate
	stopReason := ""
	retryReason := ""
	retryable := false

	switch {
	case last != nil && !last.OK:
		retryReason = last.Error
		retryable = isRetryableToolError(*last)
		if retryable && reflections < maxReflections && planAttempts < MaxPlanAttempts {
			reflections++
			planAttempts++
			nextAction = actionReplan
		} else {
			nextAction = actionGenerate
			if retryable {
				stopReason = agent.StopToolErrorUnrecoverable
			} else {
				stopReason = agent.StopToolErrorNonRetryable
			}
		}
	case last != nil && last.OK && cursor >= len(state.Plan.Steps):
		retryReason = extractRetrySignal(state, last)
		retryable = agent.IsRetryableReason(retryReason)
		if retryable && reflections < maxReflections && planAttempts < MaxPlanAttempts {
			reflections++
			planAttempts++
			nextAction = actionReplan
		}
	case cursor < len(state.Plan.Steps):
		nextAction = actionExecuteTool
	}

	delta := &Delta{
		NextAction:   strPtr(nextAction),
		PlanAttempts: intPtr(planAttempts),
		Reflections:  intPtr(reflections),
		AppendSteps: []agent.ReasoningStep{{
			Type:        agent.StepReflection,
			Description: "reflection_decision",
			Output: map[string]interface{}{
				"next_action":   nextAction,
				"plan_attempts": planAttempts,
				"reflections":   reflections,
				"last_tool_ok":  last == nil || last.OK,
				"retryable":     retryable,
				"retry_reason":  clipText(retryReason, RetryReasonLimit),
			},
			OK: true,
		}},
		StageTimings: map[string]float64{"reflect": elapsedMS(started)},
	}
	if stopReason != "" {
		delta.StopReason = strPtr(stopReason)
	}
	if nextAction == actionReplan {
		reason := retryReason
		if reason == "" {
			reason = "retry"
		}
		delta.WorkingQuery = strPtr(state.UserQuery)
		delta.WorkingMemory = map[string]interface{}{
			MemoryLastReplanReason: clipText(reason, RetryReasonLimit),
		}
	}
	return delta
}

// isRetryableToolError classifies a failed ToolResult. tool_timeout is
// retryable only when the tool is semantic_retrieval: retrying a timed-out
// calculator cannot change the outcome, but a retrieval timeout often can.
func isRetryableToolError(result agent.ToolResult) bool {
	reason := strings.ToLower(strings.TrimSpace(result.Error))
	if reason == agent.CodeToolTimeout {
		return result.Tool == tools.NameSemanticRetrieval
	}
	if reason == agent.CodeTimeout {
		return true
	}
	return agent.IsRetryableReason(reason)
}

// extractRetrySignal inspects a successful semantic_retrieval result for
// coverage trouble worth a replan. In cross-scope modes, scope and clause
// signals are informational only: intentionally multi-scope queries would
// otherwise replan forever.
func extractRetrySignal(state *State, last *agent.ToolResult) string {
	if last == nil || last.Tool != tools.NameSemanticRetrieval || !last.OK {
		return ""
	}

	chunkCount := nonNegativeInt(last.Output["chunk_count"])
	summaryCount := nonNegativeInt(last.Output["summary_count"])
	if chunkCount+summaryCount <= 0 {
		return agent.CodeEmptyRetrieval
	}

	retrieval := state.Retrieval
	if retrieval == nil || retrieval.Trace == nil {
		return ""
	}

	mode := ""
	if state.Intent != nil {
		mode = strings.TrimSpace(state.Intent.Mode)
	}
	crossScope := mode == profile.ModeCrossScopeAnalysis || mode == "cross_standard_analysis"

	if !crossScope {
		if valid, ok := retrieval.ScopeValidation["valid"].(bool); ok && !valid {
			return agent.CodeScopeMismatch
		}
		if len(retrieval.Trace.MissingScopes) > 0 {
			return agent.CodeScopeMismatch
		}
		if len(retrieval.Trace.MissingClauseRefs) > 0 {
			return agent.CodeClauseMissing
		}
	}

	ordered := []string{
		agent.CodeScopeMismatch,
		agent.CodeClauseMissing,
		agent.CodeLowScore,
		agent.CodeGraphFallbackNoMultihop,
		agent.CodeTimeout,
		agent.CodeUpstreamUnavailable,
	}
	for _, code := range ordered {
		if crossScope && (code == agent.CodeScopeMismatch || code == agent.CodeClauseMissing) {
			continue
		}
		for _, seen := range retrieval.Trace.ErrorCodes {
			if seen == code {
				return code
			}
		}
	}
	return ""
}

func nonNegativeInt(value interface{}) int {
	switch v := value.(type) {
	case int:
		if v < 0 {
			return 0
		}
		return v
	case int64:
		if v < 0 {
			return 0
		}
		return int(v)
	case float64:
		if v < 0 {
			return 0
		}
		return int(v)
	}
	return 0
}

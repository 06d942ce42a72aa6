package graph

import (
	"sort"
	"strings"
	"time"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/tools"
)

var responseSections = []string{
	"hechos citados",
	"inferencias",
	"brechas",
	"recomendaciones",
	"confianza y supuestos",
}

// buildReasoningTrace assembles the observability payload returned with
// every answer: steps, loop counters, timings, stage budgets, confidence,
// and expectation-coverage metrics.
func (o *Orchestrator) buildReasoningTrace(state *State) map[string]interface{} {
	steps := make([]map[string]interface{}, 0, len(state.ReasoningSteps))
	toolSet := make(map[string]struct{})
	var expectationRatio interface{}
	missingExpectations := 0

	for _, step := range state.ReasoningSteps {
		entry := map[string]interface{}{
			"index":       step.Index,
			"type":        string(step.Type),
			"description": step.Description,
			"ok":          step.OK,
		}
		if step.Tool != "" {
			entry["tool"] = step.Tool
			toolSet[step.Tool] = struct{}{}
		}
		if step.Input != nil {
			entry["input"] = step.Input
		}
		if step.Output != nil {
			entry["output"] = step.Output
		}
		if step.Error != "" {
			entry["error"] = step.Error
		}
		steps = append(steps, entry)

		if step.Tool == tools.NameExpectationCoverage && step.Output != nil {
			if ratio, ok := step.Output["coverage_ratio"]; ok {
				expectationRatio = ratio
			}
			if missing, ok := step.Output["missing"].([]interface{}); ok {
				missingExpectations = len(missing)
			}
		}
	}

	toolsUsed := make([]string, 0, len(toolSet))
	for tool := range toolSet {
		toolsUsed = append(toolsUsed, tool)
	}
	sort.Strings(toolsUsed)

	var finalConfidence interface{}
	if state.Validation != nil {
		if state.Validation.Accepted {
			finalConfidence = 1.0
		} else {
			finalConfidence = 0.45
		}
	}

	answerText := ""
	if state.Generation != nil {
		answerText = state.Generation.Text
	}
	lowered := strings.ToLower(answerText)
	sectionsDetected := 0
	for _, marker := range responseSections {
		if strings.Contains(lowered, marker) {
			sectionsDetected++
		}
	}

	stopReason := state.StopReason
	if stopReason == "" {
		stopReason = "unknown"
	}
	planAttempts := state.PlanAttempts
	if planAttempts < 1 {
		planAttempts = 1
	}

	return map[string]interface{}{
		"engine":        engineName,
		"stop_reason":   stopReason,
		"plan_attempts": planAttempts,
		"reflections":   state.Reflections,
		"tools_used":    toolsUsed,
		"steps":         steps,
		"stage_timings_ms": copyTimings(state.StageTimingsMS),
		"tool_timings_ms":  copyTimings(state.ToolTimingsMS),
		"stage_budgets_ms": map[string]interface{}{
			"planner":      stageTimeout(o.cfg, "planner").Milliseconds(),
			"execute_tool": effectiveToolTimeout(o.cfg, tools.NameSemanticRetrieval).Milliseconds(),
			"generator":    o.cfg.GenerateTimeout.Milliseconds(),
			"validation":   o.cfg.ValidateTimeout.Milliseconds(),
			"total":        o.cfg.TotalTimeout.Milliseconds(),
			"is_adaptive":  true,
		},
		"interaction_interruptions":  state.InteractionInterruptions,
		"final_confidence":           finalConfidence,
		"response_sections_detected": sectionsDetected,
		"expectation_coverage_ratio": expectationRatio,
		"missing_expectations":       missingExpectations,
		"total_elapsed_ms":           roundMS(time.Since(state.FlowStart)),
	}
}

func copyTimings(src map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(src))
	for key, value := range src {
		out[key] = value
	}
	return out
}

// withReasoningTrace returns diagnostics carrying the reasoning trace, never
// mutating the retrieval flow's own record.
func withReasoningTrace(diag *agent.RetrievalDiagnostics, reasoningTrace map[string]interface{}, stageTimings map[string]float64) *agent.RetrievalDiagnostics {
	if diag == nil {
		diag = &agent.RetrievalDiagnostics{
			Contract: "advanced",
			Strategy: engineName,
			Trace:    agent.NewRetrievalTrace(),
		}
	}
	trace := diag.Trace
	if trace == nil {
		trace = agent.NewRetrievalTrace()
	}
	clone := *trace
	clone.TimingsMS = copyTimings(trace.TimingsMS)
	clone.ReasoningTrace = reasoningTrace
	for stage, ms := range stageTimings {
		clone.RecordTiming("universal_"+stage, ms)
	}
	out := *diag
	out.Strategy = engineName
	out.Trace = &clone
	return &out
}

package graph

import (
	"context"
	"time"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/tools"
)

// citationValidateNode checks the draft against the plan contract. When the
// profile routes validation through the citation_validator tool, that tool
// runs under the validation deadline; otherwise the in-process validator is
// called directly. A rejected draft with a profile fallback message has its
// text replaced after all checks ran, preserving the diagnostics.
func (o *Orchestrator) citationValidateNode(ctx context.Context, state *State, validator tools.AnswerValidator) *Delta {
	started := time.Now()
	timings := func() map[string]float64 {
		return map[string]float64{"validation": elapsedMS(started)}
	}

	if state.Generation == nil || state.RetrievalPlan == nil {
		return &Delta{
			Validation: &agent.ValidationResult{
				Accepted: false,
				Issues:   []string{"missing_generation_or_plan"},
			},
			StopReason:   strPtr(agent.StopValidationFailed),
			StageTimings: timings(),
		}
	}

	var verdict agent.ValidationResult
	useTool := containsString(state.AllowedTools, tools.NameCitationValidator)
	validatorTool := o.registry.Get(tools.NameCitationValidator)

	if useTool && validatorTool != nil {
		timeout := adaptiveTimeout(state, o.cfg, stageTimeout(o.cfg, "validation"), 200*time.Millisecond)
		result := o.runToolWithDeadline(ctx, validatorTool, map[string]interface{}{}, state, validator, timeout)
		if result.Error == agent.CodeToolTimeout {
			verdict = agent.ValidationResult{Accepted: false, Issues: []string{agent.CodeToolTimeout}}
		} else if result.Output != nil {
			accepted, _ := result.Output["accepted"].(bool)
			verdict = agent.ValidationResult{Accepted: accepted, Issues: issueStrings(result.Output["issues"])}
		} else {
			verdict = agent.ValidationResult{Accepted: result.OK, Issues: nil}
		}
	} else {
		verdict = validator.Validate(*state.Generation, *state.RetrievalPlan, state.UserQuery)
	}
	if verdict.Issues == nil {
		verdict.Issues = []string{}
	}

	toolName := ""
	if useTool {
		toolName = tools.NameCitationValidator
	}
	delta := &Delta{
		Validation: &verdict,
		AppendSteps: []agent.ReasoningStep{{
			Type:        agent.StepValidation,
			Tool:        toolName,
			Description: "validation_completed",
			Output: map[string]interface{}{
				"accepted": verdict.Accepted,
				"issues":   verdict.Issues,
			},
			OK: verdict.Accepted,
		}},
		StageTimings: timings(),
	}

	if state.StopReason == "" {
		if verdict.Accepted {
			delta.StopReason = strPtr(agent.StopDone)
		} else {
			delta.StopReason = strPtr(agent.StopValidationFailed)
		}
	}

	// Fallback substitution runs after every check.
	if !verdict.Accepted {
		if fallback := validatorFallback(validator); fallback != "" {
			replaced := *state.Generation
			replaced.Text = fallback
			delta.Generation = &replaced
		}
	}
	return delta
}

func validatorFallback(validator tools.AnswerValidator) string {
	type fallbackProvider interface{ FallbackMessage() string }
	if fp, ok := validator.(fallbackProvider); ok {
		return fp.FallbackMessage()
	}
	return ""
}

func issueStrings(raw interface{}) []string {
	switch value := raw.(type) {
	case []string:
		return value
	case []interface{}:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

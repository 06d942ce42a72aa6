package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/synthesis"
)

// generatorNode synthesizes the answer draft from accumulated evidence,
// partial answers, and working memory, under an adaptive deadline. An
// expectation-coverage record in working memory becomes a synthetic "R999"
// summary so the generator can surface gaps explicitly.
func (o *Orchestrator) generatorNode(ctx context.Context, state *State) *Delta {
	started := time.Now()
	timings := func() map[string]float64 {
		return map[string]float64{"generator": elapsedMS(started)}
	}

	if state.RetrievalPlan == nil {
		return &Delta{
			StopReason:   strPtr(agent.StopMissingRetrievalPlan),
			StageTimings: timings(),
		}
	}

	summaries := append([]agent.EvidenceItem(nil), state.Summaries...)
	if coverage, ok := state.WorkingMemory[MemoryExpectationCoverage].(map[string]interface{}); ok {
		summaries = append(summaries, expectationSummary(coverage))
	}

	timeout := adaptiveTimeout(state, o.cfg, stageTimeout(o.cfg, "generator"), time.Second)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		draft agent.AnswerDraft
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		draft, err := o.generator.Generate(callCtx, synthesis.Input{
			Query:          state.UserQuery,
			ScopeLabel:     state.ScopeLabel,
			Plan:           *state.RetrievalPlan,
			Chunks:         state.Chunks,
			Summaries:      summaries,
			WorkingMemory:  state.WorkingMemory,
			PartialAnswers: state.PartialAnswers,
			Profile:        state.Profile,
		})
		done <- outcome{draft: draft, err: err}
	}()

	select {
	case result := <-done:
		if result.err != nil {
			return &Delta{
				StopReason:   strPtr(agent.StopGeneratorTimeout),
				StageTimings: timings(),
			}
		}
		return &Delta{
			Generation: &result.draft,
			AppendSteps: []agent.ReasoningStep{{
				Type:        agent.StepSynthesis,
				Description: "synthesis_completed",
				Output: map[string]interface{}{
					"answer_preview":        clipText(result.draft.Text, AnswerPreviewLimit),
					"evidence_count":        len(result.draft.Evidence),
					"partial_answers_count": len(state.PartialAnswers),
				},
				OK: true,
			}},
			StageTimings: timings(),
		}
	case <-callCtx.Done():
		return &Delta{
			StopReason:   strPtr(agent.StopGeneratorTimeout),
			StageTimings: timings(),
		}
	}
}

// expectationSummary renders the coverage record as synthetic evidence.
func expectationSummary(coverage map[string]interface{}) agent.EvidenceItem {
	covered, _ := coverage["covered"].([]map[string]interface{})
	missing, _ := coverage["missing"].([]map[string]interface{})
	if covered == nil {
		if raw, ok := coverage["covered"].([]interface{}); ok {
			for _, item := range raw {
				if m, ok := item.(map[string]interface{}); ok {
					covered = append(covered, m)
				}
			}
		}
	}
	if missing == nil {
		if raw, ok := coverage["missing"].([]interface{}); ok {
			for _, item := range raw {
				if m, ok := item.(map[string]interface{}); ok {
					missing = append(missing, m)
				}
			}
		}
	}

	lines := []string{
		"[EXPECTATION_COVERAGE]",
		fmt.Sprintf("coverage_ratio=%v", coverage["coverage_ratio"]),
		fmt.Sprintf("covered=%d", len(covered)),
		fmt.Sprintf("missing=%d", len(missing)),
	}
	for i, row := range missing {
		if i >= 6 {
			break
		}
		id, _ := row["id"].(string)
		if id == "" {
			id = "expectation"
		}
		risk, _ := row["missing_risk"].(string)
		reason, _ := row["reason"].(string)
		lines = append(lines, fmt.Sprintf("- missing:%s risk=%s reason=%s",
			id, strings.TrimSpace(risk), strings.TrimSpace(reason)))
	}
	content := strings.Join(lines, "\n")
	return agent.EvidenceItem{
		Source:  "R999",
		Content: content,
		Score:   1.0,
		Metadata: map[string]interface{}{
			"row": map[string]interface{}{"content": content, "metadata": map[string]interface{}{}},
		},
	}
}

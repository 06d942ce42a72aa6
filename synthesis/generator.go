// Package synthesis produces answer drafts from retrieved evidence. Two
// generators ship: an LLM-backed one and a template fallback that renders
// evidence snippets directly. Both cite evidence markers (C#/R#) so the
// validator can anchor every claim.
package synthesis

import (
	"context"
	"fmt"
	"strings"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/profile"
)

// Input bundles everything a generator may use.
type Input struct {
	Query          string
	ScopeLabel     string
	Plan           agent.RetrievalPlan
	Chunks         []agent.EvidenceItem
	Summaries      []agent.EvidenceItem
	WorkingMemory  map[string]interface{}
	PartialAnswers []agent.PartialAnswer
	Profile        *profile.AgentProfile
}

// AnswerGenerator is the synthesis port.
type AnswerGenerator interface {
	Generate(ctx context.Context, in Input) (agent.AnswerDraft, error)
}

// TemplateGenerator renders evidence without an LLM: a headline per evidence
// item with its marker, plus partial-answer summaries and any computed
// working-memory values. It is the fallback when no LLM is configured and the
// generator used by tests.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(ctx context.Context, in Input) (agent.AnswerDraft, error) {
	evidence := append(append([]agent.EvidenceItem(nil), in.Chunks...), in.Summaries...)
	var b strings.Builder

	if len(evidence) == 0 && len(in.PartialAnswers) == 0 {
		fallback := profile.DefaultFallbackMessage
		if in.Profile != nil && in.Profile.Validation.FallbackMessage != "" {
			fallback = in.Profile.Validation.FallbackMessage
		}
		return agent.AnswerDraft{Text: fallback, Mode: in.Plan.Mode}, nil
	}

	if len(in.PartialAnswers) > 0 {
		for _, partial := range in.PartialAnswers {
			if partial.Status != "ok" {
				continue
			}
			b.WriteString(fmt.Sprintf("- %s [%s]\n", partial.Summary, strings.Join(partial.EvidenceSources, ", ")))
		}
		b.WriteString("\n")
	}

	limit := len(evidence)
	if limit > 6 {
		limit = 6
	}
	for _, item := range evidence[:limit] {
		b.WriteString(fmt.Sprintf("%s: %s\n", item.Source, clip(item.Content, 220)))
	}

	if value, ok := in.WorkingMemory["python_calculator"].(map[string]interface{}); ok {
		if result, ok := value["result"]; ok {
			b.WriteString(fmt.Sprintf("\nResultado calculado: %v\n", result))
		}
	}

	text := EnsureCitationFooter(strings.TrimSpace(b.String()), markers(evidence))
	return agent.AnswerDraft{Text: text, Mode: in.Plan.Mode, Evidence: evidence}, nil
}

func markers(evidence []agent.EvidenceItem) []string {
	out := make([]string, 0, len(evidence))
	for _, item := range evidence {
		if item.Source != "" {
			out = append(out, item.Source)
		}
	}
	return out
}

func clip(text string, limit int) string {
	compact := strings.Join(strings.Fields(text), " ")
	if len(compact) <= limit {
		return compact
	}
	return strings.TrimRight(compact[:limit], " ") + "..."
}

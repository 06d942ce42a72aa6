package synthesis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/core"
	"github.com/mcalza96/cire-orchestrator/profile"
	"github.com/mcalza96/cire-orchestrator/telemetry"
)

// LLMGenerator synthesizes answers with a chat model, grounding every claim
// on the provided evidence markers. On any LLM failure it degrades to the
// template generator rather than failing the flow.
type LLMGenerator struct {
	client   *openai.Client
	model    string
	fallback TemplateGenerator
	logger   core.Logger
}

// NewLLMGenerator builds the generator; with no API key it behaves exactly
// like TemplateGenerator.
func NewLLMGenerator(cfg *core.Config) *LLMGenerator {
	g := &LLMGenerator{model: cfg.LLMModel, logger: &core.NoOpLogger{}}
	if cfg.LLMAPIKey != "" {
		opts := []option.RequestOption{option.WithAPIKey(cfg.LLMAPIKey)}
		if cfg.LLMBaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.LLMBaseURL))
		}
		client := openai.NewClient(opts...)
		g.client = &client
	}
	return g
}

// SetLogger sets the logger (kernel/synthesis component).
func (g *LLMGenerator) SetLogger(logger core.Logger) {
	if logger == nil {
		g.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		g.logger = cal.WithComponent("kernel/synthesis")
	} else {
		g.logger = logger
	}
}

func (g *LLMGenerator) Generate(ctx context.Context, in Input) (agent.AnswerDraft, error) {
	if g.client == nil {
		return g.fallback.Generate(ctx, in)
	}

	evidence := append(append([]agent.EvidenceItem(nil), in.Chunks...), in.Summaries...)
	prompt := g.buildPrompt(in, evidence)
	system := systemPersona(in.Profile)

	telemetry.AddSpanEvent(ctx, "llm.synthesis.request",
		attribute.String("query", telemetry.TruncateString(in.Query, 500)),
		attribute.Int("prompt_length", len(prompt)),
		attribute.Int("evidence_count", len(evidence)),
	)

	started := time.Now()
	completion, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(g.model),
		Temperature: openai.Float(0.2),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		telemetry.AddSpanEvent(ctx, "llm.synthesis.error",
			attribute.String("error", err.Error()),
			attribute.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
		g.logger.WarnWithContext(ctx, "LLM synthesis failed, template fallback", map[string]interface{}{
			"operation": "llm_synthesis",
			"error":     err.Error(),
		})
		return g.fallback.Generate(ctx, in)
	}
	if len(completion.Choices) == 0 {
		return g.fallback.Generate(ctx, in)
	}

	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	telemetry.AddSpanEvent(ctx, "llm.synthesis.response",
		attribute.Int("response_length", len(text)),
		attribute.Int64("duration_ms", time.Since(started).Milliseconds()),
	)
	if text == "" {
		return g.fallback.Generate(ctx, in)
	}
	text = EnsureCitationFooter(text, markers(evidence))
	return agent.AnswerDraft{Text: text, Mode: in.Plan.Mode, Evidence: evidence}, nil
}

func (g *LLMGenerator) buildPrompt(in Input, evidence []agent.EvidenceItem) string {
	var b strings.Builder
	b.WriteString("Pregunta: " + in.Query + "\n")
	if in.ScopeLabel != "" {
		b.WriteString("Alcance: " + in.ScopeLabel + "\n")
	}
	b.WriteString("\nEvidencia recuperada:\n")
	for _, item := range evidence {
		b.WriteString(fmt.Sprintf("[%s] %s\n", item.Source, clip(item.Content, 500)))
	}

	if len(in.PartialAnswers) > 0 {
		b.WriteString("\nResumenes por subconsulta:\n")
		for _, partial := range in.PartialAnswers {
			b.WriteString(fmt.Sprintf("- (%s) %s [%s]\n", partial.ID, partial.Summary, strings.Join(partial.EvidenceSources, ", ")))
		}
	}

	if value, ok := in.WorkingMemory["python_calculator"].(map[string]interface{}); ok {
		if result, ok := value["result"]; ok {
			b.WriteString(fmt.Sprintf("\nValor calculado: %v\n", result))
		}
	}

	b.WriteString("\nInstrucciones:\n")
	rules := defaultRules(in.Profile)
	for i, rule := range rules {
		b.WriteString(fmt.Sprintf("%d. %s\n", i+1, rule))
	}
	b.WriteString(fmt.Sprintf("%d. Cita cada afirmacion con su marcador de evidencia (ej: C1, R2).\n", len(rules)+1))
	if in.Plan.ResponseContract == "grounded_inference" {
		b.WriteString("Estructura la respuesta con secciones: Hechos citados, Inferencias, Brechas, Recomendaciones. La seccion Inferencias debe incluir al menos dos citas.\n")
	}
	return b.String()
}

func systemPersona(p *profile.AgentProfile) string {
	if p != nil && strings.TrimSpace(p.Synthesis.SystemPersona) != "" {
		return p.Synthesis.SystemPersona
	}
	return "Responde con evidencia del contexto recuperado y evita afirmaciones sin sustento."
}

func defaultRules(p *profile.AgentProfile) []string {
	if p != nil && len(p.Synthesis.SynthesisRules) > 0 {
		return p.Synthesis.SynthesisRules
	}
	return []string{
		"Cada afirmacion relevante debe referenciar evidencia recuperada.",
		"Si no hay evidencia suficiente, indicarlo explicitamente.",
		"No inventar referencias ni citas.",
	}
}

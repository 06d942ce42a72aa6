package graph

import (
	"context"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/mcalza96/cire-orchestrator/core"
)

// Clarifier rewrites a deterministic clarification question into friendlier
// phrasing. Optional; the deterministic question is always the fallback.
type Clarifier interface {
	Rewrite(ctx context.Context, question string, options []string) (string, error)
}

// LLMClarifier asks a chat model to rephrase the question without changing
// its meaning or the offered options. Bounded; any failure returns the
// original question.
type LLMClarifier struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewLLMClarifier builds the clarifier, nil client when no key is set.
func NewLLMClarifier(cfg *core.Config) *LLMClarifier {
	c := &LLMClarifier{model: cfg.LLMModel, timeout: 800 * time.Millisecond}
	if cfg.LLMAPIKey != "" {
		opts := []option.RequestOption{option.WithAPIKey(cfg.LLMAPIKey)}
		if cfg.LLMBaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.LLMBaseURL))
		}
		client := openai.NewClient(opts...)
		c.client = &client
	}
	return c
}

func (c *LLMClarifier) Rewrite(ctx context.Context, question string, options []string) (string, error) {
	if c.client == nil {
		return question, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := "Reformula esta pregunta de aclaracion de forma breve y natural, " +
		"sin cambiar su significado ni las opciones ofrecidas.\n\nPregunta: " + question
	if len(options) > 0 {
		prompt += "\nOpciones: " + strings.Join(options, ", ")
	}

	completion, err := c.client.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Temperature: openai.Float(0.3),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil || len(completion.Choices) == 0 {
		return question, err
	}
	rewritten := strings.TrimSpace(completion.Choices[0].Message.Content)
	if rewritten == "" {
		return question, nil
	}
	return rewritten, nil
}

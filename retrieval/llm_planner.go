package retrieval

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/core"
	"github.com/mcalza96/cire-orchestrator/router"
)

// LLMPlanner asks a small model for subqueries. It is strictly best-effort:
// any failure (missing key, timeout, bad JSON, rate limit) returns an empty
// plan and the hybrid planner continues with the deterministic set.
type LLMPlanner struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	limiter *rate.Limiter
	logger  core.Logger
}

// NewLLMPlanner builds the planner. A missing API key leaves the client nil
// and Plan always returns empty.
func NewLLMPlanner(cfg *core.Config) *LLMPlanner {
	p := &LLMPlanner{
		model:   cfg.LightPlannerModel,
		timeout: cfg.LightPlannerTimeout,
		logger:  &core.NoOpLogger{},
	}
	if p.model == "" {
		p.model = cfg.LLMModel
	}
	if p.timeout <= 0 {
		p.timeout = 600 * time.Millisecond
	}
	perSecond := cfg.LightPlannerRatePerSecond
	if perSecond <= 0 {
		perSecond = 2
	}
	p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)

	if cfg.LLMAPIKey != "" {
		opts := []option.RequestOption{option.WithAPIKey(cfg.LLMAPIKey)}
		if cfg.LLMBaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.LLMBaseURL))
		}
		client := openai.NewClient(opts...)
		p.client = &client
	}
	return p
}

// SetLogger sets the logger (kernel/retrieval component).
func (p *LLMPlanner) SetLogger(logger core.Logger) {
	if logger == nil {
		p.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		p.logger = cal.WithComponent("kernel/retrieval")
	} else {
		p.logger = logger
	}
}

type subqueryPlanPayload struct {
	Subqueries []agent.Subquery `json:"subqueries"`
}

func (p *LLMPlanner) Plan(ctx context.Context, pc PlanningContext) ([]agent.Subquery, error) {
	if p.client == nil {
		p.logger.Warn("Light planner disabled, missing API key", map[string]interface{}{
			"operation": "light_planner",
		})
		return nil, nil
	}
	if !p.limiter.Allow() {
		return nil, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	standards := "(none)"
	if len(pc.RequestedStandards) > 0 {
		standards = strings.Join(pc.RequestedStandards, ", ")
	}
	system := `You are a retrieval subquery planner. Return JSON only with {"subqueries": [...]}. No extra text.`
	user := "Query: " + pc.Query + "\n" +
		"Requested standards: " + standards + "\n" +
		"Max subqueries: " + strconv.Itoa(pc.MaxQueries) + "\n" +
		"Constraints: each subquery item must contain id, query, optional filters."

	completion, err := p.client.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(p.model),
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		p.logger.WarnWithContext(ctx, "Light planner failed, deterministic fallback", map[string]interface{}{
			"operation": "light_planner",
			"error":     err.Error(),
		})
		return nil, nil
	}
	if len(completion.Choices) == 0 {
		return nil, nil
	}

	var payload subqueryPlanPayload
	raw := strings.TrimSpace(completion.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		p.logger.WarnWithContext(ctx, "Light planner returned invalid JSON", map[string]interface{}{
			"operation": "light_planner",
			"error":     err.Error(),
		})
		return nil, nil
	}

	out := payload.Subqueries
	maxQueries := pc.MaxQueries
	if maxQueries < 1 {
		maxQueries = 1
	}
	if len(out) > maxQueries {
		out = out[:maxQueries]
	}
	return out, nil
}

// HybridPlanner merges deterministic and LLM-assisted plans. The LLM leg only
// runs when the mode enables it and either the deterministic plan is empty or
// the query is complex (multi-scope, multi-clause, or analytical connectors).
type HybridPlanner struct {
	Deterministic SubqueryPlanner
	LLM           SubqueryPlanner
}

// NewHybridPlanner builds the default planner stack from config.
func NewHybridPlanner(cfg *core.Config) *HybridPlanner {
	h := &HybridPlanner{Deterministic: DeterministicPlanner{}}
	if cfg.LightPlannerEnabled {
		h.LLM = NewLLMPlanner(cfg)
	}
	return h
}

var complexityTokens = []string{
	"impacto", "relacion", "relación", "difer", "versus", "vs",
	"interaccion", "interacción", "por que", "por qué",
}

func (h *HybridPlanner) isComplex(pc PlanningContext) bool {
	if len(pc.RequestedStandards) >= 2 {
		return true
	}
	if len(router.ExtractClauseRefs(pc.Query, pc.Profile)) >= 2 {
		return true
	}
	lower := strings.ToLower(pc.Query)
	for _, token := range complexityTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func (h *HybridPlanner) Plan(ctx context.Context, pc PlanningContext) ([]agent.Subquery, error) {
	deterministic, err := h.Deterministic.Plan(ctx, pc)
	if err != nil {
		deterministic = nil
	}
	if h.LLM == nil || !pc.Decomposition.LightLLMEnabled {
		return deterministic, nil
	}
	if len(deterministic) > 0 && !h.isComplex(pc) {
		return deterministic, nil
	}

	llmSubqueries, err := h.LLM.Plan(ctx, pc)
	if err != nil || len(llmSubqueries) == 0 {
		return deterministic, nil
	}

	merged := dedupSubqueries(append(append([]agent.Subquery(nil), deterministic...), llmSubqueries...))
	covered := EnsureScopeCoverage(pc, merged)
	maxQueries := pc.MaxQueries
	if maxQueries < 1 {
		maxQueries = 1
	}
	if len(covered) > maxQueries {
		covered = covered[:maxQueries]
	}
	return covered, nil
}


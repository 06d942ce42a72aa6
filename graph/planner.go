package graph

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/profile"
	"github.com/mcalza96/cire-orchestrator/tools"
)

var (
	mathExprRE = regexp.MustCompile(`\d+\s*[\+\-\*/]\s*\d+`)
)

var extractionTokens = []string{
	"extrae", "extraer", "estructura", "json", "tabla",
	"reactivo", "insumo", "cantidad", "bom",
}

var calculationTokens = []string{
	"calcula", "calcular", "cuanto", "cuánto", "formula", "lote", "muestras",
}

var complexityMarkers = []string{"analiza", "relacion", "relación", "impact", "compara"}

func isComplexQuery(query string, intent agent.QueryIntent) bool {
	if intent.Mode == profile.ModeComparativa || intent.Mode == profile.ModeCrossScopeAnalysis {
		return true
	}
	text := strings.ToLower(query)
	if len(text) > 180 {
		return true
	}
	return hasAny(text, complexityMarkers)
}

func needsExtraction(query string) bool {
	return hasAny(strings.ToLower(query), extractionTokens)
}

func needsCalculation(query string) bool {
	text := strings.ToLower(query)
	return mathExprRE.MatchString(text) || hasAny(text, calculationTokens)
}

// buildToolPlan follows the matched mode's execution plan, filtered to
// allowed tools with order preserved and duplicates removed, then augments it
// with extraction/calculation steps the query demonstrably needs. An empty
// result defaults to a single retrieval call.
func buildToolPlan(query string, intent agent.QueryIntent, p *profile.AgentProfile, allowed []string) agent.ReasoningPlan {
	complexity := "simple"
	if isComplexQuery(query, intent) {
		complexity = "complex"
	}

	allowedSet := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		allowedSet[name] = struct{}{}
	}
	allowedTool := func(name string) bool {
		_, ok := allowedSet[name]
		return ok
	}

	var planned []string
	if modeCfg := p.ModeConfig(intent.Mode); modeCfg != nil {
		planned = modeCfg.ExecutionPlan
	}

	var steps []agent.ToolCall
	seen := make(map[string]struct{})
	addStep := func(tool string, input map[string]interface{}, rationale string) {
		if !allowedTool(tool) {
			return
		}
		if _, dup := seen[tool]; dup {
			return
		}
		seen[tool] = struct{}{}
		steps = append(steps, agent.ToolCall{Tool: tool, Input: input, Rationale: rationale})
	}

	for _, tool := range planned {
		switch tool {
		case tools.NameSemanticRetrieval:
			addStep(tool, map[string]interface{}{"query": query}, "retrieve_grounding")
		case tools.NameLogicalComparison:
			addStep(tool, map[string]interface{}{"topic": query}, "cross_scope_relation")
		case tools.NameStructuralExtraction:
			addStep(tool, map[string]interface{}{"schema_definition": "entity, value, unit"}, "extract_structured_data")
		default:
			addStep(tool, map[string]interface{}{}, "profile_execution_plan")
		}
	}

	if len(planned) == 0 {
		addStep(tools.NameSemanticRetrieval, map[string]interface{}{"query": query}, "retrieve_grounding")
	}
	if complexity == "complex" && intent.Mode == profile.ModeComparativa {
		addStep(tools.NameLogicalComparison, map[string]interface{}{"topic": query}, "cross_scope_relation")
	}
	if needsExtraction(query) {
		addStep(tools.NameStructuralExtraction, map[string]interface{}{"schema_definition": "entity, value, unit"}, "extract_structured_data")
	}
	if needsCalculation(query) {
		addStep(tools.NameCalculator, map[string]interface{}{}, "deterministic_numeric_check")
	}

	if len(steps) == 0 && allowedTool(tools.NameSemanticRetrieval) {
		steps = []agent.ToolCall{{
			Tool:      tools.NameSemanticRetrieval,
			Input:     map[string]interface{}{"query": query},
			Rationale: "default_retrieval",
		}}
	}

	return agent.ReasoningPlan{Goal: query, Steps: steps, Complexity: complexity}
}

// plannerNode classifies the query, derives the retrieval and tool plans,
// and runs the interaction policy. It is CPU-bound; its deadline only trips
// when the total budget is already spent.
func (o *Orchestrator) plannerNode(ctx context.Context, state *State, clarCtx *ClarificationContext) *Delta {
	started := time.Now()
	query := strings.TrimSpace(state.WorkingQuery)
	if query == "" {
		query = state.UserQuery
	}

	if adaptiveTimeout(state, o.cfg, stageTimeout(o.cfg, "planner"), 3*time.Second) <= 25*time.Millisecond && ctx.Err() != nil {
		return &Delta{
			NextAction:   strPtr(actionGenerate),
			StopReason:   strPtr(agent.StopPlannerTimeout),
			StageTimings: map[string]float64{"planner": elapsedMS(started)},
		}
	}

	allowed := tools.ResolveAllowedTools(state.Profile, o.registry)

	intent, classification := classifyIntent(query, state.Profile, o.cfg)
	plan := buildRetrievalPlan(intent, query, state.Profile)

	// Slot values extracted from a prior clarification are merged before the
	// interaction decision runs.
	if clarCtx != nil && len(clarCtx.RequestedScopes) > 0 && len(plan.RequestedStandards) == 0 {
		for _, raw := range clarCtx.RequestedScopes {
			if scope := strings.ToUpper(strings.TrimSpace(raw)); scope != "" {
				plan.RequestedStandards = append(plan.RequestedStandards, scope)
			}
		}
	}

	reasoningPlan := buildToolPlan(query, intent, state.Profile, allowed)

	maxSteps := DefaultMaxSteps
	maxReflections := DefaultMaxReflections
	if state.Profile != nil {
		if budget := state.Profile.Capabilities.ReasoningBudget; budget.MaxSteps > 0 {
			maxSteps = budget.MaxSteps
		}
		if budget := state.Profile.Capabilities.ReasoningBudget; budget.MaxReflections > 0 {
			maxReflections = budget.MaxReflections
		}
	}
	if maxSteps > HardMaxSteps {
		maxSteps = HardMaxSteps
	}
	if maxReflections > HardMaxReflections {
		maxReflections = HardMaxReflections
	}
	if len(reasoningPlan.Steps) > maxSteps {
		reasoningPlan.Steps = reasoningPlan.Steps[:maxSteps]
	}

	decision := decideInteraction(query, intent, plan, reasoningPlan, state.Profile, state.InteractionInterruptions, clarCtx)

	nextAction := actionGenerate
	if len(reasoningPlan.Steps) > 0 {
		nextAction = actionExecuteTool
	}

	delta := &Delta{
		Intent:           &intent,
		IntentConfidence: floatPtr(classification.Confidence),
		RetrievalPlan:    &plan,
		Plan:             &reasoningPlan,
		AllowedTools:     allowed,
		MaxSteps:         intPtr(maxSteps),
		MaxReflections:   intPtr(maxReflections),
		ToolCursor:       intPtr(0),
		NextAction:       strPtr(nextAction),
		AppendSteps: []agent.ReasoningStep{{
			Type:        agent.StepPlan,
			Description: "universal_plan_generated",
			Output: map[string]interface{}{
				"intent_mode":   intent.Mode,
				"confidence":    classification.Confidence,
				"complexity":    reasoningPlan.Complexity,
				"tool_sequence": toolSequence(reasoningPlan),
				"reasons":       classification.Reasons,
			},
			OK: true,
		}},
		StageTimings: map[string]float64{"planner": elapsedMS(started)},
	}

	if decision.NeedsInterrupt {
		question := decision.Question
		if o.clarifier != nil {
			if rewritten, err := o.clarifier.Rewrite(ctx, question, decision.Options); err == nil && rewritten != "" {
				question = rewritten
			}
		}
		clarification := &agent.ClarificationRequest{
			Kind:         decision.Kind,
			Level:        decision.Level,
			Question:     question,
			Options:      decision.Options,
			MissingSlots: decision.MissingSlots,
		}
		stop := agent.StopAwaitingClarification
		if decision.Kind == "plan_approval" {
			stop = agent.StopAwaitingPlanApproval
		}
		delta.Clarification = clarification
		delta.StopReason = strPtr(stop)
		delta.Interruptions = intPtr(state.InteractionInterruptions + 1)
		delta.NextAction = strPtr(actionGenerate)
	}

	return delta
}

func toolSequence(plan agent.ReasoningPlan) []string {
	out := make([]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		out = append(out, step.Tool)
	}
	return out
}

package graph

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/profile"
	"github.com/mcalza96/cire-orchestrator/router"
	"github.com/mcalza96/cire-orchestrator/tools"
)

// InteractionDecision is the interaction policy verdict for one turn.
type InteractionDecision struct {
	Level           string
	NeedsInterrupt  bool
	Kind            string
	Question        string
	Options         []string
	Metrics         map[string]interface{}
	MissingSlots    []string
	ScopeCandidates []string
}

// ClarificationContext carries the caller's answers from a prior interrupt.
type ClarificationContext struct {
	Round           int
	SelectedOption  string
	Confirmed       bool
	PlanApproved    bool
	PlanFeedback    string
	AnswerText      string
	ObjectiveHint   string
	RequestedScopes []string
}

var (
	isoMentionRE   = regexp.MustCompile(`(?i)\biso\b`)
	scopePhraseRE1 = regexp.MustCompile(`(?i)^(?:iso|iec|nom|nmx|nfpa|osha|en|une|iram|bs|din)\s*[-:_]?\s*\d{2,6}(?:[:\-]\d{4})?$`)
	scopePhraseRE2 = regexp.MustCompile(`^[A-Za-z]{2,12}[-_ ]?\d{2,6}$`)
	scopeDigitsRE  = regexp.MustCompile(`^\d{3,6}$`)
	spacesRE       = regexp.MustCompile(`\s+`)
)

var vagueGoalTokens = []string{
	"que dice", "qué dice", "explica", "hablame", "háblame",
	"cuentame", "cuéntame", "dime",
}

var toolDisplayNames = map[string]string{
	tools.NameSemanticRetrieval:    "Buscar contexto normativo",
	tools.NameLogicalComparison:    "Analizar cruces y vacios logicos",
	tools.NameStructuralExtraction: "Extraer y estructurar datos",
	tools.NameCalculator:           "Ejecutar calculos matematicos",
	tools.NameCitationValidator:    "Validar citas contra la fuente",
}

func looksLikeScopePhrase(text string) bool {
	value := strings.TrimSpace(text)
	if value == "" {
		return false
	}
	compact := spacesRE.ReplaceAllString(value, " ")
	return scopePhraseRE1.MatchString(compact) ||
		scopePhraseRE2.MatchString(compact) ||
		scopeDigitsRE.MatchString(compact)
}

func vagueGoalSignal(query string) bool {
	lowered := strings.ToLower(query)
	for _, token := range vagueGoalTokens {
		if strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}

func estimateSubqueries(p *profile.AgentProfile, mode string, scopeCountRequested int) int {
	if p == nil {
		return 1
	}
	modeCfg := p.ModeConfig(mode)
	if modeCfg == nil {
		if scopeCountRequested > 1 {
			return scopeCountRequested
		}
		return 1
	}
	maxSubqueries := modeCfg.DecompositionPolicy.MaxSubqueries
	if maxSubqueries < 1 {
		maxSubqueries = 1
	}
	if scopeCountRequested >= 2 {
		estimate := scopeCountRequested + 1
		if estimate > maxSubqueries {
			estimate = maxSubqueries
		}
		if estimate < 2 {
			estimate = 2
		}
		return estimate
	}
	if maxSubqueries >= 2 {
		return 2
	}
	return 1
}

// decideInteraction applies the profile's interaction policy: interrupt with
// a clarification (L2) when required slots are missing or scope ambiguity is
// high, or with a plan approval (L3) when the planned work exceeds the
// cost/latency thresholds. Prior clarification answers and the per-turn
// interruption cap suppress repeat interrupts.
func decideInteraction(
	query string,
	intent agent.QueryIntent,
	retrievalPlan agent.RetrievalPlan,
	reasoningPlan agent.ReasoningPlan,
	p *profile.AgentProfile,
	priorInterruptions int,
	clarCtx *ClarificationContext,
) InteractionDecision {
	if p == nil || !p.Interaction.Enabled {
		return InteractionDecision{Level: "L1", Kind: "none", Metrics: map[string]interface{}{}}
	}

	policy := p.Interaction
	thresholds := policy.Thresholds
	modePolicy := p.ModeInteraction(intent.Mode)

	var contextScopes []string
	if clarCtx != nil {
		for _, raw := range clarCtx.RequestedScopes {
			if scope := strings.ToUpper(strings.TrimSpace(raw)); scope != "" && !containsString(contextScopes, scope) {
				contextScopes = append(contextScopes, scope)
			}
		}
	}
	requestedScopes := retrievalPlan.RequestedStandards
	if len(requestedScopes) == 0 {
		requestedScopes = contextScopes
	}

	detected := router.DetectScopeCandidates(query, p)
	var scopeCandidates []string
	for _, scope := range append(append([]string(nil), contextScopes...), detected...) {
		upper := strings.ToUpper(strings.TrimSpace(scope))
		if upper != "" && !containsString(scopeCandidates, upper) {
			scopeCandidates = append(scopeCandidates, upper)
		}
	}

	clarificationRound := 0
	clarificationChoice := ""
	clarificationConfirmed := false
	clarificationText := ""
	planApproved := false
	objectiveHint := ""
	if clarCtx != nil {
		clarificationRound = clarCtx.Round
		clarificationChoice = strings.ToLower(strings.TrimSpace(clarCtx.SelectedOption))
		clarificationConfirmed = clarCtx.Confirmed || clarCtx.PlanApproved
		clarificationText = strings.TrimSpace(clarCtx.AnswerText)
		planApproved = clarCtx.PlanApproved || strings.TrimSpace(clarCtx.PlanFeedback) != ""
		objectiveHint = strings.TrimSpace(clarCtx.ObjectiveHint)
	}
	if objectiveHint == "" && clarificationText != "" && !looksLikeScopePhrase(clarificationText) {
		objectiveHint = clarificationText
	}

	scopeCountRequested := len(scopeCandidates)
	if scopeCountRequested == 0 {
		scopeCountRequested = len(requestedScopes)
	}
	scopeCountConfirmed := len(requestedScopes)

	var missingSlots []string
	for _, slot := range modePolicy.RequiredSlots {
		switch strings.ToLower(strings.TrimSpace(slot)) {
		case "scope":
			if scopeCountConfirmed == 0 {
				missingSlots = append(missingSlots, "scope")
			}
		case "objective":
			if objectiveHint == "" && len(strings.Fields(query)) < 8 {
				missingSlots = append(missingSlots, "objective")
			}
		}
	}

	ambiguity := 0.0
	if len(missingSlots) > 0 {
		ambiguity += 0.35
	}
	if scopeCountRequested >= 2 && scopeCountConfirmed == 0 {
		ambiguity += 0.25
	}
	if vagueGoalSignal(query) {
		ambiguity += 0.1
	}
	if isoMentionRE.MatchString(query) && scopeCountConfirmed == 0 {
		ambiguity += 0.2
	}
	if ambiguity > 1.0 {
		ambiguity = 1.0
	}

	estimatedSubqueries := estimateSubqueries(p, intent.Mode, scopeCountRequested)
	estimatedLatencyS := 3.2 + float64(estimatedSubqueries)*1.6 + float64(len(reasoningPlan.Steps))*0.9
	estimatedCostTokens := 900 + estimatedSubqueries*1500 + len(reasoningPlan.Steps)*600

	coverageConfidence := 1.0 - ambiguity*0.55
	if scopeCountRequested >= 2 && scopeCountConfirmed == 0 {
		coverageConfidence -= 0.25
	}
	if coverageConfidence < 0 {
		coverageConfidence = 0
	}

	riskLevel := strings.ToLower(modePolicy.RiskLevel)
	if riskLevel != "medium" && riskLevel != "high" {
		riskLevel = "low"
	}

	needsL2 := len(missingSlots) > 0 ||
		(ambiguity >= thresholds.L2Ambiguity && scopeCountRequested >= 1 && scopeCountConfirmed == 0)
	needsL3 := modePolicy.RequirePlanApproval ||
		estimatedSubqueries >= thresholds.L3Subqueries ||
		estimatedLatencyS >= thresholds.L3LatencyS ||
		estimatedCostTokens >= thresholds.L3CostTokens ||
		(riskLevel == "high" && ambiguity >= thresholds.L2Ambiguity)

	metrics := map[string]interface{}{
		"ambiguity_score":        round4(ambiguity),
		"scope_count_requested":  scopeCountRequested,
		"scope_count_confirmed":  scopeCountConfirmed,
		"missing_required_slots": len(missingSlots),
		"estimated_subqueries":   estimatedSubqueries,
		"estimated_cost_tokens":  estimatedCostTokens,
		"estimated_latency_s":    round4(estimatedLatencyS),
		"risk_level":             riskLevel,
		"coverage_confidence":    round4(coverageConfidence),
		"clarification_round":    clarificationRound,
		"slots_filled":           scopeCountConfirmed,
		"loop_prevented":         false,
		"objective_hint_present": objectiveHint != "",
	}

	decision := InteractionDecision{
		Level:           "L1",
		Kind:            "none",
		Metrics:         metrics,
		MissingSlots:    missingSlots,
		ScopeCandidates: scopeCandidates,
	}

	switch {
	case priorInterruptions >= policy.MaxInterruptionsPerTurn:
		// Cap reached; proceed without asking again.
	case planApproved:
		// The user already weighed in on this turn's plan.
	case clarificationConfirmed && objectiveHint != "" && scopeCountConfirmed == 0:
		metrics["loop_prevented"] = true
		metrics["proposal_confirmed_without_scope"] = true
	case clarificationRound >= 2 && scopeCountConfirmed == 0:
		metrics["loop_prevented"] = true
	case needsL3:
		decision.Level = "L3"
		decision.NeedsInterrupt = true
		decision.Kind = "plan_approval"
		decision.Question = planApprovalQuestion(reasoningPlan)
		decision.Options = []string{"si", "ajustar", "cambiar alcance"}
	case needsL2:
		decision.Level = "L2"
		decision.NeedsInterrupt = true
		decision.Kind = "clarification"
		decision.Question, decision.Options = clarificationQuestion(
			intent.Mode, clarificationChoice, objectiveHint,
			scopeCandidates, scopeCountRequested, scopeCountConfirmed, metrics,
		)
	}
	return decision
}

func planApprovalQuestion(plan agent.ReasoningPlan) string {
	type consolidated struct {
		name  string
		count int
	}
	var steps []consolidated
	for _, step := range plan.Steps {
		name := toolDisplayNames[step.Tool]
		if name == "" {
			name = step.Tool
		}
		if len(steps) > 0 && steps[len(steps)-1].name == name {
			steps[len(steps)-1].count++
			continue
		}
		steps = append(steps, consolidated{name: name, count: 1})
	}

	var parts []string
	for i, step := range steps {
		if i >= 4 {
			break
		}
		if step.count > 1 {
			parts = append(parts, fmt.Sprintf("%d) %s (%dx paralelizado)", i+1, step.name, step.count))
		} else {
			parts = append(parts, fmt.Sprintf("%d) %s", i+1, step.name))
		}
	}
	stepText := "1) Buscar contexto normativo"
	if len(parts) > 0 {
		stepText = strings.Join(parts, " -> ")
	}
	return "Entiendo que requieres un analisis profundo. " +
		"Plan propuesto: " + stepText + ". " +
		"¿Te parece bien este plan o quieres ajustarlo (ej: pedir enfoque en una tabla)?"
}

func clarificationQuestion(mode, choice, objectiveHint string, candidates []string, requested, confirmed int, metrics map[string]interface{}) (string, []string) {
	firstN := func(list []string, n int) []string {
		if len(list) <= n {
			return list
		}
		return list[:n]
	}

	if (choice == "compare_multiple" || choice == "comparar_multiples") && confirmed == 0 {
		example := "alcance A, alcance B"
		if len(candidates) > 0 {
			example = strings.Join(firstN(candidates, 2), ", ")
		}
		options := []string{"Escribir alcances ahora"}
		if len(candidates) > 0 {
			options = firstN(candidates, 4)
		}
		metrics["guided_reprompt"] = true
		return "Perfecto, comparemos multiples alcances. " +
			"Escribe los alcances exactos separados por coma (ej: " + example + ").", options
	}

	if requested >= 2 && confirmed == 0 && len(candidates) > 0 {
		options := firstN(candidates, 4)
		return "Veo ambiguedad de alcance. ¿Quieres que responda para: " +
			strings.Join(options, ", ") + "?", options
	}

	if mode == profile.ModeCrossScopeAnalysis || mode == "cross_standard_analysis" {
		if objectiveHint != "" {
			metrics["proposal_generated"] = true
			return "Entendi que quieres comparar por '" + objectiveHint + "'. " +
				"Propongo continuar con comparacion multialcance. " +
				"¿Confirmas? Si prefieres acotar, escribe normas exactas separadas por coma.", []string{"si, continuar"}
		}
		example := "alcance A, alcance B"
		if len(candidates) > 0 {
			example = strings.Join(firstN(candidates, 3), ", ")
		}
		return "Para comparar con evidencia util, dime los alcances exactos a incluir " +
			"(ej: " + example + ").", firstN(candidates, 4)
	}

	return "Necesito un dato concreto para responder con evidencia: " +
		"indica el alcance exacto que deseas analizar.", firstN(candidates, 4)
}

func round4(v float64) float64 {
	return float64(int(v*10000+0.5)) / 10000
}

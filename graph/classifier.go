package graph

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/core"
	"github.com/mcalza96/cire-orchestrator/profile"
	"github.com/mcalza96/cire-orchestrator/router"
)

// Classification is the classifier verdict with its observability payload.
type Classification struct {
	Mode         string
	Confidence   float64
	Reasons      []string
	Features     map[string]interface{}
	BlockedModes []string
}

// lowConfidenceDefault is the confidence assigned when classification falls
// back to the profile default mode.
const lowConfidenceDefault = 0.4

// classificationThreshold is the confidence below which the kernel may ask
// for clarification instead of answering.
const classificationThreshold = 0.5

var sentenceSplitRE = regexp.MustCompile(`[.!?]+`)

type queryFeatures struct {
	queryLength          int
	sentenceCount        int
	clauseRefs           []string
	requestedScopes      []string
	hasLiteralVerb       bool
	hasAnalysisVerb      bool
	hasComparativeMarker bool
	hasListMarker        bool
	multiScope           bool
	multiClause          bool
	multiObjective       bool
}

func extractFeatures(query string, p *profile.AgentProfile) queryFeatures {
	text := strings.ToLower(strings.TrimSpace(query))
	clauseRefs := router.ExtractClauseRefs(query, p)
	requested := router.ExtractRequestedScopes(query, p)

	sentences := 0
	for _, s := range sentenceSplitRE.Split(text, -1) {
		if strings.TrimSpace(s) != "" {
			sentences++
		}
	}
	if sentences < 1 {
		sentences = 1
	}

	f := queryFeatures{
		queryLength:          len(text),
		sentenceCount:        sentences,
		clauseRefs:           clauseRefs,
		requestedScopes:      requested,
		hasLiteralVerb:       hasAny(text, hintsOr(p.Router.LiteralNormativeHints, profile.Default().Router.LiteralNormativeHints)),
		hasAnalysisVerb:      hasAny(text, hintsOr(p.Router.InterpretiveHints, profile.Default().Router.InterpretiveHints)),
		hasComparativeMarker: hasAny(text, hintsOr(p.Router.ComparativeHints, profile.Default().Router.ComparativeHints)),
		hasListMarker:        hasAny(text, hintsOr(p.Router.LiteralListHints, profile.Default().Router.LiteralListHints)),
		multiScope:           len(requested) >= 2,
		multiClause:          len(clauseRefs) >= 2,
	}
	connectors := []string{" y ", " o ", " bas", " impact", " impid", " basado"}
	f.multiObjective = f.multiClause && hasAny(text, connectors)
	return f
}

func (f queryFeatures) toMap() map[string]interface{} {
	clauseRefs := f.clauseRefs
	if len(clauseRefs) > 10 {
		clauseRefs = clauseRefs[:10]
	}
	return map[string]interface{}{
		"query_length":           f.queryLength,
		"sentence_count":         f.sentenceCount,
		"clause_refs_count":      len(f.clauseRefs),
		"requested_scopes_count": len(f.requestedScopes),
		"has_literal_verb":       f.hasLiteralVerb,
		"has_analysis_verb":      f.hasAnalysisVerb,
		"has_comparative_marker": f.hasComparativeMarker,
		"has_list_marker":        f.hasListMarker,
		"multi_scope":            f.multiScope,
		"multi_clause":           f.multiClause,
		"multi_objective":        f.multiObjective,
		"clause_refs":            clauseRefs,
		"requested_scopes":       f.requestedScopes,
	}
}

// classifyIntent selects the query mode. Profile intent rules win when
// declared; otherwise the scored v2 classifier runs (or the v1 hint chain
// when disabled by config). A clause reference without any detected scope and
// no analytical signal routes to the scope-ambiguous mode.
func classifyIntent(query string, p *profile.AgentProfile, cfg *core.Config) (agent.QueryIntent, Classification) {
	if p == nil {
		p = profile.Default()
	}

	if len(p.Router.IntentRules) > 0 {
		if intent, classification, ok := classifyByRules(query, p); ok {
			return intent, classification
		}
		mode := p.DefaultMode()
		classification := Classification{
			Mode:       mode,
			Confidence: lowConfidenceDefault,
			Reasons:    []string{"default:no_rule_matched"},
		}
		return agent.QueryIntent{Mode: mode, Rationale: "no intent rule matched, profile default applied"}, classification
	}

	if cfg != nil && !cfg.ModeClassifierV2 {
		return classifyV1(query, p)
	}

	f := extractFeatures(query, p)
	classification := classifyV2(f)

	// Clause refs without explicit scope, and no analytical signal: ask which
	// standard the user means before spending retrieval budget.
	if len(f.clauseRefs) >= 1 && len(f.requestedScopes) == 0 &&
		!f.hasAnalysisVerb && !f.hasComparativeMarker {
		return agent.QueryIntent{
				Mode:      profile.ModeAmbiguaScope,
				Rationale: "clause reference without explicit standard scope",
			}, Classification{
				Mode:         profile.ModeAmbiguaScope,
				Confidence:   0.7,
				Reasons:      []string{"guardrail:clause_without_scope"},
				Features:     f.toMap(),
				BlockedModes: classification.BlockedModes,
			}
	}

	if _, known := p.QueryModes.Modes[classification.Mode]; !known && len(p.QueryModes.Modes) > 0 {
		classification.Reasons = append(classification.Reasons, "fallback:unknown_mode")
		classification.Mode = p.DefaultMode()
		classification.Confidence = lowConfidenceDefault
	}

	intent := agent.QueryIntent{
		Mode: classification.Mode,
		Rationale: fmt.Sprintf("v2 confidence=%.2f reasons=%s",
			classification.Confidence, strings.Join(firstN(classification.Reasons, 6), ",")),
	}
	return intent, classification
}

func classifyByRules(query string, p *profile.AgentProfile) (agent.QueryIntent, Classification, bool) {
	text := strings.ToLower(query)
	for _, rule := range p.Router.IntentRules {
		if !ruleMatches(text, query, rule) {
			continue
		}
		confidence := rule.Confidence
		if confidence <= 0 {
			confidence = 0.7
		}
		rationale := rule.Rationale
		if rationale == "" {
			rationale = "intent rule matched"
		}
		return agent.QueryIntent{Mode: rule.Mode, Rationale: rationale}, Classification{
			Mode:       rule.Mode,
			Confidence: confidence,
			Reasons:    []string{"rule:" + rule.Mode},
		}, true
	}
	return agent.QueryIntent{}, Classification{}, false
}

func ruleMatches(lowerText, originalText string, rule profile.IntentRule) bool {
	for _, keyword := range rule.AllKeywords {
		if !strings.Contains(lowerText, strings.ToLower(keyword)) {
			return false
		}
	}
	if len(rule.AnyKeywords) > 0 && !hasAny(lowerText, lowerAll(rule.AnyKeywords)) {
		return false
	}
	for _, pattern := range rule.AllPatterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil || !re.MatchString(originalText) {
			return false
		}
	}
	if len(rule.AnyPatterns) > 0 {
		matched := false
		for _, pattern := range rule.AnyPatterns {
			re, err := regexp.Compile("(?i)" + pattern)
			if err == nil && re.MatchString(originalText) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, marker := range rule.AllMarkers {
		if !strings.Contains(lowerText, strings.ToLower(marker)) {
			return false
		}
	}
	if len(rule.AnyMarkers) > 0 && !hasAny(lowerText, lowerAll(rule.AnyMarkers)) {
		return false
	}
	return true
}

func classifyV2(f queryFeatures) Classification {
	var reasons []string
	var blocked []string

	// Guardrail: never default to literal extraction for analytical
	// multi-clause prompts.
	if f.multiClause && f.hasAnalysisVerb {
		blocked = append(blocked, profile.ModeLiteralNormativa, profile.ModeLiteralLista)
		reasons = append(reasons, "guardrail:block_literal_for_multiclause_analysis")
	}

	var literalScore, comparativeScore, explanatoryScore, listScore float64

	if f.hasListMarker {
		listScore += 2.0
		reasons = append(reasons, "feature:list_marker")
	}
	if f.hasLiteralVerb {
		literalScore += 2.0
		reasons = append(reasons, "feature:literal_verb")
	}
	if len(f.clauseRefs) >= 1 {
		literalScore += 1.0
		reasons = append(reasons, "feature:clause_reference")
	}
	if f.hasAnalysisVerb {
		explanatoryScore += 2.0
		comparativeScore += 0.5
		reasons = append(reasons, "feature:analysis_verb")
	}
	if f.hasComparativeMarker {
		comparativeScore += 2.0
		reasons = append(reasons, "feature:comparative_marker")
	}
	if f.multiScope {
		comparativeScore += 3.2
		explanatoryScore += 0.5
		reasons = append(reasons, "feature:multi_scope")
	}
	if f.multiClause {
		explanatoryScore += 1.5
		comparativeScore += 0.5
		reasons = append(reasons, "feature:multi_clause")
	}
	if f.multiObjective && f.hasAnalysisVerb {
		literalScore -= 2.0
		reasons = append(reasons, "penalty:literal_for_multiobjective")
	}

	type candidate struct {
		mode  string
		score float64
	}
	candidates := []candidate{
		{profile.ModeLiteralLista, listScore},
		{profile.ModeLiteralNormativa, literalScore},
		{profile.ModeComparativa, comparativeScore},
		{profile.ModeExplicativa, explanatoryScore},
	}

	filtered := candidates[:0:0]
	for _, c := range candidates {
		if !containsString(blocked, c.mode) {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		filtered = candidates
	}

	tieBreak := map[string]int{
		profile.ModeExplicativa:      0,
		profile.ModeComparativa:      1,
		profile.ModeLiteralNormativa: 2,
		profile.ModeLiteralLista:     3,
		profile.ModeAmbiguaScope:     4,
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].score != filtered[j].score {
			return filtered[i].score > filtered[j].score
		}
		return tieBreak[filtered[i].mode] < tieBreak[filtered[j].mode]
	})

	best := filtered[0]
	secondScore := best.score - 1.0
	if len(filtered) > 1 {
		secondScore = filtered[1].score
	}
	margin := best.score - secondScore
	confidence := 0.5 + margin/4.0
	if confidence < 0.05 {
		confidence = 0.05
	}
	if confidence > 0.95 {
		confidence = 0.95
	}

	mode := best.mode
	if best.score <= 1.0 {
		weakSignal := !f.hasLiteralVerb && !f.hasListMarker && !f.hasAnalysisVerb &&
			!f.hasComparativeMarker && len(f.clauseRefs) == 0 && !f.multiScope
		if weakSignal && !containsString(blocked, profile.ModeExplicativa) {
			mode = profile.ModeExplicativa
			confidence = lowConfidenceDefault
			reasons = append(reasons, "default:explicativa_for_low_signal")
		}
		if confidence > 0.55 {
			confidence = 0.55
		}
		reasons = append(reasons, "low_signal")
	}

	return Classification{
		Mode:         mode,
		Confidence:   confidence,
		Reasons:      firstN(reasons, 16),
		Features:     f.toMap(),
		BlockedModes: blocked,
	}
}

// classifyV1 is the legacy hint chain, kept behind ORCH_MODE_CLASSIFIER_V2.
func classifyV1(query string, p *profile.AgentProfile) (agent.QueryIntent, Classification) {
	text := strings.ToLower(strings.TrimSpace(query))
	requested := router.ExtractRequestedScopes(query, p)
	base := profile.Default().Router

	listHints := hintsOr(p.Router.LiteralListHints, base.LiteralListHints)
	literalHints := hintsOr(p.Router.LiteralNormativeHints, base.LiteralNormativeHints)
	comparativeHints := hintsOr(p.Router.ComparativeHints, base.ComparativeHints)
	interpretiveHints := hintsOr(p.Router.InterpretiveHints, base.InterpretiveHints)

	result := func(mode, rationale, reason string, confidence float64) (agent.QueryIntent, Classification) {
		return agent.QueryIntent{Mode: mode, Rationale: rationale}, Classification{
			Mode:       mode,
			Confidence: confidence,
			Reasons:    []string{reason},
		}
	}

	switch {
	case len(requested) >= 2 && hasAny(text, interpretiveHints):
		return result(profile.ModeComparativa, "multi-standard interpretive cross-impact", "heuristic:multi_scope+interpretive", 0.7)
	case hasAny(text, listHints):
		return result(profile.ModeLiteralLista, "list-like normative query", "heuristic:list", 0.7)
	case hasAny(text, literalHints):
		if hasAny(text, interpretiveHints) {
			mode := profile.ModeExplicativa
			if len(requested) >= 2 {
				mode = profile.ModeComparativa
			}
			return result(mode, "interpretive question with clause refs", "heuristic:interpretive+clause", 0.65)
		}
		if len(router.ExtractClauseRefs(query, p)) > 0 && len(requested) == 0 {
			return result(profile.ModeAmbiguaScope, "clause reference without explicit standard scope", "heuristic:clause_without_scope", 0.7)
		}
		return result(profile.ModeLiteralNormativa, "normative exactness query", "heuristic:literal", 0.7)
	case hasAny(text, comparativeHints):
		return result(profile.ModeComparativa, "cross-scope comparison", "heuristic:comparative", 0.6)
	}
	return result(profile.ModeExplicativa, "general explanatory query", "heuristic:default", 0.55)
}

// buildRetrievalPlan resolves the mode's retrieval profile and attaches the
// detected scopes and response contract.
func buildRetrievalPlan(intent agent.QueryIntent, query string, p *profile.AgentProfile) agent.RetrievalPlan {
	requested := router.ExtractRequestedScopes(query, p)
	cfg := p.RetrievalConfigFor(intent.Mode)

	plan := agent.RetrievalPlan{
		Mode:                   intent.Mode,
		ChunkK:                 cfg.ChunkK,
		ChunkFetchK:            cfg.ChunkFetchK,
		SummaryK:               cfg.SummaryK,
		RequireLiteralEvidence: cfg.RequireLiteralEvidence,
		RequestedStandards:     requested,
	}
	if modeCfg := p.ModeConfig(intent.Mode); modeCfg != nil {
		plan.ResponseContract = modeCfg.ResponseContract
		plan.AllowInference = modeCfg.AllowInference
	}
	return plan
}

func hasAny(text string, needles []string) bool {
	for _, needle := range needles {
		if needle != "" && strings.Contains(text, strings.ToLower(needle)) {
			return true
		}
	}
	return false
}

func hintsOr(primary, fallback []string) []string {
	if len(primary) > 0 {
		return primary
	}
	return fallback
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func firstN(list []string, n int) []string {
	if len(list) <= n {
		return list
	}
	return list[:n]
}

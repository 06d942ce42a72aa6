// Package profile defines the declarative policy bundle that parameterizes
// the kernel per tenant: routing heuristics, per-mode retrieval configs,
// interaction thresholds, synthesis templates, validation policy, and tool
// capabilities. Profiles are immutable once loaded; every field has a
// documented default so a partial document never breaks the flow.
package profile

import "strings"

// AgentProfile is the full policy bundle. YAML and JSON tags share names so
// file- and store-sourced documents decode identically.
type AgentProfile struct {
	ProfileID string      `yaml:"profile_id" json:"profile_id"`
	Version   string      `yaml:"version" json:"version"`
	Status    string      `yaml:"status" json:"status"` // "draft" or "active"
	Meta      ProfileMeta `yaml:"meta" json:"meta"`
	Identity  Identity    `yaml:"identity" json:"identity"`

	DomainEntities []string `yaml:"domain_entities" json:"domain_entities"`

	Router      Router            `yaml:"router" json:"router"`
	Retrieval   RetrievalPolicy   `yaml:"retrieval" json:"retrieval"`
	Validation  ValidationPolicy  `yaml:"validation" json:"validation"`
	Synthesis   SynthesisPolicy   `yaml:"synthesis" json:"synthesis"`
	QueryModes  QueryModes        `yaml:"query_modes" json:"query_modes"`
	Capabilities Capabilities     `yaml:"capabilities" json:"capabilities"`
	Interaction InteractionPolicy `yaml:"interaction_policy" json:"interaction_policy"`
}

// ProfileMeta identifies a profile document.
type ProfileMeta struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description" json:"description"`
	Owner       string `yaml:"owner" json:"owner"`
}

// Identity shapes the assistant persona used by synthesis.
type Identity struct {
	Role       string   `yaml:"role" json:"role"`
	Tone       string   `yaml:"tone" json:"tone"`
	StyleGuide []string `yaml:"style_guide" json:"style_guide"`
}

// ScopePattern maps a regex onto a scope label.
type ScopePattern struct {
	Label string `yaml:"label" json:"label"`
	Regex string `yaml:"regex" json:"regex"`
}

// IntentRule is one ordered classification rule. The first rule whose
// conditions all hold decides the mode. Markers are virtual tokens such as
// "__mode__=comparativa" or "__low_confidence__" injected by upstream layers.
type IntentRule struct {
	Mode        string   `yaml:"mode" json:"mode"`
	AllKeywords []string `yaml:"all_keywords" json:"all_keywords"`
	AnyKeywords []string `yaml:"any_keywords" json:"any_keywords"`
	AllPatterns []string `yaml:"all_patterns" json:"all_patterns"`
	AnyPatterns []string `yaml:"any_patterns" json:"any_patterns"`
	AllMarkers  []string `yaml:"all_markers" json:"all_markers"`
	AnyMarkers  []string `yaml:"any_markers" json:"any_markers"`
	Confidence  float64  `yaml:"confidence" json:"confidence"`
	Rationale   string   `yaml:"rationale" json:"rationale"`
}

// Router carries the heuristics the planner uses for intent classification
// and scope detection.
type Router struct {
	IntentRules          []IntentRule        `yaml:"intent_rules" json:"intent_rules"`
	LiteralListHints     []string            `yaml:"literal_list_hints" json:"literal_list_hints"`
	LiteralNormativeHints []string           `yaml:"literal_normative_hints" json:"literal_normative_hints"`
	ComparativeHints     []string            `yaml:"comparative_hints" json:"comparative_hints"`
	InterpretiveHints    []string            `yaml:"interpretive_hints" json:"interpretive_hints"`
	ConflictMarkers      []string            `yaml:"conflict_markers" json:"conflict_markers"`
	EvidenceMarkers      []string            `yaml:"evidence_markers" json:"evidence_markers"`
	ScopeHints           map[string][]string `yaml:"scope_hints" json:"scope_hints"`
	ScopePatterns        []ScopePattern      `yaml:"scope_patterns" json:"scope_patterns"`
	ReferencePatterns    []string            `yaml:"reference_patterns" json:"reference_patterns"`
}

// RetrievalModeConfig sets the retrieval depth for one mode.
type RetrievalModeConfig struct {
	ChunkK                 int  `yaml:"chunk_k" json:"chunk_k"`
	ChunkFetchK            int  `yaml:"chunk_fetch_k" json:"chunk_fetch_k"`
	SummaryK               int  `yaml:"summary_k" json:"summary_k"`
	RequireLiteralEvidence bool `yaml:"require_literal_evidence" json:"require_literal_evidence"`
}

// SearchHint expands a matched term with additional retrieval vocabulary.
type SearchHint struct {
	Term     string   `yaml:"term" json:"term"`
	ExpandTo []string `yaml:"expand_to" json:"expand_to"`
}

// RetrievalPolicy maps retrieval profiles to their configs and carries the
// score threshold and hint expansions.
type RetrievalPolicy struct {
	ByMode      map[string]RetrievalModeConfig `yaml:"by_mode" json:"by_mode"`
	SearchHints []SearchHint                   `yaml:"search_hints" json:"search_hints"`
	MinScore    float64                        `yaml:"min_score" json:"min_score"`
}

// ValidationPolicy parameterizes the citation validator.
type ValidationPolicy struct {
	RequireCitations  bool     `yaml:"require_citations" json:"require_citations"`
	ForbiddenConcepts []string `yaml:"forbidden_concepts" json:"forbidden_concepts"`
	FallbackMessage   string   `yaml:"fallback_message" json:"fallback_message"`
}

// SynthesisPolicy parameterizes answer generation and citation rendering.
type SynthesisPolicy struct {
	SystemPersona             string   `yaml:"system_persona" json:"system_persona"`
	CitationFormat            string   `yaml:"citation_format" json:"citation_format"`
	SynthesisRules            []string `yaml:"synthesis_rules" json:"synthesis_rules"`
	StrictStyle               []string `yaml:"strict_style" json:"strict_style"`
	InterpretiveStyle         []string `yaml:"interpretive_style" json:"interpretive_style"`
	CitationRequiredFields    []string `yaml:"citation_required_fields" json:"citation_required_fields"`
	CitationRenderTemplate    string   `yaml:"citation_render_template" json:"citation_render_template"`
	CitationNoiseFilters      []string `yaml:"citation_noise_filters" json:"citation_noise_filters"`
	CitationSchemaVersion     string   `yaml:"citation_schema_version" json:"citation_schema_version"`
	MinStructuredCitationRatio float64 `yaml:"min_structured_citation_ratio" json:"min_structured_citation_ratio"`
}

// DecompositionPolicy bounds subquery planning for one mode.
type DecompositionPolicy struct {
	MaxSubqueries           int    `yaml:"max_subqueries" json:"max_subqueries"`
	SubqueryAggregationMode string `yaml:"subquery_aggregation_mode" json:"subquery_aggregation_mode"`
	LightLLMEnabled         bool   `yaml:"light_llm_enabled" json:"light_llm_enabled"`
}

// CoverageRequirements tightens the coverage gate for one mode.
type CoverageRequirements struct {
	RequireAllRequestedScopes *bool `yaml:"require_all_requested_scopes" json:"require_all_requested_scopes"`
	MinClauseRefs             *int  `yaml:"min_clause_refs" json:"min_clause_refs"`
}

// QueryModeConfig binds a mode to its retrieval profile, tool sequence, and
// decomposition/coverage policy.
type QueryModeConfig struct {
	RetrievalProfile     string               `yaml:"retrieval_profile" json:"retrieval_profile"`
	ExecutionPlan        []string             `yaml:"execution_plan" json:"execution_plan"`
	ResponseContract     string               `yaml:"response_contract" json:"response_contract"`
	AllowInference       bool                 `yaml:"allow_inference" json:"allow_inference"`
	DecompositionPolicy  DecompositionPolicy  `yaml:"decomposition_policy" json:"decomposition_policy"`
	CoverageRequirements CoverageRequirements `yaml:"coverage_requirements" json:"coverage_requirements"`
}

// QueryModes collects the mode table and the fallback mode.
type QueryModes struct {
	DefaultMode string                     `yaml:"default_mode" json:"default_mode"`
	Modes       map[string]QueryModeConfig `yaml:"modes" json:"modes"`
}

// ReasoningBudget caps the loop.
type ReasoningBudget struct {
	MaxSteps       int `yaml:"max_steps" json:"max_steps"`
	MaxReflections int `yaml:"max_reflections" json:"max_reflections"`
}

// ToolPolicy carries per-tool overrides.
type ToolPolicy struct {
	TimeoutMS int `yaml:"timeout_ms" json:"timeout_ms"`
}

// Capabilities lists what the profile is allowed to do.
type Capabilities struct {
	AllowedTools    []string              `yaml:"allowed_tools" json:"allowed_tools"`
	ReasoningBudget ReasoningBudget       `yaml:"reasoning_budget" json:"reasoning_budget"`
	ToolPolicies    map[string]ToolPolicy `yaml:"tool_policies" json:"tool_policies"`
}

// InteractionThresholds gate the clarification levels.
type InteractionThresholds struct {
	L2Ambiguity  float64 `yaml:"l2_ambiguity" json:"l2_ambiguity"`
	L3Subqueries int     `yaml:"l3_subqueries" json:"l3_subqueries"`
	L3LatencyS   float64 `yaml:"l3_latency_s" json:"l3_latency_s"`
	L3CostTokens int     `yaml:"l3_cost_tokens" json:"l3_cost_tokens"`
}

// ModeInteractionPolicy overrides interaction behavior for one mode.
type ModeInteractionPolicy struct {
	RequiredSlots       []string `yaml:"required_slots" json:"required_slots"`
	RiskLevel           string   `yaml:"risk_level" json:"risk_level"`
	RequirePlanApproval bool     `yaml:"require_plan_approval" json:"require_plan_approval"`
}

// InteractionPolicy governs when the kernel interrupts with a clarification
// or plan-approval request instead of answering.
type InteractionPolicy struct {
	Enabled                 bool                             `yaml:"enabled" json:"enabled"`
	MaxInterruptionsPerTurn int                              `yaml:"max_interruptions_per_turn" json:"max_interruptions_per_turn"`
	Thresholds              InteractionThresholds            `yaml:"thresholds" json:"thresholds"`
	ModeOverrides           map[string]ModeInteractionPolicy `yaml:"mode_overrides" json:"mode_overrides"`
}

// Resolution records where a profile came from and why.
type Resolution struct {
	Source             string `json:"source"` // "store", "file", "cache", "default"
	RequestedProfileID string `json:"requested_profile_id,omitempty"`
	AppliedProfileID   string `json:"applied_profile_id"`
	DecisionReason     string `json:"decision_reason"`
}

// Map converts a resolution into the trace payload shape.
func (r Resolution) Map() map[string]interface{} {
	return map[string]interface{}{
		"source":               r.Source,
		"requested_profile_id": r.RequestedProfileID,
		"applied_profile_id":   r.AppliedProfileID,
		"decision_reason":      r.DecisionReason,
	}
}

// ModeConfig returns the config for a mode, or nil when the mode is unknown.
func (p *AgentProfile) ModeConfig(mode string) *QueryModeConfig {
	if p == nil {
		return nil
	}
	cfg, ok := p.QueryModes.Modes[strings.TrimSpace(mode)]
	if !ok {
		return nil
	}
	return &cfg
}

// RetrievalConfigFor resolves mode -> retrieval_profile -> retrieval config,
// falling back to a lookup by mode name and then to the generic default.
func (p *AgentProfile) RetrievalConfigFor(mode string) RetrievalModeConfig {
	if p != nil {
		key := strings.TrimSpace(mode)
		if mc := p.ModeConfig(key); mc != nil && mc.RetrievalProfile != "" {
			if cfg, ok := p.Retrieval.ByMode[mc.RetrievalProfile]; ok {
				return cfg
			}
		}
		if cfg, ok := p.Retrieval.ByMode[key]; ok {
			return cfg
		}
	}
	return RetrievalModeConfig{ChunkK: 30, ChunkFetchK: 120, SummaryK: 5}
}

// DefaultMode returns the profile fallback mode.
func (p *AgentProfile) DefaultMode() string {
	if p != nil && strings.TrimSpace(p.QueryModes.DefaultMode) != "" {
		return p.QueryModes.DefaultMode
	}
	return "explicativa"
}

// ToolAllowed reports whether a tool is in the capability allowlist.
func (p *AgentProfile) ToolAllowed(tool string) bool {
	if p == nil {
		return false
	}
	for _, name := range p.Capabilities.AllowedTools {
		if name == tool {
			return true
		}
	}
	return false
}

// ModeInteraction returns the interaction override for a mode, zero-valued
// when absent.
func (p *AgentProfile) ModeInteraction(mode string) ModeInteractionPolicy {
	if p == nil {
		return ModeInteractionPolicy{}
	}
	return p.Interaction.ModeOverrides[strings.TrimSpace(mode)]
}

package agent

// TraceSchemaVersion identifies the retrieval trace layout. Bump when a
// sub-record changes shape.
const TraceSchemaVersion = "v2"

// RetrievalDiagnostics describes how evidence was obtained: which contract
// and strategy ran, whether the upstream reported partial results, the scope
// validation payload, and the full trace.
type RetrievalDiagnostics struct {
	Contract        string                 `json:"contract"`
	Strategy        string                 `json:"strategy"`
	Partial         bool                   `json:"partial"`
	Trace           *RetrievalTrace        `json:"trace"`
	ScopeValidation map[string]interface{} `json:"scope_validation,omitempty"`
}

// RetrievalTrace is the schema-versioned record of a retrieval pass. Only the
// fields below exist; stages must not invent ad-hoc keys.
type RetrievalTrace struct {
	SchemaVersion string `json:"schema_version"`

	Promoted bool   `json:"promoted,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Refined  bool   `json:"refined,omitempty"`

	FallbackReason          string `json:"fallback_reason,omitempty"`
	MultiQueryFallbackError string `json:"multi_query_fallback_error,omitempty"`
	FallbackSkipped         string `json:"multi_query_fallback_skipped,omitempty"`
	EarlyExit               string `json:"multi_query_fallback_early_exit,omitempty"`

	EvaluatorOverride bool   `json:"evaluator_override,omitempty"`
	EvaluatorReason   string `json:"evaluator_reason,omitempty"`

	SemanticTail bool `json:"deterministic_subquery_semantic_tail,omitempty"`

	TimingsMS  map[string]float64 `json:"timings_ms,omitempty"`
	ErrorCodes []string           `json:"error_codes,omitempty"`

	Subqueries []Subquery `json:"subqueries,omitempty"`

	MissingScopes     []string `json:"missing_scopes"`
	MissingClauseRefs []string `json:"missing_clause_refs"`

	MissingScopesBefore []string `json:"missing_scopes_before,omitempty"`
	MissingScopesAfter  []string `json:"missing_scopes_after,omitempty"`

	MinScoreFilter *MinScoreFilterTrace `json:"min_score_filter,omitempty"`
	CoverageGate   *CoverageGateTrace   `json:"coverage_gate,omitempty"`
	ModePolicy     *ModePolicyTrace     `json:"mode_policy,omitempty"`
	LayerStats     map[string]int       `json:"layer_stats,omitempty"`

	SearchHintExpansions *SearchHintTrace `json:"search_hint_expansions,omitempty"`

	// Upstream traces are passed through opaquely.
	HybridTrace     map[string]interface{} `json:"hybrid_trace,omitempty"`
	MultiQueryTrace map[string]interface{} `json:"multi_query_trace,omitempty"`
	RAGFeatures     map[string]interface{} `json:"rag_features,omitempty"`

	ProfileResolution map[string]interface{} `json:"agent_profile_resolution,omitempty"`

	// ReasoningTrace is attached once, when the flow terminates.
	ReasoningTrace map[string]interface{} `json:"reasoning_trace,omitempty"`
}

// NewRetrievalTrace returns an empty trace at the current schema version.
func NewRetrievalTrace() *RetrievalTrace {
	return &RetrievalTrace{
		SchemaVersion:     TraceSchemaVersion,
		TimingsMS:         make(map[string]float64),
		MissingScopes:     []string{},
		MissingClauseRefs: []string{},
	}
}

// AddErrorCodes merges codes into the trace, deduplicating.
func (t *RetrievalTrace) AddErrorCodes(codes ...string) {
	t.ErrorCodes = MergeErrorCodes(t.ErrorCodes, codes)
}

// RecordTiming accumulates elapsed milliseconds for a named stage.
func (t *RetrievalTrace) RecordTiming(stage string, elapsedMS float64) {
	if t.TimingsMS == nil {
		t.TimingsMS = make(map[string]float64)
	}
	if elapsedMS < 0 {
		elapsedMS = 0
	}
	t.TimingsMS[stage] += elapsedMS
}

// MinScoreFilterTrace records the outcome of the min-score policy, including
// whether the backstop kept below-threshold items.
type MinScoreFilterTrace struct {
	Threshold       float64 `json:"threshold"`
	Kept            int     `json:"kept"`
	Dropped         int     `json:"dropped"`
	BackstopApplied bool    `json:"backstop_applied"`
	BackstopTopN    int     `json:"backstop_top_n"`
}

// CoverageGateTrace records the coverage-repair pass.
type CoverageGateTrace struct {
	TriggerReason          string   `json:"trigger_reason"`
	MissingScopes          []string `json:"missing_scopes"`
	MissingClauseRefs      []string `json:"missing_clause_refs"`
	AddedQueries           []string `json:"added_queries,omitempty"`
	StepBackQueries        []string `json:"step_back_queries,omitempty"`
	StepBackMissingScopes  []string `json:"step_back_missing_scopes,omitempty"`
	StepBackMissingClauses []string `json:"step_back_missing_clause_refs,omitempty"`
	FinalMissingScopes     []string `json:"final_missing_scopes"`
	FinalMissingClauseRefs []string `json:"final_missing_clause_refs"`
	Error                  string   `json:"error,omitempty"`
}

// ModePolicyTrace echoes the decomposition limits the active mode imposed.
type ModePolicyTrace struct {
	RequireAllRequestedScopes bool `json:"require_all_requested_scopes"`
	MinClauseRefs             int  `json:"min_clause_refs"`
	MaxSubqueries             int  `json:"max_subqueries"`
}

// SearchHintTrace records which profile hint expansions were applied.
type SearchHintTrace struct {
	Applied       []AppliedHint `json:"applied"`
	ExpandedTerms []string      `json:"expanded_terms"`
}

// AppliedHint is one matched hint term and the expansions it contributed.
type AppliedHint struct {
	Term     string   `json:"term"`
	ExpandTo []string `json:"expand_to"`
}

package profile

// Mode names the default profile ships with. Tenants may define their own.
const (
	ModeLiteralNormativa   = "literal_normativa"
	ModeLiteralLista       = "literal_lista"
	ModeComparativa        = "comparativa"
	ModeExplicativa        = "explicativa"
	ModeAmbiguaScope       = "ambigua_scope"
	ModeCrossScopeAnalysis = "cross_scope_analysis"
)

// DefaultFallbackMessage replaces a rejected draft when the profile does not
// declare its own fallback.
const DefaultFallbackMessage = "No tengo informacion suficiente en el contexto para responder."

// Default returns the base profile applied when a tenant has no document of
// its own. Every section is populated so downstream code never branches on
// missing policy.
func Default() *AgentProfile {
	return &AgentProfile{
		ProfileID: "base_v1",
		Version:   "1.0.0",
		Status:    "active",
		Meta: ProfileMeta{
			ID:    "base_v1",
			Owner: "orchestrator",
		},
		Identity: Identity{
			Role: "Analista tecnico",
			Tone: "Formal y basado en evidencia",
		},
		Router: Router{
			LiteralListHints:      []string{"lista", "enumera", "listado", "vinetas"},
			LiteralNormativeHints: []string{"texto exacto", "literal", "que exige", "requisito", "obligatorio", "cita", "transcribe"},
			ComparativeHints:      []string{"compar", "difer", "vs", "entre", "respecto", "ambas"},
			InterpretiveHints:     []string{"implica", "impacto", "analiza", "analice", "causa", "por que", "relaciona", "basandose"},
			ConflictMarkers:       []string{"conflicto", "represalia", "confidencial", "denuncia"},
			EvidenceMarkers:       []string{"evidencia", "trazabilidad", "verificar", "registros", "informacion documentada"},
			ReferencePatterns:     []string{`\b\d+(?:\.\d+)+\b`},
		},
		Retrieval: RetrievalPolicy{
			ByMode: map[string]RetrievalModeConfig{
				ModeLiteralLista:     {ChunkK: 45, ChunkFetchK: 220, SummaryK: 3, RequireLiteralEvidence: true},
				ModeLiteralNormativa: {ChunkK: 45, ChunkFetchK: 220, SummaryK: 3, RequireLiteralEvidence: true},
				ModeComparativa:      {ChunkK: 35, ChunkFetchK: 140, SummaryK: 5},
				ModeAmbiguaScope:     {ChunkK: 0, ChunkFetchK: 0, SummaryK: 0, RequireLiteralEvidence: true},
				ModeExplicativa:      {ChunkK: 30, ChunkFetchK: 120, SummaryK: 5},
			},
			MinScore: 0.75,
		},
		Validation: ValidationPolicy{
			RequireCitations: true,
			FallbackMessage:  DefaultFallbackMessage,
		},
		Synthesis: SynthesisPolicy{
			SystemPersona:  "Responde con evidencia del contexto recuperado y evita afirmaciones sin sustento.",
			CitationFormat: "C#/R#",
			SynthesisRules: []string{
				"Cada afirmacion relevante debe referenciar evidencia recuperada.",
				"Si no hay evidencia suficiente, indicarlo explicitamente.",
				"No inventar referencias ni citas.",
			},
			StrictStyle: []string{
				"Para cada afirmacion: requisito | cita breve | fuente.",
				"No inventar texto normativo.",
			},
			InterpretiveStyle: []string{
				"Puedes conectar evidencias separadas, pero transparenta inferencias.",
				"Incluye referencias al final de cada punto.",
			},
			CitationRequiredFields:     []string{"id", "standard", "clause_id", "quote"},
			CitationRenderTemplate:     `{id} | {standard} | clausula {clause_id} | "{snippet}"`,
			CitationNoiseFilters:       []string{"indice", "prólogo", "traducción oficial", "official translation"},
			CitationSchemaVersion:      "v1",
			MinStructuredCitationRatio: 0.5,
		},
		QueryModes: QueryModes{
			DefaultMode: ModeExplicativa,
			Modes: map[string]QueryModeConfig{
				ModeLiteralNormativa: {
					RetrievalProfile:    ModeLiteralNormativa,
					ExecutionPlan:       []string{"semantic_retrieval"},
					DecompositionPolicy: DecompositionPolicy{MaxSubqueries: 4},
				},
				ModeLiteralLista: {
					RetrievalProfile:    ModeLiteralLista,
					ExecutionPlan:       []string{"semantic_retrieval", "structural_extraction"},
					DecompositionPolicy: DecompositionPolicy{MaxSubqueries: 4},
				},
				ModeComparativa: {
					RetrievalProfile:    ModeComparativa,
					ExecutionPlan:       []string{"semantic_retrieval", "logical_comparison"},
					DecompositionPolicy: DecompositionPolicy{MaxSubqueries: 6},
				},
				ModeExplicativa: {
					RetrievalProfile:    ModeExplicativa,
					ExecutionPlan:       []string{"semantic_retrieval"},
					DecompositionPolicy: DecompositionPolicy{MaxSubqueries: 6},
				},
				ModeAmbiguaScope: {
					RetrievalProfile: ModeAmbiguaScope,
					ExecutionPlan:    []string{},
				},
				ModeCrossScopeAnalysis: {
					RetrievalProfile: ModeComparativa,
					ExecutionPlan:    []string{"semantic_retrieval", "logical_comparison"},
					ResponseContract: "grounded_inference",
					AllowInference:   true,
					DecompositionPolicy: DecompositionPolicy{
						MaxSubqueries:           8,
						SubqueryAggregationMode: "grouped_map_reduce",
					},
				},
			},
		},
		Capabilities: Capabilities{
			AllowedTools: []string{
				"semantic_retrieval",
				"python_calculator",
				"logical_comparison",
				"structural_extraction",
				"citation_validator",
			},
			ReasoningBudget: ReasoningBudget{MaxSteps: 4, MaxReflections: 2},
			ToolPolicies:    map[string]ToolPolicy{},
		},
		Interaction: InteractionPolicy{
			Enabled:                 true,
			MaxInterruptionsPerTurn: 1,
			Thresholds: InteractionThresholds{
				L2Ambiguity:  0.45,
				L3Subqueries: 6,
				L3LatencyS:   18,
				L3CostTokens: 12000,
			},
			ModeOverrides: map[string]ModeInteractionPolicy{
				ModeAmbiguaScope: {RequiredSlots: []string{"scope"}},
				ModeCrossScopeAnalysis: {
					RequiredSlots: []string{"scope"},
					RiskLevel:     "medium",
				},
			},
		},
	}
}

// ApplyDefaults fills zero-valued sections of a decoded document from the
// base profile so partially specified tenants behave predictably.
func ApplyDefaults(p *AgentProfile) *AgentProfile {
	base := Default()
	if p == nil {
		return base
	}
	if p.ProfileID == "" {
		p.ProfileID = base.ProfileID
	}
	if p.Version == "" {
		p.Version = base.Version
	}
	if p.Status == "" {
		p.Status = base.Status
	}
	if p.Identity.Role == "" {
		p.Identity = base.Identity
	}
	if len(p.Router.ReferencePatterns) == 0 {
		p.Router.ReferencePatterns = base.Router.ReferencePatterns
	}
	if len(p.Router.LiteralListHints) == 0 {
		p.Router.LiteralListHints = base.Router.LiteralListHints
	}
	if len(p.Router.LiteralNormativeHints) == 0 {
		p.Router.LiteralNormativeHints = base.Router.LiteralNormativeHints
	}
	if len(p.Router.ComparativeHints) == 0 {
		p.Router.ComparativeHints = base.Router.ComparativeHints
	}
	if len(p.Router.InterpretiveHints) == 0 {
		p.Router.InterpretiveHints = base.Router.InterpretiveHints
	}
	if len(p.Retrieval.ByMode) == 0 {
		p.Retrieval.ByMode = base.Retrieval.ByMode
	}
	if p.Retrieval.MinScore <= 0 {
		p.Retrieval.MinScore = base.Retrieval.MinScore
	}
	if p.Validation.FallbackMessage == "" {
		p.Validation.FallbackMessage = base.Validation.FallbackMessage
	}
	if p.Synthesis.SystemPersona == "" {
		p.Synthesis = base.Synthesis
	}
	if len(p.QueryModes.Modes) == 0 {
		p.QueryModes = base.QueryModes
	}
	if p.QueryModes.DefaultMode == "" {
		p.QueryModes.DefaultMode = base.QueryModes.DefaultMode
	}
	if len(p.Capabilities.AllowedTools) == 0 {
		p.Capabilities.AllowedTools = base.Capabilities.AllowedTools
	}
	if p.Capabilities.ReasoningBudget.MaxSteps <= 0 {
		p.Capabilities.ReasoningBudget.MaxSteps = base.Capabilities.ReasoningBudget.MaxSteps
	}
	if p.Capabilities.ReasoningBudget.MaxReflections <= 0 {
		p.Capabilities.ReasoningBudget.MaxReflections = base.Capabilities.ReasoningBudget.MaxReflections
	}
	if p.Interaction.MaxInterruptionsPerTurn <= 0 {
		p.Interaction.MaxInterruptionsPerTurn = base.Interaction.MaxInterruptionsPerTurn
	}
	if p.Interaction.Thresholds == (InteractionThresholds{}) {
		p.Interaction.Thresholds = base.Interaction.Thresholds
	}
	return p
}

package core

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RetrievalContractMode selects how the kernel talks to the RAG engine.
type RetrievalContractMode string

const (
	// ContractAdvanced uses the hybrid + multi-query endpoints (default).
	ContractAdvanced RetrievalContractMode = "advanced"
	// ContractComprehensive uses the single comprehensive endpoint.
	ContractComprehensive RetrievalContractMode = "comprehensive"
	// ContractLegacy fans out per-subquery hybrid calls and merges locally.
	ContractLegacy RetrievalContractMode = "legacy"
)

// Config carries every knob the kernel recognizes. It is populated once at
// startup (defaults -> optional .env file -> environment -> options) and is
// immutable afterwards; components receive it by value or pointer through
// their constructors.
type Config struct {
	// RAG engine endpoints and credentials.
	RAGServiceSecret string
	RAGLocalURL      string
	RAGFallbackURL   string
	RAGHealthPath    string
	RAGProbeTimeout  time.Duration
	RAGBackendTTL    time.Duration
	RAGForceBackend  string // "local" or "fallback"; empty disables forcing

	// HTTP client discipline.
	RAGHTTPTimeout        time.Duration
	RAGHTTPConnectTimeout time.Duration
	RAGHTTPReadTimeout    time.Duration
	RAGHTTPMaxConns       int
	RAGHTTPMaxIdleConns   int
	RAGHTTPKeepAlive      time.Duration

	// Contract selection.
	RetrievalContract RetrievalContractMode

	// Stage budgets.
	TotalTimeout          time.Duration
	ClassifyTimeout       time.Duration
	PlanTimeout           time.Duration
	ExecuteToolTimeout    time.Duration
	GenerateTimeout       time.Duration
	ValidateTimeout       time.Duration
	HybridTimeout         time.Duration
	MultiQueryTimeout     time.Duration
	CoverageRepairTimeout time.Duration

	// Multi-query strategy.
	MultiQueryPrimary           bool
	MultiQueryRefine            bool
	MultiQueryEvaluator         bool
	MultiQueryMinItems          int
	MultiQueryFallbackMaxQueries int
	MultihopFallback            bool
	EarlyExitCoverage           bool
	PlannerMaxQueries           int

	// Coverage gate.
	CoverageGateEnabled    bool
	CoverageGateMaxMissing int
	CoverageGateStepBack   bool

	// Score policy.
	MinScoreBackstopEnabled bool
	MinScoreBackstopTopN    int

	// Subquery planning.
	DeterministicSemanticTail bool
	LightPlannerEnabled       bool
	LightPlannerTimeout       time.Duration
	LightPlannerModel         string
	LightPlannerRatePerSecond float64

	// Map-reduce aggregation.
	SubqueryGroupedMapReduce bool
	SubqueryMapMaxSubqueries int
	SubqueryMapItemsPerGroup int

	// Classification.
	ModeClassifierV2 bool

	// LLM access (subquery planner, generator, clarification).
	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string

	// Profile store.
	ProfileStoreURL string
	ProfileDir      string
	RedisURL        string
	ProfileCacheTTL time.Duration

	// Telemetry.
	OTLPEndpoint string
}

// Option customizes a Config after environment loading.
type Option func(*Config)

// WithServiceSecret sets the shared secret sent on every contract request.
func WithServiceSecret(secret string) Option {
	return func(c *Config) { c.RAGServiceSecret = secret }
}

// WithRAGURLs sets the primary and fallback engine base URLs.
func WithRAGURLs(local, fallback string) Option {
	return func(c *Config) {
		c.RAGLocalURL = local
		c.RAGFallbackURL = fallback
	}
}

// WithTotalTimeout overrides the wall-clock budget per query.
func WithTotalTimeout(d time.Duration) Option {
	return func(c *Config) { c.TotalTimeout = d }
}

// WithRetrievalContract selects the contract mode.
func WithRetrievalContract(mode RetrievalContractMode) Option {
	return func(c *Config) { c.RetrievalContract = mode }
}

// DefaultConfig returns the kernel defaults before any environment is read.
func DefaultConfig() *Config {
	return &Config{
		RAGLocalURL:     "http://localhost:8000",
		RAGFallbackURL:  "http://localhost:8000",
		RAGHealthPath:   "/health",
		RAGProbeTimeout: 300 * time.Millisecond,
		RAGBackendTTL:   20 * time.Second,

		RAGHTTPTimeout:        20 * time.Second,
		RAGHTTPConnectTimeout: 3 * time.Second,
		RAGHTTPReadTimeout:    20 * time.Second,
		RAGHTTPMaxConns:       32,
		RAGHTTPMaxIdleConns:   16,
		RAGHTTPKeepAlive:      30 * time.Second,

		RetrievalContract: ContractAdvanced,

		TotalTimeout:          60 * time.Second,
		ClassifyTimeout:       2 * time.Second,
		PlanTimeout:           3 * time.Second,
		ExecuteToolTimeout:    30 * time.Second,
		GenerateTimeout:       15 * time.Second,
		ValidateTimeout:       5 * time.Second,
		HybridTimeout:         1800 * time.Millisecond,
		MultiQueryTimeout:     1800 * time.Millisecond,
		CoverageRepairTimeout: 800 * time.Millisecond,

		MultiQueryPrimary:            false,
		MultiQueryRefine:             false,
		MultiQueryEvaluator:          false,
		MultiQueryMinItems:           6,
		MultiQueryFallbackMaxQueries: 3,
		MultihopFallback:             true,
		EarlyExitCoverage:            true,
		PlannerMaxQueries:            5,

		CoverageGateEnabled:    true,
		CoverageGateMaxMissing: 2,
		CoverageGateStepBack:   false,

		MinScoreBackstopEnabled: false,
		MinScoreBackstopTopN:    6,

		DeterministicSemanticTail: false,
		LightPlannerEnabled:       false,
		LightPlannerTimeout:       600 * time.Millisecond,
		LightPlannerRatePerSecond: 2,

		SubqueryGroupedMapReduce: false,
		SubqueryMapMaxSubqueries: 8,
		SubqueryMapItemsPerGroup: 5,

		ModeClassifierV2: true,

		ProfileCacheTTL: 60 * time.Second,
	}
}

// LoadConfig builds the configuration from defaults, an optional .env file,
// the process environment, and finally the supplied options. It fails when
// the shared contract secret is absent: the kernel must never call the RAG
// engine unauthenticated.
func LoadConfig(opts ...Option) (*Config, error) {
	// Best effort: a missing .env is the normal production case.
	_ = godotenv.Load()

	c := DefaultConfig()
	c.applyEnv()
	for _, opt := range opts {
		opt(c)
	}
	if strings.TrimSpace(c.RAGServiceSecret) == "" {
		return nil, ErrMissingServiceSecret
	}
	return c, nil
}

func (c *Config) applyEnv() {
	setString(&c.RAGServiceSecret, "RAG_SERVICE_SECRET")
	setString(&c.RAGLocalURL, "RAG_ENGINE_LOCAL_URL")
	setString(&c.RAGFallbackURL, "RAG_ENGINE_FALLBACK_URL")
	setString(&c.RAGHealthPath, "RAG_ENGINE_HEALTH_PATH")
	setDurationMS(&c.RAGProbeTimeout, "RAG_ENGINE_PROBE_TIMEOUT_MS")
	setDurationS(&c.RAGBackendTTL, "RAG_ENGINE_BACKEND_TTL_SECONDS")
	setString(&c.RAGForceBackend, "RAG_ENGINE_FORCE_BACKEND")

	setDurationS(&c.RAGHTTPTimeout, "RAG_HTTP_TIMEOUT_SECONDS")
	setDurationS(&c.RAGHTTPConnectTimeout, "RAG_HTTP_CONNECT_TIMEOUT_SECONDS")
	setDurationS(&c.RAGHTTPReadTimeout, "RAG_HTTP_READ_TIMEOUT_SECONDS")
	setInt(&c.RAGHTTPMaxConns, "RAG_HTTP_MAX_CONNECTIONS")
	setInt(&c.RAGHTTPMaxIdleConns, "RAG_HTTP_MAX_KEEPALIVE_CONNECTIONS")
	setDurationS(&c.RAGHTTPKeepAlive, "RAG_HTTP_KEEPALIVE_EXPIRY_SECONDS")

	if raw := os.Getenv("ORCH_RETRIEVAL_CONTRACT"); raw != "" {
		switch RetrievalContractMode(strings.ToLower(raw)) {
		case ContractAdvanced, ContractComprehensive, ContractLegacy:
			c.RetrievalContract = RetrievalContractMode(strings.ToLower(raw))
		}
	}

	setDurationMS(&c.TotalTimeout, "ORCH_TIMEOUT_TOTAL_MS")
	setDurationMS(&c.ClassifyTimeout, "ORCH_TIMEOUT_CLASSIFY_MS")
	setDurationMS(&c.PlanTimeout, "ORCH_TIMEOUT_PLAN_MS")
	setDurationMS(&c.ExecuteToolTimeout, "ORCH_TIMEOUT_EXECUTE_TOOL_MS")
	setDurationMS(&c.GenerateTimeout, "ORCH_TIMEOUT_GENERATE_MS")
	setDurationMS(&c.ValidateTimeout, "ORCH_TIMEOUT_VALIDATE_MS")
	setDurationMS(&c.HybridTimeout, "ORCH_TIMEOUT_RETRIEVAL_HYBRID_MS")
	setDurationMS(&c.MultiQueryTimeout, "ORCH_TIMEOUT_RETRIEVAL_MULTI_QUERY_MS")
	setDurationMS(&c.CoverageRepairTimeout, "ORCH_TIMEOUT_RETRIEVAL_COVERAGE_REPAIR_MS")

	setBool(&c.MultiQueryPrimary, "ORCH_MULTI_QUERY_PRIMARY")
	setBool(&c.MultiQueryRefine, "ORCH_MULTI_QUERY_REFINE")
	setBool(&c.MultiQueryEvaluator, "ORCH_MULTI_QUERY_EVALUATOR")
	setInt(&c.MultiQueryMinItems, "ORCH_MULTI_QUERY_MIN_ITEMS")
	setInt(&c.MultiQueryFallbackMaxQueries, "ORCH_MULTI_QUERY_FALLBACK_MAX_QUERIES")
	setBool(&c.MultihopFallback, "ORCH_MULTIHOP_FALLBACK")
	setBool(&c.EarlyExitCoverage, "ORCH_EARLY_EXIT_COVERAGE_ENABLED")
	setInt(&c.PlannerMaxQueries, "ORCH_PLANNER_MAX_QUERIES")

	setBool(&c.CoverageGateEnabled, "ORCH_COVERAGE_GATE_ENABLED")
	setInt(&c.CoverageGateMaxMissing, "ORCH_COVERAGE_GATE_MAX_MISSING")
	setBool(&c.CoverageGateStepBack, "ORCH_COVERAGE_GATE_STEP_BACK")

	setBool(&c.MinScoreBackstopEnabled, "ORCH_MIN_SCORE_BACKSTOP_ENABLED")
	setInt(&c.MinScoreBackstopTopN, "ORCH_MIN_SCORE_BACKSTOP_TOP_N")

	setBool(&c.DeterministicSemanticTail, "ORCH_DETERMINISTIC_SUBQUERY_SEMANTIC_TAIL")
	setBool(&c.LightPlannerEnabled, "ORCH_LIGHT_PLANNER_ENABLED")
	setDurationMS(&c.LightPlannerTimeout, "ORCH_LIGHT_PLANNER_TIMEOUT_MS")
	setString(&c.LightPlannerModel, "ORCH_LIGHT_PLANNER_MODEL")

	setBool(&c.SubqueryGroupedMapReduce, "ORCH_SUBQUERY_GROUPED_MAP_REDUCE_ENABLED")
	setInt(&c.SubqueryMapMaxSubqueries, "ORCH_SUBQUERY_MAP_MAX_SUBQUERIES")
	setInt(&c.SubqueryMapItemsPerGroup, "ORCH_SUBQUERY_MAP_ITEMS_PER_SUBQUERY")

	setBool(&c.ModeClassifierV2, "ORCH_MODE_CLASSIFIER_V2")

	setString(&c.LLMAPIKey, "ORCH_LLM_API_KEY")
	setString(&c.LLMBaseURL, "ORCH_LLM_BASE_URL")
	setString(&c.LLMModel, "ORCH_LLM_MODEL")

	setString(&c.ProfileStoreURL, "ORCH_PROFILE_STORE_URL")
	setString(&c.ProfileDir, "ORCH_PROFILE_DIR")
	setString(&c.RedisURL, "REDIS_URL")
	setDurationS(&c.ProfileCacheTTL, "ORCH_PROFILE_CACHE_TTL_SECONDS")

	setString(&c.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func setString(target *string, key string) {
	if raw := os.Getenv(key); raw != "" {
		*target = raw
	}
}

func setInt(target *int, key string) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			*target = v
		}
	}
}

func setBool(target *bool, key string) {
	if raw := os.Getenv(key); raw != "" {
		*target = strings.EqualFold(raw, "true") || raw == "1"
	}
}

func setDurationMS(target *time.Duration, key string) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			*target = time.Duration(v) * time.Millisecond
		}
	}
}

func setDurationS(target *time.Duration, key string) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			*target = time.Duration(v) * time.Second
		}
	}
}

package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/core"
	"github.com/mcalza96/cire-orchestrator/profile"
)

type fakeEngine struct {
	t *testing.T

	hybridCalls     atomic.Int64
	multiQueryCalls atomic.Int64

	hybridItems     []map[string]interface{}
	multiQueryItems []map[string]interface{}
	multiQueryFails bool

	server *httptest.Server
}

func engineItem(source, standard, content string, score float64) map[string]interface{} {
	return map[string]interface{}{
		"source":  source,
		"content": content,
		"score":   score,
		"metadata": map[string]interface{}{
			"row": map[string]interface{}{
				"content":  content,
				"metadata": map[string]interface{}{"source_standard": standard},
			},
		},
	}
}

func newFakeEngine(t *testing.T) *fakeEngine {
	engine := &fakeEngine{t: t}
	engine.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/api/v1/retrieval/hybrid":
			engine.hybridCalls.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"items": engine.hybridItems,
				"trace": map[string]interface{}{"planner_multihop": false},
			})
		case "/api/v1/retrieval/multi-query":
			engine.multiQueryCalls.Add(1)
			if engine.multiQueryFails {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"items": engine.multiQueryItems,
				"trace": map[string]interface{}{},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(engine.server.Close)
	return engine
}

func flowConfig(url string) *core.Config {
	cfg := core.DefaultConfig()
	cfg.RAGServiceSecret = "secret"
	cfg.RAGLocalURL = url
	cfg.RAGFallbackURL = url
	cfg.RAGForceBackend = "local"
	cfg.HybridTimeout = 2 * time.Second
	cfg.MultiQueryTimeout = 2 * time.Second
	cfg.CoverageRepairTimeout = 2 * time.Second
	return cfg
}

func newTestFlow(t *testing.T, cfg *core.Config) *Flow {
	client, err := NewContractClient(cfg, nil, nil, nil)
	require.NoError(t, err)
	flow := NewFlow(cfg, client, DeterministicPlanner{})
	flow.SetProfileContext(profile.Default(), nil)
	return flow
}

func TestFlowChunkKZeroSkipsRetrieval(t *testing.T) {
	engine := newFakeEngine(t)
	flow := newTestFlow(t, flowConfig(engine.server.URL))

	result, err := flow.Execute(context.Background(), Input{
		Query: "que exige la clausula 9.1",
		Scope: RequestScope{TenantID: "t"},
		Plan:  agent.RetrievalPlan{Mode: profile.ModeAmbiguaScope, ChunkK: 0},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Evidence)
	assert.Equal(t, "hybrid", result.Diagnostics.Strategy)
	assert.Equal(t, int64(0), engine.hybridCalls.Load())
	assert.Equal(t, int64(0), engine.multiQueryCalls.Load())
}

func TestFlowHybridBaseline(t *testing.T) {
	engine := newFakeEngine(t)
	engine.hybridItems = []map[string]interface{}{
		engineItem("C1", "ISO 9001", "9.1 La organizacion debe evaluar el desempeno", 0.92),
	}
	flow := newTestFlow(t, flowConfig(engine.server.URL))

	result, err := flow.Execute(context.Background(), Input{
		Query: "Que exige la clausula 9.1 de ISO 9001?",
		Scope: RequestScope{TenantID: "t"},
		Plan: agent.RetrievalPlan{
			Mode:                   profile.ModeLiteralNormativa,
			ChunkK:                 45,
			ChunkFetchK:            220,
			RequireLiteralEvidence: true,
			RequestedStandards:     []string{"ISO 9001"},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Evidence, 1)
	assert.Equal(t, "hybrid", result.Diagnostics.Strategy)
	assert.Equal(t, int64(1), engine.hybridCalls.Load())
	assert.Empty(t, result.Diagnostics.Trace.MissingScopes)
}

func TestFlowMultihopFallbackCoversScopes(t *testing.T) {
	engine := newFakeEngine(t)
	// Hybrid only surfaces ISO 45001; multi-query balances the rest.
	engine.hybridItems = []map[string]interface{}{
		engineItem("C1", "ISO 45001", "5.3 roles y responsabilidades", 0.9),
	}
	engine.multiQueryItems = []map[string]interface{}{
		engineItem("C1", "ISO 9001", "9.1.2 satisfaccion del cliente", 0.9),
		engineItem("C2", "ISO 14001", "9.1.1 seguimiento y medicion ambiental", 0.88),
		engineItem("C3", "ISO 45001", "5.3 roles y responsabilidades", 0.87),
	}
	flow := newTestFlow(t, flowConfig(engine.server.URL))

	result, err := flow.Execute(context.Background(), Input{
		Query: "Relaciona ISO 9001 9.1.2, ISO 14001 9.1.1 e ISO 45001 5.3",
		Scope: RequestScope{TenantID: "t"},
		Plan: agent.RetrievalPlan{
			Mode:               profile.ModeComparativa,
			ChunkK:             35,
			ChunkFetchK:        140,
			RequestedStandards: []string{"ISO 14001", "ISO 45001", "ISO 9001"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "multi_query_fallback", result.Diagnostics.Strategy)
	assert.GreaterOrEqual(t, engine.multiQueryCalls.Load(), int64(1))
	assert.Empty(t, result.Diagnostics.Trace.MissingScopes)
	assert.NotEmpty(t, result.Diagnostics.Trace.Subqueries)
}

func TestFlowDegradesToHybridWhenMultiQueryFails(t *testing.T) {
	engine := newFakeEngine(t)
	engine.hybridItems = []map[string]interface{}{
		engineItem("C1", "ISO 45001", "5.3 roles", 0.9),
	}
	engine.multiQueryFails = true
	cfg := flowConfig(engine.server.URL)
	cfg.CoverageGateEnabled = false
	flow := newTestFlow(t, cfg)

	result, err := flow.Execute(context.Background(), Input{
		Query: "Relaciona ISO 9001 9.1.2 con ISO 45001 5.3",
		Scope: RequestScope{TenantID: "t"},
		Plan: agent.RetrievalPlan{
			Mode:               profile.ModeComparativa,
			ChunkK:             35,
			ChunkFetchK:        140,
			RequestedStandards: []string{"ISO 45001", "ISO 9001"},
		},
	})
	require.NoError(t, err)
	// Partial results preserved even though the fallback failed.
	require.Len(t, result.Evidence, 1)
	assert.True(t, result.Diagnostics.Partial)
	assert.Equal(t, "hybrid", result.Diagnostics.Strategy)
	assert.NotEmpty(t, result.Diagnostics.Trace.MultiQueryFallbackError)
}

func TestFlowEarlyExitWithoutCoverageImprovement(t *testing.T) {
	engine := newFakeEngine(t)
	engine.hybridItems = []map[string]interface{}{
		engineItem("C1", "ISO 45001", "5.3 roles", 0.9),
	}
	// The fallback returns the same single-scope evidence: no improvement.
	engine.multiQueryItems = engine.hybridItems
	cfg := flowConfig(engine.server.URL)
	cfg.CoverageGateEnabled = false
	flow := newTestFlow(t, cfg)

	result, err := flow.Execute(context.Background(), Input{
		Query: "Relaciona ISO 9001 9.1.2 con ISO 45001 5.3",
		Scope: RequestScope{TenantID: "t"},
		Plan: agent.RetrievalPlan{
			Mode:               profile.ModeComparativa,
			ChunkK:             35,
			ChunkFetchK:        140,
			RequestedStandards: []string{"ISO 45001", "ISO 9001"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "multi_query", result.Diagnostics.Strategy)
	assert.Equal(t, "no_coverage_improvement", result.Diagnostics.Trace.EarlyExit)
	assert.Contains(t, result.Diagnostics.Trace.ErrorCodes, agent.CodeScopeMismatch)
}

func TestFlowLegacyContractMergesLocally(t *testing.T) {
	engine := newFakeEngine(t)
	engine.hybridItems = []map[string]interface{}{
		engineItem("C1", "ISO 9001", "9.1 seguimiento", 0.9),
	}
	cfg := flowConfig(engine.server.URL)
	cfg.RetrievalContract = core.ContractLegacy
	cfg.CoverageGateEnabled = false
	cfg.MultihopFallback = true
	flow := newTestFlow(t, cfg)

	result, err := flow.Execute(context.Background(), Input{
		Query: "Relaciona ISO 9001 9.1.2 con ISO 14001 9.1.1",
		Scope: RequestScope{TenantID: "t"},
		Plan: agent.RetrievalPlan{
			Mode:               profile.ModeComparativa,
			ChunkK:             20,
			ChunkFetchK:        80,
			RequestedStandards: []string{"ISO 14001", "ISO 9001"},
		},
	})
	require.NoError(t, err)
	// Legacy mode fans out hybrid calls per subquery (plus the baseline).
	assert.Greater(t, engine.hybridCalls.Load(), int64(1))
	assert.NotNil(t, result)
}

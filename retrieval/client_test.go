package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/core"
)

func testConfig(localURL, fallbackURL string) *core.Config {
	cfg := core.DefaultConfig()
	cfg.RAGServiceSecret = "shared-secret"
	cfg.RAGLocalURL = localURL
	cfg.RAGFallbackURL = fallbackURL
	cfg.RAGBackendTTL = time.Minute
	cfg.RAGForceBackend = "local"
	return cfg
}

func writeItems(w http.ResponseWriter, sources ...string) {
	items := make([]map[string]interface{}, 0, len(sources))
	for _, source := range sources {
		items = append(items, map[string]interface{}{
			"source":  source,
			"content": "contenido " + source,
			"score":   0.9,
		})
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"items": items})
}

func TestContractClientRequiresSecret(t *testing.T) {
	cfg := core.DefaultConfig()
	_, err := NewContractClient(cfg, nil, nil, nil)
	assert.ErrorIs(t, err, core.ErrMissingServiceSecret)
}

func TestContractClientSendsHeaders(t *testing.T) {
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		assert.Equal(t, "/api/v1/retrieval/hybrid", r.URL.Path)
		writeItems(w, "C1")
	}))
	defer server.Close()

	client, err := NewContractClient(testConfig(server.URL, server.URL), nil, nil, nil)
	require.NoError(t, err)

	scope := RequestScope{
		TenantID:      "tenant-1",
		UserID:        "user-9",
		RequestID:     "req-42",
		CorrelationID: "corr-7",
	}
	resp, err := client.Hybrid(context.Background(), scope, HybridRequest{Query: "q", K: 10, FetchK: 40})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)

	assert.Equal(t, "shared-secret", gotHeaders.Get("X-Service-Secret"))
	assert.Equal(t, "tenant-1", gotHeaders.Get("X-Tenant-ID"))
	assert.Equal(t, "req-42", gotHeaders.Get("X-Trace-ID"))
	assert.Equal(t, "corr-7", gotHeaders.Get("X-Correlation-ID"))
	assert.Equal(t, "req-42", gotHeaders.Get("X-Request-ID"))
	assert.Equal(t, "user-9", gotHeaders.Get("X-User-ID"))
}

func TestContractClientFallbackRetryOn5xx(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeItems(w, "C1", "C2")
	}))
	defer secondary.Close()

	cfg := testConfig(primary.URL, secondary.URL)
	cfg.RAGForceBackend = "" // allow fallback
	selector := NewBackendSelector(SelectorOptions{
		LocalURL:    primary.URL,
		FallbackURL: secondary.URL,
		TTL:         time.Minute,
	})
	selector.Promote(BackendLocal)

	client, err := NewContractClient(cfg, selector, nil, NewMetricsStore(nil))
	require.NoError(t, err)

	resp, err := client.Hybrid(context.Background(), RequestScope{TenantID: "t"}, HybridRequest{Query: "q", K: 5, FetchK: 10})
	require.NoError(t, err)
	assert.Len(t, resp.Items, 2)

	// Success on the alternate promotes it.
	assert.Equal(t, BackendFallback, selector.CurrentBackend(context.Background()))

	_, _, _, fallbacks := client.Metrics().Snapshot()
	assert.Equal(t, int64(1), fallbacks["hybrid"])
}

func TestContractClientDoesNotRetryOn4xx(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer primary.Close()

	cfg := testConfig(primary.URL, "http://secondary.invalid")
	cfg.RAGForceBackend = ""
	selector := NewBackendSelector(SelectorOptions{
		LocalURL:    primary.URL,
		FallbackURL: "http://secondary.invalid",
		TTL:         time.Minute,
	})
	selector.Promote(BackendLocal)

	client, err := NewContractClient(cfg, selector, nil, nil)
	require.NoError(t, err)
	_, err = client.Hybrid(context.Background(), RequestScope{TenantID: "t"}, HybridRequest{Query: "q", K: 5, FetchK: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRequestFailed)
}

func TestMultiQueryPayloadShape(t *testing.T) {
	var decoded map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/retrieval/multi-query", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&decoded))
		writeItems(w, "C1")
	}))
	defer server.Close()

	client, err := NewContractClient(testConfig(server.URL, server.URL), nil, nil, nil)
	require.NoError(t, err)

	queries := []agent.Subquery{
		{ID: "scope_9001", Query: "ISO 9001 9.1", Filters: &agent.SubqueryFilter{SourceStandard: "ISO 9001"}},
	}
	_, err = client.MultiQuery(context.Background(), RequestScope{TenantID: "t"}, queries, MergeSpec{Strategy: "rrf", RRFK: 60, TopK: 12})
	require.NoError(t, err)

	merge := decoded["merge"].(map[string]interface{})
	assert.Equal(t, "rrf", merge["strategy"])
	assert.Equal(t, float64(60), merge["rrf_k"])
	rawQueries := decoded["queries"].([]interface{})
	require.Len(t, rawQueries, 1)
	first := rawQueries[0].(map[string]interface{})
	assert.Equal(t, "scope_9001", first["id"])
	filters := first["filters"].(map[string]interface{})
	assert.Equal(t, "ISO 9001", filters["source_standard"])
}

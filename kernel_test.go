package cire

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
	"github.com/mcalza96/cire-orchestrator/graph"
	"github.com/mcalza96/cire-orchestrator/profile"
)

func fakeEngineServer(t *testing.T) *httptest.Server {
	t.Helper()
	item := map[string]interface{}{
		"source":  "C1",
		"content": "9.1 La organizacion debe evaluar el desempeno",
		"score":   0.9,
		"metadata": map[string]interface{}{
			"row": map[string]interface{}{
				"content":  "9.1 La organizacion debe evaluar el desempeno",
				"metadata": map[string]interface{}{"source_standard": "ISO 9001"},
			},
		},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/api/v1/retrieval/validate-scope":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"valid":            true,
				"normalized_scope": map[string]interface{}{"filters": map[string]interface{}{}},
			})
		case "/api/v1/retrieval/hybrid", "/api/v1/retrieval/multi-query":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"items": []interface{}{item},
				"trace": map[string]interface{}{},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestKernelEndToEnd(t *testing.T) {
	server := fakeEngineServer(t)

	cfg := core.DefaultConfig()
	cfg.RAGServiceSecret = "secret"
	cfg.RAGLocalURL = server.URL
	cfg.RAGFallbackURL = server.URL
	cfg.RAGForceBackend = "local"
	cfg.TotalTimeout = 10 * time.Second

	kernel, err := NewKernel(cfg, WithProfileSource(profile.StaticSource{}))
	require.NoError(t, err)

	out, err := kernel.Ask(context.Background(), "Que exige la clausula 9.1 de ISO 9001?", graph.Command{
		Scope: agent.RequestScope{TenantID: "tenant-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "universal_flow", out.Engine)
	assert.True(t, out.Validation.Accepted, "issues: %v", out.Validation.Issues)
	assert.Contains(t, out.Answer.Text, "C1")
	assert.Equal(t, agent.StopDone, out.ReasoningTrace["stop_reason"])

	requests, successes, _, _ := kernel.Metrics().Snapshot()
	assert.NotZero(t, requests["hybrid"])
	assert.NotZero(t, successes["hybrid"])
}

func TestNewKernelRequiresSecret(t *testing.T) {
	cfg := core.DefaultConfig()
	_, err := NewKernel(cfg)
	assert.ErrorIs(t, err, core.ErrMissingServiceSecret)
}

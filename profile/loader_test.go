package profile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenantYAML = `
profile_id: acme_v2
version: "2.1.0"
status: active
retrieval:
  min_score: 0.8
  by_mode:
    literal_normativa:
      chunk_k: 50
      chunk_fetch_k: 240
      summary_k: 2
      require_literal_evidence: true
validation:
  require_citations: true
  forbidden_concepts: ["asesoria legal"]
capabilities:
  allowed_tools: ["semantic_retrieval", "citation_validator"]
  reasoning_budget:
    max_steps: 6
    max_reflections: 3
`

func TestFileSourceLoadsTenantDocument(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme.yaml"), []byte(tenantYAML), 0o644))

	source := NewFileSource(dir)
	p, resolution, err := source.Load(context.Background(), "acme")
	require.NoError(t, err)

	assert.Equal(t, "acme_v2", p.ProfileID)
	assert.Equal(t, "file", resolution.Source)
	assert.Equal(t, 0.8, p.Retrieval.MinScore)
	assert.Equal(t, 50, p.Retrieval.ByMode["literal_normativa"].ChunkK)
	assert.Equal(t, []string{"semantic_retrieval", "citation_validator"}, p.Capabilities.AllowedTools)
	// Omitted sections take defaults.
	assert.NotEmpty(t, p.QueryModes.Modes)
	assert.Equal(t, ModeExplicativa, p.DefaultMode())
}

func TestFileSourceMissingTenantFallsBackToBase(t *testing.T) {
	source := NewFileSource(t.TempDir())
	p, resolution, err := source.Load(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, "base_v1", p.ProfileID)
	assert.Equal(t, "default", resolution.Source)
}

func TestDecodeDocumentRejectsUnknownKeys(t *testing.T) {
	_, err := DecodeDocument([]byte(`{"profile_id": "x", "surprise_section": {}}`))
	require.Error(t, err)
}

func TestDecodeDocumentRequiresProfileID(t *testing.T) {
	_, err := DecodeDocument([]byte(`{"version": "1.0.0"}`))
	require.Error(t, err)
}

func TestHTTPSourceLoadsStoreDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/profiles/acme", r.URL.Path)
		_, _ = w.Write([]byte(`{"profile_id": "acme_store", "status": "active"}`))
	}))
	defer server.Close()

	source := NewHTTPSource(server.URL, nil)
	p, resolution, err := source.Load(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme_store", p.ProfileID)
	assert.Equal(t, "store", resolution.Source)
}

func TestHTTPSourceNotFoundFallsBack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	source := NewHTTPSource(server.URL, nil)
	p, resolution, err := source.Load(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "base_v1", p.ProfileID)
	assert.Equal(t, "default", resolution.Source)
}

func TestToolAllowedAndRetrievalConfig(t *testing.T) {
	p := Default()
	assert.True(t, p.ToolAllowed("semantic_retrieval"))
	assert.False(t, p.ToolAllowed("unknown_tool"))

	cfg := p.RetrievalConfigFor(ModeLiteralNormativa)
	assert.Equal(t, 45, cfg.ChunkK)

	// Unknown mode falls back to the generic default.
	generic := p.RetrievalConfigFor("modo_inexistente")
	assert.Equal(t, 30, generic.ChunkK)
	assert.Equal(t, 120, generic.ChunkFetchK)
}

package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigRequiresSecret(t *testing.T) {
	t.Setenv("RAG_SERVICE_SECRET", "")
	_, err := LoadConfig()
	assert.ErrorIs(t, err, ErrMissingServiceSecret)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("RAG_SERVICE_SECRET", "s3cret")
	t.Setenv("ORCH_TIMEOUT_TOTAL_MS", "90000")
	t.Setenv("ORCH_RETRIEVAL_CONTRACT", "legacy")
	t.Setenv("ORCH_MULTI_QUERY_MIN_ITEMS", "4")
	t.Setenv("ORCH_MIN_SCORE_BACKSTOP_ENABLED", "true")
	t.Setenv("RAG_ENGINE_FORCE_BACKEND", "local")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.RAGServiceSecret)
	assert.Equal(t, 90*time.Second, cfg.TotalTimeout)
	assert.Equal(t, ContractLegacy, cfg.RetrievalContract)
	assert.Equal(t, 4, cfg.MultiQueryMinItems)
	assert.True(t, cfg.MinScoreBackstopEnabled)
	assert.Equal(t, "local", cfg.RAGForceBackend)
}

func TestLoadConfigOptionsOverrideEnv(t *testing.T) {
	t.Setenv("RAG_SERVICE_SECRET", "from-env")
	cfg, err := LoadConfig(
		WithServiceSecret("from-option"),
		WithTotalTimeout(2*time.Second),
		WithRetrievalContract(ContractComprehensive),
		WithRAGURLs("http://a", "http://b"),
	)
	require.NoError(t, err)
	assert.Equal(t, "from-option", cfg.RAGServiceSecret)
	assert.Equal(t, 2*time.Second, cfg.TotalTimeout)
	assert.Equal(t, ContractComprehensive, cfg.RetrievalContract)
	assert.Equal(t, "http://a", cfg.RAGLocalURL)
}

func TestDefaultConfigKnobs(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 60*time.Second, cfg.TotalTimeout)
	assert.Equal(t, ContractAdvanced, cfg.RetrievalContract)
	assert.Equal(t, 6, cfg.MultiQueryMinItems)
	assert.True(t, cfg.CoverageGateEnabled)
	assert.False(t, cfg.MinScoreBackstopEnabled)
	assert.Equal(t, 300*time.Millisecond, cfg.RAGProbeTimeout)
	assert.Equal(t, 20*time.Second, cfg.RAGBackendTTL)
}

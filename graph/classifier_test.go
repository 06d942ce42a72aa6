package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcalza96/cire-orchestrator/core"
	"github.com/mcalza96/cire-orchestrator/profile"
)

func classifierConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.ModeClassifierV2 = true
	return cfg
}

func TestClassifyLiteralSingleScope(t *testing.T) {
	intent, classification := classifyIntent(
		"Que exige la clausula 9.1 de ISO 9001?", profile.Default(), classifierConfig())
	assert.Equal(t, profile.ModeLiteralNormativa, intent.Mode)
	assert.Greater(t, classification.Confidence, 0.5)
}

func TestClassifyComparativeMultiScope(t *testing.T) {
	intent, _ := classifyIntent(
		"Compara ISO 9001 con ISO 14001 respecto al seguimiento", profile.Default(), classifierConfig())
	assert.Equal(t, profile.ModeComparativa, intent.Mode)
}

func TestClassifyGuardrailBlocksLiteralForAnalysis(t *testing.T) {
	_, classification := classifyIntent(
		"Analiza como impacta 9.1.2 y 9.1.1 en la operacion de ISO 9001",
		profile.Default(), classifierConfig())
	assert.Contains(t, classification.BlockedModes, profile.ModeLiteralNormativa)
	assert.NotEqual(t, profile.ModeLiteralNormativa, classification.Mode)
}

func TestClassifyClauseWithoutScopeAsksForScope(t *testing.T) {
	intent, classification := classifyIntent(
		"Que exige la clausula 9.1.2?", profile.Default(), classifierConfig())
	assert.Equal(t, profile.ModeAmbiguaScope, intent.Mode)
	assert.Contains(t, classification.Reasons, "guardrail:clause_without_scope")
}

func TestClassifyLowSignalDefaults(t *testing.T) {
	intent, classification := classifyIntent("qué dice eso", profile.Default(), classifierConfig())
	assert.Equal(t, profile.ModeExplicativa, intent.Mode)
	assert.Less(t, classification.Confidence, classificationThreshold)
}

func TestClassifyStableAcrossCalls(t *testing.T) {
	p := profile.Default()
	cfg := classifierConfig()
	query := "Compara ISO 9001 con ISO 14001 respecto al seguimiento"
	first, _ := classifyIntent(query, p, cfg)
	second, _ := classifyIntent(query, p, cfg)
	assert.Equal(t, first.Mode, second.Mode)
}

func TestClassifyIntentRulesWinOverHeuristics(t *testing.T) {
	p := profile.Default()
	p.Router.IntentRules = []profile.IntentRule{
		{Mode: "custom_mode", AnyKeywords: []string{"auditoria"}, Confidence: 0.9},
		{Mode: profile.ModeExplicativa, Confidence: 0.5},
	}
	intent, classification := classifyIntent("prepara la auditoria interna", p, classifierConfig())
	assert.Equal(t, "custom_mode", intent.Mode)
	assert.Equal(t, 0.9, classification.Confidence)

	// The catch-all second rule matches anything else.
	intent, _ = classifyIntent("otra consulta", p, classifierConfig())
	assert.Equal(t, profile.ModeExplicativa, intent.Mode)
}

func TestClassifyV1FallbackWhenV2Disabled(t *testing.T) {
	cfg := classifierConfig()
	cfg.ModeClassifierV2 = false
	intent, _ := classifyIntent("enumera los requisitos de ISO 9001", profile.Default(), cfg)
	assert.Equal(t, profile.ModeLiteralLista, intent.Mode)
}

func TestBuildRetrievalPlan(t *testing.T) {
	p := profile.Default()
	intent, _ := classifyIntent("Que exige la clausula 9.1 de ISO 9001?", p, classifierConfig())
	plan := buildRetrievalPlan(intent, "Que exige la clausula 9.1 de ISO 9001?", p)
	require.Equal(t, profile.ModeLiteralNormativa, plan.Mode)
	assert.Equal(t, 45, plan.ChunkK)
	assert.Equal(t, 220, plan.ChunkFetchK)
	assert.True(t, plan.RequireLiteralEvidence)
	assert.Equal(t, []string{"ISO 9001"}, plan.RequestedStandards)
}

func TestBuildRetrievalPlanUnknownModeUsesGenericDefault(t *testing.T) {
	p := profile.Default()
	plan := buildRetrievalPlan(agentIntent("modo_desconocido"), "consulta", p)
	assert.Equal(t, 30, plan.ChunkK)
	assert.Equal(t, 120, plan.ChunkFetchK)
	assert.Equal(t, 5, plan.SummaryK)
}

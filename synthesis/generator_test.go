package synthesis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/profile"
)

func TestTemplateGeneratorCitesEvidence(t *testing.T) {
	draft, err := TemplateGenerator{}.Generate(context.Background(), Input{
		Query: "que exige la 9.1",
		Plan:  agent.RetrievalPlan{Mode: profile.ModeLiteralNormativa},
		Chunks: []agent.EvidenceItem{
			{Source: "C1", Content: "9.1 La organizacion debe evaluar", Score: 0.9},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, draft.Text, "C1")
	assert.Equal(t, profile.ModeLiteralNormativa, draft.Mode)
	require.Len(t, draft.Evidence, 1)
}

func TestTemplateGeneratorFallbackWithoutEvidence(t *testing.T) {
	draft, err := TemplateGenerator{}.Generate(context.Background(), Input{
		Query: "pregunta",
		Plan:  agent.RetrievalPlan{Mode: profile.ModeExplicativa},
	})
	require.NoError(t, err)
	assert.Equal(t, profile.DefaultFallbackMessage, draft.Text)
	assert.Empty(t, draft.Evidence)
}

func TestTemplateGeneratorIncludesCalculatorResult(t *testing.T) {
	draft, err := TemplateGenerator{}.Generate(context.Background(), Input{
		Query: "calcula",
		Plan:  agent.RetrievalPlan{Mode: profile.ModeLiteralNormativa},
		Chunks: []agent.EvidenceItem{
			{Source: "C1", Content: "limites de control", Score: 0.8},
		},
		WorkingMemory: map[string]interface{}{
			"python_calculator": map[string]interface{}{"result": float64(110)},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, draft.Text, "110")
}

func TestTemplateGeneratorUsesPartialAnswers(t *testing.T) {
	draft, err := TemplateGenerator{}.Generate(context.Background(), Input{
		Query: "compara",
		Plan:  agent.RetrievalPlan{Mode: profile.ModeComparativa},
		PartialAnswers: []agent.PartialAnswer{
			{ID: "q1", Status: "ok", Summary: "resumen uno", EvidenceSources: []string{"C1"}},
			{ID: "q2", Status: "no_evidence", Summary: "sin evidencia"},
		},
		Chunks: []agent.EvidenceItem{{Source: "C1", Content: "contenido", Score: 0.8}},
	})
	require.NoError(t, err)
	assert.Contains(t, draft.Text, "resumen uno")
	assert.NotContains(t, draft.Text, "sin evidencia")
}

func TestEnsureCitationFooter(t *testing.T) {
	// Already cited: untouched.
	cited := EnsureCitationFooter("Segun C1 aplica.", []string{"C1"})
	assert.Equal(t, "Segun C1 aplica.", cited)

	// No markers: footer appended.
	footed := EnsureCitationFooter("La norma exige seguimiento.", []string{"C1", "R1"})
	assert.Contains(t, footed, "Referencias revisadas: C1, R1")

	// Nothing to cite: untouched.
	plain := EnsureCitationFooter("Respuesta.", nil)
	assert.Equal(t, "Respuesta.", plain)
}

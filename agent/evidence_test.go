package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkWithStandard(source, standard, content string) EvidenceItem {
	return EvidenceItem{
		Source:  source,
		Content: content,
		Score:   0.9,
		Metadata: map[string]interface{}{
			"row": map[string]interface{}{
				"content":  content,
				"metadata": map[string]interface{}{"source_standard": standard},
			},
		},
	}
}

func TestEvidenceStandard(t *testing.T) {
	item := chunkWithStandard("C1", "ISO 9001", "9.1 Seguimiento y medicion")
	assert.Equal(t, "ISO 9001", item.Standard())

	inline := EvidenceItem{Source: "C2", Content: "Segun ISO 14001 aplica el control operacional"}
	assert.Equal(t, "ISO 14001", inline.Standard())

	assert.Equal(t, "", EvidenceItem{Source: "C3", Content: "sin norma"}.Standard())
}

func TestEvidenceMentionsClause(t *testing.T) {
	item := chunkWithStandard("C1", "ISO 9001", "La clausula 9.1.2 exige evaluar la satisfaccion")
	assert.True(t, item.MentionsClause("9.1.2"))
	assert.False(t, item.MentionsClause("5.3"))

	meta := EvidenceItem{
		Source:  "C2",
		Content: "texto sin numeros",
		Metadata: map[string]interface{}{
			"row": map[string]interface{}{
				"metadata": map[string]interface{}{"clause_id": "9.1.2"},
			},
		},
	}
	assert.True(t, meta.MentionsClause("9.1.2"))
}

func TestSplitEvidence(t *testing.T) {
	raptor := EvidenceItem{
		Source:  "X7",
		Content: "resumen jerarquico",
		Metadata: map[string]interface{}{
			"row": map[string]interface{}{
				"metadata": map[string]interface{}{"fusion_source": "raptor"},
			},
		},
	}
	evidence := []EvidenceItem{
		chunkWithStandard("C1", "ISO 9001", "contenido"),
		{Source: "R1", Content: "resumen"},
		raptor,
		{Source: "Z9", Content: "sin prefijo conocido"},
	}
	chunks, summaries := SplitEvidence(evidence)
	require.Len(t, chunks, 2)
	require.Len(t, summaries, 2)
	assert.Equal(t, "C1", chunks[0].Source)
	assert.Equal(t, "Z9", chunks[1].Source)
}

func TestFilterEvidenceByStandards(t *testing.T) {
	evidence := []EvidenceItem{
		chunkWithStandard("C1", "ISO 9001", "a"),
		chunkWithStandard("C2", "ISO 45001", "b"),
		{Source: "C3", Content: "sin norma anclada"},
	}
	filtered := FilterEvidenceByStandards(evidence, []string{"ISO 9001"})
	require.Len(t, filtered, 2)
	assert.Equal(t, "C1", filtered[0].Source)
	assert.Equal(t, "C3", filtered[1].Source)

	assert.Len(t, FilterEvidenceByStandards(evidence, nil), 3)
}

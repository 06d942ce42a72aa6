package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(source string, score float64) Item {
	s := score
	return Item{Source: source, Content: "content " + source, Score: &s}
}

func TestRRFMergeOrderInvariance(t *testing.T) {
	listA := []Item{item("a", 0.9), item("b", 0.8), item("c", 0.7)}
	listB := []Item{item("c", 0.95), item("d", 0.6)}

	merged1 := RRFMerge([][]Item{listA, listB}, DefaultRRFK, 10)
	merged2 := RRFMerge([][]Item{listB, listA}, DefaultRRFK, 10)

	require.Equal(t, len(merged1), len(merged2))
	for i := range merged1 {
		assert.Equal(t, merged1[i].Source, merged2[i].Source, "position %d", i)
	}
}

func TestRRFMergeScoresByRank(t *testing.T) {
	listA := []Item{item("a", 0.9), item("shared", 0.8)}
	listB := []Item{item("shared", 0.9), item("b", 0.8)}

	merged := RRFMerge([][]Item{listA, listB}, DefaultRRFK, 10)
	require.NotEmpty(t, merged)
	// "shared" appears in both lists and must rank first.
	assert.Equal(t, "shared", merged[0].Source)
}

func TestRRFMergeTopK(t *testing.T) {
	listA := []Item{item("a", 0.9), item("b", 0.8), item("c", 0.7), item("d", 0.6)}
	merged := RRFMerge([][]Item{listA}, DefaultRRFK, 2)
	assert.Len(t, merged, 2)
}

func TestDedupItems(t *testing.T) {
	items := []Item{item("a", 0.9), item("a", 0.5), item("b", 0.8)}
	deduped := DedupItems(items)
	require.Len(t, deduped, 2)
	assert.Equal(t, "a", deduped[0].Source)
	assert.Equal(t, 0.9, *deduped[0].Score)
}

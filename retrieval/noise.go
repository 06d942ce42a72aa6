package retrieval

import (
	"sort"
	"strings"

	"github.com/mcalza96/cire-orchestrator/agent"
)

// Structural section markers that rarely carry normative content. Items whose
// row metadata or leading content matches one are dropped unless the query
// itself targets such sections.
var structuralMarkers = []string{
	"indice",
	"índice",
	"tabla de contenido",
	"table of contents",
	"prólogo",
	"prologo",
	"foreword",
	"traducción oficial",
	"traduccion oficial",
	"official translation",
}

var structuralQueryTerms = []string{"indice", "índice", "prologo", "prólogo", "contenido", "estructura del documento"}

// ReduceStructuralNoise drops index/TOC/translation-frontmatter items. The
// filter is skipped entirely when the query asks about those sections.
func ReduceStructuralNoise(items []Item, query string) []Item {
	lowerQuery := strings.ToLower(query)
	for _, term := range structuralQueryTerms {
		if strings.Contains(lowerQuery, term) {
			return items
		}
	}

	kept := make([]Item, 0, len(items))
	for _, it := range items {
		if isStructuralNoise(it) {
			continue
		}
		kept = append(kept, it)
	}
	return kept
}

func isStructuralNoise(it Item) bool {
	row, _ := it.Metadata["row"].(map[string]interface{})
	rowMeta, _ := row["metadata"].(map[string]interface{})
	for _, field := range []string{"section_type", "layer", "doc_section"} {
		if value, ok := rowMeta[field].(string); ok {
			lower := strings.ToLower(value)
			if lower == "toc" || lower == "index" || lower == "frontmatter" {
				return true
			}
		}
	}
	head := strings.ToLower(it.Content)
	if len(head) > 160 {
		head = head[:160]
	}
	for _, marker := range structuralMarkers {
		if strings.Contains(head, marker) {
			return true
		}
	}
	return false
}

// FilterByMinScore drops items scoring below threshold. Items with no score
// pass through. When every scored item is dropped and the backstop is
// enabled, the best topN dropped items are kept and LOW_SCORE is recorded,
// preserving a best-effort result over an empty one.
func FilterByMinScore(items []Item, threshold float64, backstopEnabled bool, backstopTopN int, trace *agent.RetrievalTrace) []Item {
	if threshold <= 0 {
		return items
	}
	if backstopTopN < 1 {
		backstopTopN = 6
	}

	kept := make([]Item, 0, len(items))
	var dropped []Item
	for _, it := range items {
		score := it.EffectiveScore()
		if score == nil {
			kept = append(kept, it)
			continue
		}
		if *score >= threshold {
			kept = append(kept, it)
		} else {
			dropped = append(dropped, it)
		}
	}

	backstopApplied := false
	if len(kept) == 0 && len(dropped) > 0 && backstopEnabled {
		sort.SliceStable(dropped, func(i, j int) bool {
			return scoreOf(dropped[i]) > scoreOf(dropped[j])
		})
		if len(dropped) > backstopTopN {
			kept = append(kept, dropped[:backstopTopN]...)
		} else {
			kept = append(kept, dropped...)
		}
		backstopApplied = len(kept) > 0
	}

	if trace != nil {
		topN := 0
		if backstopApplied {
			topN = backstopTopN
		}
		trace.MinScoreFilter = &agent.MinScoreFilterTrace{
			Threshold:       threshold,
			Kept:            len(kept),
			Dropped:         len(dropped),
			BackstopApplied: backstopApplied,
			BackstopTopN:    topN,
		}
		if len(dropped) > 0 && (len(kept) == 0 || backstopApplied) {
			trace.AddErrorCodes(agent.CodeLowScore)
		}
	}
	return kept
}

func scoreOf(it Item) float64 {
	if s := it.EffectiveScore(); s != nil {
		return *s
	}
	return 0
}

// LayerStats counts items per fusion layer for the trace.
func LayerStats(items []Item) map[string]int {
	stats := make(map[string]int)
	for _, it := range items {
		row, _ := it.Metadata["row"].(map[string]interface{})
		rowMeta, _ := row["metadata"].(map[string]interface{})
		layer, _ := rowMeta["fusion_source"].(string)
		if layer == "" {
			layer = "chunks"
		}
		stats[strings.ToLower(layer)]++
	}
	return stats
}

// FeaturesFromHybridTrace extracts the engine-side feature flags worth
// keeping in diagnostics.
func FeaturesFromHybridTrace(trace map[string]interface{}) map[string]interface{} {
	if len(trace) == 0 {
		return nil
	}
	out := make(map[string]interface{})
	for _, key := range []string{"planner_multihop", "rerank_applied", "graph_hops", "fusion_layers"} {
		if value, ok := trace[key]; ok {
			out[key] = value
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

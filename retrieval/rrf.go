package retrieval

import "sort"

// DefaultRRFK is the rank-fusion constant shared with the engine-side merge.
const DefaultRRFK = 60

// RRFMerge fuses multiple ranked item lists with reciprocal-rank fusion:
// each item accumulates 1/(rrfK + rank) per list it appears in. The merge is
// deterministic: ties break by item key, and reordering input lists with
// identical contents yields the same top-k. Used by the legacy contract mode,
// which fans per-subquery hybrid calls out concurrently and merges locally.
func RRFMerge(lists [][]Item, rrfK, topK int) []Item {
	if rrfK <= 0 {
		rrfK = DefaultRRFK
	}

	type fused struct {
		item  Item
		score float64
		key   string
	}
	byKey := make(map[string]*fused)

	for _, list := range lists {
		for rank, it := range list {
			key := itemKey(it)
			entry, ok := byKey[key]
			if !ok {
				entry = &fused{item: it, key: key}
				byKey[key] = entry
			}
			entry.score += 1.0 / float64(rrfK+rank+1)
		}
	}

	merged := make([]*fused, 0, len(byKey))
	for _, entry := range byKey {
		merged = append(merged, entry)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].score != merged[j].score {
			return merged[i].score > merged[j].score
		}
		return merged[i].key < merged[j].key
	})

	if topK > 0 && len(merged) > topK {
		merged = merged[:topK]
	}
	out := make([]Item, 0, len(merged))
	for _, entry := range merged {
		out = append(out, entry.item)
	}
	return out
}

// DedupItems removes duplicates by source id, preserving first appearance.
func DedupItems(items []Item) []Item {
	seen := make(map[string]struct{}, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		key := itemKey(it)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	return out
}

func itemKey(it Item) string {
	if it.Source != "" {
		return it.Source
	}
	content := it.Content
	if len(content) > 80 {
		content = content[:80]
	}
	return content
}

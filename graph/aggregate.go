package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/synthesis"
)

// aggregateSubqueriesNode map-reduces per-subquery evidence into partial
// answers when the active mode (or the global flag) demands grouped evidence.
// Group summaries run concurrently through the generator; a failed summary
// falls back to concatenated snippets.
func (o *Orchestrator) aggregateSubqueriesNode(ctx context.Context, state *State) *Delta {
	started := time.Now()
	timings := func() map[string]float64 {
		return map[string]float64{"subquery_aggregate": elapsedMS(started)}
	}

	enabled := o.cfg.SubqueryGroupedMapReduce
	if !enabled && state.Profile != nil && state.RetrievalPlan != nil {
		if modeCfg := state.Profile.ModeConfig(state.RetrievalPlan.Mode); modeCfg != nil {
			enabled = strings.EqualFold(modeCfg.DecompositionPolicy.SubqueryAggregationMode, "grouped_map_reduce")
		}
	}
	if !enabled {
		return &Delta{StageTimings: timings()}
	}

	maxSubqueries := o.cfg.SubqueryMapMaxSubqueries
	if maxSubqueries < 1 {
		maxSubqueries = 8
	}
	maxItems := o.cfg.SubqueryMapItemsPerGroup
	if maxItems < 1 {
		maxItems = 5
	}

	groups := state.SubqueryGroups
	if len(groups) == 0 && state.Retrieval != nil && state.Retrieval.Trace != nil {
		// Fall back to subqueries attached in the retrieval trace.
		for _, sq := range state.Retrieval.Trace.Subqueries {
			groups = append(groups, agent.SubqueryGroup{ID: sq.ID, Query: sq.Query})
		}
	}
	if len(groups) > maxSubqueries {
		groups = groups[:maxSubqueries]
	}
	if len(groups) == 0 {
		return &Delta{StageTimings: timings()}
	}

	type job struct {
		partialIdx int
		query      string
		candidates []agent.EvidenceItem
	}

	partials := make([]agent.PartialAnswer, 0, len(groups))
	var jobs []job

	for idx, group := range groups {
		id := strings.TrimSpace(group.ID)
		if id == "" {
			id = fmt.Sprintf("q%d", idx+1)
		}
		query := strings.TrimSpace(group.Query)

		var candidates []agent.EvidenceItem
		if len(group.Items) > 0 {
			for i, raw := range group.Items {
				if i >= maxItems {
					break
				}
				content, _ := raw["content"].(string)
				if strings.TrimSpace(content) == "" {
					continue
				}
				source, _ := raw["source"].(string)
				if strings.TrimSpace(source) == "" {
					source = fmt.Sprintf("C%d", i+1)
				}
				score := 0.0
				if s, ok := raw["score"].(float64); ok {
					score = s
				}
				candidates = append(candidates, agent.EvidenceItem{
					Source:   source,
					Content:  content,
					Score:    score,
					Metadata: map[string]interface{}{"row": raw},
				})
			}
		} else if query != "" && len(state.Chunks) > 0 {
			candidates = rankByOverlap(query, state.Chunks, maxItems)
		}

		if len(candidates) == 0 {
			partials = append(partials, agent.PartialAnswer{
				ID:              id,
				Query:           query,
				Status:          "no_evidence",
				EvidenceSources: []string{},
				Summary:         "Sin evidencia suficiente para esta subconsulta.",
			})
			continue
		}

		sources := make([]string, 0, len(candidates))
		for _, item := range candidates {
			sources = append(sources, item.Source)
		}
		partials = append(partials, agent.PartialAnswer{
			ID:              id,
			Query:           query,
			Status:          "ok",
			EvidenceSources: sources,
			Summary:         snippetSummary(candidates),
		})
		if o.generator != nil {
			jobs = append(jobs, job{partialIdx: len(partials) - 1, query: query, candidates: candidates})
		}
	}

	if len(jobs) > 0 && o.generator != nil {
		var wg sync.WaitGroup
		summaries := make([]string, len(jobs))
		for i, j := range jobs {
			wg.Add(1)
			go func(slot int, j job) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						summaries[slot] = ""
					}
				}()
				subPlan := agent.RetrievalPlan{
					Mode:        "concisa_y_directa",
					ChunkK:      len(j.candidates),
					ChunkFetchK: len(j.candidates),
				}
				draft, err := o.generator.Generate(ctx, synthesis.Input{
					Query:      "[SUBCONSULTA: " + j.query + "]\nResume la respuesta basandote SOLO en los fragmentos proporcionados.",
					Plan:       subPlan,
					Chunks:     j.candidates,
					Profile:    state.Profile,
				})
				if err != nil {
					o.logger.ErrorWithContext(ctx, "Subquery summarization failed", map[string]interface{}{
						"operation": "subquery_aggregate",
						"error":     err.Error(),
					})
					return
				}
				summaries[slot] = strings.TrimSpace(draft.Text)
			}(i, j)
		}
		wg.Wait()
		for i, j := range jobs {
			if summaries[i] != "" {
				partials[j.partialIdx].Summary = summaries[i]
			}
		}
	}

	return &Delta{
		PartialAnswers: partials,
		StageTimings:   timings(),
	}
}

func snippetSummary(candidates []agent.EvidenceItem) string {
	var snippets []string
	for _, item := range candidates {
		if len(snippets) >= 2 {
			break
		}
		if strings.TrimSpace(item.Content) == "" {
			continue
		}
		snippets = append(snippets, item.Source+": "+clipText(item.Content, 220))
	}
	if len(snippets) == 0 {
		return "Evidencia recuperada."
	}
	return strings.Join(snippets, " | ")
}

// rankByOverlap orders chunks by keyword overlap with the subquery, breaking
// ties by score, and returns the top n.
func rankByOverlap(query string, chunks []agent.EvidenceItem, n int) []agent.EvidenceItem {
	ranked := append([]agent.EvidenceItem(nil), chunks...)
	sort.SliceStable(ranked, func(i, j int) bool {
		oi := keywordOverlap(query, ranked[i].Content)
		oj := keywordOverlap(query, ranked[j].Content)
		if oi != oj {
			return oi > oj
		}
		return ranked[i].Score > ranked[j].Score
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

func keywordOverlap(query, content string) int {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return 0
	}
	contentTokens := tokenize(content)
	count := 0
	for token := range queryTokens {
		if _, ok := contentTokens[token]; ok {
			count++
		}
	}
	return count
}

func tokenize(text string) map[string]struct{} {
	out := make(map[string]struct{})
	var current []rune
	flush := func() {
		if len(current) >= 3 {
			out[strings.ToLower(string(current))] = struct{}{}
		}
		current = current[:0]
	}
	for _, r := range text {
		if isWordRune(r) {
			current = append(current, r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

func isWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case strings.ContainsRune("áéíóúñÁÉÍÓÚÑ", r):
		return true
	}
	return false
}

package tools

import (
	"context"
	"strconv"
	"strings"

	"github.com/mcalza96/cire-orchestrator/agent"
)

// SemanticRetrievalTool runs the retrieval flow for the current plan. Its
// metadata carries chunks, summaries, subquery groups, and diagnostics for
// the runtime to merge into flow state; the output carries only counts.
type SemanticRetrievalTool struct{}

func (t *SemanticRetrievalTool) Name() string { return NameSemanticRetrieval }

func (t *SemanticRetrievalTool) Run(ctx context.Context, payload map[string]interface{}, state StateView, rc RuntimeContext) agent.ToolResult {
	if rc.Retriever == nil {
		return agent.ToolResult{Tool: t.Name(), OK: false, Error: agent.CodeToolNotRegistered}
	}

	query, _ := payload["query"].(string)
	if strings.TrimSpace(query) == "" {
		query = state.WorkingQuery
	}
	if strings.TrimSpace(query) == "" {
		query = state.UserQuery
	}

	evidence, diagnostics, groups, err := rc.Retriever.RetrieveChunks(ctx, query, state.Scope, state.Plan)
	if err != nil && len(evidence) == 0 {
		errorCode := agent.CodeUpstreamUnavailable
		if ctx.Err() != nil {
			errorCode = agent.CodeToolTimeout
		}
		result := agent.ToolResult{Tool: t.Name(), OK: false, Error: errorCode}
		if diagnostics != nil {
			result.Metadata = map[string]interface{}{"retrieval": diagnostics}
		}
		return result
	}

	summaries, sumErr := rc.Retriever.RetrieveSummaries(ctx, query, state.Scope, state.Plan)
	if sumErr != nil {
		summaries = nil
	}

	chunks, fusedSummaries := agent.SplitEvidence(evidence)
	if len(summaries) > 0 {
		fusedSummaries = append(fusedSummaries, summaries...)
	}
	relabel(chunks, "C")
	relabel(fusedSummaries, "R")

	metadata := map[string]interface{}{
		"chunks":    chunks,
		"summaries": fusedSummaries,
	}
	if diagnostics != nil {
		metadata["retrieval"] = diagnostics
	}
	if len(groups) > 0 {
		metadata["subquery_groups"] = groups
	}

	return agent.ToolResult{
		Tool: t.Name(),
		OK:   true,
		Output: map[string]interface{}{
			"chunk_count":   len(chunks),
			"summary_count": len(fusedSummaries),
		},
		Metadata: metadata,
	}
}

// relabel assigns sequential evidence markers with the given prefix so
// citations stay stable regardless of upstream ids.
func relabel(items []agent.EvidenceItem, prefix string) {
	for i := range items {
		items[i].Source = prefix + strconv.Itoa(i+1)
	}
}

package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mcalza96/cire-orchestrator/agent"
)

// LogicalComparisonTool builds a per-scope evidence matrix for cross-scope
// questions: which requested standards are covered, by which markers, and
// which pairs have no connecting evidence. Deterministic; the generator turns
// the matrix into prose.
type LogicalComparisonTool struct{}

func (t *LogicalComparisonTool) Name() string { return NameLogicalComparison }

func (t *LogicalComparisonTool) Run(ctx context.Context, payload map[string]interface{}, state StateView, rc RuntimeContext) agent.ToolResult {
	topic, _ := payload["topic"].(string)
	if strings.TrimSpace(topic) == "" {
		topic = state.WorkingQuery
	}

	evidence := append(append([]agent.EvidenceItem(nil), state.Chunks...), state.Summaries...)
	byScope := make(map[string][]string)
	for _, item := range evidence {
		std := item.Standard()
		if std == "" {
			continue
		}
		byScope[std] = append(byScope[std], item.Source)
	}

	var gaps []string
	for _, requested := range state.Plan.RequestedStandards {
		scope := strings.ToUpper(strings.TrimSpace(requested))
		covered := false
		for std := range byScope {
			if strings.Contains(std, scope) || strings.Contains(scope, std) {
				covered = true
				break
			}
		}
		if !covered {
			gaps = append(gaps, scope)
		}
	}

	matrix := make(map[string]interface{}, len(byScope))
	for scope, sources := range byScope {
		matrix[scope] = sources
	}
	return agent.ToolResult{
		Tool: t.Name(),
		OK:   true,
		Output: map[string]interface{}{
			"topic":          topic,
			"scope_matrix":   matrix,
			"uncovered":      gaps,
			"scopes_present": len(byScope),
		},
	}
}

// StructuralExtractionTool pulls labeled rows out of evidence content: each
// "name: value" line (list bullets stripped) becomes an entity/value row with
// its source marker; lines without a colon are skipped and units are not
// split out. The schema definition is echoed in the output and does not
// change the row columns.
type StructuralExtractionTool struct{}

func (t *StructuralExtractionTool) Name() string { return NameStructuralExtraction }

func (t *StructuralExtractionTool) Run(ctx context.Context, payload map[string]interface{}, state StateView, rc RuntimeContext) agent.ToolResult {
	schema, _ := payload["schema_definition"].(string)
	if strings.TrimSpace(schema) == "" {
		schema = "entity, value, unit"
	}

	var rows []map[string]interface{}
	for _, item := range state.Chunks {
		for _, line := range strings.Split(item.Content, "\n") {
			line = strings.TrimSpace(strings.TrimLeft(line, "-*• \t"))
			if line == "" {
				continue
			}
			if idx := strings.Index(line, ":"); idx > 0 && idx < len(line)-1 {
				rows = append(rows, map[string]interface{}{
					"entity": strings.TrimSpace(line[:idx]),
					"value":  strings.TrimSpace(line[idx+1:]),
					"source": item.Source,
				})
			}
		}
		if len(rows) >= 40 {
			break
		}
	}

	return agent.ToolResult{
		Tool: t.Name(),
		OK:   true,
		Output: map[string]interface{}{
			"schema": schema,
			"rows":   rows,
			"count":  len(rows),
		},
	}
}

// ExpectationCoverageTool scores how many expected topics (from the payload's
// "expectations" list) the retrieved evidence touches. The
// generator surfaces the gaps via the synthetic R999 summary.
type ExpectationCoverageTool struct{}

func (t *ExpectationCoverageTool) Name() string { return NameExpectationCoverage }

func (t *ExpectationCoverageTool) Run(ctx context.Context, payload map[string]interface{}, state StateView, rc RuntimeContext) agent.ToolResult {
	expectations := expectationList(payload)
	if len(expectations) == 0 {
		return agent.ToolResult{
			Tool:   t.Name(),
			OK:     true,
			Output: map[string]interface{}{"coverage_ratio": 1.0, "covered": []interface{}{}, "missing": []interface{}{}},
		}
	}

	var blob strings.Builder
	for _, item := range append(append([]agent.EvidenceItem(nil), state.Chunks...), state.Summaries...) {
		blob.WriteString(strings.ToLower(item.Content))
		blob.WriteByte('\n')
	}
	content := blob.String()

	var covered, missing []map[string]interface{}
	for i, expectation := range expectations {
		id := fmt.Sprintf("e%d", i+1)
		if strings.Contains(content, strings.ToLower(expectation)) {
			covered = append(covered, map[string]interface{}{"id": id, "topic": expectation})
		} else {
			missing = append(missing, map[string]interface{}{
				"id":           id,
				"topic":        expectation,
				"missing_risk": "uncovered_expectation",
				"reason":       "no evidence mentions the topic",
			})
		}
	}
	ratio := float64(len(covered)) / float64(len(expectations))

	return agent.ToolResult{
		Tool: t.Name(),
		OK:   true,
		Output: map[string]interface{}{
			"coverage_ratio": ratio,
			"covered":        covered,
			"missing":        missing,
		},
	}
}

func expectationList(payload map[string]interface{}) []string {
	var out []string
	raw, ok := payload["expectations"]
	if !ok {
		return nil
	}
	switch value := raw.(type) {
	case []string:
		out = value
	case []interface{}:
		for _, item := range value {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	}
	return out
}

// CitationValidatorTool wraps the deterministic validator as a tool so
// profiles can place validation inside the execution plan.
type CitationValidatorTool struct{}

func (t *CitationValidatorTool) Name() string { return NameCitationValidator }

func (t *CitationValidatorTool) Run(ctx context.Context, payload map[string]interface{}, state StateView, rc RuntimeContext) agent.ToolResult {
	if rc.Validator == nil {
		return agent.ToolResult{Tool: t.Name(), OK: false, Error: agent.CodeToolNotRegistered}
	}
	if state.Generation == nil {
		return agent.ToolResult{
			Tool:   t.Name(),
			OK:     true,
			Output: map[string]interface{}{"accepted": false, "issues": []string{"missing_generation_or_plan"}},
		}
	}
	verdict := rc.Validator.Validate(*state.Generation, state.Plan, state.UserQuery)
	issues := make([]interface{}, 0, len(verdict.Issues))
	for _, issue := range verdict.Issues {
		issues = append(issues, issue)
	}
	return agent.ToolResult{
		Tool: t.Name(),
		OK:   verdict.Accepted,
		Output: map[string]interface{}{
			"accepted": verdict.Accepted,
			"issues":   issues,
		},
	}
}

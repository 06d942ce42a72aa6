package graph

import (
	"strings"
	"time"

	"github.com/mcalza96/cire-orchestrator/core"
	"github.com/mcalza96/cire-orchestrator/tools"
)

// stageTimeout returns the configured budget for a kernel stage.
func stageTimeout(cfg *core.Config, stage string) time.Duration {
	switch stage {
	case "planner":
		return cfg.PlanTimeout + cfg.ClassifyTimeout
	case "execute_tool":
		return cfg.ExecuteToolTimeout
	case "generator":
		return cfg.GenerateTimeout
	case "validation":
		return cfg.ValidateTimeout
	}
	return time.Second
}

// effectiveToolTimeout widens the execute-tool budget for semantic_retrieval,
// whose internal stages (hybrid, multi-query, coverage repair) can legally
// exceed the generic tool budget while still fitting inside the total minus
// the generator+validation tail.
func effectiveToolTimeout(cfg *core.Config, toolName string) time.Duration {
	base := stageTimeout(cfg, "execute_tool")
	if strings.TrimSpace(toolName) != tools.NameSemanticRetrieval {
		return base
	}
	if cfg.RetrievalContract == core.ContractLegacy {
		return base
	}

	// Stages run sequentially; allow for the pipeline's worst case.
	retrievalBudget := cfg.HybridTimeout + cfg.MultiQueryTimeout + 2*cfg.CoverageRepairTimeout

	tail := stageTimeout(cfg, "planner") + cfg.GenerateTimeout + cfg.ValidateTimeout + 300*time.Millisecond
	if tail < 400*time.Millisecond {
		tail = 400 * time.Millisecond
	}
	maxByTotal := cfg.TotalTimeout - tail
	if maxByTotal < base {
		maxByTotal = base
	}
	if retrievalBudget > maxByTotal {
		retrievalBudget = maxByTotal
	}
	if retrievalBudget < base {
		return base
	}
	return retrievalBudget
}

// adaptiveTimeout computes a stage deadline as the lesser of the stage
// default and the remaining total budget minus tail headroom. The floor keeps
// a stage from being started with an unusable sliver.
func adaptiveTimeout(state *State, cfg *core.Config, stageDefault, headroom time.Duration) time.Duration {
	if state.FlowStart.IsZero() {
		return stageDefault
	}
	elapsed := time.Since(state.FlowStart)
	remaining := cfg.TotalTimeout - elapsed - headroom
	if remaining < stageDefault {
		stageDefault = remaining
	}
	if stageDefault < 25*time.Millisecond {
		return 25 * time.Millisecond
	}
	return stageDefault
}

func elapsedMS(started time.Time) float64 {
	return float64(time.Since(started).Microseconds()) / 1000.0
}

// clipText collapses whitespace and truncates for audit payloads.
func clipText(value string, limit int) string {
	text := strings.Join(strings.Fields(value), " ")
	if len(text) <= limit {
		return text
	}
	return strings.TrimRight(text[:limit], " ") + "..."
}

// sanitizePayload clips string scalars (≤280 chars) so reasoning steps stay
// bounded regardless of tool payload size.
func sanitizePayload(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for key, value := range payload {
		switch v := value.(type) {
		case string:
			out[key] = clipText(v, 280)
		case int, int64, float64, bool, nil:
			out[key] = v
		case map[string]interface{}:
			nested := make(map[string]interface{}, len(v))
			for nk, nv := range v {
				if s, ok := nv.(string); ok {
					nested[nk] = clipText(s, 280)
				} else {
					nested[nk] = summarizeValue(nv)
				}
			}
			out[key] = nested
		default:
			out[key] = summarizeValue(v)
		}
	}
	return out
}

func summarizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string, int, int64, float64, bool, nil:
		return v
	case []interface{}:
		return len(v)
	default:
		return clipText(stringify(v), 280)
	}
}

func stringify(value interface{}) string {
	if s, ok := value.(interface{ String() string }); ok {
		return s.String()
	}
	return ""
}

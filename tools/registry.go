package tools

import (
	"sort"
	"strings"

	"github.com/mcalza96/cire-orchestrator/profile"
)

// Tool names. These are the identifiers profiles list under allowed_tools.
const (
	NameSemanticRetrieval    = "semantic_retrieval"
	NameCalculator           = "python_calculator"
	NameLogicalComparison    = "logical_comparison"
	NameStructuralExtraction = "structural_extraction"
	NameExpectationCoverage  = "expectation_coverage"
	NameCitationValidator    = "citation_validator"
)

// Registry maps tool names to implementations.
type Registry map[string]AgentTool

// NewDefaultRegistry returns the built-in tool set.
func NewDefaultRegistry() Registry {
	return Registry{
		NameSemanticRetrieval:    &SemanticRetrievalTool{},
		NameCalculator:           &CalculatorTool{},
		NameLogicalComparison:    &LogicalComparisonTool{},
		NameStructuralExtraction: &StructuralExtractionTool{},
		NameExpectationCoverage:  &ExpectationCoverageTool{},
		NameCitationValidator:    &CitationValidatorTool{},
	}
}

// Get resolves a tool by name, nil when unregistered.
func (r Registry) Get(name string) AgentTool {
	return r[strings.TrimSpace(name)]
}

// ResolveAllowedTools intersects the profile allowlist with the registered
// tools, preserving the profile's order. With no profile, every registered
// tool is allowed (sorted for determinism).
func ResolveAllowedTools(p *profile.AgentProfile, registry Registry) []string {
	if p == nil {
		names := make([]string, 0, len(registry))
		for name := range registry {
			names = append(names, name)
		}
		sort.Strings(names)
		return names
	}
	var out []string
	seen := make(map[string]struct{})
	for _, name := range p.Capabilities.AllowedTools {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, registered := registry[trimmed]; !registered {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

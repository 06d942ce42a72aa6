// Package tools defines the agent tool contract and the built-in tool set:
// semantic retrieval, calculator, logical comparison, structural extraction,
// expectation coverage, and the citation validator wrapper. Tools never
// panic through the boundary; failures are encoded in the ToolResult error
// field using the closed taxonomy.
package tools

import (
	"context"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/profile"
	"github.com/mcalza96/cire-orchestrator/synthesis"
)

// Retriever is the retrieval port the semantic_retrieval tool drives.
// retrieval.EngineRetriever implements it; tests supply in-memory doubles.
type Retriever interface {
	RetrieveChunks(ctx context.Context, query string, scope agent.RequestScope, plan agent.RetrievalPlan) ([]agent.EvidenceItem, *agent.RetrievalDiagnostics, []agent.SubqueryGroup, error)
	RetrieveSummaries(ctx context.Context, query string, scope agent.RequestScope, plan agent.RetrievalPlan) ([]agent.EvidenceItem, error)
}

// ScopeValidator is the optional scope-validation half of the retriever port.
type ScopeValidator interface {
	ValidateScope(ctx context.Context, query string, scope agent.RequestScope, filters map[string]interface{}) (map[string]interface{}, error)
	ApplyValidatedScope(validated map[string]interface{})
}

// ProfileContextSetter lets the runtime push the active profile into the
// retriever before the first tool call.
type ProfileContextSetter interface {
	SetProfileContext(p *profile.AgentProfile, resolution map[string]interface{})
}

// AnswerValidator is the validation port the citation_validator tool calls.
type AnswerValidator interface {
	Validate(draft agent.AnswerDraft, plan agent.RetrievalPlan, query string) agent.ValidationResult
}

// RuntimeContext carries the shared collaborators tools may use.
type RuntimeContext struct {
	Retriever Retriever
	Generator synthesis.AnswerGenerator
	Validator AnswerValidator
}

// StateView is the read-only snapshot of flow state a tool receives. Tools
// communicate results exclusively through their ToolResult; they never write
// back into the state.
type StateView struct {
	UserQuery    string
	WorkingQuery string
	Scope        agent.RequestScope
	ScopeLabel   string
	Profile      *profile.AgentProfile
	Plan         agent.RetrievalPlan
	Chunks       []agent.EvidenceItem
	Summaries    []agent.EvidenceItem
	WorkingMemory map[string]interface{}
	Generation   *agent.AnswerDraft
}

// AgentTool is one invokable tool. Run returns a ToolResult even on failure;
// an error return is reserved for context cancellation.
type AgentTool interface {
	Name() string
	Run(ctx context.Context, payload map[string]interface{}, state StateView, rc RuntimeContext) agent.ToolResult
}

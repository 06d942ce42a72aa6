// Package graph implements the reasoning kernel: a bounded, cancellable
// state machine that plans a tool sequence, executes it with reflection and
// replans, aggregates subquery evidence, synthesizes an answer, and validates
// citations under a hard wall-clock budget.
package graph

import (
	"time"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/profile"
)

// Loop bounds. Profile budgets may lower them, never raise them past the
// hard caps.
const (
	DefaultMaxSteps       = 4
	DefaultMaxReflections = 2
	MaxPlanAttempts       = 3
	HardMaxSteps          = 12
	HardMaxReflections    = 6

	AnswerPreviewLimit = 180
	RetryReasonLimit   = 120
)

// Next actions routed between nodes.
const (
	actionExecuteTool = "execute_tool"
	actionGenerate    = "generate"
	actionReplan      = "replan"
)

// Working-memory keys with defined semantics.
const (
	MemoryLastReplanReason    = "last_replan_reason"
	MemoryExpectationCoverage = "expectation_coverage"
)

// State is the flow's shared record. The runtime owns it; each node reads a
// snapshot and returns a Delta the runtime merges. Evidence, tool-result and
// step lists are append-only; AllowedTools, PartialAnswers and scalars
// overwrite; timing maps accumulate.
type State struct {
	UserQuery    string
	WorkingQuery string
	Scope        agent.RequestScope
	ScopeLabel   string

	Profile           *profile.AgentProfile
	ProfileResolution map[string]interface{}

	Intent        *agent.QueryIntent
	IntentConfidence float64
	RetrievalPlan *agent.RetrievalPlan
	Plan          *agent.ReasoningPlan
	AllowedTools  []string

	MaxSteps       int
	MaxReflections int

	ToolCursor   int
	PlanAttempts int
	Reflections  int

	ToolResults    []agent.ToolResult
	ReasoningSteps []agent.ReasoningStep
	WorkingMemory  map[string]interface{}

	Chunks         []agent.EvidenceItem
	Summaries      []agent.EvidenceItem
	SubqueryGroups []agent.SubqueryGroup
	PartialAnswers []agent.PartialAnswer

	Retrieval  *agent.RetrievalDiagnostics
	Generation *agent.AnswerDraft
	Validation *agent.ValidationResult

	NextAction string
	StopReason string

	Clarification            *agent.ClarificationRequest
	InteractionInterruptions int

	StageTimingsMS map[string]float64
	ToolTimingsMS  map[string]float64
	FlowStart      time.Time
}

// Delta is a node's state update. Nil pointers and empty slices leave the
// corresponding field untouched.
type Delta struct {
	WorkingQuery *string

	Intent           *agent.QueryIntent
	IntentConfidence *float64
	RetrievalPlan    *agent.RetrievalPlan
	Plan             *agent.ReasoningPlan
	AllowedTools     []string

	MaxSteps       *int
	MaxReflections *int

	ToolCursor   *int
	PlanAttempts *int
	Reflections  *int

	AppendToolResults []agent.ToolResult
	AppendSteps       []agent.ReasoningStep
	WorkingMemory     map[string]interface{}

	AppendChunks    []agent.EvidenceItem
	AppendSummaries []agent.EvidenceItem
	AppendGroups    []agent.SubqueryGroup
	PartialAnswers  []agent.PartialAnswer

	Retrieval  *agent.RetrievalDiagnostics
	Generation *agent.AnswerDraft
	Validation *agent.ValidationResult

	NextAction *string
	StopReason *string

	Clarification *agent.ClarificationRequest
	Interruptions *int

	StageTimings map[string]float64
	ToolTimings  map[string]float64
}

// merge applies a delta. Reasoning-step indices are reassigned monotonically
// so the audit trail stays ordered no matter which node appended.
func (s *State) merge(d *Delta) {
	if d == nil {
		return
	}
	if d.WorkingQuery != nil {
		s.WorkingQuery = *d.WorkingQuery
	}
	if d.Intent != nil {
		s.Intent = d.Intent
	}
	if d.IntentConfidence != nil {
		s.IntentConfidence = *d.IntentConfidence
	}
	if d.RetrievalPlan != nil {
		s.RetrievalPlan = d.RetrievalPlan
	}
	if d.Plan != nil {
		s.Plan = d.Plan
	}
	if d.AllowedTools != nil {
		s.AllowedTools = d.AllowedTools
	}
	if d.MaxSteps != nil {
		s.MaxSteps = *d.MaxSteps
	}
	if d.MaxReflections != nil {
		s.MaxReflections = *d.MaxReflections
	}
	if d.ToolCursor != nil {
		s.ToolCursor = *d.ToolCursor
	}
	if d.PlanAttempts != nil {
		s.PlanAttempts = *d.PlanAttempts
	}
	if d.Reflections != nil {
		s.Reflections = *d.Reflections
	}
	s.ToolResults = append(s.ToolResults, d.AppendToolResults...)
	for _, step := range d.AppendSteps {
		step.Index = len(s.ReasoningSteps) + 1
		s.ReasoningSteps = append(s.ReasoningSteps, step)
	}
	if len(d.WorkingMemory) > 0 {
		if s.WorkingMemory == nil {
			s.WorkingMemory = make(map[string]interface{})
		}
		for key, value := range d.WorkingMemory {
			s.WorkingMemory[key] = value
		}
	}
	s.Chunks = append(s.Chunks, d.AppendChunks...)
	s.Summaries = append(s.Summaries, d.AppendSummaries...)
	s.SubqueryGroups = append(s.SubqueryGroups, d.AppendGroups...)
	if d.PartialAnswers != nil {
		s.PartialAnswers = d.PartialAnswers
	}
	if d.Retrieval != nil {
		s.Retrieval = d.Retrieval
	}
	if d.Generation != nil {
		s.Generation = d.Generation
	}
	if d.Validation != nil {
		s.Validation = d.Validation
	}
	if d.NextAction != nil {
		s.NextAction = *d.NextAction
	}
	if d.StopReason != nil && s.StopReason == "" {
		s.StopReason = *d.StopReason
	}
	if d.Clarification != nil {
		s.Clarification = d.Clarification
	}
	if d.Interruptions != nil {
		s.InteractionInterruptions = *d.Interruptions
	}
	for stage, ms := range d.StageTimings {
		if s.StageTimingsMS == nil {
			s.StageTimingsMS = make(map[string]float64)
		}
		s.StageTimingsMS[stage] += ms
	}
	for tool, ms := range d.ToolTimings {
		if s.ToolTimingsMS == nil {
			s.ToolTimingsMS = make(map[string]float64)
		}
		s.ToolTimingsMS[tool] += ms
	}
}

func strPtr(s string) *string    { return &s }
func intPtr(v int) *int          { return &v }
func floatPtr(v float64) *float64 { return &v }

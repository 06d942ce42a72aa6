package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/core"
	"github.com/mcalza96/cire-orchestrator/profile"
	"github.com/mcalza96/cire-orchestrator/synthesis"
	"github.com/mcalza96/cire-orchestrator/telemetry"
	"github.com/mcalza96/cire-orchestrator/tools"
	"github.com/mcalza96/cire-orchestrator/validation"
)

const engineName = "universal_flow"

// Command is one question for the kernel.
type Command struct {
	Query      string
	Scope      agent.RequestScope
	ScopeLabel string

	Profile           *profile.AgentProfile
	ProfileResolution map[string]interface{}

	// ClarificationContext carries the caller's answers from a previous
	// interrupt of the same conversation turn.
	ClarificationContext *ClarificationContext

	// SkipScopeValidation bypasses the validate-scope pre-step, used by
	// embedders that validated upstream.
	SkipScopeValidation bool
}

// Output is the kernel's structured result for one query.
type Output struct {
	Intent        agent.QueryIntent             `json:"intent"`
	Plan          agent.RetrievalPlan           `json:"plan"`
	Answer        agent.AnswerDraft             `json:"answer"`
	Validation    agent.ValidationResult        `json:"validation"`
	Retrieval     *agent.RetrievalDiagnostics   `json:"retrieval_diagnostics"`
	Clarification *agent.ClarificationRequest   `json:"clarification"`
	Citations     []string                      `json:"citations,omitempty"`
	CitationDetails []validation.CitationDetail `json:"citation_details,omitempty"`
	CitationQuality *validation.CitationQuality `json:"citation_quality,omitempty"`
	ReasoningTrace map[string]interface{}       `json:"reasoning_trace"`
	Engine        string                        `json:"engine"`
}

// ScopeInvalidError is returned when the engine rejects the query's scope.
// No retrieval or generation runs; the payload carries violations and the
// normalized scope for the caller to surface.
type ScopeInvalidError struct {
	Payload map[string]interface{}
}

func (e *ScopeInvalidError) Error() string {
	return "scope validation rejected the query"
}

// Violations lists the engine's reported violations.
func (e *ScopeInvalidError) Violations() []string {
	raw, _ := e.Payload["violations"].([]interface{})
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Orchestrator is the reasoning kernel: a directed graph of nodes over a
// shared flow state, executed under a hard total-time budget.
type Orchestrator struct {
	cfg       *core.Config
	registry  tools.Registry
	retriever tools.Retriever
	generator synthesis.AnswerGenerator
	validator tools.AnswerValidator
	clarifier Clarifier
	logger    core.Logger
	telemetry core.Telemetry
}

// NewOrchestrator wires the kernel. Retriever and generator are mandatory;
// a nil validator gets the profile-bound default per query.
func NewOrchestrator(cfg *core.Config, retriever tools.Retriever, generator synthesis.AnswerGenerator, validator tools.AnswerValidator) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		registry:  tools.NewDefaultRegistry(),
		retriever: retriever,
		generator: generator,
		validator: validator,
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
}

// SetLogger sets the logger (kernel/graph component).
func (o *Orchestrator) SetLogger(logger core.Logger) {
	if logger == nil {
		o.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		o.logger = cal.WithComponent("kernel/graph")
	} else {
		o.logger = logger
	}
}

// SetTelemetry sets the telemetry sink.
func (o *Orchestrator) SetTelemetry(t core.Telemetry) {
	if t == nil {
		t = &core.NoOpTelemetry{}
	}
	o.telemetry = t
}

// SetClarifier installs the optional clarification question rewriter.
func (o *Orchestrator) SetClarifier(c Clarifier) {
	o.clarifier = c
}

// SetRegistry replaces the tool registry (tests inject doubles here).
func (o *Orchestrator) SetRegistry(r tools.Registry) {
	if r != nil {
		o.registry = r
	}
}

// Execute runs one query through the graph: planner seeds it, the
// execute/reflect loop advances the tool plan, aggregation and generation
// produce the draft, and the citation validator terminates it. Exceeding the
// total budget yields an orchestrator_timeout result with partial
// diagnostics, never an error.
func (o *Orchestrator) Execute(ctx context.Context, cmd Command) (*Output, error) {
	startedAt := time.Now()
	spanCtx, span := o.telemetry.StartSpan(ctx, "kernel.execute")
	defer span.End()
	span.SetAttribute("tenant_id", cmd.Scope.TenantID)

	p := cmd.Profile
	if p == nil {
		p = profile.Default()
	}
	validator := o.validator
	if validator == nil {
		validator = validation.NewValidator(p)
	}

	state := &State{
		UserQuery:         cmd.Query,
		WorkingQuery:      cmd.Query,
		Scope:             cmd.Scope,
		ScopeLabel:        cmd.ScopeLabel,
		Profile:           p,
		ProfileResolution: cmd.ProfileResolution,
		PlanAttempts:      1,
		WorkingMemory:     make(map[string]interface{}),
		StageTimingsMS:    make(map[string]float64),
		ToolTimingsMS:     make(map[string]float64),
		FlowStart:         startedAt,
	}

	runCtx, cancel := context.WithDeadline(spanCtx, startedAt.Add(o.cfg.TotalTimeout))
	defer cancel()

	// Scope validation gate: an invalid scope stops the flow before any
	// retrieval spend.
	if !cmd.SkipScopeValidation {
		if err := o.validateScope(runCtx, state); err != nil {
			return nil, err
		}
	}

	// Push the profile into the retriever before the first tool call.
	if setter, ok := o.retriever.(tools.ProfileContextSetter); ok {
		setter.SetProfileContext(p, cmd.ProfileResolution)
	}

	runner := &flowRunner{orchestrator: o, state: state, validator: validator}
	runner.run(runCtx, cmd.ClarificationContext)

	if runCtx.Err() != nil && state.StopReason == "" {
		state.StopReason = agent.StopOrchestratorTimeout
	}
	state.StageTimingsMS["total"] = roundMS(time.Since(startedAt))

	output := o.assemble(state, validator)
	span.SetAttribute("stop_reason", output.ReasoningTrace["stop_reason"])
	o.telemetry.RecordMetric("orch.kernel.queries", 1, map[string]string{
		"stop_reason": fmt.Sprintf("%v", output.ReasoningTrace["stop_reason"]),
	})
	return output, nil
}

func (o *Orchestrator) validateScope(ctx context.Context, state *State) error {
	scopeValidator, ok := o.retriever.(tools.ScopeValidator)
	if !ok {
		return nil
	}
	payload, err := scopeValidator.ValidateScope(ctx, state.UserQuery, state.Scope, nil)
	if err != nil {
		// Scope validation is advisory when the endpoint is unreachable;
		// the retrieval flow still runs with query-derived filters.
		o.logger.WarnWithContext(ctx, "Scope validation unavailable", map[string]interface{}{
			"operation": "validate_scope",
			"error":     err.Error(),
		})
		return nil
	}
	if valid, ok := payload["valid"].(bool); ok && !valid {
		o.logger.InfoWithContext(ctx, "Scope validation rejected query", map[string]interface{}{
			"operation": "validate_scope",
			"tenant_id": state.Scope.TenantID,
		})
		return &ScopeInvalidError{Payload: payload}
	}
	scopeValidator.ApplyValidatedScope(payload)
	return nil
}

// flowRunner drives the node graph for one query.
type flowRunner struct {
	orchestrator *Orchestrator
	state        *State
	validator    tools.AnswerValidator
}

func (r *flowRunner) run(ctx context.Context, clarCtx *ClarificationContext) {
	o := r.orchestrator
	state := r.state

	for {
		if ctx.Err() != nil {
			return
		}
		state.merge(o.plannerNode(ctx, state, clarCtx))
		if state.Clarification != nil {
			return
		}
		if state.StopReason == agent.StopPlannerTimeout {
			break
		}

		if state.NextAction != actionExecuteTool {
			break
		}

		replan := false
		for state.NextAction == actionExecuteTool {
			if ctx.Err() != nil {
				return
			}
			state.merge(o.executeToolNode(ctx, state, r.validator))
			if state.NextAction == actionGenerate && state.StopReason != "" {
				// Terminal condition raised inside execution (missing plan,
				// max steps); skip reflection.
				break
			}
			state.merge(o.reflectNode(state))
			if state.NextAction == actionReplan {
				replan = true
				break
			}
		}
		if !replan {
			break
		}
		telemetry.AddSpanEvent(ctx, "kernel.replan",
			attribute.Int("plan_attempts", state.PlanAttempts),
			attribute.String("reason", fmt.Sprintf("%v", state.WorkingMemory[MemoryLastReplanReason])),
		)
	}

	if ctx.Err() != nil {
		return
	}

	// Low classification confidence with no evidence: ask instead of
	// guessing an empty answer.
	if r.lowConfidenceClarification() {
		return
	}

	state.merge(o.aggregateSubqueriesNode(ctx, state))
	if ctx.Err() != nil {
		return
	}
	state.merge(o.generatorNode(ctx, state))
	if ctx.Err() != nil {
		return
	}
	state.merge(o.citationValidateNode(ctx, state, r.validator))
}


// lowConfidenceClarification interrupts when classification confidence fell
// below threshold and retrieval produced nothing, offering the profile's
// modes as options.
func (r *flowRunner) lowConfidenceClarification() bool {
	state := r.state
	if state.Clarification != nil {
		return true
	}
	if state.IntentConfidence >= classificationThreshold {
		return false
	}
	if len(state.Chunks)+len(state.Summaries) > 0 {
		return false
	}
	if state.Profile == nil || !state.Profile.Interaction.Enabled {
		return false
	}
	if state.InteractionInterruptions >= state.Profile.Interaction.MaxInterruptionsPerTurn {
		return false
	}

	options := make([]string, 0, len(state.Profile.QueryModes.Modes))
	for mode := range state.Profile.QueryModes.Modes {
		options = append(options, mode)
	}
	sort.Strings(options)

	state.merge(&Delta{
		Clarification: &agent.ClarificationRequest{
			Kind:     "clarification",
			Level:    "L2",
			Question: "No logro identificar que necesitas exactamente. ¿Puedes reformular la pregunta indicando el tema o el alcance?",
			Options:  options,
		},
		StopReason:    strPtr(agent.StopAwaitingClarification),
		Interruptions: intPtr(state.InteractionInterruptions + 1),
	})
	return true
}

// assemble builds the final structured result, applying the documented
// fallbacks for any missing piece.
func (o *Orchestrator) assemble(state *State, validator tools.AnswerValidator) *Output {
	if state.StopReason == "" {
		state.StopReason = agent.StopOrchestratorTimeout
	}

	intent := agent.QueryIntent{Mode: profile.ModeExplicativa, Rationale: "default"}
	if state.Intent != nil {
		intent = *state.Intent
	}

	plan := agent.RetrievalPlan{Mode: intent.Mode, ChunkK: 30, ChunkFetchK: 120, SummaryK: 5}
	if state.RetrievalPlan != nil {
		plan = *state.RetrievalPlan
	}

	var answer agent.AnswerDraft
	var verdict agent.ValidationResult
	switch {
	case state.Clarification != nil:
		answer = agent.AnswerDraft{Text: state.Clarification.Question, Mode: intent.Mode}
		verdict = agent.ValidationResult{Accepted: true, Issues: []string{}}
	case state.Generation != nil:
		answer = *state.Generation
		if state.Validation != nil {
			verdict = *state.Validation
		} else {
			verdict = validator.Validate(answer, plan, state.UserQuery)
		}
	default:
		fallback := profile.DefaultFallbackMessage
		if state.Profile != nil && state.Profile.Validation.FallbackMessage != "" {
			fallback = state.Profile.Validation.FallbackMessage
		}
		answer = agent.AnswerDraft{Text: fallback, Mode: intent.Mode}
		verdict = agent.ValidationResult{Accepted: false, Issues: []string{state.StopReason}}
	}

	reasoningTrace := o.buildReasoningTrace(state)
	diagnostics := withReasoningTrace(state.Retrieval, reasoningTrace, state.StageTimingsMS)

	output := &Output{
		Intent:         intent,
		Plan:           plan,
		Answer:         answer,
		Validation:     verdict,
		Retrieval:      diagnostics,
		Clarification:  state.Clarification,
		ReasoningTrace: reasoningTrace,
		Engine:         engineName,
	}

	if state.Clarification == nil && len(answer.Evidence) > 0 {
		citations, details, quality := validation.BuildCitationBundle(
			answer.Text, answer.Evidence, state.Profile, plan.RequestedStandards)
		output.Citations = citations
		output.CitationDetails = details
		output.CitationQuality = &quality
	}
	return output
}



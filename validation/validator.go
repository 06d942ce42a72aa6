// Package validation implements the citation validator: a pure, deterministic
// check of an answer draft against its retrieval plan, the original query,
// and the profile's validation policy. Failures are reported as issues from a
// closed set; the reflect loop never retries on them.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/profile"
	"github.com/mcalza96/cire-orchestrator/router"
)

var (
	markerRE          = regexp.MustCompile(`\b[CR]\d+\b`)
	inferenceSectionRE = regexp.MustCompile(`(?is)inferencias\s*:?(.*?)(?:\n\s*\n|\z)`)
)

// Validator checks answer drafts. The zero value is not usable; construct
// with NewValidator.
type Validator struct {
	profile *profile.AgentProfile
}

// NewValidator builds a validator bound to a profile. A nil profile applies
// the base policy.
func NewValidator(p *profile.AgentProfile) *Validator {
	if p == nil {
		p = profile.Default()
	}
	return &Validator{profile: p}
}

// Validate runs every check and returns the aggregate verdict. Issues
// accumulate; the first failure does not short-circuit the rest, so callers
// see the complete picture in one pass.
func (v *Validator) Validate(draft agent.AnswerDraft, plan agent.RetrievalPlan, query string) agent.ValidationResult {
	var issues []string
	text := draft.Text

	// Evidence presence.
	if len(draft.Evidence) == 0 {
		issues = append(issues, agent.IssueNoRetrievalEvidence)
	}

	// Citation markers.
	if v.profile.Validation.RequireCitations && len(draft.Evidence) > 0 {
		if !markerRE.MatchString(text) {
			issues = append(issues, agent.IssueMissingSourceMarkers)
		}
	}

	// Scope fidelity: scopes the answer names must be requested, and
	// evidence must stay in scope.
	if len(plan.RequestedStandards) > 0 {
		requested := make(map[string]struct{}, len(plan.RequestedStandards))
		for _, scope := range plan.RequestedStandards {
			requested[strings.ToUpper(strings.TrimSpace(scope))] = struct{}{}
		}
		for _, mentioned := range router.ExtractRequestedScopes(text, v.profile) {
			if _, ok := requested[mentioned]; !ok {
				if !scopeCovered(mentioned, requested) {
					issues = append(issues, fmt.Sprintf("answer mentions %s outside requested scope", mentioned))
				}
			}
		}
		for _, item := range draft.Evidence {
			std := item.Standard()
			if std == "" {
				continue
			}
			if !scopeCovered(std, requested) {
				issues = append(issues, fmt.Sprintf("evidence includes %s outside requested scope", std))
			}
		}
	}

	// Literal clause fidelity.
	if plan.RequireLiteralEvidence {
		clauseRefs := router.ExtractClauseRefs(query, v.profile)
		if len(clauseRefs) > 0 {
			anchored := false
			for _, clause := range clauseRefs {
				for _, item := range draft.Evidence {
					if item.MentionsClause(clause) {
						anchored = true
						break
					}
				}
				if anchored {
					break
				}
			}
			if !anchored {
				issues = append(issues, agent.IssueLiteralClauseMismatch)
			}
		}
	}

	// Forbidden concepts.
	lowerText := strings.ToLower(text)
	for _, concept := range v.profile.Validation.ForbiddenConcepts {
		needle := strings.ToLower(strings.TrimSpace(concept))
		if needle != "" && strings.Contains(lowerText, needle) {
			issues = append(issues, agent.IssueForbiddenConcept+": "+concept)
		}
	}

	// Grounded-inference contract.
	if plan.ResponseContract == "grounded_inference" {
		if countInferenceCitations(text) < 2 {
			issues = append(issues, agent.IssueGroundedInferenceCitations)
		}
	}

	return agent.ValidationResult{Accepted: len(issues) == 0, Issues: dedupIssues(issues)}
}

// FallbackMessage returns the profile's fallback text substituted for a
// rejected draft. Substitution happens after all checks have run.
func (v *Validator) FallbackMessage() string {
	if msg := strings.TrimSpace(v.profile.Validation.FallbackMessage); msg != "" {
		return msg
	}
	return profile.DefaultFallbackMessage
}

func scopeCovered(scope string, requested map[string]struct{}) bool {
	for req := range requested {
		if strings.Contains(scope, req) || strings.Contains(req, scope) {
			return true
		}
	}
	return false
}

func countInferenceCitations(text string) int {
	m := inferenceSectionRE.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	return len(markerRE.FindAllString(m[1], -1))
}

func dedupIssues(issues []string) []string {
	seen := make(map[string]struct{}, len(issues))
	out := make([]string, 0, len(issues))
	for _, issue := range issues {
		if _, dup := seen[issue]; dup {
			continue
		}
		seen[issue] = struct{}{}
		out = append(out, issue)
	}
	return out
}

// Signals classifies validation issues for the silent-correction paths.
type Signals struct {
	ScopeAnswerMismatch   bool
	ScopeEvidenceMismatch bool
	ClauseMismatch        bool
	MissingCitations      bool
	NoEvidence            bool
}

// ClassifyIssues buckets issue strings by the checks that produced them.
func ClassifyIssues(issues []string) Signals {
	var s Signals
	for _, raw := range issues {
		issue := strings.ToLower(raw)
		switch {
		case strings.Contains(issue, "answer mentions"):
			s.ScopeAnswerMismatch = true
		case strings.Contains(issue, "evidence includes"):
			s.ScopeEvidenceMismatch = true
		case strings.Contains(issue, "literal clause mismatch"):
			s.ClauseMismatch = true
		case strings.Contains(issue, "explicit source markers"):
			s.MissingCitations = true
		case strings.Contains(issue, "no retrieval evidence"):
			s.NoEvidence = true
		}
	}
	return s
}

// Package router provides profile-driven query analysis shared by the
// planner, the retrieval flow, and the citation validator: search-hint
// expansion, clause-reference extraction, and scope detection.
package router

import (
	"regexp"
	"sort"
	"strings"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/profile"
)

var (
	clauseRE      = regexp.MustCompile(`\b\d+(?:\.\d+)+\b`)
	standardKeyRE = regexp.MustCompile(`\b(\d{4,5})\b`)
	isoLegacyRE   = regexp.MustCompile(`(?i)\biso\s*[-:]?\s*(\d{4,5})\b`)
	knownCodesRE  = regexp.MustCompile(`\b(9001|14001|45001)\b`)
)

// ApplySearchHints expands the query with the profile's hint vocabulary.
// Each matched term contributes its expansions once; terms already present
// in the query are skipped. The returned trace is nil when nothing applied.
func ApplySearchHints(query string, p *profile.AgentProfile) (string, *agent.SearchHintTrace) {
	text := strings.TrimSpace(query)
	if text == "" || p == nil || len(p.Retrieval.SearchHints) == 0 {
		return text, nil
	}

	lower := strings.ToLower(text)
	var expanded []string
	var applied []agent.AppliedHint

	for _, hint := range p.Retrieval.SearchHints {
		term := strings.TrimSpace(hint.Term)
		if term == "" || !strings.Contains(lower, strings.ToLower(term)) {
			continue
		}
		var additions []string
		for _, raw := range hint.ExpandTo {
			item := strings.TrimSpace(raw)
			if item == "" || strings.Contains(lower, strings.ToLower(item)) || Contains(expanded, item) {
				continue
			}
			additions = append(additions, item)
		}
		if len(additions) == 0 {
			continue
		}
		expanded = append(expanded, additions...)
		applied = append(applied, agent.AppliedHint{Term: term, ExpandTo: additions})
	}

	if len(expanded) == 0 {
		return text, nil
	}
	return text + " " + strings.Join(expanded, " "), &agent.SearchHintTrace{
		Applied:       applied,
		ExpandedTerms: expanded,
	}
}

// ExtractClauseRefs finds dotted clause anchors (e.g. "9.1.2") using the
// profile's reference patterns, falling back to the generic pattern.
// Order of first appearance is preserved and duplicates dropped.
func ExtractClauseRefs(text string, p *profile.AgentProfile) []string {
	var compiled []*regexp.Regexp
	if p != nil {
		for _, expr := range p.Router.ReferencePatterns {
			re, err := regexp.Compile("(?i)" + expr)
			if err != nil {
				continue
			}
			compiled = append(compiled, re)
		}
	}
	if len(compiled) == 0 {
		compiled = []*regexp.Regexp{clauseRE}
	}

	seen := make(map[string]struct{})
	var ordered []string
	for _, re := range compiled {
		for _, match := range re.FindAllString(text, -1) {
			if _, dup := seen[match]; dup {
				continue
			}
			seen[match] = struct{}{}
			ordered = append(ordered, match)
		}
	}
	return ordered
}

// ExtractRequestedScopes detects standard labels in the query via profile
// scope patterns, scope hints, and domain entities, with a generic fallback
// for common standard codes. Results are sorted for determinism.
func ExtractRequestedScopes(query string, p *profile.AgentProfile) []string {
	text := strings.TrimSpace(query)
	lower := strings.ToLower(text)
	found := make(map[string]struct{})

	hasPatterns := p != nil && len(p.Router.ScopePatterns) > 0
	if hasPatterns {
		for _, pattern := range p.Router.ScopePatterns {
			re, err := regexp.Compile("(?i)" + pattern.Regex)
			if err != nil {
				continue
			}
			if !re.MatchString(text) {
				continue
			}
			if strings.TrimSpace(pattern.Label) != "" {
				found[strings.ToUpper(strings.TrimSpace(pattern.Label))] = struct{}{}
				continue
			}
			for _, match := range re.FindAllString(lower, -1) {
				if value := strings.ToUpper(strings.TrimSpace(match)); value != "" {
					found[value] = struct{}{}
				}
			}
		}
	}

	if p != nil {
		for label, hints := range p.Router.ScopeHints {
			for _, hint := range hints {
				if hint != "" && strings.Contains(lower, strings.ToLower(hint)) {
					found[strings.ToUpper(strings.TrimSpace(label))] = struct{}{}
					break
				}
			}
		}
		for _, entity := range p.DomainEntities {
			if len(entity) >= 4 && strings.Contains(lower, strings.ToLower(entity)) {
				found[strings.ToUpper(strings.TrimSpace(entity))] = struct{}{}
			}
		}
	}

	if len(found) == 0 && !hasPatterns {
		for _, match := range isoLegacyRE.FindAllStringSubmatch(lower, -1) {
			found["ISO "+match[1]] = struct{}{}
		}
		for _, match := range knownCodesRE.FindAllString(lower, -1) {
			found["ISO "+match] = struct{}{}
		}
	}

	out := make([]string, 0, len(found))
	for scope := range found {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

// DetectScopeCandidates extends the requested scopes with hint-only matches,
// used by the interaction policy to offer clarification options.
func DetectScopeCandidates(query string, p *profile.AgentProfile) []string {
	requested := ExtractRequestedScopes(query, p)
	if p == nil {
		return requested
	}
	lower := strings.ToLower(query)
	for label, hints := range p.Router.ScopeHints {
		upper := strings.ToUpper(strings.TrimSpace(label))
		if Contains(requested, upper) {
			continue
		}
		for _, hint := range hints {
			if hint != "" && strings.Contains(lower, strings.ToLower(hint)) {
				requested = append(requested, upper)
				break
			}
		}
	}
	return requested
}

// StandardKey reduces "ISO 45001" to "45001" for id construction.
func StandardKey(standard string) string {
	if m := standardKeyRE.FindStringSubmatch(standard); m != nil {
		return m[1]
	}
	return strings.TrimSpace(standard)
}

// ClauseNearStandard finds a clause reference within a short window after a
// standard mention, binding "ISO 9001 ... 9.1.2" to that standard.
func ClauseNearStandard(query, standard string) string {
	key := StandardKey(standard)
	if key == "" {
		return ""
	}
	idx := indexFold(query, standard)
	if idx < 0 {
		idx = indexFold(query, key)
	}
	if idx < 0 {
		return ""
	}
	end := idx + len(standard)
	if end > len(query) {
		end = len(query)
	}
	windowEnd := end + 90
	if windowEnd > len(query) {
		windowEnd = len(query)
	}
	return clauseRE.FindString(query[end:windowEnd])
}

func indexFold(haystack, needle string) int {
	return strings.Index(strings.ToLower(haystack), strings.ToLower(needle))
}

func Contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}


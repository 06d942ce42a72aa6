package validation

import (
	"regexp"
	"sort"
	"strings"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/profile"
)

var (
	usedMarkerRE = regexp.MustCompile(`(?i)\b[CR]\d+\b`)
	clauseIDRE   = regexp.MustCompile(`(?i)\[\s*CLAUSE_ID\s*:\s*([0-9]+(?:\.[0-9]+)+)\s*\]`)
	clauseTextRE = regexp.MustCompile(`(?i)\b(?:cl(?:a|á)usula\s*)?([0-9]+(?:\.[0-9]+)+)\b`)
	hypothesisRE = regexp.MustCompile(`(?i)\b(hip[oó]tesis|hipotesis|supuesto|asunci[oó]n|assumption)\b`)
	scopeDigitRE = regexp.MustCompile(`\b\d{3,6}\b`)
)

// CitationDetail describes one evidence item's citation quality.
type CitationDetail struct {
	ID            string   `json:"id"`
	Standard      string   `json:"standard"`
	Clause        string   `json:"clause"`
	Score         *float64 `json:"score"`
	Snippet       string   `json:"snippet"`
	UsedInAnswer  bool     `json:"used_in_answer"`
	MissingFields []string `json:"missing_fields"`
	Noise         bool     `json:"noise"`
	Rendered      string   `json:"rendered"`
}

// CitationQuality summarizes the bundle.
type CitationQuality struct {
	SchemaVersion              string         `json:"schema_version"`
	Total                      int            `json:"total"`
	StructuredCount            int            `json:"structured_count"`
	StructuredRatio            float64        `json:"structured_ratio"`
	DiscardedNoise             int            `json:"discarded_noise"`
	MissingStandardCount       int            `json:"missing_standard_count"`
	MissingClauseCount         int            `json:"missing_clause_count"`
	HypothesisMarkers          int            `json:"hypothesis_markers"`
	RequiredFields             []string       `json:"required_fields"`
	MinStructuredCitationRatio float64        `json:"min_structured_citation_ratio"`
	CitationsPerScope          map[string]int `json:"citations_per_scope"`
	MissingScopeCitations      []string       `json:"missing_scope_citations"`
}

// BuildCitationBundle derives the citation list, per-item details, and the
// quality report for an answer. Details are ordered: clean and cited first,
// then by completeness, score, and id.
func BuildCitationBundle(answerText string, evidence []agent.EvidenceItem, p *profile.AgentProfile, requestedScopes []string) ([]string, []CitationDetail, CitationQuality) {
	used := make(map[string]struct{})
	for _, marker := range usedMarkerRE.FindAllString(answerText, -1) {
		used[strings.ToUpper(marker)] = struct{}{}
	}

	synthesis := profile.SynthesisPolicy{}
	if p != nil {
		synthesis = p.Synthesis
	}
	requiredFields := synthesis.CitationRequiredFields
	if len(requiredFields) == 0 {
		requiredFields = []string{"id", "standard", "clause_id", "quote"}
	}
	renderTemplate := strings.TrimSpace(synthesis.CitationRenderTemplate)
	if renderTemplate == "" {
		renderTemplate = `{id} | {standard} | clausula {clause_id} | "{snippet}"`
	}
	noiseFilters := synthesis.CitationNoiseFilters
	if len(noiseFilters) == 0 {
		noiseFilters = []string{"indice", "prólogo", "traducción oficial", "official translation"}
	}

	var details []CitationDetail
	seen := make(map[string]struct{})
	discardedNoise := 0
	structuredCount := 0

	for _, item := range evidence {
		source := strings.TrimSpace(item.Source)
		if source == "" {
			continue
		}
		key := strings.ToUpper(source)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		standard := item.Standard()
		clause := extractClause(item)
		snippet := compact(item.Content, 220)
		noise := isNoise(item.Content, noiseFilters)

		payload := map[string]string{
			"id":        source,
			"standard":  orNA(standard),
			"clause_id": orNA(clause),
			"snippet":   snippet,
			"quote":     snippet,
		}
		var missingFields []string
		for _, field := range requiredFields {
			if value := payload[field]; value == "" || value == "N/A" {
				missingFields = append(missingFields, field)
			}
		}

		_, usedInAnswer := used[key]
		if len(missingFields) == 0 && !noise {
			structuredCount++
		}
		if noise {
			discardedNoise++
		}

		score := item.Score
		details = append(details, CitationDetail{
			ID:            source,
			Standard:      standard,
			Clause:        clause,
			Score:         &score,
			Snippet:       snippet,
			UsedInAnswer:  usedInAnswer,
			MissingFields: missingFields,
			Noise:         noise,
			Rendered:      render(renderTemplate, payload),
		})
	}

	sort.SliceStable(details, func(i, j int) bool {
		a, b := details[i], details[j]
		if a.Noise != b.Noise {
			return !a.Noise
		}
		if a.UsedInAnswer != b.UsedInAnswer {
			return a.UsedInAnswer
		}
		if len(a.MissingFields) != len(b.MissingFields) {
			return len(a.MissingFields) < len(b.MissingFields)
		}
		if scoreValue(a.Score) != scoreValue(b.Score) {
			return scoreValue(a.Score) > scoreValue(b.Score)
		}
		return a.ID < b.ID
	})

	var citations []string
	for _, detail := range details {
		if detail.ID != "" && !detail.Noise {
			citations = append(citations, detail.ID)
		}
	}

	total := len(details)
	ratio := 0.0
	if total > 0 {
		ratio = float64(structuredCount) / float64(total)
	}
	missingStandard := 0
	missingClause := 0
	for _, detail := range details {
		for _, field := range detail.MissingFields {
			switch field {
			case "standard":
				missingStandard++
			case "clause_id":
				missingClause++
			}
		}
	}

	perScope := make(map[string]int)
	var scopeLabels []string
	for _, raw := range requestedScopes {
		if scope := strings.ToUpper(strings.TrimSpace(raw)); scope != "" {
			perScope[scope] = 0
			scopeLabels = append(scopeLabels, scope)
		}
	}
	for _, detail := range details {
		if detail.Noise || detail.Standard == "" {
			continue
		}
		standard := strings.ToUpper(detail.Standard)
		for _, scope := range scopeLabels {
			if strings.Contains(standard, scope) || strings.Contains(scope, standard) {
				perScope[scope]++
				break
			}
			matched := false
			for _, digits := range scopeDigitRE.FindAllString(scope, -1) {
				if strings.Contains(standard, digits) {
					perScope[scope]++
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
	}
	var missingScopeCitations []string
	for _, scope := range scopeLabels {
		if perScope[scope] == 0 {
			missingScopeCitations = append(missingScopeCitations, scope)
		}
	}

	schemaVersion := strings.TrimSpace(synthesis.CitationSchemaVersion)
	if schemaVersion == "" {
		schemaVersion = "v1"
	}
	minRatio := synthesis.MinStructuredCitationRatio
	if minRatio <= 0 {
		minRatio = 0.5
	}

	quality := CitationQuality{
		SchemaVersion:              schemaVersion,
		Total:                      total,
		StructuredCount:            structuredCount,
		StructuredRatio:            round4(ratio),
		DiscardedNoise:             discardedNoise,
		MissingStandardCount:       missingStandard,
		MissingClauseCount:         missingClause,
		HypothesisMarkers:          len(hypothesisRE.FindAllString(answerText, -1)),
		RequiredFields:             requiredFields,
		MinStructuredCitationRatio: minRatio,
		CitationsPerScope:          perScope,
		MissingScopeCitations:      missingScopeCitations,
	}
	return citations, details, quality
}

func extractClause(item agent.EvidenceItem) string {
	meta := item.RowMetadata()
	for _, field := range []string{"clause_id", "clause_ref", "clause", "clause_anchor"} {
		if value, ok := meta[field].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	if m := clauseIDRE.FindStringSubmatch(item.Content); m != nil {
		return m[1]
	}
	if m := clauseTextRE.FindStringSubmatch(item.Content); m != nil {
		return m[1]
	}
	return ""
}

func isNoise(content string, filters []string) bool {
	lowered := strings.ToLower(content)
	for _, token := range filters {
		if value := strings.ToLower(strings.TrimSpace(token)); value != "" && strings.Contains(lowered, value) {
			return true
		}
	}
	return false
}

func render(template string, payload map[string]string) string {
	out := template
	for key, value := range payload {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out
}

func compact(text string, limit int) string {
	raw := strings.Join(strings.Fields(text), " ")
	if len(raw) <= limit {
		return raw
	}
	return strings.TrimRight(raw[:limit], " ") + "..."
}

func orNA(value string) string {
	if strings.TrimSpace(value) == "" {
		return "N/A"
	}
	return value
}

func scoreValue(s *float64) float64 {
	if s == nil {
		return 0
	}
	return *s
}

func round4(v float64) float64 {
	return float64(int(v*10000+0.5)) / 10000
}

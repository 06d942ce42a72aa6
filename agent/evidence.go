package agent

import (
	"regexp"
	"strings"
)

var isoStandardRE = regexp.MustCompile(`(?i)\bISO\s*[-:]?\s*(\d{4,5})\b`)

func normalizeScope(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Row returns the nested "row" mapping of an evidence item's metadata, or nil.
func (e EvidenceItem) Row() map[string]interface{} {
	if e.Metadata == nil {
		return nil
	}
	row, _ := e.Metadata["row"].(map[string]interface{})
	return row
}

// RowMetadata returns the row's own metadata mapping, or nil.
func (e EvidenceItem) RowMetadata() map[string]interface{} {
	row := e.Row()
	if row == nil {
		return nil
	}
	meta, _ := row["metadata"].(map[string]interface{})
	return meta
}

// Standard extracts the standard/scope label anchored in the item's row
// metadata, falling back to an inline "ISO <nnnn>" mention in the content.
// The result is uppercased; empty means no standard is anchored.
func (e EvidenceItem) Standard() string {
	meta := e.RowMetadata()
	for _, field := range []string{"source_standard", "standard", "scope"} {
		if value, ok := meta[field].(string); ok && strings.TrimSpace(value) != "" {
			return normalizeScope(value)
		}
	}
	if row := e.Row(); row != nil {
		if value, ok := row["source_standard"].(string); ok && strings.TrimSpace(value) != "" {
			return normalizeScope(value)
		}
	}
	if m := isoStandardRE.FindStringSubmatch(e.Content); m != nil {
		return "ISO " + m[1]
	}
	return ""
}

// MentionsClause reports whether the item anchors the given clause reference,
// either in row metadata (clause_id / clause_ref / clause / clause_refs) or
// literally in the content.
func (e EvidenceItem) MentionsClause(clause string) bool {
	clause = strings.TrimSpace(clause)
	if clause == "" {
		return false
	}
	if strings.Contains(e.Content, clause) {
		return true
	}
	meta := e.RowMetadata()
	for _, field := range []string{"clause_id", "clause_ref", "clause", "clause_anchor"} {
		if value, ok := meta[field].(string); ok && strings.TrimSpace(value) == clause {
			return true
		}
	}
	if refs, ok := meta["clause_refs"].([]interface{}); ok {
		for _, item := range refs {
			if value, ok := item.(string); ok && strings.TrimSpace(value) == clause {
				return true
			}
		}
	}
	return false
}

// SplitEvidence partitions evidence into chunks and summaries. Fusion-source
// metadata wins when present; otherwise the legacy C/R source prefix decides.
func SplitEvidence(evidence []EvidenceItem) (chunks, summaries []EvidenceItem) {
	for _, item := range evidence {
		meta := item.RowMetadata()
		fusion, _ := meta["fusion_source"].(string)
		switch strings.ToLower(fusion) {
		case "raptor":
			summaries = append(summaries, item)
			continue
		case "chunks", "graph":
			chunks = append(chunks, item)
			continue
		}
		src := strings.ToUpper(item.Source)
		if strings.HasPrefix(src, "R") {
			summaries = append(summaries, item)
		} else {
			chunks = append(chunks, item)
		}
	}
	return chunks, summaries
}

// FilterEvidenceByStandards keeps items whose anchored standard matches one of
// the allowed scopes; items with no anchored standard pass through.
func FilterEvidenceByStandards(evidence []EvidenceItem, allowed []string) []EvidenceItem {
	if len(allowed) == 0 {
		return evidence
	}
	allowedUpper := make([]string, 0, len(allowed))
	for _, scope := range allowed {
		if s := normalizeScope(scope); s != "" {
			allowedUpper = append(allowedUpper, s)
		}
	}
	var out []EvidenceItem
	for _, item := range evidence {
		std := item.Standard()
		if std == "" {
			out = append(out, item)
			continue
		}
		for _, scope := range allowedUpper {
			if strings.Contains(std, scope) || strings.Contains(scope, std) {
				out = append(out, item)
				break
			}
		}
	}
	return out
}

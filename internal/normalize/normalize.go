// Package normalize maps engine-specific severity vocabularies onto the
// canonical scale and collapses duplicate findings reported by several
// engines within one scan.
package normalize

import (
	"strconv"
	"strings"

	"dastor/internal/domain"
)

var severities = map[string]domain.Severity{
	"critical":      domain.SeverityCritical,
	"high":          domain.SeverityHigh,
	"medium":        domain.SeverityMedium,
	"low":           domain.SeverityLow,
	"info":          domain.SeverityInfo,
	"informational": domain.SeverityInfo,
}

// Severity maps a raw severity label to the canonical scale. Lookup is
// case-insensitive and ignores surrounding whitespace; unknown labels map to
// info. Engines reporting numeric levels translate them before calling this.
func Severity(raw string) domain.Severity {
	if s, ok := severities[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return domain.SeverityInfo
}

// CWE renders a weakness id as "CWE-<n>". It accepts a bare number or an
// already prefixed id in any case. Empty, zero and negative ids, which
// scanners use for "no mapping", yield "".
func CWE(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) >= 4 && strings.EqualFold(raw[:4], "cwe-") {
		raw = raw[4:]
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return ""
	}
	return "CWE-" + strconv.Itoa(n)
}

type key struct {
	url, cwe, name string
}

// Deduplicate drops every finding whose (url, cwe, name) triple was already
// seen earlier in the input. The result keeps first-occurrence order.
func Deduplicate(findings []domain.Finding) []domain.Finding {
	seen := make(map[key]struct{}, len(findings))
	out := make([]domain.Finding, 0, len(findings))
	for _, f := range findings {
		k := key{url: f.URL, cwe: f.CWE, name: f.Name}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, f)
	}
	return out
}

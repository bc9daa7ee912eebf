package domain

import "github.com/google/uuid"

// Finding is a single normalized vulnerability report. Findings are values:
// once built they are never mutated, so they can be shared between the
// engine that produced them and any number of scan records.
type Finding struct {
	ID          uuid.UUID `json:"id"`
	Scanner     string    `json:"scanner"`
	Name        string    `json:"name"`
	Severity    Severity  `json:"severity"`
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
	CWE         string    `json:"cwe,omitempty"`
	CVSS        *float64  `json:"cvss,omitempty"`
}

// NewFinding returns a finding with a freshly generated id.
func NewFinding(scanner, name string, severity Severity, url string) Finding {
	return Finding{
		ID:       uuid.New(),
		Scanner:  scanner,
		Name:     name,
		Severity: severity,
		URL:      url,
	}
}

// WithDescription returns a copy of f carrying the description.
func (f Finding) WithDescription(d string) Finding {
	f.Description = d
	return f
}

// WithCWE returns a copy of f carrying the weakness classifier.
func (f Finding) WithCWE(cwe string) Finding {
	f.CWE = cwe
	return f
}

// WithCVSS returns a copy of f carrying the score.
func (f Finding) WithCVSS(score float64) Finding {
	f.CVSS = &score
	return f
}

// GroupByScanner buckets findings by originating engine, keeping input order
// within each bucket.
func GroupByScanner(findings []Finding) map[string][]Finding {
	out := make(map[string][]Finding)
	for _, f := range findings {
		out[f.Scanner] = append(out[f.Scanner], f)
	}
	return out
}

package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dastor/internal/domain"
)

func TestSeverity(t *testing.T) {
	cases := map[string]domain.Severity{
		"critical":      domain.SeverityCritical,
		"CRITICAL":      domain.SeverityCritical,
		"High":          domain.SeverityHigh,
		" medium ":      domain.SeverityMedium,
		"low":           domain.SeverityLow,
		"info":          domain.SeverityInfo,
		"Informational": domain.SeverityInfo,
		"":              domain.SeverityInfo,
		"3":             domain.SeverityInfo,
		"severe":        domain.SeverityInfo,
		"ünïcødé":       domain.SeverityInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, Severity(in), "Severity(%q)", in)
	}
}

func TestDeduplicate_FirstWins(t *testing.T) {
	first := domain.NewFinding("nuclei", "XSS", domain.SeverityInfo, "/a").WithCWE("79")
	second := domain.NewFinding("zap", "XSS", domain.SeverityHigh, "/a").WithCWE("79")

	out := Deduplicate([]domain.Finding{first, second})
	require.Len(t, out, 1)
	assert.Equal(t, first.ID, out[0].ID)
	assert.Equal(t, "nuclei", out[0].Scanner)
}

func TestDeduplicate_DifferentCWEKept(t *testing.T) {
	a := domain.NewFinding("nuclei", "XSS", domain.SeverityLow, "/a").WithCWE("79")
	b := domain.NewFinding("nuclei", "XSS", domain.SeverityLow, "/a").WithCWE("80")
	c := domain.NewFinding("nuclei", "XSS", domain.SeverityLow, "/a")

	assert.Len(t, Deduplicate([]domain.Finding{a, b, c}), 3)
}

func TestDeduplicate_OrderOfFirstOccurrence(t *testing.T) {
	in := []domain.Finding{
		domain.NewFinding("s", "b", domain.SeverityLow, "/2"),
		domain.NewFinding("s", "a", domain.SeverityLow, "/1"),
		domain.NewFinding("s", "b", domain.SeverityLow, "/2"),
		domain.NewFinding("s", "c", domain.SeverityLow, "/3"),
		domain.NewFinding("s", "a", domain.SeverityLow, "/1"),
	}
	out := Deduplicate(in)
	require.Len(t, out, 3)
	assert.Equal(t, in[0].ID, out[0].ID)
	assert.Equal(t, in[1].ID, out[1].ID)
	assert.Equal(t, in[3].ID, out[2].ID)

	assert.Equal(t, out, Deduplicate(out), "deduplicating twice changes nothing")
}

func TestDeduplicate_Empty(t *testing.T) {
	out := Deduplicate(nil)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestCWE(t *testing.T) {
	tests := map[string]string{
		"79":      "CWE-79",
		"CWE-89":  "CWE-89",
		"cwe-22":  "CWE-22",
		" 352 ":   "CWE-352",
		"-1":      "",
		"0":       "",
		"":        "",
		"unknown": "",
	}
	for raw, want := range tests {
		assert.Equal(t, want, CWE(raw), "CWE(%q)", raw)
	}
}

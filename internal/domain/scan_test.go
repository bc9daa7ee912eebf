package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	for _, s := range []ScanStatus{StatusStarted, StatusRunning, StatusPaused, StatusStopped} {
		assert.False(t, s.Terminal(), s)
	}
	assert.True(t, StatusStopped.Settled())
	assert.False(t, StatusPaused.Settled())
}

func TestScanStatus_CanTransition(t *testing.T) {
	cases := []struct {
		from, to ScanStatus
		want     bool
	}{
		{StatusStarted, StatusRunning, true},
		{StatusRunning, StatusStopped, true},
		{StatusStopped, StatusRunning, true},
		{StatusRunning, StatusPaused, true},
		{StatusPaused, StatusRunning, true},
		{StatusStarted, StatusPaused, false},
		{StatusStopped, StatusPaused, false},
		{StatusStopped, StatusCompleted, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCompleted, StatusStopped, false},
		{StatusFailed, StatusRunning, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestSummarize_MatchesHistogram(t *testing.T) {
	findings := []Finding{
		NewFinding("a", "x", SeverityCritical, "/1"),
		NewFinding("a", "x", SeverityHigh, "/2"),
		NewFinding("b", "x", SeverityHigh, "/3"),
		NewFinding("b", "x", SeverityInfo, "/4"),
		NewFinding("b", "x", Severity("weird"), "/5"),
	}
	s := Summarize(findings)
	assert.Equal(t, ScanSummary{Critical: 1, High: 2, Info: 2}, s)
	assert.Equal(t, len(findings), s.Total())
}

func TestScanRecord_CloneDoesNotAlias(t *testing.T) {
	r := ScanRecord{
		Vulnerabilities: []Finding{NewFinding("a", "x", SeverityLow, "/")},
		Logs:            []string{"one"},
	}
	c := r.Clone()
	c.Logs[0] = "changed"
	c.Vulnerabilities = append(c.Vulnerabilities, NewFinding("a", "y", SeverityLow, "/"))

	require.Len(t, r.Vulnerabilities, 1)
	assert.Equal(t, "one", r.Logs[0])

	empty := ScanRecord{}.Clone()
	assert.NotNil(t, empty.Logs)
	assert.NotNil(t, empty.Vulnerabilities)
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ScanStatus is the lifecycle state of a scan record.
type ScanStatus string

const (
	StatusStarted   ScanStatus = "started"
	StatusRunning   ScanStatus = "running"
	StatusPaused    ScanStatus = "paused"
	StatusStopped   ScanStatus = "stopped"
	StatusCompleted ScanStatus = "completed"
	StatusFailed    ScanStatus = "failed"
)

// Terminal reports whether no further transition is permitted.
func (s ScanStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Settled reports whether the scan is not making progress on its own:
// terminal, or stopped until someone resumes it.
func (s ScanStatus) Settled() bool {
	return s.Terminal() || s == StatusStopped
}

var transitions = map[ScanStatus][]ScanStatus{
	StatusStarted: {StatusRunning, StatusStopped, StatusFailed},
	StatusRunning: {StatusPaused, StatusStopped, StatusCompleted, StatusFailed},
	StatusPaused:  {StatusRunning, StatusStopped, StatusFailed},
	StatusStopped: {StatusRunning, StatusFailed},
}

// CanTransition reports whether moving from s to next is a legal step of the
// scan state machine.
func (s ScanStatus) CanTransition(next ScanStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ScanSummary counts findings per severity.
type ScanSummary struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

// Add counts one finding of severity s. Anything off the canonical scale is
// counted as info.
func (s *ScanSummary) Add(sev Severity) {
	switch sev {
	case SeverityCritical:
		s.Critical++
	case SeverityHigh:
		s.High++
	case SeverityMedium:
		s.Medium++
	case SeverityLow:
		s.Low++
	default:
		s.Info++
	}
}

// Total returns the number of counted findings.
func (s ScanSummary) Total() int {
	return s.Critical + s.High + s.Medium + s.Low + s.Info
}

// Summarize builds the severity histogram of findings.
func Summarize(findings []Finding) ScanSummary {
	var s ScanSummary
	for _, f := range findings {
		s.Add(f.Severity)
	}
	return s
}

// ScanRecord is a point-in-time view of one scan.
type ScanRecord struct {
	ID              uuid.UUID   `json:"scan_id"`
	Status          ScanStatus  `json:"status"`
	Target          string      `json:"target"`
	Domain          string      `json:"domain,omitempty"`
	Summary         ScanSummary `json:"summary"`
	Vulnerabilities []Finding   `json:"vulnerabilities"`
	Logs            []string    `json:"logs"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Clone returns a copy that shares no slices with r.
func (r ScanRecord) Clone() ScanRecord {
	out := r
	out.Vulnerabilities = append([]Finding(nil), r.Vulnerabilities...)
	out.Logs = append([]string(nil), r.Logs...)
	if out.Vulnerabilities == nil {
		out.Vulnerabilities = []Finding{}
	}
	if out.Logs == nil {
		out.Logs = []string{}
	}
	return out
}

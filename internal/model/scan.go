package model

// Scan severities. A critical finding fails the whole scan; anything lower is
// a warning the user must confirm.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Finding locates one match. Detail names the pattern that matched, never the
// matched text itself.
type Finding struct {
	Path   string `json:"path"`
	Detail string `json:"detail"`
}

type CheckResult struct {
	ID       string    `json:"id"`
	Passed   bool      `json:"passed"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	Findings []Finding `json:"findings,omitempty"`
}

type ScanResult struct {
	Passed      bool          `json:"passed"`
	HasWarnings bool          `json:"has_warnings"`
	Checks      []CheckResult `json:"checks"`
}

// FirstCritical returns the first failed critical check, if any.
func (r *ScanResult) FirstCritical() (CheckResult, bool) {
	for _, c := range r.Checks {
		if !c.Passed && c.Severity == SeverityCritical {
			return c, true
		}
	}
	return CheckResult{}, false
}

// Summary reduces the result to what is kept on the application record.
func (r *ScanResult) Summary() *ScanSummary {
	s := &ScanSummary{Passed: r.Passed, HasWarnings: r.HasWarnings}
	for _, c := range r.Checks {
		if !c.Passed {
			s.FailedChecks = append(s.FailedChecks, c.ID)
		}
	}
	return s
}

// ScanSummary is the audit trail attached to an application record.
type ScanSummary struct {
	Passed       bool     `json:"passed"`
	HasWarnings  bool     `json:"has_warnings"`
	FailedChecks []string `json:"failed_checks,omitempty"`
}

package models

import "time"

// ShadowStatus is the lifecycle state of a shadow environment.
type ShadowStatus string

const (
	ShadowProvisioning ShadowStatus = "provisioning"
	ShadowReady        ShadowStatus = "ready"
	ShadowPatching     ShadowStatus = "patching"
	ShadowGating       ShadowStatus = "gating"
	ShadowTesting      ShadowStatus = "testing"
	ShadowPassed       ShadowStatus = "passed"
	ShadowFailed       ShadowStatus = "failed"
	ShadowTearingDown  ShadowStatus = "tearing_down"
	ShadowDeleted      ShadowStatus = "deleted"
)

// Active reports whether the environment still holds cluster resources.
func (s ShadowStatus) Active() bool {
	return s != ShadowDeleted
}

// Finding is one normalised observation from a security tool.
type Finding struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Object   string   `json:"object,omitempty"`
}

// GateResult is the normalised output of a single gate. Raw keeps the
// tool-specific payload for operators.
type GateResult struct {
	Gate     string    `json:"gate"`
	Passed   bool      `json:"passed"`
	Skipped  bool      `json:"skipped,omitempty"`
	Findings []Finding `json:"findings,omitempty"`
	Note     string    `json:"note,omitempty"`
	Raw      any       `json:"raw,omitempty"`
	RanAt    time.Time `json:"ranAt"`
}

// SecurityResults groups the three security gates.
type SecurityResults struct {
	Manifest *GateResult `json:"manifest,omitempty"`
	Image    *GateResult `json:"image,omitempty"`
	Runtime  *GateResult `json:"runtime,omitempty"`
	Passed   bool        `json:"passed"`
}

// CheckResult is one functional check (probe, readiness, load run).
type CheckResult struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Severity Severity      `json:"severity"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// LoadResult summarises a load-test run.
type LoadResult struct {
	Requests     int           `json:"requests"`
	Errors       int           `json:"errors"`
	ErrorRate    float64       `json:"errorRate"`
	RequestsPerS float64       `json:"requestsPerSecond"`
	Duration     time.Duration `json:"duration"`
	Passed       bool          `json:"passed"`
	Output       string        `json:"output,omitempty"`
}

// FunctionalResults groups smoke and load outcomes with the health score.
type FunctionalResults struct {
	Smoke  []CheckResult `json:"smoke,omitempty"`
	Load   *LoadResult   `json:"load,omitempty"`
	Score  float64       `json:"score"`
	Passed bool          `json:"passed"`
}

// TestResults is everything measured inside a shadow.
type TestResults struct {
	Security   SecurityResults    `json:"security"`
	Functional *FunctionalResults `json:"functional,omitempty"`
}

// PhaseTransition is one entry of a shadow's append-only phase log.
type PhaseTransition struct {
	From ShadowStatus `json:"from"`
	To   ShadowStatus `json:"to"`
	Note string       `json:"note,omitempty"`
	At   time.Time    `json:"at"`
}

// ShadowEnvironment is an ephemeral isolated copy of one resource.
type ShadowEnvironment struct {
	ID               string            `json:"id"`
	IncidentID       string            `json:"incidentId,omitempty"`
	Source           ResourceRef       `json:"source"`
	Namespace        string            `json:"namespace"`
	Workload         ResourceRef       `json:"workload"`
	Status           ShadowStatus      `json:"status"`
	Results          TestResults       `json:"results"`
	HealthScore      float64           `json:"healthScore"`
	Phases           []PhaseTransition `json:"phases"`
	Warnings         []string          `json:"warnings,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	Stale            bool              `json:"stale,omitempty"`
	TeardownAttempts int               `json:"teardownAttempts"`
	AppliedAt        *time.Time        `json:"appliedAt,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	ExpiresAt        time.Time         `json:"expiresAt"`
	DeletedAt        *time.Time        `json:"deletedAt,omitempty"`
}

// Clone deep-copies the slices that the engine keeps appending to.
func (s *ShadowEnvironment) Clone() *ShadowEnvironment {
	if s == nil {
		return nil
	}
	c := *s
	c.Phases = append([]PhaseTransition(nil), s.Phases...)
	c.Warnings = append([]string(nil), s.Warnings...)
	if s.Results.Functional != nil {
		f := *s.Results.Functional
		f.Smoke = append([]CheckResult(nil), s.Results.Functional.Smoke...)
		c.Results.Functional = &f
	}
	return &c
}

// VerificationResult is what the engine reports back to the queue.
type VerificationResult struct {
	ShadowID    string             `json:"shadowId"`
	Passed      bool               `json:"passed"`
	Status      ShadowStatus       `json:"status"`
	Security    SecurityResults    `json:"security"`
	Functional  *FunctionalResults `json:"functional,omitempty"`
	HealthScore float64            `json:"healthScore"`
	FailedGate  string             `json:"failedGate,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Findings    []Finding          `json:"findings,omitempty"`
	Warnings    []string           `json:"warnings,omitempty"`
	Attempts    int                `json:"attempts"`
}

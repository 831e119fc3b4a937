package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority orders incidents for dispatch. Lower values are more urgent.
type Priority int

const (
	P0 Priority = iota // critical
	P1
	P2
	P3
	P4 // info
)

// Priorities lists every priority in dispatch order.
var Priorities = []Priority{P0, P1, P2, P3, P4}

func (p Priority) String() string {
	if p < P0 || p > P4 {
		return fmt.Sprintf("P?(%d)", int(p))
	}
	return fmt.Sprintf("P%d", int(p))
}

// Valid reports whether p is within P0..P4.
func (p Priority) Valid() bool {
	return p >= P0 && p <= P4
}

// Lower returns the next less urgent priority, saturating at P4.
func (p Priority) Lower() Priority {
	if p >= P4 {
		return P4
	}
	return p + 1
}

// ParsePriority accepts "P2", "p2" or "2".
func ParsePriority(value string) (Priority, error) {
	v := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(value)), "P")
	if len(v) != 1 || v[0] < '0' || v[0] > '4' {
		return P4, fmt.Errorf("invalid priority %q (want P0..P4)", value)
	}
	return Priority(v[0] - '0'), nil
}

// MarshalJSON renders the priority as "P0".."P4".
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts both the string form and a bare integer.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("priority must be a string or integer: %w", err)
		}
		s = fmt.Sprint(n)
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusDetected         Status = "detected"
	StatusQueued           Status = "queued"
	StatusAnalyzing        Status = "analyzing"
	StatusShadowVerifying  Status = "shadow_verifying"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusTimeout          Status = "timeout"
	StatusApplyingFix      Status = "applying_fix"
	StatusMonitoring       Status = "monitoring"
	StatusResolved         Status = "resolved"
	StatusRolledBack       Status = "rolled_back"
	StatusFailed           Status = "failed"
)

// IsTerminal reports whether s ends a pipeline attempt. Timeout and RolledBack
// may still be followed by a re-queue; Incident.Closed tells whether the incident
// itself is finished.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusResolved, StatusRolledBack, StatusFailed, StatusRejected, StatusTimeout:
		return true
	}
	return false
}

// PreDispatch reports whether the incident has not been picked up by a worker yet.
func (s Status) PreDispatch() bool {
	return s == StatusDetected || s == StatusQueued
}

// Evidence is one detection or observation attached to an incident.
type Evidence struct {
	Source     string            `json:"source"`
	Summary    string            `json:"summary"`
	Details    map[string]string `json:"details,omitempty"`
	ObservedAt time.Time         `json:"observedAt"`
}

// ApprovalStatus is the state of the human approval gate.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimeout  ApprovalStatus = "timeout"
)

// ApprovalRecord is the audit trail of the approval gate for one attempt.
type ApprovalRecord struct {
	Status      ApprovalStatus `json:"status"`
	Summary     string         `json:"summary,omitempty"`
	RequestedAt time.Time      `json:"requestedAt"`
	ExpiresAt   time.Time      `json:"expiresAt"`
	DecidedBy   string         `json:"decidedBy,omitempty"`
	DecidedAt   *time.Time     `json:"decidedAt,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// Transition is one entry of an incident's state history.
type Transition struct {
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	Event string    `json:"event"`
	Note  string    `json:"note,omitempty"`
	At    time.Time `json:"at"`
}

// Incident represents one detected problem moving through the safety pipeline.
type Incident struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Resource         ResourceRef     `json:"resource"`
	Priority         Priority        `json:"priority"`
	OriginalPriority Priority        `json:"originalPriority"`
	CorrelationKey   string          `json:"correlationKey"`
	Status           Status          `json:"status"`
	Reason           string          `json:"reason,omitempty"`
	Evidence         []Evidence      `json:"evidence,omitempty"`
	Proposal         *FixProposal    `json:"proposal,omitempty"`
	Approval         *ApprovalRecord `json:"approval,omitempty"`
	ShadowID         string          `json:"shadowId,omitempty"`
	ShadowHistory    []string        `json:"shadowHistory,omitempty"`
	RollbackID       string          `json:"rollbackId,omitempty"`
	Attempts         int             `json:"attempts"`
	Requeues         int             `json:"requeues"`
	Refinements      int             `json:"refinements"`
	Escalated        bool            `json:"escalated,omitempty"`
	DetectedAt       time.Time       `json:"detectedAt"`
	LastDetectedAt   time.Time       `json:"lastDetectedAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	ClosedAt         *time.Time      `json:"closedAt,omitempty"`
	Transitions      []Transition    `json:"transitions,omitempty"`
}

// Closed reports whether the incident reached its final state and was archived.
func (i *Incident) Closed() bool {
	return i.ClosedAt != nil
}

// Clone returns a deep copy safe to hand out of the queue's lock.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	c := *i
	c.Evidence = append([]Evidence(nil), i.Evidence...)
	c.ShadowHistory = append([]string(nil), i.ShadowHistory...)
	c.Transitions = append([]Transition(nil), i.Transitions...)
	if i.Proposal != nil {
		p := i.Proposal.Clone()
		c.Proposal = &p
	}
	if i.Approval != nil {
		a := *i.Approval
		c.Approval = &a
	}
	if i.ClosedAt != nil {
		t := *i.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

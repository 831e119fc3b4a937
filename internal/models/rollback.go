package models

import (
	"encoding/json"
	"time"
)

// Snapshot is the immutable pre-change capture used for comparison and revert.
type Snapshot struct {
	ID              string          `json:"id"`
	IncidentID      string          `json:"incidentId"`
	Resource        ResourceRef     `json:"resource"`
	Spec            json.RawMessage `json:"spec"`
	ResourceVersion string          `json:"resourceVersion"`
	Baseline        float64         `json:"baseline"`
	BaselineWindow  time.Duration   `json:"baselineWindow"`
	CapturedAt      time.Time       `json:"capturedAt"`
}

// RollbackOutcome is the verdict of a monitoring window.
type RollbackOutcome string

const (
	OutcomeStable    RollbackOutcome = "stable"
	OutcomeReverted  RollbackOutcome = "reverted"
	OutcomeCancelled RollbackOutcome = "cancelled"
)

// Sample is one live metric reading during monitoring.
type Sample struct {
	Value    float64   `json:"value"`
	Delta    float64   `json:"delta"`
	Breached bool      `json:"breached,omitempty"`
	Err      string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// RollbackDecision records how a post-deploy window ended and why.
type RollbackDecision struct {
	ID          string          `json:"id"`
	SnapshotID  string          `json:"snapshotId"`
	IncidentID  string          `json:"incidentId"`
	Resource    ResourceRef     `json:"resource"`
	Outcome     RollbackOutcome `json:"outcome"`
	Reason      string          `json:"reason"`
	Baseline    float64         `json:"baseline"`
	Observed    float64         `json:"observed"`
	Peak        float64         `json:"peak"`
	Samples     []Sample        `json:"samples,omitempty"`
	AppliedAt   time.Time       `json:"appliedAt"`
	RevertedAt  *time.Time      `json:"revertedAt,omitempty"`
	RevertError string          `json:"revertError,omitempty"`
	DecidedAt   time.Time       `json:"decidedAt"`
}

// LockState is the observable state of the production lock.
type LockState struct {
	Holder     string    `json:"holder,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt,omitempty"`
}

// Held reports whether some incident holds the lock.
func (l LockState) Held() bool {
	return l.Holder != ""
}

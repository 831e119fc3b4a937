package models

import (
	"encoding/json"
	"time"
)

// PatchType selects how a patch body is applied to its target.
type PatchType string

const (
	PatchMerge     PatchType = "merge"
	PatchJSON      PatchType = "json"
	PatchStrategic PatchType = "strategic"
)

// PatchDescriptor is the change a proposal wants to make. Target defaults to
// the incident's resource when empty.
type PatchDescriptor struct {
	Type   PatchType       `json:"type" validate:"required,oneof=merge json strategic"`
	Target ResourceRef     `json:"target,omitempty"`
	Body   json.RawMessage `json:"body" validate:"required"`
}

// FixProposal is the Advisor's opaque answer for an incident. None of its fields
// are trusted until the advisor package has validated it, and even a valid
// proposal always goes through shadow verification and approval.
type FixProposal struct {
	Patch      PatchDescriptor `json:"patch" validate:"required"`
	Confidence float64         `json:"confidence" validate:"gte=0,lte=1"`
	Rationale  string          `json:"rationale,omitempty" validate:"max=8192"`
	RootCause  string          `json:"rootCause,omitempty" validate:"max=8192"`
	Source     string          `json:"source,omitempty"`
	ProposedAt time.Time       `json:"proposedAt"`
}

// Clone copies the proposal including its raw patch body.
func (p FixProposal) Clone() FixProposal {
	p.Patch.Body = append(json.RawMessage(nil), p.Patch.Body...)
	return p
}

// TargetFor resolves the patch target against the incident's resource.
func (p PatchDescriptor) TargetFor(resource ResourceRef) ResourceRef {
	target := p.Target
	if target.Kind == "" {
		target.Kind = resource.Kind
	}
	if target.Name == "" {
		target.Name = resource.Name
	}
	if target.Namespace == "" {
		target.Namespace = resource.Namespace
	}
	return target
}

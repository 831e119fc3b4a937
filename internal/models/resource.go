// Package models holds the data types shared by the safety pipeline: incidents,
// shadow environments, snapshots and rollback decisions.
package models

import (
	"fmt"
	"strings"
)

// ResourceRef identifies a namespaced cluster object.
type ResourceRef struct {
	Kind      string `json:"kind" yaml:"kind"`
	Name      string `json:"name" yaml:"name"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// Key returns the lower-cased kind/namespace/name identity. It doubles as the
// correlation key for incidents targeting the same resource.
func (r ResourceRef) Key() string {
	return strings.ToLower(fmt.Sprintf("%s/%s/%s", strings.TrimSpace(r.Kind), strings.TrimSpace(r.Namespace), strings.TrimSpace(r.Name)))
}

func (r ResourceRef) String() string {
	if r.Namespace == "" {
		return fmt.Sprintf("%s/%s", r.Kind, r.Name)
	}
	return fmt.Sprintf("%s/%s/%s", r.Kind, r.Namespace, r.Name)
}

// IsZero reports whether no field of the reference is set.
func (r ResourceRef) IsZero() bool {
	return r.Kind == "" && r.Name == "" && r.Namespace == ""
}

// Validate checks that kind and name are present.
func (r ResourceRef) Validate() error {
	if strings.TrimSpace(r.Kind) == "" {
		return fmt.Errorf("resource kind is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("resource name is required")
	}
	return nil
}

// InNamespace returns a copy of the reference moved to namespace.
func (r ResourceRef) InNamespace(namespace string) ResourceRef {
	r.Namespace = namespace
	return r
}

package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestClusterError_Is(t *testing.T) {
	err := NewClusterError(ErrorTypeUnavailable, "get", "deployment/shop/api", errors.New("dial tcp: refused"))

	if !errors.Is(err, ErrClusterUnavailable) {
		t.Error("Expected errors.Is(err, ErrClusterUnavailable)")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("Expected unavailable error not to match ErrNotFound")
	}

	wrapped := fmt.Errorf("clone source: %w", NewClusterError(ErrorTypeNotFound, "get", "x", errors.New("gone")))
	if !IsNotFound(wrapped) {
		t.Error("Expected wrapped not-found error to be detected")
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", NewClusterError(ErrorTypeUnavailable, "list", "", errors.New("timeout")), true},
		{"conflict", NewClusterError(ErrorTypeConflict, "update", "", errors.New("stale")), true},
		{"not found", NewClusterError(ErrorTypeNotFound, "get", "", errors.New("gone")), false},
		{"transient provision", &ProvisionError{Phase: "readiness", Transient: true}, true},
		{"fatal provision", &ProvisionError{Phase: "readiness", Transient: false}, false},
		{"gate", &GateError{Gate: "manifest", Reason: "privileged"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestInfeasibleError(t *testing.T) {
	last := &ProvisionError{Phase: "readiness", Transient: true, Diagnostic: []string{"0/3 nodes available"}}
	err := InfeasibleError(4, last)

	if !errors.Is(err, ErrVerificationInfeasible) {
		t.Error("Expected ErrVerificationInfeasible")
	}
	var provErr *ProvisionError
	if !errors.As(err, &provErr) {
		t.Fatal("Expected to unwrap the last provision error")
	}
	if provErr.Phase != "readiness" {
		t.Errorf("Phase = %q", provErr.Phase)
	}
}

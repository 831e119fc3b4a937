package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types
var (
	ErrClusterUnavailable     = errors.New("cluster unavailable")
	ErrResourceConflict       = errors.New("resource conflict")
	ErrNotFound               = errors.New("not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrVerificationInfeasible = errors.New("verification infeasible")
	ErrToolUnavailable        = errors.New("tool unavailable")
	ErrLockHeld               = errors.New("production lock held")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrInvalidProposal        = errors.New("invalid proposal")
)

// ErrorType represents the category of a cluster error
type ErrorType string

const (
	ErrorTypeUnavailable ErrorType = "cluster_unavailable"
	ErrorTypeConflict    ErrorType = "resource_conflict"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeInvalid     ErrorType = "invalid"
	ErrorTypeForbidden   ErrorType = "forbidden"
	ErrorTypeInternal    ErrorType = "internal"
)

// ClusterError is a structured error for control-plane calls
type ClusterError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "get", "patch", "create_namespace")
	Resource  string // Resource the operation targeted
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *ClusterError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Resource, e.Type, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Type, e.Err)
}

func (e *ClusterError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *ClusterError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrClusterUnavailable:
		return e.Type == ErrorTypeUnavailable
	case ErrResourceConflict:
		return e.Type == ErrorTypeConflict
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrInvalidInput:
		return e.Type == ErrorTypeInvalid
	}

	return errors.Is(e.Err, target)
}

// NewClusterError creates a new ClusterError
func NewClusterError(errorType ErrorType, op, resource string, err error) *ClusterError {
	return &ClusterError{
		Type:      errorType,
		Op:        op,
		Resource:  resource,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: errorType == ErrorTypeUnavailable || errorType == ErrorTypeConflict,
	}
}

// IsTransient reports whether err is worth retrying later: the control plane was
// unreachable, a write lost an optimistic-concurrency race, or a provisioning step
// reported itself transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var clusterErr *ClusterError
	if errors.As(err, &clusterErr) {
		return clusterErr.Retryable
	}
	var provErr *ProvisionError
	if errors.As(err, &provErr) {
		return provErr.Transient
	}
	return false
}

// IsNotFound reports whether err denotes a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ProvisionError explains why a shadow environment could not become ready.
type ProvisionError struct {
	Phase      string   // "preflight", "namespace", "clone", "readiness"
	Diagnostic []string // deterministic, ordered findings from events/pods/control plane
	Transient  bool
	Err        error
}

func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("provision %s failed", e.Phase)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if len(e.Diagnostic) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(e.Diagnostic, "; "))
	}
	return msg
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// GateError is a structured rejection from a security or functional gate. Gate
// failures are terminal for a verification attempt and are never retried.
type GateError struct {
	Gate     string
	Reason   string
	Findings []string
}

func (e *GateError) Error() string {
	if len(e.Findings) == 0 {
		return fmt.Sprintf("%s gate failed: %s", e.Gate, e.Reason)
	}
	return fmt.Sprintf("%s gate failed: %s (%d findings)", e.Gate, e.Reason, len(e.Findings))
}

// IsGateFailure reports whether err carries a gate rejection.
func IsGateFailure(err error) bool {
	var gateErr *GateError
	return errors.As(err, &gateErr)
}

// InfeasibleError wraps the last transient failure after retries ran out.
func InfeasibleError(attempts int, last error) error {
	return fmt.Errorf("%w after %d attempts: %w", ErrVerificationInfeasible, attempts, last)
}

// Package cluster is the only path from remedy to the Kubernetes control plane.
// Every call classifies its failure as ClusterUnavailable, ResourceConflict or
// NotFound (see internal/errors) so callers can decide what is worth retrying.
package cluster

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kubeshield/remedy/internal/models"
)

// Labels stamped on everything remedy creates.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelShadow    = "remedy.io/shadow"
	LabelShadowID  = "remedy.io/shadow-id"
	LabelSource    = "remedy.io/source"
	ManagedByValue = "remedy"
)

// Gateway is the control-plane surface used by the shadow engine, the rollback
// monitor and the functional tests.
type Gateway interface {
	Get(ctx context.Context, ref models.ResourceRef) (*unstructured.Unstructured, error)
	List(ctx context.Context, kind, namespace, selector string) ([]unstructured.Unstructured, error)
	Create(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)
	Patch(ctx context.Context, ref models.ResourceRef, patchType models.PatchType, body []byte) (*unstructured.Unstructured, error)
	Replace(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)
	Delete(ctx context.Context, ref models.ResourceRef) error

	CreateNamespace(ctx context.Context, spec NamespaceSpec) error
	DeleteNamespace(ctx context.Context, name string) error
	NamespaceExists(ctx context.Context, name string) (bool, error)

	Events(ctx context.Context, namespace string) ([]Event, error)
	Pods(ctx context.Context, namespace string) ([]PodStatus, error)
	Logs(ctx context.Context, namespace, pod string, tailLines int64) (string, error)
	RunJob(ctx context.Context, spec JobSpec) (*JobResult, error)

	Capacity(ctx context.Context) (*Capacity, error)
	Images(ctx context.Context, namespace string) ([]string, error)
	WorkloadReady(ctx context.Context, ref models.ResourceRef) (bool, string, error)
	ProxyGet(ctx context.Context, namespace, service string, port int, path string) (int, []byte, error)
	Healthy(ctx context.Context) error
}

// NamespaceSpec describes a namespace remedy owns.
type NamespaceSpec struct {
	Name    string
	Labels  map[string]string
	Isolate bool       // deny traffic to and from other namespaces
	Quota   *QuotaSpec // optional ResourceQuota
}

// QuotaSpec bounds what a shadow namespace may consume.
type QuotaSpec struct {
	CPU    string
	Memory string
	Pods   int
}

// Event is a trimmed core/v1 Event used for diagnostics.
type Event struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason"`
	Object   string    `json:"object"`
	Message  string    `json:"message"`
	Count    int32     `json:"count"`
	LastSeen time.Time `json:"lastSeen"`
}

// PodStatus summarises one pod's readiness.
type PodStatus struct {
	Name   string `json:"name"`
	Phase  string `json:"phase"`
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

// JobSpec is a run-to-completion job.
type JobSpec struct {
	Namespace string
	Name      string
	Image     string
	Command   []string
	Args      []string
	Labels    map[string]string
	Timeout   time.Duration
}

// JobResult is the exit status and logs of a finished job.
type JobResult struct {
	Succeeded bool
	ExitCode  int32
	Logs      string
	Duration  time.Duration
}

// Capacity is what the schedulable part of the cluster can still take.
type Capacity struct {
	ReadyNodes        int
	AllocatableCPU    int64 // millicores
	AllocatableMemory int64 // bytes
	RequestedCPU      int64
	RequestedMemory   int64
}

// FreeCPU returns unrequested millicores.
func (c Capacity) FreeCPU() int64 { return c.AllocatableCPU - c.RequestedCPU }

// FreeMemory returns unrequested bytes.
func (c Capacity) FreeMemory() int64 { return c.AllocatableMemory - c.RequestedMemory }

// Fits reports whether a workload requesting cpu millicores and mem bytes fits.
func (c Capacity) Fits(cpu, mem int64) bool {
	return c.ReadyNodes > 0 && c.FreeCPU() >= cpu && c.FreeMemory() >= mem
}

package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kubeshield/remedy/internal/models"
)

// Events returns the namespace's events ordered by last occurrence, then object.
func (g *KubeGateway) Events(ctx context.Context, namespace string) ([]Event, error) {
	list, err := g.kube.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classify("list_events", namespace, err)
	}

	events := make([]Event, 0, len(list.Items))
	for _, ev := range list.Items {
		last := ev.LastTimestamp.Time
		if last.IsZero() {
			last = ev.EventTime.Time
		}
		if last.IsZero() {
			last = ev.CreationTimestamp.Time
		}
		events = append(events, Event{
			Type:     ev.Type,
			Reason:   ev.Reason,
			Object:   strings.ToLower(ev.InvolvedObject.Kind) + "/" + ev.InvolvedObject.Name,
			Message:  strings.TrimSpace(ev.Message),
			Count:    ev.Count,
			LastSeen: last,
		})
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].LastSeen.Equal(events[j].LastSeen) {
			return events[i].LastSeen.Before(events[j].LastSeen)
		}
		if events[i].Object != events[j].Object {
			return events[i].Object < events[j].Object
		}
		return events[i].Reason < events[j].Reason
	})
	return events, nil
}

// Pods summarises readiness of every pod in the namespace, sorted by name.
func (g *KubeGateway) Pods(ctx context.Context, namespace string) ([]PodStatus, error) {
	list, err := g.kube.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classify("list_pods", namespace, err)
	}
	pods := make([]PodStatus, 0, len(list.Items))
	for _, pod := range list.Items {
		pods = append(pods, PodStatus{
			Name:   pod.Name,
			Phase:  string(pod.Status.Phase),
			Ready:  isPodReady(pod),
			Reason: podProblem(pod),
		})
	}
	sort.Slice(pods, func(i, j int) bool { return pods[i].Name < pods[j].Name })
	return pods, nil
}

func isPodReady(pod corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// podProblem returns the most specific reason a pod is not ready.
func podProblem(pod corev1.Pod) string {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodScheduled && cond.Status == corev1.ConditionFalse {
			return strings.TrimSpace(cond.Reason + ": " + cond.Message)
		}
	}
	statuses := append(append([]corev1.ContainerStatus(nil), pod.Status.InitContainerStatuses...), pod.Status.ContainerStatuses...)
	for _, cs := range statuses {
		if cs.State.Waiting != nil && cs.State.Waiting.Reason != "" {
			return fmt.Sprintf("%s: %s", cs.Name, cs.State.Waiting.Reason)
		}
		if cs.State.Terminated != nil && cs.State.Terminated.ExitCode != 0 {
			return fmt.Sprintf("%s: %s (exit %d)", cs.Name, cs.State.Terminated.Reason, cs.State.Terminated.ExitCode)
		}
	}
	return ""
}

// Logs returns the last tailLines lines of the pod's first container.
func (g *KubeGateway) Logs(ctx context.Context, namespace, pod string, tailLines int64) (string, error) {
	opts := &corev1.PodLogOptions{}
	if tailLines > 0 {
		opts.TailLines = &tailLines
	}
	raw, err := g.kube.CoreV1().Pods(namespace).GetLogs(pod, opts).DoRaw(ctx)
	if err != nil {
		return "", classify("logs", namespace+"/"+pod, err)
	}
	return string(raw), nil
}

// Capacity sums allocatable resources of ready, schedulable nodes and the
// requests of pods that are still running or pending.
func (g *KubeGateway) Capacity(ctx context.Context) (*Capacity, error) {
	nodes, err := g.kube.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classify("list_nodes", "", err)
	}
	capacity := &Capacity{}
	usable := make(map[string]bool)
	for _, node := range nodes.Items {
		if node.Spec.Unschedulable || !isNodeReady(node) {
			continue
		}
		usable[node.Name] = true
		capacity.ReadyNodes++
		capacity.AllocatableCPU += node.Status.Allocatable.Cpu().MilliValue()
		capacity.AllocatableMemory += node.Status.Allocatable.Memory().Value()
	}

	pods, err := g.kube.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classify("list_pods", "", err)
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			continue
		}
		if pod.Spec.NodeName != "" && !usable[pod.Spec.NodeName] {
			continue
		}
		cpu, mem := PodRequests(pod.Spec)
		capacity.RequestedCPU += cpu
		capacity.RequestedMemory += mem
	}
	return capacity, nil
}

// PodRequests returns the effective CPU (millicores) and memory (bytes) requests
// of a pod spec: the larger of the summed containers and the largest init container.
func PodRequests(spec corev1.PodSpec) (int64, int64) {
	var cpu, mem int64
	for _, c := range spec.Containers {
		cpu += c.Resources.Requests.Cpu().MilliValue()
		mem += c.Resources.Requests.Memory().Value()
	}
	for _, c := range spec.InitContainers {
		if v := c.Resources.Requests.Cpu().MilliValue(); v > cpu {
			cpu = v
		}
		if v := c.Resources.Requests.Memory().Value(); v > mem {
			mem = v
		}
	}
	return cpu, mem
}

func isNodeReady(node corev1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

// Images lists the distinct container images used by pods in the namespace.
func (g *KubeGateway) Images(ctx context.Context, namespace string) ([]string, error) {
	pods, err := g.kube.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classify("list_pods", namespace, err)
	}
	seen := make(map[string]struct{})
	for _, pod := range pods.Items {
		for _, c := range append(append([]corev1.Container(nil), pod.Spec.InitContainers...), pod.Spec.Containers...) {
			if c.Image != "" {
				seen[c.Image] = struct{}{}
			}
		}
	}
	images := make([]string, 0, len(seen))
	for image := range seen {
		images = append(images, image)
	}
	sort.Strings(images)
	return images, nil
}

// WorkloadReady reports whether the workload has rolled out. Non-workload kinds
// are ready as soon as they exist.
func (g *KubeGateway) WorkloadReady(ctx context.Context, ref models.ResourceRef) (bool, string, error) {
	obj, err := g.Get(ctx, ref)
	if err != nil {
		return false, "", err
	}
	ready, detail := workloadReady(obj)
	return ready, detail, nil
}

func workloadReady(obj *unstructured.Unstructured) (bool, string) {
	generation := obj.GetGeneration()
	observed, _, _ := unstructured.NestedInt64(obj.Object, "status", "observedGeneration")
	if generation > 0 && observed < generation && obj.GetKind() != "Pod" {
		return false, fmt.Sprintf("observed generation %d < %d", observed, generation)
	}

	switch obj.GetKind() {
	case "Deployment", "StatefulSet", "ReplicaSet":
		desired, found, _ := unstructured.NestedInt64(obj.Object, "spec", "replicas")
		if !found {
			desired = 1
		}
		ready, _, _ := unstructured.NestedInt64(obj.Object, "status", "readyReplicas")
		if ready < desired {
			return false, fmt.Sprintf("%d/%d replicas ready", ready, desired)
		}
		if obj.GetKind() == "Deployment" {
			updated, _, _ := unstructured.NestedInt64(obj.Object, "status", "updatedReplicas")
			if updated < desired {
				return false, fmt.Sprintf("%d/%d replicas updated", updated, desired)
			}
		}
		return true, fmt.Sprintf("%d/%d replicas ready", ready, desired)
	case "DaemonSet":
		desired, _, _ := unstructured.NestedInt64(obj.Object, "status", "desiredNumberScheduled")
		ready, _, _ := unstructured.NestedInt64(obj.Object, "status", "numberReady")
		return ready >= desired && desired > 0, fmt.Sprintf("%d/%d pods ready", ready, desired)
	case "Job":
		succeeded, _, _ := unstructured.NestedInt64(obj.Object, "status", "succeeded")
		return succeeded > 0, fmt.Sprintf("%d succeeded", succeeded)
	case "Pod":
		conditions, _, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
		for _, c := range conditions {
			cond, ok := c.(map[string]interface{})
			if ok && cond["type"] == "Ready" {
				return cond["status"] == "True", fmt.Sprintf("Ready=%v", cond["status"])
			}
		}
		return false, "no Ready condition"
	}
	return true, "exists"
}

// ProxyGet sends a GET through the API server's service proxy and returns the
// HTTP status with the body.
func (g *KubeGateway) ProxyGet(ctx context.Context, namespace, service string, port int, path string) (int, []byte, error) {
	wrapper := g.kube.CoreV1().Services(namespace).ProxyGet("http", service, fmt.Sprint(port), path, nil)
	if wrapper == nil {
		return 0, nil, classify("proxy", namespace+"/"+service, fmt.Errorf("service proxy not available"))
	}
	body, err := wrapper.DoRaw(ctx)
	if err == nil {
		return 200, body, nil
	}
	var status apierrors.APIStatus
	if errors.As(err, &status) && status.Status().Code >= 300 {
		return int(status.Status().Code), body, nil
	}
	return 0, body, classify("proxy", namespace+"/"+service, err)
}

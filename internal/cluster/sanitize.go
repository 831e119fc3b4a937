package cluster

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

var serverOwnedAnnotations = []string{
	"kubectl.kubernetes.io/last-applied-configuration",
	"deployment.kubernetes.io/revision",
}

// StripServerFields removes everything the API server owns so the object can be
// created again elsewhere. The object is modified in place.
func StripServerFields(obj *unstructured.Unstructured) {
	for _, field := range []string{"uid", "resourceVersion", "creationTimestamp", "generation", "managedFields", "selfLink", "ownerReferences", "deletionTimestamp", "deletionGracePeriodSeconds", "finalizers", "generateName"} {
		unstructured.RemoveNestedField(obj.Object, "metadata", field)
	}
	unstructured.RemoveNestedField(obj.Object, "status")

	if annotations := obj.GetAnnotations(); annotations != nil {
		for _, key := range serverOwnedAnnotations {
			delete(annotations, key)
		}
		if len(annotations) == 0 {
			annotations = nil
		}
		obj.SetAnnotations(annotations)
	}

	switch obj.GetKind() {
	case "Service":
		unstructured.RemoveNestedField(obj.Object, "spec", "clusterIP")
		unstructured.RemoveNestedField(obj.Object, "spec", "clusterIPs")
		unstructured.RemoveNestedField(obj.Object, "spec", "healthCheckNodePort")
		if ports, found, _ := unstructured.NestedSlice(obj.Object, "spec", "ports"); found {
			for _, p := range ports {
				if port, ok := p.(map[string]interface{}); ok {
					delete(port, "nodePort")
				}
			}
			_ = unstructured.SetNestedSlice(obj.Object, ports, "spec", "ports")
		}
	case "Pod":
		unstructured.RemoveNestedField(obj.Object, "spec", "nodeName")
	case "Job":
		// the controller generates the selector and its matching labels
		unstructured.RemoveNestedField(obj.Object, "spec", "selector")
		for _, label := range []string{"controller-uid", "batch.kubernetes.io/controller-uid", "job-name", "batch.kubernetes.io/job-name"} {
			unstructured.RemoveNestedField(obj.Object, "spec", "template", "metadata", "labels", label)
		}
	case "PersistentVolumeClaim":
		unstructured.RemoveNestedField(obj.Object, "spec", "volumeName")
	}
}

// SpecOf returns a copy of obj reduced to what a clone needs: identity, labels,
// annotations and everything outside metadata and status.
func SpecOf(obj *unstructured.Unstructured) *unstructured.Unstructured {
	c := obj.DeepCopy()
	StripServerFields(c)
	return c
}

// SnapshotOf returns a copy of the live object as it should be remembered for a
// revert. Only status and managedFields are dropped.
func SnapshotOf(obj *unstructured.Unstructured) *unstructured.Unstructured {
	c := obj.DeepCopy()
	unstructured.RemoveNestedField(c.Object, "metadata", "managedFields")
	unstructured.RemoveNestedField(c.Object, "status")
	return c
}

// RestoreOnto returns a copy of live with the desired state of snapshot put
// back: every top-level field outside metadata and status, plus labels and
// annotations. The rest of live's metadata is kept as is, including its
// resourceVersion, ownerReferences and finalizers, and server-owned annotations
// keep their live values.
func RestoreOnto(live, snapshot *unstructured.Unstructured) *unstructured.Unstructured {
	out := live.DeepCopy()
	src := snapshot.DeepCopy()

	for key := range out.Object {
		if restorable(key) {
			if _, ok := src.Object[key]; !ok {
				delete(out.Object, key)
			}
		}
	}
	for key, value := range src.Object {
		if restorable(key) {
			out.Object[key] = value
		}
	}

	annotations := src.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	liveAnnotations := live.GetAnnotations()
	for _, key := range serverOwnedAnnotations {
		delete(annotations, key)
		if v, ok := liveAnnotations[key]; ok {
			annotations[key] = v
		}
	}
	if len(annotations) == 0 {
		annotations = nil
	}
	out.SetLabels(src.GetLabels())
	out.SetAnnotations(annotations)
	return out
}

func restorable(key string) bool {
	switch key {
	case "apiVersion", "kind", "metadata", "status":
		return false
	}
	return true
}

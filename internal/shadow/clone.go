package shadow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/kubeshield/remedy/internal/cluster"
	remerrors "github.com/kubeshield/remedy/internal/errors"
	"github.com/kubeshield/remedy/internal/models"
)

// clonePlan is everything copied into a shadow namespace, in creation order.
type clonePlan struct {
	objects  []*unstructured.Unstructured
	workload models.ResourceRef
	services []string
	warnings []string
}

// podSpecPath locates the pod template of a workload kind.
func podSpecPath(kind string) []string {
	switch kind {
	case "Pod":
		return []string{"spec"}
	case "CronJob":
		return []string{"spec", "jobTemplate", "spec", "template", "spec"}
	default:
		return []string{"spec", "template", "spec"}
	}
}

func podTemplateLabels(obj *unstructured.Unstructured) map[string]string {
	if obj.GetKind() == "Pod" {
		return obj.GetLabels()
	}
	path := podSpecPath(obj.GetKind())
	path = append(path[:len(path)-1:len(path)-1], "metadata", "labels")
	labels, _, _ := unstructured.NestedStringMap(obj.Object, path...)
	return labels
}

func podSpecOf(obj *unstructured.Unstructured) (*corev1.PodSpec, error) {
	raw, found, err := unstructured.NestedMap(obj.Object, podSpecPath(obj.GetKind())...)
	if err != nil || !found {
		return nil, err
	}
	spec := &corev1.PodSpec{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(raw, spec); err != nil {
		return nil, fmt.Errorf("decode pod spec of %s: %w", obj.GetKind(), err)
	}
	return spec, nil
}

// references lists the ConfigMaps, Secrets, PVCs and ServiceAccount the pod spec
// depends on, each kind sorted by name.
func references(spec *corev1.PodSpec) map[string][]string {
	sets := map[string]map[string]bool{
		"ConfigMap":             {},
		"Secret":                {},
		"PersistentVolumeClaim": {},
		"ServiceAccount":        {},
	}
	add := func(kind, name string) {
		if name != "" {
			sets[kind][name] = true
		}
	}

	if spec.ServiceAccountName != "" && spec.ServiceAccountName != "default" {
		add("ServiceAccount", spec.ServiceAccountName)
	}
	for _, s := range spec.ImagePullSecrets {
		add("Secret", s.Name)
	}
	for _, v := range spec.Volumes {
		if v.ConfigMap != nil {
			add("ConfigMap", v.ConfigMap.Name)
		}
		if v.Secret != nil {
			add("Secret", v.Secret.SecretName)
		}
		if v.PersistentVolumeClaim != nil {
			add("PersistentVolumeClaim", v.PersistentVolumeClaim.ClaimName)
		}
		if v.Projected != nil {
			for _, src := range v.Projected.Sources {
				if src.ConfigMap != nil {
					add("ConfigMap", src.ConfigMap.Name)
				}
				if src.Secret != nil {
					add("Secret", src.Secret.Name)
				}
			}
		}
	}
	containers := append(append([]corev1.Container(nil), spec.InitContainers...), spec.Containers...)
	for _, c := range containers {
		for _, from := range c.EnvFrom {
			if from.ConfigMapRef != nil {
				add("ConfigMap", from.ConfigMapRef.Name)
			}
			if from.SecretRef != nil {
				add("Secret", from.SecretRef.Name)
			}
		}
		for _, env := range c.Env {
			if env.ValueFrom == nil {
				continue
			}
			if ref := env.ValueFrom.ConfigMapKeyRef; ref != nil {
				add("ConfigMap", ref.Name)
			}
			if ref := env.ValueFrom.SecretKeyRef; ref != nil {
				add("Secret", ref.Name)
			}
		}
	}

	out := make(map[string][]string, len(sets))
	for kind, names := range sets {
		for name := range names {
			out[kind] = append(out[kind], name)
		}
		sort.Strings(out[kind])
	}
	return out
}

// selects reports whether a non-empty service selector matches labels.
func selects(selector, labels map[string]string) bool {
	if len(selector) == 0 {
		return false
	}
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// rehome strips server state, moves obj into namespace and stamps shadow labels.
func rehome(obj *unstructured.Unstructured, namespace, shadowID string) *unstructured.Unstructured {
	c := cluster.SpecOf(obj)
	c.SetNamespace(namespace)
	labels := c.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	labels[cluster.LabelManagedBy] = cluster.ManagedByValue
	labels[cluster.LabelShadow] = "true"
	labels[cluster.LabelShadowID] = shadowID
	c.SetLabels(labels)
	return c
}

// capReplicas keeps the shadow at a single replica.
func capReplicas(obj *unstructured.Unstructured) {
	switch obj.GetKind() {
	case "Deployment", "StatefulSet", "ReplicaSet":
		replicas, found, _ := unstructured.NestedInt64(obj.Object, "spec", "replicas")
		if !found || replicas != 1 {
			_ = unstructured.SetNestedField(obj.Object, int64(1), "spec", "replicas")
		}
	}
	// Autoscalers and disruption budgets are not cloned, so nothing fights the cap.
}

// planClone collects the source and its dependencies. Missing references are
// reported as warnings since the workload may not need them to start.
func (e *Engine) planClone(ctx context.Context, src *unstructured.Unstructured, namespace, shadowID string) (*clonePlan, error) {
	plan := &clonePlan{}
	sourceNS := src.GetNamespace()

	spec, err := podSpecOf(src)
	if err != nil {
		return nil, err
	}
	if spec != nil {
		refs := references(spec)
		for _, kind := range []string{"ServiceAccount", "ConfigMap", "Secret", "PersistentVolumeClaim"} {
			for _, name := range refs[kind] {
				ref := models.ResourceRef{Kind: kind, Name: name, Namespace: sourceNS}
				obj, err := e.gw.Get(ctx, ref)
				if remerrors.IsNotFound(err) {
					plan.warnings = append(plan.warnings, fmt.Sprintf("referenced %s not found in source namespace", ref))
					continue
				}
				if err != nil {
					return nil, err
				}
				if kind == "Secret" && obj.Object["type"] == string(corev1.SecretTypeServiceAccountToken) {
					continue
				}
				plan.objects = append(plan.objects, rehome(obj, namespace, shadowID))
			}
		}

		services, err := e.gw.List(ctx, "Service", sourceNS, "")
		if err != nil {
			return nil, err
		}
		labels := podTemplateLabels(src)
		for i := range services {
			selector, _, _ := unstructured.NestedStringMap(services[i].Object, "spec", "selector")
			if !selects(selector, labels) {
				continue
			}
			if t, _, _ := unstructured.NestedString(services[i].Object, "spec", "type"); strings.EqualFold(t, "ExternalName") {
				continue
			}
			svc := rehome(&services[i], namespace, shadowID)
			// the shadow is reachable only through the API server proxy
			_ = unstructured.SetNestedField(svc.Object, "ClusterIP", "spec", "type")
			unstructured.RemoveNestedField(svc.Object, "spec", "loadBalancerIP")
			unstructured.RemoveNestedField(svc.Object, "spec", "externalTrafficPolicy")
			plan.objects = append(plan.objects, svc)
			plan.services = append(plan.services, svc.GetName())
		}
	}

	workload := rehome(src, namespace, shadowID)
	capReplicas(workload)
	plan.objects = append(plan.objects, workload)
	plan.workload = models.ResourceRef{Kind: workload.GetKind(), Name: workload.GetName(), Namespace: namespace}
	return plan, nil
}

package cluster

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

type kindInfo struct {
	gvr        schema.GroupVersionResource
	kind       string
	namespaced bool
}

var knownKinds = map[string]kindInfo{
	"deployment":              {schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}, "Deployment", true},
	"statefulset":             {schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "statefulsets"}, "StatefulSet", true},
	"daemonset":               {schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "daemonsets"}, "DaemonSet", true},
	"replicaset":              {schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "replicasets"}, "ReplicaSet", true},
	"pod":                     {schema.GroupVersionResource{Version: "v1", Resource: "pods"}, "Pod", true},
	"service":                 {schema.GroupVersionResource{Version: "v1", Resource: "services"}, "Service", true},
	"configmap":               {schema.GroupVersionResource{Version: "v1", Resource: "configmaps"}, "ConfigMap", true},
	"secret":                  {schema.GroupVersionResource{Version: "v1", Resource: "secrets"}, "Secret", true},
	"serviceaccount":          {schema.GroupVersionResource{Version: "v1", Resource: "serviceaccounts"}, "ServiceAccount", true},
	"persistentvolumeclaim":   {schema.GroupVersionResource{Version: "v1", Resource: "persistentvolumeclaims"}, "PersistentVolumeClaim", true},
	"job":                     {schema.GroupVersionResource{Group: "batch", Version: "v1", Resource: "jobs"}, "Job", true},
	"cronjob":                 {schema.GroupVersionResource{Group: "batch", Version: "v1", Resource: "cronjobs"}, "CronJob", true},
	"ingress":                 {schema.GroupVersionResource{Group: "networking.k8s.io", Version: "v1", Resource: "ingresses"}, "Ingress", true},
	"networkpolicy":           {schema.GroupVersionResource{Group: "networking.k8s.io", Version: "v1", Resource: "networkpolicies"}, "NetworkPolicy", true},
	"horizontalpodautoscaler": {schema.GroupVersionResource{Group: "autoscaling", Version: "v2", Resource: "horizontalpodautoscalers"}, "HorizontalPodAutoscaler", true},
	"poddisruptionbudget":     {schema.GroupVersionResource{Group: "policy", Version: "v1", Resource: "poddisruptionbudgets"}, "PodDisruptionBudget", true},
}

var kindAliases = map[string]string{
	"deploy": "deployment",
	"sts":    "statefulset",
	"ds":     "daemonset",
	"rs":     "replicaset",
	"svc":    "service",
	"cm":     "configmap",
	"sa":     "serviceaccount",
	"pvc":    "persistentvolumeclaim",
	"ing":    "ingress",
	"hpa":    "horizontalpodautoscaler",
	"pdb":    "poddisruptionbudget",
}

func lookupKind(kind string) (kindInfo, error) {
	k := strings.ToLower(strings.TrimSpace(kind))
	if alias, ok := kindAliases[k]; ok {
		k = alias
	}
	if info, ok := knownKinds[k]; ok {
		return info, nil
	}
	// plural resource names
	for _, info := range knownKinds {
		if info.gvr.Resource == k {
			return info, nil
		}
	}
	return kindInfo{}, fmt.Errorf("unsupported kind %q", kind)
}

// CanonicalKind returns the API kind name for kind ("deploy" -> "Deployment").
func CanonicalKind(kind string) (string, error) {
	info, err := lookupKind(kind)
	if err != nil {
		return "", err
	}
	return info.kind, nil
}

// IsWorkload reports whether kind runs pods and therefore has readiness.
func IsWorkload(kind string) bool {
	info, err := lookupKind(kind)
	if err != nil {
		return false
	}
	switch info.kind {
	case "Deployment", "StatefulSet", "DaemonSet", "ReplicaSet", "Pod", "Job":
		return true
	}
	return false
}

package cluster

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

const isolationPolicyName = "remedy-isolate"

// CreateNamespace creates the namespace plus its isolation policy and quota.
// Re-running it against a namespace we already own is a no-op.
func (g *KubeGateway) CreateNamespace(ctx context.Context, spec NamespaceSpec) error {
	labels := map[string]string{LabelManagedBy: ManagedByValue}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: spec.Name, Labels: labels}}
	_, err := g.kube.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{FieldManager: g.fieldManager})
	if apierrors.IsAlreadyExists(err) {
		live, getErr := g.kube.CoreV1().Namespaces().Get(ctx, spec.Name, metav1.GetOptions{})
		if getErr != nil {
			return classify("create_namespace", spec.Name, getErr)
		}
		if !ownedBySameShadow(live.Labels, labels) {
			return classify("create_namespace", spec.Name, err)
		}
		if live.Status.Phase == corev1.NamespaceTerminating {
			return classify("create_namespace", spec.Name, apierrors.NewConflict(corev1.Resource("namespaces"), spec.Name, fmt.Errorf("namespace is terminating")))
		}
		err = nil
	}
	if err != nil {
		return classify("create_namespace", spec.Name, err)
	}

	if spec.Isolate {
		if err := g.ensureIsolation(ctx, spec.Name, labels); err != nil {
			return err
		}
	}
	if spec.Quota != nil {
		if err := g.ensureQuota(ctx, spec.Name, labels, *spec.Quota); err != nil {
			return err
		}
	}

	log.Debug().Str("namespace", spec.Name).Bool("isolated", spec.Isolate).Msg("Namespace ready")
	return nil
}

// ensureIsolation allows traffic inside the namespace and DNS, nothing else.
func (g *KubeGateway) ensureIsolation(ctx context.Context, namespace string, labels map[string]string) error {
	udp := corev1.ProtocolUDP
	tcp := corev1.ProtocolTCP
	dns := intstr.FromInt32(53)

	policy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: isolationPolicyName, Namespace: namespace, Labels: labels},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress, networkingv1.PolicyTypeEgress},
			Ingress: []networkingv1.NetworkPolicyIngressRule{{
				From: []networkingv1.NetworkPolicyPeer{{PodSelector: &metav1.LabelSelector{}}},
			}},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				{To: []networkingv1.NetworkPolicyPeer{{PodSelector: &metav1.LabelSelector{}}}},
				{
					To: []networkingv1.NetworkPolicyPeer{{
						NamespaceSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"kubernetes.io/metadata.name": "kube-system"}},
					}},
					Ports: []networkingv1.NetworkPolicyPort{{Protocol: &udp, Port: &dns}, {Protocol: &tcp, Port: &dns}},
				},
			},
		},
	}
	_, err := g.kube.NetworkingV1().NetworkPolicies(namespace).Create(ctx, policy, metav1.CreateOptions{FieldManager: g.fieldManager})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return classify("create_networkpolicy", namespace+"/"+isolationPolicyName, err)
	}
	return nil
}

func (g *KubeGateway) ensureQuota(ctx context.Context, namespace string, labels map[string]string, spec QuotaSpec) error {
	hard := corev1.ResourceList{}
	if spec.CPU != "" {
		q, err := resource.ParseQuantity(spec.CPU)
		if err != nil {
			return classify("create_quota", namespace, apierrors.NewBadRequest(fmt.Sprintf("cpu quota: %v", err)))
		}
		hard[corev1.ResourceRequestsCPU] = q
	}
	if spec.Memory != "" {
		q, err := resource.ParseQuantity(spec.Memory)
		if err != nil {
			return classify("create_quota", namespace, apierrors.NewBadRequest(fmt.Sprintf("memory quota: %v", err)))
		}
		hard[corev1.ResourceRequestsMemory] = q
	}
	if spec.Pods > 0 {
		hard[corev1.ResourcePods] = *resource.NewQuantity(int64(spec.Pods), resource.DecimalSI)
	}
	if len(hard) == 0 {
		return nil
	}

	quota := &corev1.ResourceQuota{
		ObjectMeta: metav1.ObjectMeta{Name: "remedy-quota", Namespace: namespace, Labels: labels},
		Spec:       corev1.ResourceQuotaSpec{Hard: hard},
	}
	_, err := g.kube.CoreV1().ResourceQuotas(namespace).Create(ctx, quota, metav1.CreateOptions{FieldManager: g.fieldManager})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return classify("create_quota", namespace, err)
	}
	return nil
}

// DeleteNamespace refuses namespaces remedy does not manage and tolerates NotFound.
func (g *KubeGateway) DeleteNamespace(ctx context.Context, name string) error {
	live, err := g.kube.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return classify("delete_namespace", name, err)
	}
	if live.Labels[LabelManagedBy] != ManagedByValue {
		return classify("delete_namespace", name, apierrors.NewForbidden(corev1.Resource("namespaces"), name, fmt.Errorf("namespace is not managed by remedy")))
	}

	propagation := metav1.DeletePropagationForeground
	err = g.kube.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &propagation})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return classify("delete_namespace", name, err)
}

// NamespaceExists reports whether the namespace exists and is not terminating.
func (g *KubeGateway) NamespaceExists(ctx context.Context, name string) (bool, error) {
	ns, err := g.kube.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, classify("get_namespace", name, err)
	}
	return ns.Status.Phase != corev1.NamespaceTerminating, nil
}

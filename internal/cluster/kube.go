package cluster

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kubeshield/remedy/internal/models"
)

// Config selects the cluster to talk to.
type Config struct {
	KubeconfigPath string
	KubeContext    string
	// UserAgent is sent on every request.
	UserAgent string
}

// KubeGateway implements Gateway with client-go.
type KubeGateway struct {
	kube    kubernetes.Interface
	dynamic dynamic.Interface
	context string

	jobPollInterval time.Duration
	fieldManager    string
}

// New builds a gateway from kubeconfig or in-cluster credentials.
func New(cfg Config) (*KubeGateway, error) {
	restCfg, contextName, err := buildRESTConfig(cfg.KubeconfigPath, cfg.KubeContext)
	if err != nil {
		return nil, err
	}
	if cfg.UserAgent != "" {
		restCfg.UserAgent = cfg.UserAgent
	}

	kubeClient, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	dynClient, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create dynamic client: %w", err)
	}

	log.Info().
		Str("context", contextName).
		Str("server", restCfg.Host).
		Msg("Kubernetes gateway initialized")

	gw := NewWithClients(kubeClient, dynClient)
	gw.context = contextName
	return gw, nil
}

// NewWithClients wires a gateway around existing clients (tests use fakes).
func NewWithClients(kube kubernetes.Interface, dyn dynamic.Interface) *KubeGateway {
	return &KubeGateway{
		kube:            kube,
		dynamic:         dyn,
		jobPollInterval: 2 * time.Second,
		fieldManager:    ManagedByValue,
	}
}

// ContextName is the kubeconfig context in use ("in-cluster" when running in a pod).
func (g *KubeGateway) ContextName() string {
	return g.context
}

func buildRESTConfig(kubeconfigPath, kubeContext string) (*rest.Config, string, error) {
	kubeconfigPath = strings.TrimSpace(kubeconfigPath)
	kubeContext = strings.TrimSpace(kubeContext)

	// Prefer explicit kubeconfig.
	if kubeconfigPath != "" {
		loadingRules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfigPath}
		overrides := &clientcmd.ConfigOverrides{}
		if kubeContext != "" {
			overrides.CurrentContext = kubeContext
		}
		return clientConfig(clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides), kubeContext)
	}

	// Otherwise try in-cluster configuration.
	restCfg, err := rest.InClusterConfig()
	if err == nil {
		return restCfg, "in-cluster", nil
	}

	// Fallback: default kubeconfig path.
	cc := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{CurrentContext: kubeContext},
	)
	restCfg, contextName, cfgErr := clientConfig(cc, kubeContext)
	if cfgErr != nil {
		return nil, "", fmt.Errorf("kubernetes config not available (in-cluster failed: %v; kubeconfig failed: %w)", err, cfgErr)
	}
	return restCfg, contextName, nil
}

func clientConfig(cc clientcmd.ClientConfig, kubeContext string) (*rest.Config, string, error) {
	rawCfg, err := cc.RawConfig()
	if err != nil {
		return nil, "", fmt.Errorf("load kubeconfig: %w", err)
	}
	contextName := rawCfg.CurrentContext
	if kubeContext != "" {
		contextName = kubeContext
	}
	restCfg, err := cc.ClientConfig()
	if err != nil {
		return nil, "", fmt.Errorf("build kubeconfig rest config: %w", err)
	}
	return restCfg, contextName, nil
}

func (g *KubeGateway) resource(kind, namespace string) (dynamic.ResourceInterface, kindInfo, error) {
	info, err := lookupKind(kind)
	if err != nil {
		return nil, kindInfo{}, err
	}
	if info.namespaced {
		return g.dynamic.Resource(info.gvr).Namespace(namespace), info, nil
	}
	return g.dynamic.Resource(info.gvr), info, nil
}

func (g *KubeGateway) Get(ctx context.Context, ref models.ResourceRef) (*unstructured.Unstructured, error) {
	ri, _, err := g.resource(ref.Kind, ref.Namespace)
	if err != nil {
		return nil, classify("get", ref.String(), apierrors.NewBadRequest(err.Error()))
	}
	obj, err := ri.Get(ctx, ref.Name, metav1.GetOptions{})
	return obj, classify("get", ref.String(), err)
}

func (g *KubeGateway) List(ctx context.Context, kind, namespace, selector string) ([]unstructured.Unstructured, error) {
	ri, _, err := g.resource(kind, namespace)
	if err != nil {
		return nil, classify("list", kind, apierrors.NewBadRequest(err.Error()))
	}
	list, err := ri.List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, classify("list", kind+"/"+namespace, err)
	}
	return list.Items, nil
}

// Create tolerates AlreadyExists when the live object carries the same remedy
// ownership labels, so a retried provisioning step converges instead of failing.
func (g *KubeGateway) Create(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	ref := refOf(obj)
	ri, info, err := g.resource(obj.GetKind(), obj.GetNamespace())
	if err != nil {
		return nil, classify("create", ref.String(), apierrors.NewBadRequest(err.Error()))
	}
	if obj.GetAPIVersion() == "" {
		obj.SetAPIVersion(info.gvr.GroupVersion().String())
	}
	created, err := ri.Create(ctx, obj, metav1.CreateOptions{FieldManager: g.fieldManager})
	if apierrors.IsAlreadyExists(err) {
		live, getErr := ri.Get(ctx, obj.GetName(), metav1.GetOptions{})
		if getErr == nil && ownedBySameShadow(live.GetLabels(), obj.GetLabels()) {
			log.Debug().Str("resource", ref.String()).Msg("Resource already exists and is owned by us")
			return live, nil
		}
	}
	return created, classify("create", ref.String(), err)
}

func (g *KubeGateway) Patch(ctx context.Context, ref models.ResourceRef, patchType models.PatchType, body []byte) (*unstructured.Unstructured, error) {
	ri, _, err := g.resource(ref.Kind, ref.Namespace)
	if err != nil {
		return nil, classify("patch", ref.String(), apierrors.NewBadRequest(err.Error()))
	}
	pt, err := k8sPatchType(patchType)
	if err != nil {
		return nil, classify("patch", ref.String(), apierrors.NewBadRequest(err.Error()))
	}
	obj, err := ri.Patch(ctx, ref.Name, pt, body, metav1.PatchOptions{FieldManager: g.fieldManager})
	return obj, classify("patch", ref.String(), err)
}

// Replace updates obj as given. Callers set the resourceVersion they expect.
func (g *KubeGateway) Replace(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	ref := refOf(obj)
	ri, _, err := g.resource(obj.GetKind(), obj.GetNamespace())
	if err != nil {
		return nil, classify("replace", ref.String(), apierrors.NewBadRequest(err.Error()))
	}
	updated, err := ri.Update(ctx, obj, metav1.UpdateOptions{FieldManager: g.fieldManager})
	return updated, classify("replace", ref.String(), err)
}

// Delete tolerates NotFound.
func (g *KubeGateway) Delete(ctx context.Context, ref models.ResourceRef) error {
	ri, _, err := g.resource(ref.Kind, ref.Namespace)
	if err != nil {
		return classify("delete", ref.String(), apierrors.NewBadRequest(err.Error()))
	}
	propagation := metav1.DeletePropagationBackground
	err = ri.Delete(ctx, ref.Name, metav1.DeleteOptions{PropagationPolicy: &propagation})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return classify("delete", ref.String(), err)
}

// Healthy asks the API server for its version; any answer means the control
// plane is serving.
func (g *KubeGateway) Healthy(ctx context.Context) error {
	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		_, err := g.kube.Discovery().ServerVersion()
		done <- result{err}
	}()
	select {
	case r := <-done:
		return classify("healthz", "", r.err)
	case <-ctx.Done():
		return classify("healthz", "", ctx.Err())
	}
}

func refOf(obj *unstructured.Unstructured) models.ResourceRef {
	return models.ResourceRef{Kind: obj.GetKind(), Name: obj.GetName(), Namespace: obj.GetNamespace()}
}

func ownedBySameShadow(live, wanted map[string]string) bool {
	if live[LabelManagedBy] != ManagedByValue {
		return false
	}
	return live[LabelShadowID] != "" && live[LabelShadowID] == wanted[LabelShadowID]
}

func k8sPatchType(t models.PatchType) (types.PatchType, error) {
	switch t {
	case models.PatchMerge, "":
		return types.MergePatchType, nil
	case models.PatchJSON:
		return types.JSONPatchType, nil
	case models.PatchStrategic:
		return types.StrategicMergePatchType, nil
	}
	return "", fmt.Errorf("unsupported patch type %q", t)
}

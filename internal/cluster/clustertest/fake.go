// Package clustertest provides an in-memory cluster.Gateway for tests.
package clustertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	jsonpatch "gopkg.in/evanphx/json-patch.v4"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kubeshield/remedy/internal/cluster"
	remerrors "github.com/kubeshield/remedy/internal/errors"
	"github.com/kubeshield/remedy/internal/models"
)

// Fake is a programmable Gateway. Zero-valued hooks mean "succeed".
type Fake struct {
	mu         sync.Mutex
	objects    map[string]*unstructured.Unstructured
	namespaces map[string]map[string]string
	calls      []string
	version    int

	CreateNamespaceErr func(spec cluster.NamespaceSpec, attempt int) error
	DeleteNamespaceErr func(name string, attempt int) error
	ReadyFunc          func(ref models.ResourceRef) (bool, string, error)
	ProxyFunc          func(namespace, service string, port int, path string) (int, []byte, error)
	JobFunc            func(spec cluster.JobSpec) (*cluster.JobResult, error)
	ReplaceErr         func(obj *unstructured.Unstructured) error
	PatchErr           error
	ImagesErr          error
	HealthyErr         error
	CapacityValue      *cluster.Capacity
	EventList          map[string][]cluster.Event
	PodList            map[string][]cluster.PodStatus

	createNamespaceAttempts int
	deleteNamespaceAttempts map[string]int
}

// New returns a Fake seeded with objects.
func New(objs ...*unstructured.Unstructured) *Fake {
	f := &Fake{
		objects:                 make(map[string]*unstructured.Unstructured),
		namespaces:              make(map[string]map[string]string),
		deleteNamespaceAttempts: make(map[string]int),
	}
	for _, obj := range objs {
		f.put(obj.DeepCopy())
	}
	return f
}

func refOf(obj *unstructured.Unstructured) models.ResourceRef {
	return models.ResourceRef{Kind: obj.GetKind(), Name: obj.GetName(), Namespace: obj.GetNamespace()}
}

func (f *Fake) put(obj *unstructured.Unstructured) {
	f.version++
	obj.SetResourceVersion(strconv.Itoa(f.version))
	f.objects[refOf(obj).Key()] = obj
}

func (f *Fake) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// Calls returns every recorded call in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount counts calls starting with prefix.
func (f *Fake) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Object returns a copy of a stored object, or nil.
func (f *Fake) Object(ref models.ResourceRef) *unstructured.Unstructured {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obj, ok := f.objects[ref.Key()]; ok {
		return obj.DeepCopy()
	}
	return nil
}

// Put stores or overwrites an object.
func (f *Fake) Put(obj *unstructured.Unstructured) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put(obj.DeepCopy())
}

// HasNamespace reports whether the namespace exists.
func (f *Fake) HasNamespace(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.namespaces[name]
	return ok
}

func notFound(op string, ref models.ResourceRef) error {
	return remerrors.NewClusterError(remerrors.ErrorTypeNotFound, op, ref.String(), fmt.Errorf("%s not found", ref.Name))
}

func (f *Fake) Get(_ context.Context, ref models.ResourceRef) (*unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("get %s", ref.Key())
	obj, ok := f.objects[ref.Key()]
	if !ok {
		return nil, notFound("get", ref)
	}
	return obj.DeepCopy(), nil
}

func (f *Fake) List(_ context.Context, kind, namespace, _ string) ([]unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list %s/%s", strings.ToLower(kind), namespace)
	var out []unstructured.Unstructured
	for _, obj := range f.objects {
		if strings.EqualFold(obj.GetKind(), kind) && obj.GetNamespace() == namespace {
			out = append(out, *obj.DeepCopy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out, nil
}

func (f *Fake) Create(_ context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := refOf(obj)
	f.record("create %s", ref.Key())
	if _, ok := f.namespaces[ref.Namespace]; !ok {
		if _, seeded := f.objects[ref.Key()]; !seeded {
			return nil, remerrors.NewClusterError(remerrors.ErrorTypeNotFound, "create", ref.String(), fmt.Errorf("namespace %s not found", ref.Namespace))
		}
	}
	if _, exists := f.objects[ref.Key()]; exists {
		return nil, remerrors.NewClusterError(remerrors.ErrorTypeConflict, "create", ref.String(), fmt.Errorf("already exists"))
	}
	stored := obj.DeepCopy()
	f.put(stored)
	return stored.DeepCopy(), nil
}

func (f *Fake) Patch(_ context.Context, ref models.ResourceRef, patchType models.PatchType, body []byte) (*unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("patch %s", ref.Key())
	if f.PatchErr != nil {
		return nil, f.PatchErr
	}
	obj, ok := f.objects[ref.Key()]
	if !ok {
		return nil, notFound("patch", ref)
	}
	orig, err := json.Marshal(obj.Object)
	if err != nil {
		return nil, err
	}
	var patched []byte
	if patchType == models.PatchJSON {
		p, err := jsonpatch.DecodePatch(body)
		if err != nil {
			return nil, err
		}
		patched, err = p.Apply(orig)
		if err != nil {
			return nil, err
		}
	} else {
		patched, err = jsonpatch.MergePatch(orig, body)
		if err != nil {
			return nil, err
		}
	}
	updated := &unstructured.Unstructured{}
	if err := updated.UnmarshalJSON(patched); err != nil {
		return nil, err
	}
	f.put(updated)
	return updated.DeepCopy(), nil
}

func (f *Fake) Replace(_ context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := refOf(obj)
	f.record("replace %s", ref.Key())
	if f.ReplaceErr != nil {
		if err := f.ReplaceErr(obj); err != nil {
			return nil, err
		}
	}
	live, ok := f.objects[ref.Key()]
	if !ok {
		return nil, notFound("replace", ref)
	}
	if rv := obj.GetResourceVersion(); rv != "" && rv != live.GetResourceVersion() {
		return nil, remerrors.NewClusterError(remerrors.ErrorTypeConflict, "replace", ref.String(), fmt.Errorf("resourceVersion %s is stale", rv))
	}
	stored := obj.DeepCopy()
	f.put(stored)
	return stored.DeepCopy(), nil
}

func (f *Fake) Delete(_ context.Context, ref models.ResourceRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete %s", ref.Key())
	delete(f.objects, ref.Key())
	return nil
}

func (f *Fake) CreateNamespace(_ context.Context, spec cluster.NamespaceSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createNamespaceAttempts++
	f.record("create_namespace %s", spec.Name)
	if f.CreateNamespaceErr != nil {
		if err := f.CreateNamespaceErr(spec, f.createNamespaceAttempts); err != nil {
			return err
		}
	}
	labels := map[string]string{}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	f.namespaces[spec.Name] = labels
	return nil
}

func (f *Fake) DeleteNamespace(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteNamespaceAttempts[name]++
	f.record("delete_namespace %s", name)
	if f.DeleteNamespaceErr != nil {
		if err := f.DeleteNamespaceErr(name, f.deleteNamespaceAttempts[name]); err != nil {
			return err
		}
	}
	delete(f.namespaces, name)
	for key, obj := range f.objects {
		if obj.GetNamespace() == name {
			delete(f.objects, key)
		}
	}
	return nil
}

func (f *Fake) NamespaceExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.namespaces[name]
	return ok, nil
}

func (f *Fake) Events(_ context.Context, namespace string) ([]cluster.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cluster.Event(nil), f.EventList[namespace]...), nil
}

func (f *Fake) Pods(_ context.Context, namespace string) ([]cluster.PodStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cluster.PodStatus(nil), f.PodList[namespace]...), nil
}

func (f *Fake) Logs(context.Context, string, string, int64) (string, error) {
	return "", nil
}

func (f *Fake) RunJob(_ context.Context, spec cluster.JobSpec) (*cluster.JobResult, error) {
	f.mu.Lock()
	hook := f.JobFunc
	f.record("run_job %s/%s", spec.Namespace, spec.Name)
	f.mu.Unlock()
	if hook != nil {
		return hook(spec)
	}
	return &cluster.JobResult{Succeeded: true}, nil
}

func (f *Fake) Capacity(context.Context) (*cluster.Capacity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CapacityValue != nil {
		c := *f.CapacityValue
		return &c, nil
	}
	return &cluster.Capacity{ReadyNodes: 3, AllocatableCPU: 12000, AllocatableMemory: 48 << 30}, nil
}

// Images collects container images from stored pod templates in the namespace.
func (f *Fake) Images(_ context.Context, namespace string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ImagesErr != nil {
		return nil, f.ImagesErr
	}
	seen := map[string]bool{}
	for _, obj := range f.objects {
		if obj.GetNamespace() != namespace {
			continue
		}
		containers, _, _ := unstructured.NestedSlice(obj.Object, "spec", "template", "spec", "containers")
		for _, c := range containers {
			if m, ok := c.(map[string]interface{}); ok {
				if image, ok := m["image"].(string); ok {
					seen[image] = true
				}
			}
		}
	}
	var images []string
	for image := range seen {
		images = append(images, image)
	}
	sort.Strings(images)
	return images, nil
}

func (f *Fake) WorkloadReady(_ context.Context, ref models.ResourceRef) (bool, string, error) {
	f.mu.Lock()
	hook := f.ReadyFunc
	_, exists := f.objects[ref.Key()]
	f.mu.Unlock()
	if hook != nil {
		return hook(ref)
	}
	if !exists {
		return false, "", notFound("ready", ref)
	}
	return true, "1/1 replicas ready", nil
}

func (f *Fake) ProxyGet(_ context.Context, namespace, service string, port int, path string) (int, []byte, error) {
	f.mu.Lock()
	hook := f.ProxyFunc
	f.record("proxy %s/%s:%d%s", namespace, service, port, path)
	f.mu.Unlock()
	if hook != nil {
		return hook(namespace, service, port, path)
	}
	return 200, []byte("ok"), nil
}

func (f *Fake) Healthy(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.HealthyErr
}

// Deployment builds a minimal Deployment for tests.
func Deployment(namespace, name, image string, replicas int64) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": namespace,
			"uid":       "uid-" + name,
			"labels":    map[string]interface{}{"app": name},
		},
		"spec": map[string]interface{}{
			"replicas": replicas,
			"selector": map[string]interface{}{"matchLabels": map[string]interface{}{"app": name}},
			"template": map[string]interface{}{
				"metadata": map[string]interface{}{"labels": map[string]interface{}{"app": name}},
				"spec": map[string]interface{}{
					"containers": []interface{}{map[string]interface{}{
						"name":  "app",
						"image": image,
						"envFrom": []interface{}{
							map[string]interface{}{"configMapRef": map[string]interface{}{"name": name + "-config"}},
						},
					}},
				},
			},
		},
		"status": map[string]interface{}{"readyReplicas": replicas},
	}}
}

// ConfigMap builds a ConfigMap for tests.
func ConfigMap(namespace, name string, data map[string]interface{}) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata":   map[string]interface{}{"name": name, "namespace": namespace},
		"data":       data,
	}}
}

// Service builds a Service selecting app=selector.
func Service(namespace, name, selector string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata":   map[string]interface{}{"name": name, "namespace": namespace},
		"spec": map[string]interface{}{
			"clusterIP": "10.0.0.10",
			"selector":  map[string]interface{}{"app": selector},
			"ports":     []interface{}{map[string]interface{}{"port": int64(80)}},
		},
	}}
}

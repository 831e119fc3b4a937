package shadow

import (
	"encoding/json"
	"fmt"

	jsonpatch "gopkg.in/evanphx/json-patch.v4"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/strategicpatch"
	"k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/yaml"

	"github.com/kubeshield/remedy/internal/cluster"
	"github.com/kubeshield/remedy/internal/models"
)

// renderPatched applies patch to a copy of obj locally and returns the result as
// a YAML manifest for the manifest scanner. Nothing is sent to the cluster.
func renderPatched(obj *unstructured.Unstructured, patch models.PatchDescriptor) ([]byte, error) {
	base := cluster.SpecOf(obj)
	original, err := json.Marshal(base.Object)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", obj.GetKind(), err)
	}

	var patched []byte
	switch patch.Type {
	case models.PatchMerge:
		patched, err = jsonpatch.MergePatch(original, patch.Body)
	case models.PatchJSON:
		var ops jsonpatch.Patch
		ops, err = jsonpatch.DecodePatch(patch.Body)
		if err == nil {
			patched, err = ops.Apply(original)
		}
	case models.PatchStrategic:
		patched, err = strategicMerge(obj, original, patch.Body)
	default:
		return nil, fmt.Errorf("unsupported patch type %q", patch.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("apply %s patch: %w", patch.Type, err)
	}

	manifest, err := yaml.JSONToYAML(patched)
	if err != nil {
		return nil, fmt.Errorf("render manifest: %w", err)
	}
	return manifest, nil
}

// strategicMerge needs the typed Go struct for the patch merge keys. Kinds the
// client-go scheme does not know fall back to a JSON merge patch, which is what
// the API server does for custom resources.
func strategicMerge(obj *unstructured.Unstructured, original, body []byte) ([]byte, error) {
	typed, err := scheme.Scheme.New(obj.GroupVersionKind())
	if err != nil {
		return jsonpatch.MergePatch(original, body)
	}
	return strategicpatch.StrategicMergePatch(original, body, typed)
}

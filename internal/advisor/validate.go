package advisor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kubeshield/remedy/internal/cluster"
	remerrors "github.com/kubeshield/remedy/internal/errors"
	"github.com/kubeshield/remedy/internal/models"
)

// MaxPatchBytes bounds the patch body an advisor may send.
const MaxPatchBytes = 64 * 1024

var proposalValidate = validator.New()

// Validate checks a proposal at the trust boundary and resolves its target
// against the incident resource. The patch must stay in the incident's
// namespace, touch a supported kind and leave object identity alone.
func Validate(p *models.FixProposal, resource models.ResourceRef) error {
	if p == nil {
		return fmt.Errorf("%w: empty proposal", remerrors.ErrInvalidProposal)
	}
	if err := proposalValidate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", remerrors.ErrInvalidProposal, err)
	}
	if len(p.Patch.Body) > MaxPatchBytes {
		return fmt.Errorf("%w: patch body is %d bytes, limit %d", remerrors.ErrInvalidProposal, len(p.Patch.Body), MaxPatchBytes)
	}

	target := p.Patch.TargetFor(resource)
	if target.Namespace != resource.Namespace {
		return fmt.Errorf("%w: patch targets namespace %q outside incident namespace %q", remerrors.ErrInvalidProposal, target.Namespace, resource.Namespace)
	}
	kind, err := cluster.CanonicalKind(target.Kind)
	if err != nil {
		return fmt.Errorf("%w: %v", remerrors.ErrInvalidProposal, err)
	}
	target.Kind = kind

	switch p.Patch.Type {
	case models.PatchMerge, models.PatchStrategic:
		var body map[string]interface{}
		if err := json.Unmarshal(p.Patch.Body, &body); err != nil {
			return fmt.Errorf("%w: %s patch must be a JSON object: %v", remerrors.ErrInvalidProposal, p.Patch.Type, err)
		}
		if meta, ok := body["metadata"].(map[string]interface{}); ok {
			for _, field := range []string{"name", "namespace", "uid"} {
				if _, set := meta[field]; set {
					return fmt.Errorf("%w: patch may not change metadata.%s", remerrors.ErrInvalidProposal, field)
				}
			}
		}
		if _, ok := body["kind"]; ok {
			return fmt.Errorf("%w: patch may not change kind", remerrors.ErrInvalidProposal)
		}
	case models.PatchJSON:
		var ops []struct {
			Op   string `json:"op"`
			Path string `json:"path"`
		}
		if err := json.Unmarshal(p.Patch.Body, &ops); err != nil {
			return fmt.Errorf("%w: json patch must be an array of operations: %v", remerrors.ErrInvalidProposal, err)
		}
		if len(ops) == 0 {
			return fmt.Errorf("%w: json patch has no operations", remerrors.ErrInvalidProposal)
		}
		for i, op := range ops {
			switch op.Op {
			case "add", "remove", "replace", "move", "copy", "test":
			default:
				return fmt.Errorf("%w: operation %d has unknown op %q", remerrors.ErrInvalidProposal, i, op.Op)
			}
			for _, protected := range []string{"/metadata/name", "/metadata/namespace", "/metadata/uid", "/kind"} {
				if op.Path == protected || strings.HasPrefix(op.Path, protected+"/") {
					return fmt.Errorf("%w: operation %d may not touch %s", remerrors.ErrInvalidProposal, i, protected)
				}
			}
		}
	}

	p.Patch.Target = target
	return nil
}

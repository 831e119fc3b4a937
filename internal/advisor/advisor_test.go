package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeshield/remedy/internal/circuit"
	remerrors "github.com/kubeshield/remedy/internal/errors"
	"github.com/kubeshield/remedy/internal/models"
)

var resource = models.ResourceRef{Kind: "Deployment", Name: "api", Namespace: "shop"}

func proposal(patchType models.PatchType, body string) *models.FixProposal {
	return &models.FixProposal{
		Patch:      models.PatchDescriptor{Type: patchType, Body: json.RawMessage(body)},
		Confidence: 0.9,
		Rationale:  "bump memory limit",
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		p       *models.FixProposal
		wantErr bool
	}{
		{"merge patch", proposal(models.PatchMerge, `{"spec":{"replicas":2}}`), false},
		{"strategic patch", proposal(models.PatchStrategic, `{"spec":{"template":{"spec":{"containers":[{"name":"app","resources":{"limits":{"memory":"512Mi"}}}]}}}}`), false},
		{"json patch", proposal(models.PatchJSON, `[{"op":"replace","path":"/spec/replicas","value":2}]`), false},
		{"nil", nil, true},
		{"missing type", proposal("", `{}`), true},
		{"unknown type", proposal("apply", `{}`), true},
		{"confidence above one", &models.FixProposal{Patch: models.PatchDescriptor{Type: models.PatchMerge, Body: json.RawMessage(`{}`)}, Confidence: 1.5}, true},
		{"merge body not an object", proposal(models.PatchMerge, `[1,2]`), true},
		{"renames object", proposal(models.PatchMerge, `{"metadata":{"name":"other"}}`), true},
		{"json patch empty", proposal(models.PatchJSON, `[]`), true},
		{"json patch bad op", proposal(models.PatchJSON, `[{"op":"delete","path":"/spec"}]`), true},
		{"json patch moves namespace", proposal(models.PatchJSON, `[{"op":"replace","path":"/metadata/namespace","value":"x"}]`), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.p, resource)
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, remerrors.ErrInvalidProposal)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, resource, tc.p.Patch.Target)
		})
	}
}

func TestValidateTarget(t *testing.T) {
	p := proposal(models.PatchMerge, `{"data":{"POOL":"20"}}`)
	p.Patch.Target = models.ResourceRef{Kind: "cm", Name: "api-config"}
	require.NoError(t, Validate(p, resource))
	assert.Equal(t, models.ResourceRef{Kind: "ConfigMap", Name: "api-config", Namespace: "shop"}, p.Patch.Target)

	p = proposal(models.PatchMerge, `{}`)
	p.Patch.Target = models.ResourceRef{Namespace: "kube-system"}
	assert.ErrorIs(t, Validate(p, resource), remerrors.ErrInvalidProposal)

	p = proposal(models.PatchMerge, `{}`)
	p.Patch.Target = models.ResourceRef{Kind: "ClusterRole"}
	assert.ErrorIs(t, Validate(p, resource), remerrors.ErrInvalidProposal)
}

func TestHTTPAdvisorPropose(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"patch":{"type":"merge","body":{"spec":{"replicas":3}}},"confidence":0.95,"rationale":"scale out"}`))
	}))
	defer srv.Close()

	inc := &models.Incident{ID: "inc-1", Title: "5xx spike", Resource: resource, Priority: models.P1, Refinements: 1}
	a := NewHTTPAdvisor(srv.URL, HTTPOptions{Timeout: time.Second})
	p, err := a.Propose(context.Background(), NewRequest(inc, &Feedback{FailedGate: "functional", Reason: "health score 0.40"}))
	require.NoError(t, err)

	assert.Equal(t, 0.95, p.Confidence)
	assert.Equal(t, models.PatchMerge, p.Patch.Type)
	assert.Equal(t, resource, p.Patch.Target)
	assert.Equal(t, "advisor", p.Source)
	assert.False(t, p.ProposedAt.IsZero())

	assert.Equal(t, "inc-1", got.IncidentID)
	assert.Equal(t, 2, got.Attempt)
	require.NotNil(t, got.Feedback)
	assert.Equal(t, "functional", got.Feedback.FailedGate)
}

func TestHTTPAdvisorRejectsInvalidProposal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"patch":{"type":"merge","body":{"metadata":{"namespace":"prod"}}},"confidence":0.99}`))
	}))
	defer srv.Close()

	a := NewHTTPAdvisor(srv.URL, HTTPOptions{})
	_, err := a.Propose(context.Background(), Request{IncidentID: "inc-1", Resource: resource})
	assert.ErrorIs(t, err, remerrors.ErrInvalidProposal)
}

func TestHTTPAdvisorBreaker(t *testing.T) {
	var calls atomic.Int32
	status := atomic.Int32{}
	status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", int(status.Load()))
	}))
	defer srv.Close()

	a := NewHTTPAdvisor(srv.URL, HTTPOptions{Breaker: circuit.Config{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: time.Hour, MaxCooldown: time.Hour}})
	req := Request{IncidentID: "inc-1", Resource: resource}

	// client errors say nothing about the advisor's health
	for i := 0; i < 3; i++ {
		_, err := a.Propose(context.Background(), req)
		require.Error(t, err)
	}
	assert.Equal(t, circuit.StateClosed, a.Breaker().State())

	status.Store(http.StatusServiceUnavailable)
	for i := 0; i < 2; i++ {
		_, err := a.Propose(context.Background(), req)
		require.Error(t, err)
	}
	assert.Equal(t, circuit.StateOpen, a.Breaker().State())

	before := calls.Load()
	_, err := a.Propose(context.Background(), req)
	assert.True(t, errors.Is(err, remerrors.ErrToolUnavailable))
	assert.Equal(t, before, calls.Load())
}

func TestFuncAdvisor(t *testing.T) {
	var a Advisor = Func(func(_ context.Context, req Request) (*models.FixProposal, error) {
		return proposal(models.PatchMerge, `{}`), nil
	})
	p, err := a.Propose(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 0.9, p.Confidence)
}

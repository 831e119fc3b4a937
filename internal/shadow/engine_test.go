package shadow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kubeshield/remedy/internal/cluster"
	"github.com/kubeshield/remedy/internal/cluster/clustertest"
	remerrors "github.com/kubeshield/remedy/internal/errors"
	"github.com/kubeshield/remedy/internal/functional"
	"github.com/kubeshield/remedy/internal/models"
)

type fakeGates struct {
	manifestFail bool
	imageFail    bool
	runtimeFail  bool

	mu        sync.Mutex
	manifests [][]byte
	images    [][]string
	runtime   []string
}

func (g *fakeGates) ScanManifest(_ context.Context, manifest []byte) *models.GateResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.manifests = append(g.manifests, manifest)
	res := &models.GateResult{Gate: "manifest", Passed: !g.manifestFail}
	if g.manifestFail {
		res.Findings = []models.Finding{{ID: "Privileged", Severity: models.SeverityCritical, Message: "privileged container"}}
	}
	return res
}

func (g *fakeGates) ScanImages(_ context.Context, images []string) *models.GateResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.images = append(g.images, images)
	res := &models.GateResult{Gate: "image", Passed: !g.imageFail}
	if g.imageFail {
		res.Findings = []models.Finding{{ID: "CVE-2024-0001", Severity: models.SeverityCritical}}
	}
	return res
}

func (g *fakeGates) CheckRuntime(_ context.Context, namespace string, _ time.Time) *models.GateResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runtime = append(g.runtime, namespace)
	return &models.GateResult{Gate: "runtime", Passed: !g.runtimeFail}
}

type fakeTester struct {
	result  *models.FunctionalResults
	onRun   func()
	mu      sync.Mutex
	targets []functional.Target
}

func (f *fakeTester) Run(_ context.Context, target functional.Target) *models.FunctionalResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	if f.onRun != nil {
		f.onRun()
	}
	if f.result != nil {
		return f.result
	}
	return &models.FunctionalResults{Score: 1, Passed: true}
}

type harness struct {
	gw     *clustertest.Fake
	gates  *fakeGates
	tester *fakeTester
	engine *Engine

	mu     sync.Mutex
	sleeps []time.Duration
}

var source = models.ResourceRef{Kind: "Deployment", Name: "api", Namespace: "shop"}

func newHarness(t *testing.T, opts Options, objs ...*unstructured.Unstructured) *harness {
	t.Helper()
	if len(objs) == 0 {
		objs = []*unstructured.Unstructured{
			clustertest.Deployment("shop", "api", "shop/api:1.2.3", 3),
			clustertest.ConfigMap("shop", "api-config", map[string]interface{}{"LOG_LEVEL": "info"}),
			clustertest.Service("shop", "api", "api"),
			clustertest.Service("shop", "billing", "billing"),
		}
	}
	h := &harness{
		gw:     clustertest.New(objs...),
		gates:  &fakeGates{},
		tester: &fakeTester{},
	}
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = 50 * time.Millisecond
	}
	h.engine = NewEngine(h.gw, h.gates, h.tester, opts)
	h.engine.pollInterval = 5 * time.Millisecond
	h.engine.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	var seq int
	var seqMu sync.Mutex
	h.engine.newID = func() string {
		seqMu.Lock()
		defer seqMu.Unlock()
		seq++
		return fmt.Sprintf("01SHADOW%02d", seq)
	}
	return h
}

func (h *harness) recordedSleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

var imagePatch = models.PatchDescriptor{
	Type: models.PatchMerge,
	Body: []byte(`{"spec":{"template":{"spec":{"containers":[{"name":"app","image":"shop/api:1.2.4"}]}}}}`),
}

func TestCreateClonesSourceAndDependencies(t *testing.T) {
	h := newHarness(t, Options{})

	env, err := h.engine.Create(context.Background(), "inc-1", source)
	require.NoError(t, err)

	assert.Equal(t, models.ShadowReady, env.Status)
	assert.Equal(t, "shadow-01shadow01", env.Namespace)
	assert.Equal(t, models.ResourceRef{Kind: "Deployment", Name: "api", Namespace: "shadow-01shadow01"}, env.Workload)
	assert.True(t, h.gw.HasNamespace(env.Namespace))

	clone := h.gw.Object(env.Workload)
	require.NotNil(t, clone)
	replicas, _, _ := unstructured.NestedInt64(clone.Object, "spec", "replicas")
	assert.EqualValues(t, 1, replicas)
	assert.Equal(t, "01SHADOW01", clone.GetLabels()[cluster.LabelShadowID])
	assert.Equal(t, cluster.ManagedByValue, clone.GetLabels()[cluster.LabelManagedBy])
	assert.NotEqual(t, "uid-api", string(clone.GetUID()))

	assert.NotNil(t, h.gw.Object(models.ResourceRef{Kind: "ConfigMap", Name: "api-config", Namespace: env.Namespace}))
	svc := h.gw.Object(models.ResourceRef{Kind: "Service", Name: "api", Namespace: env.Namespace})
	require.NotNil(t, svc)
	_, hasIP, _ := unstructured.NestedString(svc.Object, "spec", "clusterIP")
	assert.False(t, hasIP)
	assert.Nil(t, h.gw.Object(models.ResourceRef{Kind: "Service", Name: "billing", Namespace: env.Namespace}))

	// the source is untouched
	assert.Zero(t, h.gw.CallCount("patch"))
	assert.Zero(t, h.gw.CallCount("replace"))
}

func TestCreateWarnsAboutMissingReferences(t *testing.T) {
	dep := clustertest.Deployment("shop", "api", "shop/api:1.2.3", 1)
	require.NoError(t, unstructured.SetNestedSlice(dep.Object, []interface{}{
		map[string]interface{}{"name": "regcred"},
	}, "spec", "template", "spec", "imagePullSecrets"))
	h := newHarness(t, Options{}, dep)

	env, err := h.engine.Create(context.Background(), "", source)
	require.NoError(t, err)
	joined := strings.Join(env.Warnings, "\n")
	assert.Contains(t, joined, "Secret/shop/regcred")
	assert.Contains(t, joined, "ConfigMap/shop/api-config")
}

func TestCreateWarnsOnLowCapacityButProceeds(t *testing.T) {
	h := newHarness(t, Options{})
	h.gw.CapacityValue = &cluster.Capacity{ReadyNodes: 0}

	env, err := h.engine.Create(context.Background(), "", source)
	require.NoError(t, err)
	assert.Equal(t, models.ShadowReady, env.Status)
	require.NotEmpty(t, env.Warnings)
	assert.Contains(t, env.Warnings[0], "may lack capacity")
}

func TestCreateRejectsSecondActiveShadowForIncident(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.engine.Create(context.Background(), "inc-1", source)
	require.NoError(t, err)

	_, err = h.engine.Create(context.Background(), "inc-1", source)
	assert.ErrorIs(t, err, remerrors.ErrInvalidInput)
}

func TestVerifyPassesAndAppliesPatchToShadowOnly(t *testing.T) {
	h := newHarness(t, Options{})
	var seen []models.ShadowStatus
	var seenMu sync.Mutex
	h.engine.Subscribe(func(env *models.ShadowEnvironment) {
		seenMu.Lock()
		seen = append(seen, env.Status)
		seenMu.Unlock()
	})

	result, err := h.engine.VerifyWithRetry(context.Background(), "inc-1", source, imagePatch)
	require.NoError(t, err)

	assert.True(t, result.Passed)
	assert.Equal(t, models.ShadowPassed, result.Status)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1.0, result.HealthScore)

	assert.Equal(t, 1, h.gw.CallCount("patch deployment/shadow-01shadow01/api"))
	assert.Equal(t, 0, h.gw.CallCount("patch deployment/shop/api"))
	require.Len(t, h.gates.manifests, 1)
	assert.Contains(t, string(h.gates.manifests[0]), "image: shop/api:1.2.4")
	require.Len(t, h.gates.images, 1)
	assert.Equal(t, []string{"shop/api:1.2.4"}, h.gates.images[0])
	assert.Equal(t, []string{"shadow-01shadow01"}, h.gates.runtime)
	require.Len(t, h.tester.targets, 1)
	assert.Equal(t, []string{"api"}, h.tester.targets[0].Services)

	assert.Equal(t, 1, h.gw.CallCount("delete_namespace shadow-01shadow01"))
	env, err := h.engine.Get(result.ShadowID)
	require.NoError(t, err)
	assert.Equal(t, models.ShadowDeleted, env.Status)
	require.NotNil(t, env.AppliedAt)

	seenMu.Lock()
	defer seenMu.Unlock()
	assert.Equal(t, models.ShadowDeleted, seen[len(seen)-1])
	assert.Contains(t, seen, models.ShadowTesting)
}

func TestVerifyManifestFailureNeverPatches(t *testing.T) {
	h := newHarness(t, Options{})
	h.gates.manifestFail = true

	result, err := h.engine.VerifyWithRetry(context.Background(), "inc-1", source, imagePatch)
	require.NoError(t, err)

	assert.False(t, result.Passed)
	assert.Equal(t, models.ShadowFailed, result.Status)
	assert.Equal(t, "manifest", result.FailedGate)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "Privileged", result.Findings[0].ID)

	assert.Zero(t, h.gw.CallCount("patch"))
	assert.Empty(t, h.gates.images)
	assert.Empty(t, h.tester.targets)
	assert.Equal(t, 1, h.gw.CallCount("delete_namespace"))
}

func TestVerifyUnappliablePatchFailsManifestGate(t *testing.T) {
	h := newHarness(t, Options{})
	bad := models.PatchDescriptor{Type: models.PatchJSON, Body: []byte(`[{"op":"replace","path":"/spec/missing/field","value":1}]`)}

	result, err := h.engine.VerifyWithRetry(context.Background(), "", source, bad)
	require.NoError(t, err)
	assert.Equal(t, "manifest", result.FailedGate)
	assert.Contains(t, result.Reason, "patch does not apply")
	assert.Zero(t, h.gw.CallCount("patch"))
}

func TestVerifyImageGateFailureSkipsFunctionalTests(t *testing.T) {
	h := newHarness(t, Options{})
	h.gates.imageFail = true

	result, err := h.engine.VerifyWithRetry(context.Background(), "", source, imagePatch)
	require.NoError(t, err)
	assert.Equal(t, "image", result.FailedGate)
	assert.False(t, result.Security.Passed)
	assert.Equal(t, 1, h.gw.CallCount("patch"))
	assert.Empty(t, h.tester.targets)
	assert.Nil(t, result.Functional)
}

func TestVerifyFunctionalFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.tester.result = &models.FunctionalResults{Score: 0.4, Passed: false}

	result, err := h.engine.VerifyWithRetry(context.Background(), "", source, imagePatch)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.True(t, result.Security.Passed)
	assert.Equal(t, "functional", result.FailedGate)
	assert.Equal(t, 0.4, result.HealthScore)
}

func TestVerifyTearsDownOnceWhicheverPhaseFails(t *testing.T) {
	rejected := errors.New("admission webhook denied the request")
	cases := []struct {
		name     string
		setup    func(h *harness, cancel context.CancelFunc)
		wantGate string
		wantErr  error
	}{
		{
			name:     "manifest gate",
			setup:    func(h *harness, _ context.CancelFunc) { h.gates.manifestFail = true },
			wantGate: "manifest",
		},
		{
			name:     "patch rejected",
			setup:    func(h *harness, _ context.CancelFunc) { h.gw.PatchErr = rejected },
			wantGate: "apply",
		},
		{
			name: "readiness after patch",
			setup: func(h *harness, _ context.CancelFunc) {
				h.gw.ReadyFunc = func(models.ResourceRef) (bool, string, error) {
					if h.gw.CallCount("patch") > 0 {
						return false, "", rejected
					}
					return true, "", nil
				}
			},
			wantErr: rejected,
		},
		{
			name:    "image listing",
			setup:   func(h *harness, _ context.CancelFunc) { h.gw.ImagesErr = rejected },
			wantErr: rejected,
		},
		{
			name:     "image gate",
			setup:    func(h *harness, _ context.CancelFunc) { h.gates.imageFail = true },
			wantGate: "image",
		},
		{
			name:     "runtime gate",
			setup:    func(h *harness, _ context.CancelFunc) { h.gates.runtimeFail = true },
			wantGate: "runtime",
		},
		{
			name: "functional tests",
			setup: func(h *harness, _ context.CancelFunc) {
				h.tester.result = &models.FunctionalResults{Score: 0.2, Passed: false}
			},
			wantGate: "functional",
		},
		{
			name:    "cancelled mid verification",
			setup:   func(h *harness, cancel context.CancelFunc) { h.tester.onRun = cancel },
			wantErr: context.Canceled,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			tc.setup(h, cancel)

			result, err := h.engine.VerifyWithRetry(ctx, "inc-1", source, imagePatch)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
				assert.False(t, result.Passed)
				assert.Equal(t, tc.wantGate, result.FailedGate)
			}

			assert.Equal(t, 1, h.gw.CallCount("delete_namespace"))
			assert.False(t, h.gw.HasNamespace("shadow-01shadow01"))
			env, err := h.engine.Get("01SHADOW01")
			require.NoError(t, err)
			assert.Equal(t, models.ShadowDeleted, env.Status)
		})
	}
}

func TestVerifyRetriesTransientSchedulingFailures(t *testing.T) {
	h := newHarness(t, Options{RetryBackoff: []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second}})
	h.gw.ReadyFunc = func(ref models.ResourceRef) (bool, string, error) {
		return ref.Namespace == "shadow-01shadow03", "", nil
	}
	h.gw.EventList = map[string][]cluster.Event{
		"shadow-01shadow01": {{Type: "Warning", Reason: "FailedScheduling", Object: "pod/api-1", Message: "0/3 nodes are available: 3 Insufficient cpu."}},
		"shadow-01shadow02": {{Type: "Warning", Reason: "FailedScheduling", Object: "pod/api-1", Message: "0/3 nodes are available: 3 Insufficient cpu."}},
	}

	result, err := h.engine.VerifyWithRetry(context.Background(), "inc-1", source, imagePatch)
	require.NoError(t, err)

	assert.True(t, result.Passed)
	assert.Equal(t, models.ShadowPassed, result.Status)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, h.gw.CallCount("create_namespace"))
	assert.Equal(t, []time.Duration{10 * time.Second, 30 * time.Second}, h.recordedSleeps())

	// every attempt cleaned up after itself
	for _, ns := range []string{"shadow-01shadow01", "shadow-01shadow02", "shadow-01shadow03"} {
		assert.Equal(t, 1, h.gw.CallCount("delete_namespace "+ns), ns)
		assert.False(t, h.gw.HasNamespace(ns))
	}
	failed, err := h.engine.Get("01SHADOW01")
	require.NoError(t, err)
	assert.Contains(t, failed.Reason, "FailedScheduling")
}

func TestVerifyInfeasibleAfterRetriesRunOut(t *testing.T) {
	h := newHarness(t, Options{RetryBackoff: []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second}})
	h.gw.CreateNamespaceErr = func(cluster.NamespaceSpec, int) error {
		return remerrors.NewClusterError(remerrors.ErrorTypeUnavailable, "create_namespace", "", errors.New("connection refused"))
	}

	_, err := h.engine.VerifyWithRetry(context.Background(), "inc-1", source, imagePatch)
	require.Error(t, err)
	assert.ErrorIs(t, err, remerrors.ErrVerificationInfeasible)
	var provErr *remerrors.ProvisionError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "namespace", provErr.Phase)
	assert.Equal(t, 4, h.gw.CallCount("create_namespace"))
	assert.Equal(t, []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second}, h.recordedSleeps())
	assert.Equal(t, 4, h.gw.CallCount("delete_namespace"))
}

func TestVerifyDoesNotRetryMissingSource(t *testing.T) {
	h := newHarness(t, Options{})
	missing := models.ResourceRef{Kind: "Deployment", Name: "ghost", Namespace: "shop"}

	_, err := h.engine.VerifyWithRetry(context.Background(), "", missing, imagePatch)
	require.Error(t, err)
	assert.True(t, remerrors.IsNotFound(err))
	assert.False(t, errors.Is(err, remerrors.ErrVerificationInfeasible))
	assert.Empty(t, h.recordedSleeps())
	assert.Zero(t, h.gw.CallCount("create_namespace"))
}

func TestCleanupRunsExactlyOnce(t *testing.T) {
	h := newHarness(t, Options{})
	env, err := h.engine.Create(context.Background(), "", source)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.engine.Cleanup(context.Background(), env.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.gw.CallCount("delete_namespace"))
}

func TestCleanupRunsOnCancelledContext(t *testing.T) {
	h := newHarness(t, Options{})
	env, err := h.engine.Create(context.Background(), "", source)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.engine.Cleanup(ctx, env.ID))
	assert.False(t, h.gw.HasNamespace(env.Namespace))
}

func TestCreateBlocksAtMaxActive(t *testing.T) {
	h := newHarness(t, Options{MaxActive: 1})
	first, err := h.engine.Create(context.Background(), "", source)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = h.engine.Create(ctx, "", source)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, h.gw.CallCount("create_namespace"))

	require.NoError(t, h.engine.Cleanup(context.Background(), first.ID))
	second, err := h.engine.Create(context.Background(), "", source)
	require.NoError(t, err)
	assert.Equal(t, models.ShadowReady, second.Status)
}

func TestTeardownFailureMarksStaleAndReaperRetries(t *testing.T) {
	h := newHarness(t, Options{MaxActive: 1, TeardownRetries: 3})
	h.gw.DeleteNamespaceErr = func(string, int) error {
		return remerrors.NewClusterError(remerrors.ErrorTypeUnavailable, "delete_namespace", "", errors.New("etcd timeout"))
	}
	env, err := h.engine.Create(context.Background(), "", source)
	require.NoError(t, err)

	err = h.engine.Cleanup(context.Background(), env.ID)
	require.Error(t, err)
	stale, _ := h.engine.Get(env.ID)
	assert.True(t, stale.Stale)
	assert.Equal(t, 3, stale.TeardownAttempts)
	assert.Equal(t, 3, h.gw.CallCount("delete_namespace"))

	// the slot is released so the pipeline keeps moving
	next, err := h.engine.Create(context.Background(), "", source)
	require.NoError(t, err)

	h.gw.DeleteNamespaceErr = nil
	require.NoError(t, h.engine.Cleanup(context.Background(), next.ID))
	h.engine.Reap(context.Background())
	reaped, _ := h.engine.Get(env.ID)
	assert.False(t, reaped.Stale)
	assert.Equal(t, models.ShadowDeleted, reaped.Status)
}

func TestReapTearsDownExpiredEnvironments(t *testing.T) {
	h := newHarness(t, Options{TTL: time.Hour})
	env, err := h.engine.Create(context.Background(), "", source)
	require.NoError(t, err)

	h.engine.Reap(context.Background())
	assert.Zero(t, h.gw.CallCount("delete_namespace"))

	h.engine.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	h.engine.Reap(context.Background())
	got, _ := h.engine.Get(env.ID)
	assert.Equal(t, models.ShadowDeleted, got.Status)
	assert.Equal(t, 1, h.gw.CallCount("delete_namespace"))
}

func TestRecoverTearsDownLeftovers(t *testing.T) {
	h := newHarness(t, Options{})
	now := time.Now()
	leftovers := []*models.ShadowEnvironment{
		{ID: "01OLD1", Namespace: "shadow-01old1", Status: models.ShadowTesting, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: "01OLD2", Namespace: "shadow-01old2", Status: models.ShadowDeleted, CreatedAt: now, DeletedAt: &now},
	}

	n := h.engine.Recover(context.Background(), leftovers)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.gw.CallCount("delete_namespace shadow-01old1"))
	assert.Zero(t, h.gw.CallCount("delete_namespace shadow-01old2"))
	assert.Len(t, h.engine.List(), 2)
}

func TestRenderPatched(t *testing.T) {
	dep := clustertest.Deployment("shop", "api", "shop/api:1.2.3", 2)

	t.Run("strategic keeps other containers", func(t *testing.T) {
		require.NoError(t, unstructured.SetNestedSlice(dep.Object, []interface{}{
			map[string]interface{}{"name": "app", "image": "shop/api:1.2.3"},
			map[string]interface{}{"name": "sidecar", "image": "envoy:1.30"},
		}, "spec", "template", "spec", "containers"))
		out, err := renderPatched(dep, models.PatchDescriptor{
			Type: models.PatchStrategic,
			Body: []byte(`{"spec":{"template":{"spec":{"containers":[{"name":"app","image":"shop/api:1.2.4"}]}}}}`),
		})
		require.NoError(t, err)
		assert.Contains(t, string(out), "image: shop/api:1.2.4")
		assert.Contains(t, string(out), "image: envoy:1.30")
		assert.NotContains(t, string(out), "resourceVersion")
		assert.NotContains(t, string(out), "readyReplicas")
	})

	t.Run("json patch", func(t *testing.T) {
		out, err := renderPatched(dep, models.PatchDescriptor{
			Type: models.PatchJSON,
			Body: []byte(`[{"op":"replace","path":"/spec/replicas","value":5}]`),
		})
		require.NoError(t, err)
		assert.Contains(t, string(out), "replicas: 5")
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := renderPatched(dep, models.PatchDescriptor{Type: "xml", Body: []byte(`{}`)})
		assert.Error(t, err)
	})
}

func TestDiagnoseIsDeterministic(t *testing.T) {
	h := newHarness(t, Options{})
	h.gw.HealthyErr = errors.New("apiserver timeout")
	h.gw.PodList = map[string][]cluster.PodStatus{
		"ns": {
			{Name: "b", Phase: "Pending", Reason: "Unschedulable"},
			{Name: "a", Phase: "Running", Ready: true},
			{Name: "c", Phase: "Running", Reason: "CrashLoopBackOff"},
		},
	}
	h.gw.EventList = map[string][]cluster.Event{
		"ns": {
			{Type: "Warning", Reason: "FailedScheduling", Object: "pod/b", Message: "no nodes"},
			{Type: "Normal", Reason: "Scheduled", Object: "pod/a"},
			{Type: "Warning", Reason: "BackOff", Object: "pod/c", Message: "back-off restarting"},
			{Type: "Warning", Reason: "FailedScheduling", Object: "pod/b", Message: "no nodes"},
		},
	}

	lines, transient := h.engine.diagnose(context.Background(), "ns", time.Minute)
	assert.True(t, transient)
	assert.Equal(t, []string{
		"control plane: apiserver timeout",
		"pod b not ready: phase=Pending reason=Unschedulable",
		"pod c not ready: phase=Running reason=CrashLoopBackOff",
		"event BackOff on pod/c: back-off restarting",
		"event FailedScheduling on pod/b: no nodes",
	}, lines)

	again, _ := h.engine.diagnose(context.Background(), "ns", time.Minute)
	assert.Equal(t, lines, again)
}

func TestDiagnoseCrashLoopIsNotTransient(t *testing.T) {
	h := newHarness(t, Options{})
	h.gw.PodList = map[string][]cluster.PodStatus{"ns": {{Name: "a", Phase: "Running", Reason: "CrashLoopBackOff"}}}

	_, transient := h.engine.diagnose(context.Background(), "ns", time.Minute)
	assert.False(t, transient)
}

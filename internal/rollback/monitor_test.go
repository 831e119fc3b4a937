package rollback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	kubefake "k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/kubernetes/scheme"

	"github.com/kubeshield/remedy/internal/cluster"
	"github.com/kubeshield/remedy/internal/cluster/clustertest"
	remerrors "github.com/kubeshield/remedy/internal/errors"
	"github.com/kubeshield/remedy/internal/metricsource"
	"github.com/kubeshield/remedy/internal/models"
)

type fakeSource struct {
	mu       sync.Mutex
	baseline float64
	baseErr  error
	values   []float64
	err      error
	calls    int
}

func (f *fakeSource) Average(context.Context, models.ResourceRef, time.Duration, time.Time) (float64, error) {
	return f.baseline, f.baseErr
}

func (f *fakeSource) Current(context.Context, models.ResourceRef) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	if len(f.values) == 0 {
		return 0, metricsource.ErrNoData
	}
	v := f.values[0]
	if len(f.values) > 1 {
		f.values = f.values[1:]
	}
	return v, nil
}

var target = models.ResourceRef{Kind: "Deployment", Name: "api", Namespace: "shop"}

func fastOptions() Options {
	return Options{
		Window:         2 * time.Second,
		Interval:       5 * time.Millisecond,
		BaselineWindow: 5 * time.Minute,
		MaxIncrease:    0.20,
		AbsoluteSpike:  0.5,
	}
}

func setup(t *testing.T, src *fakeSource, opts Options) (*Monitor, *clustertest.Fake) {
	t.Helper()
	gw := clustertest.New(clustertest.Deployment("shop", "api", "shop/api:1.2.3", 2))
	return NewMonitor(gw, src, opts), gw
}

// applyFix stands in for the production apply between Start and Watch.
func applyFix(t *testing.T, gw *clustertest.Fake) time.Time {
	t.Helper()
	_, err := gw.Patch(context.Background(), target, models.PatchMerge,
		[]byte(`{"spec":{"template":{"spec":{"containers":[{"name":"app","image":"shop/api:1.2.4"}]}}}}`))
	require.NoError(t, err)
	return time.Now()
}

func image(t *testing.T, gw *clustertest.Fake) string {
	t.Helper()
	obj := gw.Object(target)
	require.NotNil(t, obj)
	containers, _, _ := unstructured.NestedSlice(obj.Object, "spec", "template", "spec", "containers")
	require.NotEmpty(t, containers)
	return containers[0].(map[string]interface{})["image"].(string)
}

func TestWatchRevertsOnErrorRateSpike(t *testing.T) {
	src := &fakeSource{baseline: 0.01, values: []float64{0.02, 0.25}}
	mon, gw := setup(t, src, fastOptions())

	snap, err := mon.Start(context.Background(), "inc-1", target)
	require.NoError(t, err)
	assert.Equal(t, 0.01, snap.Baseline)
	appliedAt := applyFix(t, gw)
	require.Equal(t, "shop/api:1.2.4", image(t, gw))

	started := time.Now()
	decision, err := mon.Watch(context.Background(), snap, appliedAt)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeReverted, decision.Outcome)
	assert.Less(t, time.Since(started), fastOptions().Window)
	assert.Contains(t, decision.Reason, "25.00%")
	assert.Contains(t, decision.Reason, "1.00%")
	assert.Equal(t, 0.25, decision.Observed)
	require.NotNil(t, decision.RevertedAt)
	require.Len(t, decision.Samples, 2)
	assert.False(t, decision.Samples[0].Breached)
	assert.True(t, decision.Samples[1].Breached)

	assert.Equal(t, "shop/api:1.2.3", image(t, gw))
	assert.Equal(t, 1, gw.CallCount("replace"))
}

func TestRevertHappensAtMostOnce(t *testing.T) {
	src := &fakeSource{baseline: 0.01, values: []float64{0.9}}
	mon, gw := setup(t, src, fastOptions())
	snap, err := mon.Start(context.Background(), "inc-1", target)
	require.NoError(t, err)
	appliedAt := applyFix(t, gw)

	decision, err := mon.Watch(context.Background(), snap, appliedAt)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeReverted, decision.Outcome)

	assert.ErrorIs(t, mon.Revert(context.Background(), snap), ErrAlreadyReverted)
	assert.Equal(t, 1, gw.CallCount("replace"))
}

func TestWatchStableWindow(t *testing.T) {
	opts := fastOptions()
	opts.Window = 60 * time.Millisecond
	src := &fakeSource{baseline: 0.01, values: []float64{0.02, 0.03, 0.015}}
	mon, gw := setup(t, src, opts)
	snap, err := mon.Start(context.Background(), "inc-1", target)
	require.NoError(t, err)
	appliedAt := applyFix(t, gw)

	decision, err := mon.Watch(context.Background(), snap, appliedAt)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeStable, decision.Outcome)
	assert.Contains(t, decision.Reason, "within limits")
	assert.Equal(t, 0.03, decision.Peak)
	assert.Zero(t, gw.CallCount("replace"))
	assert.Equal(t, "shop/api:1.2.4", image(t, gw))
}

func TestWatchWithoutSamplesEndsStable(t *testing.T) {
	opts := fastOptions()
	opts.Window = 40 * time.Millisecond
	src := &fakeSource{baseline: 0.01, err: errors.New("prometheus down")}
	mon, gw := setup(t, src, opts)
	snap, err := mon.Start(context.Background(), "inc-1", target)
	require.NoError(t, err)

	decision, err := mon.Watch(context.Background(), snap, applyFix(t, gw))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeStable, decision.Outcome)
	assert.Contains(t, decision.Reason, "no error-rate samples")
	assert.Zero(t, gw.CallCount("replace"))
}

func TestCancelStopsWatch(t *testing.T) {
	opts := fastOptions()
	opts.Window = time.Minute
	src := &fakeSource{baseline: 0.01, values: []float64{0.01}}
	mon, gw := setup(t, src, opts)
	snap, err := mon.Start(context.Background(), "inc-1", target)
	require.NoError(t, err)
	appliedAt := applyFix(t, gw)

	done := make(chan *models.RollbackDecision, 1)
	go func() {
		d, _ := mon.Watch(context.Background(), snap, appliedAt)
		done <- d
	}()

	require.Eventually(t, func() bool { return mon.Cancel(snap.ID) }, time.Second, 5*time.Millisecond)
	select {
	case d := <-done:
		assert.Equal(t, models.OutcomeCancelled, d.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after Cancel")
	}
	assert.Zero(t, gw.CallCount("replace"))
	assert.False(t, mon.Cancel(snap.ID))
}

func TestWatchRejectsSnapshotTakenAfterApply(t *testing.T) {
	mon, _ := setup(t, &fakeSource{}, fastOptions())
	snap, err := mon.Start(context.Background(), "inc-1", target)
	require.NoError(t, err)

	_, err = mon.Watch(context.Background(), snap, snap.CapturedAt.Add(-time.Second))
	assert.ErrorIs(t, err, remerrors.ErrInvalidInput)

	_, err = mon.Watch(context.Background(), snap, snap.CapturedAt)
	assert.ErrorIs(t, err, remerrors.ErrInvalidInput, "a snapshot from the same instant is not strictly before the change")
}

func TestStartWithoutBaselineTraffic(t *testing.T) {
	mon, _ := setup(t, &fakeSource{baseErr: metricsource.ErrNoData}, fastOptions())
	snap, err := mon.Start(context.Background(), "inc-1", target)
	require.NoError(t, err)
	assert.Zero(t, snap.Baseline)

	mon, _ = setup(t, &fakeSource{baseErr: errors.New("timeout")}, fastOptions())
	_, err = mon.Start(context.Background(), "inc-1", target)
	assert.Error(t, err)
}

func TestBreach(t *testing.T) {
	opts := Options{MaxIncrease: 0.20, AbsoluteSpike: 0.5, MaxRelativeIncrease: 1.0}
	cases := []struct {
		name     string
		baseline float64
		current  float64
		want     bool
	}{
		{"below limit", 0.01, 0.10, false},
		{"exactly twenty points", 0.05, 0.25, true},
		{"absolute spike", 0.40, 0.55, true},
		{"relative increase", 0.05, 0.11, true},
		{"relative ignores zero baseline", 0, 0.10, false},
		{"decrease", 0.10, 0.01, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reason, got := Breach(opts, tc.baseline, tc.current)
			assert.Equal(t, tc.want, got)
			if got {
				assert.NotEmpty(t, reason)
			}
		})
	}

	_, got := Breach(Options{MaxIncrease: 0.20}, 0.05, 0.11)
	assert.False(t, got, "relative threshold is off by default")
}

func TestRevertRetriesConflicts(t *testing.T) {
	mon, gw := setup(t, &fakeSource{baseline: 0.01}, fastOptions())
	snap, err := mon.Start(context.Background(), "inc-1", target)
	require.NoError(t, err)
	applyFix(t, gw)

	conflicts := 1
	gw.ReplaceErr = func(*unstructured.Unstructured) error {
		if conflicts > 0 {
			conflicts--
			return remerrors.NewClusterError(remerrors.ErrorTypeConflict, "replace", target.String(), errors.New("object was modified"))
		}
		return nil
	}

	require.NoError(t, mon.Revert(context.Background(), snap))
	assert.Equal(t, "shop/api:1.2.3", image(t, gw))
	assert.Equal(t, 2, gw.CallCount("replace"))
}

func TestRevertKeepsLiveOwnershipMetadata(t *testing.T) {
	ctx := context.Background()
	live := clustertest.Deployment("shop", "api", "shop/api:1.2.3", 2)
	live.SetResourceVersion("7")
	live.SetFinalizers([]string{"example.com/protect"})
	live.SetOwnerReferences([]metav1.OwnerReference{{APIVersion: "example.com/v1", Kind: "App", Name: "shop", UID: "owner-1"}})
	gw := cluster.NewWithClients(kubefake.NewSimpleClientset(), dynamicfake.NewSimpleDynamicClient(scheme.Scheme, live))
	mon := NewMonitor(gw, &fakeSource{baseline: 0.01}, fastOptions())

	snap, err := mon.Start(ctx, "inc-1", target)
	require.NoError(t, err)

	// the fix changes the image and its label; a controller adds a finalizer meanwhile
	_, err = gw.Patch(ctx, target, models.PatchMerge, []byte(`{
		"metadata":{"labels":{"app":"api","release":"fix"},"finalizers":["example.com/protect","example.com/audit"]},
		"spec":{"template":{"spec":{"containers":[{"name":"app","image":"shop/api:1.2.4"}]}}}}`))
	require.NoError(t, err)

	require.NoError(t, mon.Revert(ctx, snap))

	got, err := gw.Get(ctx, target)
	require.NoError(t, err)
	containers, _, _ := unstructured.NestedSlice(got.Object, "spec", "template", "spec", "containers")
	require.Len(t, containers, 1)
	assert.Equal(t, "shop/api:1.2.3", containers[0].(map[string]interface{})["image"])
	assert.Equal(t, map[string]string{"app": "api"}, got.GetLabels())
	assert.ElementsMatch(t, []string{"example.com/protect", "example.com/audit"}, got.GetFinalizers())
	require.Len(t, got.GetOwnerReferences(), 1)
	assert.Equal(t, "owner-1", string(got.GetOwnerReferences()[0].UID))
	assert.Equal(t, "uid-api", string(got.GetUID()))
}

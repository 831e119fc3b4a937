// Package rollback watches a resource after a fix is applied to production and
// restores the pre-change snapshot when the error rate breaches its thresholds.
package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kubeshield/remedy/internal/cluster"
	remerrors "github.com/kubeshield/remedy/internal/errors"
	"github.com/kubeshield/remedy/internal/metrics"
	"github.com/kubeshield/remedy/internal/metricsource"
	"github.com/kubeshield/remedy/internal/models"
)

// ErrAlreadyReverted is returned for a second revert of the same snapshot.
var ErrAlreadyReverted = errors.New("snapshot already reverted")

// Options are the monitoring window and breach thresholds. Rates are fractions,
// so MaxIncrease 0.20 means twenty percentage points above baseline.
type Options struct {
	Window              time.Duration
	Interval            time.Duration
	BaselineWindow      time.Duration
	MaxIncrease         float64
	AbsoluteSpike       float64
	MaxRelativeIncrease float64 // 0 disables
	RevertTimeout       time.Duration
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Window:         15 * time.Minute,
		Interval:       time.Minute,
		BaselineWindow: 5 * time.Minute,
		MaxIncrease:    0.20,
		AbsoluteSpike:  0.5,
		RevertTimeout:  time.Minute,
	}
}

// Monitor owns snapshots and their revert state.
type Monitor struct {
	gw     cluster.Gateway
	source metricsource.Source

	mu        sync.Mutex
	opts      Options
	snapshots map[string]*models.Snapshot
	reverted  map[string]bool
	cancels   map[string]context.CancelFunc

	now   func() time.Time
	newID func() string
}

// NewMonitor creates a Monitor.
func NewMonitor(gw cluster.Gateway, source metricsource.Source, opts Options) *Monitor {
	return &Monitor{
		gw:        gw,
		source:    source,
		opts:      withDefaults(opts),
		snapshots: make(map[string]*models.Snapshot),
		reverted:  make(map[string]bool),
		cancels:   make(map[string]context.CancelFunc),
		now:       time.Now,
		newID:     func() string { return ulid.Make().String() },
	}
}

func withDefaults(opts Options) Options {
	d := DefaultOptions()
	if opts.Window <= 0 {
		opts.Window = d.Window
	}
	if opts.Interval <= 0 {
		opts.Interval = d.Interval
	}
	if opts.BaselineWindow <= 0 {
		opts.BaselineWindow = d.BaselineWindow
	}
	if opts.MaxIncrease <= 0 {
		opts.MaxIncrease = d.MaxIncrease
	}
	if opts.RevertTimeout <= 0 {
		opts.RevertTimeout = d.RevertTimeout
	}
	return opts
}

// SetOptions swaps thresholds at runtime. Running watches pick them up on their
// next sample.
func (m *Monitor) SetOptions(opts Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts = withDefaults(opts)
}

func (m *Monitor) options() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

// Start captures the live object behind ref and its baseline error rate. It must be
// called before the change is applied.
func (m *Monitor) Start(ctx context.Context, incidentID string, ref models.ResourceRef) (*models.Snapshot, error) {
	opts := m.options()
	obj, err := m.gw.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", ref, err)
	}
	spec, err := json.Marshal(cluster.SnapshotOf(obj).Object)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot of %s: %w", ref, err)
	}

	capturedAt := m.now()
	baseline, err := m.source.Average(ctx, ref, opts.BaselineWindow, capturedAt)
	if errors.Is(err, metricsource.ErrNoData) {
		log.Warn().Str("resource", ref.String()).Msg("No baseline traffic, assuming 0% error rate")
		baseline, err = 0, nil
	}
	if err != nil {
		return nil, fmt.Errorf("baseline for %s: %w", ref, err)
	}

	snap := &models.Snapshot{
		ID:              m.newID(),
		IncidentID:      incidentID,
		Resource:        ref,
		Spec:            spec,
		ResourceVersion: obj.GetResourceVersion(),
		Baseline:        baseline,
		BaselineWindow:  opts.BaselineWindow,
		CapturedAt:      capturedAt,
	}
	m.mu.Lock()
	m.snapshots[snap.ID] = snap
	m.mu.Unlock()

	log.Info().
		Str("snapshot_id", snap.ID).
		Str("incident_id", incidentID).
		Str("resource", ref.String()).
		Float64("baseline", baseline).
		Msg("Captured pre-change snapshot")
	return snap, nil
}

// Snapshot returns a stored snapshot.
func (m *Monitor) Snapshot(id string) (*models.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[id]
	return snap, ok
}

// Cancel stops a running watch. It reports whether one was running.
func (m *Monitor) Cancel(snapshotID string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[snapshotID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Watch samples the error rate every Interval until the window after appliedAt
// ends, the first breach reverts the change, or the watch is cancelled. A
// failed revert is reported on the decision and as an error.
func (m *Monitor) Watch(ctx context.Context, snap *models.Snapshot, appliedAt time.Time) (*models.RollbackDecision, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", remerrors.ErrInvalidInput)
	}
	if !snap.CapturedAt.Before(appliedAt) {
		return nil, fmt.Errorf("%w: snapshot %s captured after the change was applied", remerrors.ErrInvalidInput, snap.ID)
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	if _, running := m.cancels[snap.ID]; running {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: snapshot %s is already being watched", remerrors.ErrInvalidInput, snap.ID)
	}
	m.cancels[snap.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, snap.ID)
		m.mu.Unlock()
	}()

	resource := snap.Resource.String()
	defer metrics.ClearMonitoredErrorRate(resource)

	opts := m.options()
	decision := &models.RollbackDecision{
		ID:         m.newID(),
		SnapshotID: snap.ID,
		IncidentID: snap.IncidentID,
		Resource:   snap.Resource,
		Baseline:   snap.Baseline,
		AppliedAt:  appliedAt,
	}

	remaining := appliedAt.Add(opts.Window).Sub(m.now())
	if remaining < 0 {
		remaining = 0
	}
	deadline := time.NewTimer(remaining)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	log.Info().
		Str("snapshot_id", snap.ID).
		Str("resource", resource).
		Dur("window", opts.Window).
		Msg("Monitoring change")

	for {
		select {
		case <-wctx.Done():
			decision.Outcome = models.OutcomeCancelled
			decision.Reason = "monitoring cancelled"
			return m.decide(decision), nil

		case <-deadline.C:
			decision.Outcome = models.OutcomeStable
			if len(decision.Samples) == 0 || allFailed(decision.Samples) {
				decision.Reason = fmt.Sprintf("no error-rate samples during the %s window; treated as stable", opts.Window)
			} else {
				decision.Reason = fmt.Sprintf("error rate stayed within limits for %s (peak %s, baseline %s)",
					opts.Window, pct(decision.Peak), pct(snap.Baseline))
			}
			return m.decide(decision), nil

		case <-ticker.C:
			opts = m.options()
			sample := models.Sample{At: m.now()}
			value, err := m.source.Current(wctx, snap.Resource)
			if err != nil {
				if wctx.Err() != nil {
					continue
				}
				sample.Err = err.Error()
				decision.Samples = append(decision.Samples, sample)
				log.Warn().Err(err).Str("snapshot_id", snap.ID).Msg("Error-rate sample failed")
				continue
			}

			sample.Value = value
			sample.Delta = value - snap.Baseline
			decision.Observed = value
			if value > decision.Peak {
				decision.Peak = value
			}
			metrics.SetMonitoredErrorRate(resource, value)

			reason, breached := Breach(opts, snap.Baseline, value)
			sample.Breached = breached
			decision.Samples = append(decision.Samples, sample)
			if !breached {
				continue
			}

			decision.Outcome = models.OutcomeReverted
			decision.Reason = reason
			log.Warn().
				Str("snapshot_id", snap.ID).
				Str("resource", resource).
				Str("reason", reason).
				Msg("Error rate breached threshold, reverting")

			if err := m.Revert(ctx, snap); err != nil {
				decision.RevertError = err.Error()
				return m.decide(decision), fmt.Errorf("revert %s: %w", resource, err)
			}
			revertedAt := m.now()
			decision.RevertedAt = &revertedAt
			return m.decide(decision), nil
		}
	}
}

func allFailed(samples []models.Sample) bool {
	for _, s := range samples {
		if s.Err == "" {
			return false
		}
	}
	return true
}

func (m *Monitor) decide(d *models.RollbackDecision) *models.RollbackDecision {
	d.DecidedAt = m.now()
	metrics.RecordRollback(string(d.Outcome))
	log.Info().
		Str("snapshot_id", d.SnapshotID).
		Str("outcome", string(d.Outcome)).
		Str("reason", d.Reason).
		Msg("Monitoring window closed")
	return d
}

func pct(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}

// Breach applies the thresholds to one sample. The reason names the observed
// and baseline rates.
func Breach(opts Options, baseline, current float64) (string, bool) {
	delta := current - baseline
	if delta >= opts.MaxIncrease {
		return fmt.Sprintf("error rate %s vs baseline %s: +%.2f points reaches the %.2f point limit",
			pct(current), pct(baseline), delta*100, opts.MaxIncrease*100), true
	}
	if opts.AbsoluteSpike > 0 && current >= opts.AbsoluteSpike {
		return fmt.Sprintf("error rate %s vs baseline %s reaches the absolute spike limit %s",
			pct(current), pct(baseline), pct(opts.AbsoluteSpike)), true
	}
	if opts.MaxRelativeIncrease > 0 && baseline > 0 && delta/baseline > opts.MaxRelativeIncrease {
		return fmt.Sprintf("error rate %s vs baseline %s: +%.0f%% relative exceeds %.0f%%",
			pct(current), pct(baseline), delta/baseline*100, opts.MaxRelativeIncrease*100), true
	}
	return "", false
}

// Revert restores the snapshot's desired state onto the freshly read live
// object, leaving live ownership metadata such as finalizers untouched. It runs
// at most once per snapshot and survives cancellation of ctx.
func (m *Monitor) Revert(ctx context.Context, snap *models.Snapshot) error {
	m.mu.Lock()
	if m.reverted[snap.ID] {
		m.mu.Unlock()
		return ErrAlreadyReverted
	}
	m.reverted[snap.ID] = true
	timeout := m.opts.RevertTimeout
	m.mu.Unlock()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	desired := &unstructured.Unstructured{}
	if err := desired.UnmarshalJSON(snap.Spec); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", snap.ID, err)
	}

	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		live, err := m.gw.Get(rctx, snap.Resource)
		if err != nil {
			lastErr = err
			if !remerrors.IsTransient(err) {
				break
			}
			continue
		}
		if _, err := m.gw.Replace(rctx, cluster.RestoreOnto(live, desired)); err != nil {
			lastErr = err
			if errors.Is(err, remerrors.ErrResourceConflict) || remerrors.IsTransient(err) {
				continue
			}
			break
		}
		log.Info().Str("snapshot_id", snap.ID).Str("resource", snap.Resource.String()).Msg("Reverted to snapshot")
		return nil
	}
	return lastErr
}

// Package shadow provisions isolated copies of production resources, applies a
// candidate fix to the copy, runs the security and functional gates against it
// and tears the copy down again.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/kubeshield/remedy/internal/cluster"
	remerrors "github.com/kubeshield/remedy/internal/errors"
	"github.com/kubeshield/remedy/internal/functional"
	"github.com/kubeshield/remedy/internal/metrics"
	"github.com/kubeshield/remedy/internal/models"
	"github.com/kubeshield/remedy/internal/security"
)

// Gates is the security gate pipeline as seen by the engine.
type Gates interface {
	ScanManifest(ctx context.Context, manifest []byte) *models.GateResult
	ScanImages(ctx context.Context, images []string) *models.GateResult
	CheckRuntime(ctx context.Context, namespace string, since time.Time) *models.GateResult
}

// Tester runs the functional checks.
type Tester interface {
	Run(ctx context.Context, target functional.Target) *models.FunctionalResults
}

// Observer is told about every change to an environment. It receives a copy.
type Observer func(env *models.ShadowEnvironment)

// Options configure the engine.
type Options struct {
	MaxActive        int
	NamespacePrefix  string
	ReadyTimeout     time.Duration
	TTL              time.Duration
	TeardownTimeout  time.Duration
	TeardownRetries  int
	RetryBackoff     []time.Duration
	ReaperInterval   time.Duration
	NetworkIsolation bool
	Quota            *cluster.QuotaSpec
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxActive:        3,
		NamespacePrefix:  "shadow-",
		ReadyTimeout:     300 * time.Second,
		TTL:              time.Hour,
		TeardownTimeout:  2 * time.Minute,
		TeardownRetries:  3,
		RetryBackoff:     []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second},
		ReaperInterval:   time.Minute,
		NetworkIsolation: true,
	}
}

type entry struct {
	env      *models.ShadowEnvironment
	workload models.ResourceRef
	services []string

	teardown    sync.Once
	teardownErr error
	holdsSlot   bool
}

// Engine owns the registry of shadow environments. All registry access goes
// through its methods.
type Engine struct {
	gw     cluster.Gateway
	gates  Gates
	tester Tester
	opts   Options
	sem    *semaphore.Weighted

	mu         sync.RWMutex
	envs       map[string]*entry
	byIncident map[string]string
	observers  []Observer

	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	newID        func() string
	pollInterval time.Duration
}

// NewEngine creates an engine bounded to opts.MaxActive live environments.
func NewEngine(gw cluster.Gateway, gates Gates, tester Tester, opts Options) *Engine {
	defaults := DefaultOptions()
	if opts.MaxActive < 1 {
		opts.MaxActive = defaults.MaxActive
	}
	if opts.NamespacePrefix == "" {
		opts.NamespacePrefix = defaults.NamespacePrefix
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaults.ReadyTimeout
	}
	if opts.TTL <= 0 {
		opts.TTL = defaults.TTL
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = defaults.TeardownTimeout
	}
	if opts.TeardownRetries < 1 {
		opts.TeardownRetries = defaults.TeardownRetries
	}
	if opts.ReaperInterval <= 0 {
		opts.ReaperInterval = defaults.ReaperInterval
	}

	return &Engine{
		gw:           gw,
		gates:        gates,
		tester:       tester,
		opts:         opts,
		sem:          semaphore.NewWeighted(int64(opts.MaxActive)),
		envs:         make(map[string]*entry),
		byIncident:   make(map[string]string),
		now:          time.Now,
		sleep:        sleepContext,
		newID:        func() string { return ulid.Make().String() },
		pollInterval: 2 * time.Second,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Subscribe registers an observer for environment changes.
func (e *Engine) Subscribe(fn Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

func (e *Engine) notify(en *entry) {
	e.mu.RLock()
	snapshot := en.env.Clone()
	observers := append([]Observer(nil), e.observers...)
	e.mu.RUnlock()
	for _, fn := range observers {
		fn(snapshot)
	}
}

// setStatus appends a phase transition and notifies observers.
func (e *Engine) setStatus(en *entry, status models.ShadowStatus, note string) {
	e.mu.Lock()
	from := en.env.Status
	en.env.Status = status
	en.env.Phases = append(en.env.Phases, models.PhaseTransition{From: from, To: status, Note: note, At: e.now()})
	e.mu.Unlock()

	log.Debug().
		Str("shadow_id", en.env.ID).
		Str("from", string(from)).
		Str("to", string(status)).
		Msg("Shadow phase changed")
	e.notify(en)
}

func (e *Engine) update(en *entry, fn func(env *models.ShadowEnvironment)) {
	e.mu.Lock()
	fn(en.env)
	e.mu.Unlock()
	e.notify(en)
}

func (e *Engine) lookup(id string) (*entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.envs[id]
	if !ok {
		return nil, fmt.Errorf("shadow %s: %w", id, remerrors.ErrNotFound)
	}
	return en, nil
}

// Get returns a copy of the environment.
func (e *Engine) Get(id string) (*models.ShadowEnvironment, error) {
	en, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return en.env.Clone(), nil
}

// List returns copies of every known environment, newest first.
func (e *Engine) List() []*models.ShadowEnvironment {
	e.mu.RLock()
	out := make([]*models.ShadowEnvironment, 0, len(e.envs))
	for _, en := range e.envs {
		out = append(out, en.env.Clone())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (e *Engine) refreshGauges() {
	e.mu.RLock()
	active, stale := 0, 0
	for _, en := range e.envs {
		if en.env.Status.Active() {
			active++
		}
		if en.env.Stale {
			stale++
		}
	}
	e.mu.RUnlock()
	metrics.ShadowsActive.Set(float64(active))
	metrics.ShadowsStale.Set(float64(stale))
}

// Create provisions a shadow copy of source. It blocks while MaxActive
// environments are live. On failure the partial environment is torn down and
// returned alongside a *errors.ProvisionError.
func (e *Engine) Create(ctx context.Context, incidentID string, source models.ResourceRef) (*models.ShadowEnvironment, error) {
	if err := source.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", remerrors.ErrInvalidInput, err)
	}
	if incidentID != "" {
		e.mu.RLock()
		existing, busy := e.byIncident[incidentID]
		e.mu.RUnlock()
		if busy {
			return nil, fmt.Errorf("%w: incident %s already has active shadow %s", remerrors.ErrInvalidInput, incidentID, existing)
		}
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	id := e.newID()
	now := e.now()
	en := &entry{
		holdsSlot: true,
		env: &models.ShadowEnvironment{
			ID:         id,
			IncidentID: incidentID,
			Source:     source,
			Namespace:  e.opts.NamespacePrefix + strings.ToLower(id),
			Status:     models.ShadowProvisioning,
			CreatedAt:  now,
			ExpiresAt:  now.Add(e.opts.TTL),
			Phases:     []models.PhaseTransition{{To: models.ShadowProvisioning, At: now}},
		},
	}
	e.mu.Lock()
	e.envs[id] = en
	if incidentID != "" {
		e.byIncident[incidentID] = id
	}
	e.mu.Unlock()
	e.refreshGauges()
	e.notify(en)

	log.Info().
		Str("shadow_id", id).
		Str("incident_id", incidentID).
		Str("source", source.String()).
		Str("namespace", en.env.Namespace).
		Msg("Provisioning shadow environment")

	if err := e.provision(ctx, en); err != nil {
		result := "fatal"
		if remerrors.IsTransient(err) {
			result = "transient"
		}
		metrics.RecordProvisionAttempt(result)
		e.update(en, func(env *models.ShadowEnvironment) { env.Reason = err.Error() })
		e.setStatus(en, models.ShadowFailed, err.Error())
		_ = e.Cleanup(ctx, id)
		return e.mustGet(id), err
	}

	metrics.RecordProvisionAttempt("ready")
	e.setStatus(en, models.ShadowReady, "")
	return e.mustGet(id), nil
}

func (e *Engine) mustGet(id string) *models.ShadowEnvironment {
	env, _ := e.Get(id)
	return env
}

func provisionErr(phase string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &remerrors.ProvisionError{Phase: phase, Transient: remerrors.IsTransient(err), Err: err}
}

func (e *Engine) provision(ctx context.Context, en *entry) error {
	env := en.env
	src, err := e.gw.Get(ctx, env.Source)
	if err != nil {
		return provisionErr("preflight", err)
	}

	if warning := e.preflightCapacity(ctx, src); warning != "" {
		log.Warn().Str("shadow_id", env.ID).Msg(warning)
		e.update(en, func(env *models.ShadowEnvironment) { env.Warnings = append(env.Warnings, warning) })
	}

	err = e.gw.CreateNamespace(ctx, cluster.NamespaceSpec{
		Name: env.Namespace,
		Labels: map[string]string{
			cluster.LabelManagedBy: cluster.ManagedByValue,
			cluster.LabelShadow:    "true",
			cluster.LabelShadowID:  env.ID,
			cluster.LabelSource:    env.Source.Namespace,
		},
		Isolate: e.opts.NetworkIsolation,
		Quota:   e.opts.Quota,
	})
	if err != nil {
		return provisionErr("namespace", err)
	}

	plan, err := e.planClone(ctx, src, env.Namespace, env.ID)
	if err != nil {
		return provisionErr("clone", err)
	}
	for _, obj := range plan.objects {
		if _, err := e.gw.Create(ctx, obj); err != nil {
			return provisionErr("clone", err)
		}
	}
	e.update(en, func(env *models.ShadowEnvironment) {
		env.Workload = plan.workload
		env.Warnings = append(env.Warnings, plan.warnings...)
	})
	e.mu.Lock()
	en.workload = plan.workload
	en.services = plan.services
	e.mu.Unlock()

	if ready, waited, err := e.waitReady(ctx, plan.workload); err != nil {
		return provisionErr("readiness", err)
	} else if !ready {
		diagnostic, transient := e.diagnose(ctx, env.Namespace, waited)
		return &remerrors.ProvisionError{
			Phase:      "readiness",
			Diagnostic: diagnostic,
			Transient:  transient,
			Err:        fmt.Errorf("%s not ready after %s", plan.workload, waited.Round(time.Second)),
		}
	}
	return nil
}

// preflightCapacity only warns: capacity figures ignore quotas and priorities,
// so the scheduler gets the final word.
func (e *Engine) preflightCapacity(ctx context.Context, src *unstructured.Unstructured) string {
	capacity, err := e.gw.Capacity(ctx)
	if err != nil {
		return fmt.Sprintf("capacity check skipped: %v", err)
	}
	var cpu, mem int64
	if spec, err := podSpecOf(src); err == nil && spec != nil {
		cpu, mem = cluster.PodRequests(*spec)
	}
	if !capacity.Fits(cpu, mem) {
		return fmt.Sprintf("cluster may lack capacity for the shadow: needs %dm CPU and %d bytes, %d ready nodes with %dm CPU and %d bytes free",
			cpu, mem, capacity.ReadyNodes, capacity.FreeCPU(), capacity.FreeMemory())
	}
	return ""
}

// waitReady polls the workload until ready or ReadyTimeout. It returns an error
// only for cancellation or a persistent cluster failure.
func (e *Engine) waitReady(ctx context.Context, ref models.ResourceRef) (bool, time.Duration, error) {
	start := e.now()
	if !cluster.IsWorkload(ref.Kind) {
		return true, 0, nil
	}
	var lastErr error
	err := wait.PollUntilContextTimeout(ctx, e.pollInterval, e.opts.ReadyTimeout, true, func(ctx context.Context) (bool, error) {
		ready, _, err := e.gw.WorkloadReady(ctx, ref)
		if err != nil {
			if remerrors.IsTransient(err) {
				lastErr = err
				return false, nil
			}
			return false, err
		}
		lastErr = nil
		return ready, nil
	})
	waited := e.now().Sub(start)
	if err == nil {
		return true, waited, nil
	}
	if ctx.Err() != nil {
		return false, waited, ctx.Err()
	}
	if wait.Interrupted(err) {
		if lastErr != nil {
			return false, waited, lastErr
		}
		return false, waited, nil
	}
	return false, waited, err
}

// Verify applies patch to the shadow and runs every gate. A gate failure is a
// result with Passed=false; errors are reserved for infrastructure problems.
func (e *Engine) Verify(ctx context.Context, id string, patch models.PatchDescriptor) (*models.VerificationResult, error) {
	en, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	env := en.env.Clone()
	workload := en.workload
	services := append([]string(nil), en.services...)
	e.mu.RUnlock()
	if env.Status != models.ShadowReady {
		return nil, fmt.Errorf("%w: shadow %s is %s", remerrors.ErrInvalidInput, id, env.Status)
	}

	start := e.now()
	result := &models.VerificationResult{ShadowID: id}
	fail := func(gate, reason string, findings []models.Finding) (*models.VerificationResult, error) {
		result.FailedGate = gate
		result.Reason = reason
		result.Findings = findings
		return e.finish(en, result, start), nil
	}

	target := e.shadowTarget(env, workload, patch)
	e.setStatus(en, models.ShadowGating, "pre-deploy manifest scan")
	current, err := e.gw.Get(ctx, target)
	if err != nil {
		return nil, err
	}
	manifest, err := renderPatched(current, patch)
	if err != nil {
		result.Security.Manifest = &models.GateResult{Gate: security.GateManifest, Note: err.Error(), RanAt: e.now()}
		return fail(security.GateManifest, fmt.Sprintf("patch does not apply: %v", err), nil)
	}
	manifestGate := e.gates.ScanManifest(ctx, manifest)
	result.Security.Manifest = manifestGate
	if !manifestGate.Passed {
		return fail(security.GateManifest, gateReason(manifestGate), manifestGate.Findings)
	}

	e.setStatus(en, models.ShadowPatching, target.String())
	if _, err := e.gw.Patch(ctx, target, patch.Type, patch.Body); err != nil {
		if remerrors.IsTransient(err) || ctx.Err() != nil {
			return nil, err
		}
		return fail("apply", fmt.Sprintf("patch rejected: %v", err), nil)
	}
	appliedAt := e.now()
	e.update(en, func(env *models.ShadowEnvironment) { env.AppliedAt = &appliedAt })

	ready, waited, err := e.waitReady(ctx, workload)
	if err != nil {
		return nil, err
	}
	if !ready {
		warning := fmt.Sprintf("patched workload not ready after %s", waited.Round(time.Second))
		e.update(en, func(env *models.ShadowEnvironment) { env.Warnings = append(env.Warnings, warning) })
	}

	e.setStatus(en, models.ShadowGating, "post-deploy scans")
	images, err := e.gw.Images(ctx, env.Namespace)
	if err != nil {
		return nil, err
	}
	imageGate := e.gates.ScanImages(ctx, images)
	runtimeGate := e.gates.CheckRuntime(ctx, env.Namespace, appliedAt)
	result.Security = security.Summarize(manifestGate, imageGate, runtimeGate)
	if !imageGate.Passed {
		return fail(security.GateImage, gateReason(imageGate), imageGate.Findings)
	}
	if !runtimeGate.Passed {
		return fail(security.GateRuntime, gateReason(runtimeGate), runtimeGate.Findings)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	e.setStatus(en, models.ShadowTesting, "")
	fn := e.tester.Run(ctx, functional.Target{
		ShadowID:  id,
		Namespace: env.Namespace,
		Workload:  workload,
		Services:  services,
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	result.Functional = fn
	result.HealthScore = fn.Score
	if !fn.Passed {
		return fail("functional", fmt.Sprintf("health score %.2f", fn.Score), nil)
	}

	result.Passed = result.Security.Passed && fn.Passed
	return e.finish(en, result, start), nil
}

// shadowTarget maps the patch target from the source namespace into the shadow.
func (e *Engine) shadowTarget(env *models.ShadowEnvironment, workload models.ResourceRef, patch models.PatchDescriptor) models.ResourceRef {
	target := patch.TargetFor(env.Source)
	if target.Key() == env.Source.Key() {
		return workload
	}
	return target.InNamespace(env.Namespace)
}

func gateReason(g *models.GateResult) string {
	if g.Note != "" {
		return g.Note
	}
	return fmt.Sprintf("%s gate reported %d findings", g.Gate, len(g.Findings))
}

func (e *Engine) finish(en *entry, result *models.VerificationResult, start time.Time) *models.VerificationResult {
	status := models.ShadowFailed
	outcome := "failed"
	if result.Passed {
		status = models.ShadowPassed
		outcome = "passed"
	}
	result.Status = status

	e.update(en, func(env *models.ShadowEnvironment) {
		env.Results = models.TestResults{Security: result.Security, Functional: result.Functional}
		env.HealthScore = result.HealthScore
		env.Reason = result.Reason
		result.Warnings = append([]string(nil), env.Warnings...)
	})
	e.setStatus(en, status, result.Reason)
	metrics.RecordVerification(outcome, e.now().Sub(start))

	log.Info().
		Str("shadow_id", result.ShadowID).
		Bool("passed", result.Passed).
		Str("failed_gate", result.FailedGate).
		Float64("health_score", result.HealthScore).
		Msg("Shadow verification finished")
	return result
}

// Cleanup tears the environment down. Only the first call does any work; later
// calls return the first call's result. Teardown runs on a context detached from
// ctx's cancellation with its own timeout.
func (e *Engine) Cleanup(ctx context.Context, id string) error {
	en, err := e.lookup(id)
	if err != nil {
		return err
	}
	en.teardown.Do(func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.TeardownTimeout)
		defer cancel()
		en.teardownErr = e.teardownNow(tctx, en)
	})
	return en.teardownErr
}

func (e *Engine) teardownNow(ctx context.Context, en *entry) error {
	defer e.release(en)
	e.setStatus(en, models.ShadowTearingDown, "")

	var lastErr error
	for attempt := 1; attempt <= e.opts.TeardownRetries; attempt++ {
		e.update(en, func(env *models.ShadowEnvironment) { env.TeardownAttempts++ })
		lastErr = e.gw.DeleteNamespace(ctx, en.env.Namespace)
		if lastErr == nil || remerrors.IsNotFound(lastErr) {
			e.markDeleted(en)
			return nil
		}
		metrics.ShadowTeardownFailuresTotal.Inc()
		log.Warn().
			Err(lastErr).
			Str("shadow_id", en.env.ID).
			Int("attempt", attempt).
			Msg("Shadow teardown failed")
		if attempt < e.opts.TeardownRetries {
			if err := e.sleep(ctx, time.Duration(attempt)*time.Second); err != nil {
				lastErr = err
				break
			}
		}
	}

	e.update(en, func(env *models.ShadowEnvironment) {
		env.Stale = true
		env.Reason = fmt.Sprintf("teardown failed: %v", lastErr)
	})
	log.Error().
		Err(lastErr).
		Str("shadow_id", en.env.ID).
		Str("namespace", en.env.Namespace).
		Msg("Shadow teardown exhausted retries, marked stale")
	return fmt.Errorf("teardown shadow %s: %w", en.env.ID, lastErr)
}

func (e *Engine) markDeleted(en *entry) {
	now := e.now()
	e.update(en, func(env *models.ShadowEnvironment) {
		env.Stale = false
		env.DeletedAt = &now
	})
	e.setStatus(en, models.ShadowDeleted, "")
	log.Info().Str("shadow_id", en.env.ID).Str("namespace", en.env.Namespace).Msg("Shadow environment deleted")
}

// release frees the concurrency slot and the incident binding. A stale
// environment gives up its slot too; the reaper keeps retrying its namespace.
func (e *Engine) release(en *entry) {
	e.mu.Lock()
	if e.byIncident[en.env.IncidentID] == en.env.ID {
		delete(e.byIncident, en.env.IncidentID)
	}
	holds := en.holdsSlot
	en.holdsSlot = false
	e.mu.Unlock()
	if holds {
		e.sem.Release(1)
	}
	e.refreshGauges()
}

// VerifyWithRetry runs Create, Verify and Cleanup, retrying transient
// provisioning failures with the configured backoff. Each attempt gets a fresh
// environment that is torn down before the next one starts.
func (e *Engine) VerifyWithRetry(ctx context.Context, incidentID string, source models.ResourceRef, patch models.PatchDescriptor) (*models.VerificationResult, error) {
	maxAttempts := len(e.opts.RetryBackoff) + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := e.attempt(ctx, incidentID, source, patch)
		if err == nil {
			result.Attempts = attempt
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !remerrors.IsTransient(err) {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		backoff := e.opts.RetryBackoff[attempt-1]
		log.Warn().
			Err(err).
			Str("incident_id", incidentID).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Transient shadow failure, retrying")
		if err := e.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}

	metrics.VerificationsTotal.WithLabelValues("infeasible").Inc()
	return nil, remerrors.InfeasibleError(maxAttempts, lastErr)
}

func (e *Engine) attempt(ctx context.Context, incidentID string, source models.ResourceRef, patch models.PatchDescriptor) (*models.VerificationResult, error) {
	env, err := e.Create(ctx, incidentID, source)
	if env != nil {
		defer func() {
			if err := e.Cleanup(ctx, env.ID); err != nil {
				log.Error().Err(err).Str("shadow_id", env.ID).Msg("Shadow cleanup failed")
			}
		}()
	}
	if err != nil {
		return nil, err
	}
	return e.Verify(ctx, env.ID, patch)
}

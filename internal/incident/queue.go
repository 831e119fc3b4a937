// Package incident owns incident state: the priority queue with correlation,
// the lifecycle state machine, the human approval gate and the production lock.
// Workers drive each incident through advisor proposal, shadow verification,
// approval, production apply and rollback monitoring.
package incident

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kubeshield/remedy/internal/advisor"
	"github.com/kubeshield/remedy/internal/cluster"
	"github.com/kubeshield/remedy/internal/config"
	remerrors "github.com/kubeshield/remedy/internal/errors"
	"github.com/kubeshield/remedy/internal/metrics"
	"github.com/kubeshield/remedy/internal/models"
)

// Verifier proves a patch in a shadow environment.
type Verifier interface {
	VerifyWithRetry(ctx context.Context, incidentID string, source models.ResourceRef, patch models.PatchDescriptor) (*models.VerificationResult, error)
}

// Watcher snapshots a resource before a production change and watches it after.
type Watcher interface {
	Start(ctx context.Context, incidentID string, ref models.ResourceRef) (*models.Snapshot, error)
	Watch(ctx context.Context, snap *models.Snapshot, appliedAt time.Time) (*models.RollbackDecision, error)
}

// Applier applies an approved patch to production.
type Applier interface {
	Patch(ctx context.Context, ref models.ResourceRef, patchType models.PatchType, body []byte) (*unstructured.Unstructured, error)
}

// Notifier is told about incidents that need a human.
type Notifier interface {
	Escalate(ctx context.Context, inc *models.Incident, reason string) error
}

// UpdateKind says what an Update carries.
type UpdateKind string

const (
	UpdateIncident     UpdateKind = "incident"
	UpdateVerification UpdateKind = "verification"
	UpdateRollback     UpdateKind = "rollback"
)

// Update is delivered to observers after every change the queue makes.
type Update struct {
	Kind         UpdateKind                 `json:"kind"`
	Incident     *models.Incident           `json:"incident"`
	Verification *models.VerificationResult `json:"verification,omitempty"`
	Decision     *models.RollbackDecision   `json:"decision,omitempty"`
}

// Observer receives queue updates. It must not call back into the queue.
type Observer func(Update)

// Timeout policies for the approval gate.
const (
	TimeoutRequeue  = "requeue"
	TimeoutEscalate = "escalate"
)

const closedByOperator = "closed by operator"

// Options tunes the queue.
type Options struct {
	Workers           int
	CoalesceWindow    time.Duration
	ApprovalTimeout   time.Duration
	TimeoutAction     string
	MaxRequeues       int
	MaxRefinements    int
	MinConfidence     float64
	LockWaitTimeout   time.Duration
	AdvisorTimeout    time.Duration
	AllowedNamespaces []string
	DeniedNamespaces  []string
	ArchiveLimit      int
	// ShadowPrefix namespaces are never admitted.
	ShadowPrefix string
}

// OptionsFromConfig maps the queue section of the config.
func OptionsFromConfig(cfg config.QueueConfig, shadowPrefix string) Options {
	return Options{
		Workers:           cfg.Workers,
		CoalesceWindow:    cfg.CoalesceWindow,
		ApprovalTimeout:   cfg.ApprovalTimeout,
		TimeoutAction:     cfg.TimeoutAction,
		MaxRequeues:       cfg.MaxRequeues,
		MaxRefinements:    cfg.MaxRefinements,
		MinConfidence:     cfg.MinConfidence,
		LockWaitTimeout:   cfg.LockWaitTimeout,
		AdvisorTimeout:    cfg.AdvisorTimeout,
		AllowedNamespaces: cfg.AllowedNamespaces,
		DeniedNamespaces:  cfg.DeniedNamespaces,
		ArchiveLimit:      cfg.ArchiveLimit,
		ShadowPrefix:      shadowPrefix,
	}
}

func (o Options) withDefaults() Options {
	def := OptionsFromConfig(config.Default().Queue, "shadow-")
	if o.Workers <= 0 {
		o.Workers = def.Workers
	}
	if o.CoalesceWindow <= 0 {
		o.CoalesceWindow = def.CoalesceWindow
	}
	if o.ApprovalTimeout <= 0 {
		o.ApprovalTimeout = def.ApprovalTimeout
	}
	if o.TimeoutAction == "" {
		o.TimeoutAction = TimeoutRequeue
	}
	if o.LockWaitTimeout <= 0 {
		o.LockWaitTimeout = def.LockWaitTimeout
	}
	if o.AdvisorTimeout <= 0 {
		o.AdvisorTimeout = def.AdvisorTimeout
	}
	if o.ShadowPrefix == "" {
		o.ShadowPrefix = def.ShadowPrefix
	}
	return o
}

// Deps are the collaborators a queue drives incidents through.
type Deps struct {
	Advisor  advisor.Advisor
	Verifier Verifier
	Watcher  Watcher
	Applier  Applier
	Notifier Notifier
	Lock     *ProductionLock
}

type record struct {
	inc      *models.Incident
	cancel   context.CancelFunc
	decision chan approvalDecision
	// closing is set by an operator close while a worker owns the incident.
	closing  string
	feedback *advisor.Feedback
	lease    uint64
}

// Queue is the single owner of incident state.
type Queue struct {
	mu        sync.Mutex
	opts      Options
	deps      Deps
	lock      *ProductionLock
	incidents map[string]*record
	byKey     map[string]string
	pending   [models.P4 + 1][]string
	archive   []string
	leases    uint64
	wake      chan struct{}
	observers []Observer

	now   func() time.Time
	newID func() string
}

// NewQueue returns an empty queue. A nil Lock gets a fresh ProductionLock.
func NewQueue(opts Options, deps Deps) *Queue {
	lock := deps.Lock
	if lock == nil {
		lock = NewProductionLock()
	}
	return &Queue{
		opts:      opts.withDefaults(),
		deps:      deps,
		lock:      lock,
		incidents: make(map[string]*record),
		byKey:     make(map[string]string),
		wake:      make(chan struct{}, 1),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// Lock returns the production lock the queue enforces.
func (q *Queue) Lock() *ProductionLock {
	return q.lock
}

// Subscribe registers fn for every later update.
func (q *Queue) Subscribe(fn Observer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, fn)
}

func (q *Queue) emit(u Update) {
	q.mu.Lock()
	observers := append([]Observer(nil), q.observers...)
	q.mu.Unlock()
	for _, fn := range observers {
		fn(u)
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) admitted(namespace string) error {
	ns := strings.TrimSpace(namespace)
	if ns == "" {
		return fmt.Errorf("%w: resource namespace is required", remerrors.ErrInvalidInput)
	}
	if q.opts.ShadowPrefix != "" && strings.HasPrefix(ns, q.opts.ShadowPrefix) {
		return fmt.Errorf("%w: namespace %q belongs to a shadow environment", remerrors.ErrInvalidInput, ns)
	}
	for _, pattern := range q.opts.DeniedNamespaces {
		if wildcard.Match(pattern, ns) {
			return fmt.Errorf("%w: namespace %q is denied by %q", remerrors.ErrInvalidInput, ns, pattern)
		}
	}
	if len(q.opts.AllowedNamespaces) == 0 {
		return nil
	}
	for _, pattern := range q.opts.AllowedNamespaces {
		if wildcard.Match(pattern, ns) {
			return nil
		}
	}
	return fmt.Errorf("%w: namespace %q is not in the allowed list", remerrors.ErrInvalidInput, ns)
}

// Enqueue admits a detection. It either creates a new incident or merges the
// detection into an open incident with the same correlation key; the returned
// bool reports a merge.
func (q *Queue) Enqueue(inc *models.Incident) (*models.Incident, bool, error) {
	if inc == nil {
		return nil, false, fmt.Errorf("%w: incident is required", remerrors.ErrInvalidInput)
	}
	if err := inc.Resource.Validate(); err != nil {
		metrics.RecordEnqueue("rejected")
		return nil, false, fmt.Errorf("%w: %v", remerrors.ErrInvalidInput, err)
	}
	kind, err := cluster.CanonicalKind(inc.Resource.Kind)
	if err != nil {
		metrics.RecordEnqueue("rejected")
		return nil, false, fmt.Errorf("%w: %v", remerrors.ErrInvalidInput, err)
	}
	if !inc.Priority.Valid() {
		metrics.RecordEnqueue("rejected")
		return nil, false, fmt.Errorf("%w: priority %s", remerrors.ErrInvalidInput, inc.Priority)
	}
	if err := q.admitted(inc.Resource.Namespace); err != nil {
		metrics.RecordEnqueue("rejected")
		return nil, false, err
	}

	in := inc.Clone()
	in.Resource.Kind = kind
	if in.Proposal != nil {
		if err := advisor.Validate(in.Proposal, in.Resource); err != nil {
			metrics.RecordEnqueue("rejected")
			return nil, false, err
		}
	}

	now := q.now()
	if len(in.Evidence) == 0 {
		in.Evidence = []models.Evidence{{Source: "detection", Summary: in.Title, ObservedAt: now}}
	}
	for i := range in.Evidence {
		if in.Evidence[i].ObservedAt.IsZero() {
			in.Evidence[i].ObservedAt = now
		}
	}

	q.mu.Lock()
	key := in.Resource.Key()
	if id, ok := q.byKey[key]; ok {
		if r := q.incidents[id]; r != nil && q.coalesces(r.inc, now) {
			q.mergeLocked(r, in, now)
			out := r.inc.Clone()
			q.mu.Unlock()

			metrics.RecordEnqueue("coalesced")
			log.Info().
				Str("incident_id", out.ID).
				Str("correlation_key", key).
				Str("priority", out.Priority.String()).
				Msg("Detection merged into open incident")
			q.emit(Update{Kind: UpdateIncident, Incident: out})
			return out, true, nil
		}
	}

	if in.ID == "" {
		in.ID = q.newID()
	}
	if _, exists := q.incidents[in.ID]; exists {
		q.mu.Unlock()
		metrics.RecordEnqueue("rejected")
		return nil, false, fmt.Errorf("%w: incident %s already exists", remerrors.ErrInvalidInput, in.ID)
	}
	if strings.TrimSpace(in.Title) == "" {
		in.Title = in.Resource.String()
	}
	in.OriginalPriority = in.Priority
	in.CorrelationKey = key
	in.Status = models.StatusDetected
	in.Reason = ""
	in.Approval = nil
	in.ClosedAt = nil
	in.Transitions = nil
	in.DetectedAt = now
	in.LastDetectedAt = now
	in.UpdatedAt = now

	r := &record{inc: in}
	q.incidents[in.ID] = r
	q.byKey[key] = in.ID
	if err := q.advanceLocked(r, EventQueue, "admitted"); err != nil {
		q.mu.Unlock()
		return nil, false, err
	}
	q.pushLocked(in.ID, in.Priority)
	q.refreshDepthLocked()
	out := in.Clone()
	q.mu.Unlock()

	q.signal()
	metrics.RecordEnqueue("created")
	log.Info().
		Str("incident_id", out.ID).
		Str("resource", out.Resource.String()).
		Str("priority", out.Priority.String()).
		Msg("Incident queued")
	q.emit(Update{Kind: UpdateIncident, Incident: out})
	return out, false, nil
}

// coalesces reports whether an open incident absorbs a new detection. Inside
// the window any open incident does; outside it only one nobody has picked up.
func (q *Queue) coalesces(open *models.Incident, now time.Time) bool {
	if open.Closed() {
		return false
	}
	if now.Sub(open.LastDetectedAt) <= q.opts.CoalesceWindow {
		return true
	}
	return open.Status.PreDispatch()
}

func (q *Queue) mergeLocked(r *record, in *models.Incident, now time.Time) {
	r.inc.Evidence = append(r.inc.Evidence, in.Evidence...)
	r.inc.LastDetectedAt = now
	r.inc.UpdatedAt = now
	if in.Priority < r.inc.Priority && r.inc.Status.PreDispatch() {
		q.removePendingLocked(r.inc.ID, r.inc.Priority)
		r.inc.Priority = in.Priority
		q.pushLocked(r.inc.ID, r.inc.Priority)
		q.refreshDepthLocked()
	}
}

func (q *Queue) pushLocked(id string, p models.Priority) {
	q.pending[p] = append(q.pending[p], id)
}

func (q *Queue) removePendingLocked(id string, p models.Priority) bool {
	list := q.pending[p]
	for i, pid := range list {
		if pid == id {
			q.pending[p] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) refreshDepthLocked() {
	for _, p := range models.Priorities {
		metrics.SetQueueDepth(p.String(), len(q.pending[p]))
	}
}

// advance applies event to an incident. Replaying an event that already took
// effect, or any event on a closed incident, is a no-op.
func (q *Queue) advance(id string, event Event, note string) (*models.Incident, error) {
	return q.transition(id, event, note, nil)
}

// transition advances the incident and applies mutate only when the event takes
// effect.
func (q *Queue) transition(id string, event Event, note string, mutate func(*record)) (*models.Incident, error) {
	q.mu.Lock()
	r, ok := q.incidents[id]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: incident %s", remerrors.ErrNotFound, id)
	}
	before := r.inc.Status
	wasClosed := r.inc.Closed()
	if err := q.advanceLocked(r, event, note); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	changed := !wasClosed && r.inc.Status != before
	if changed && mutate != nil {
		mutate(r)
	}
	if changed && final[r.inc.Status] {
		q.closeLocked(r)
	}
	out := r.inc.Clone()
	q.mu.Unlock()

	if changed {
		q.emit(Update{Kind: UpdateIncident, Incident: out})
	}
	return out, nil
}

func (q *Queue) advanceLocked(r *record, event Event, note string) error {
	inc := r.inc
	if inc.Closed() {
		return nil
	}
	to, err := Next(inc.Status, event)
	if err != nil {
		if replayed(inc.Status, event) {
			return nil
		}
		return err
	}
	now := q.now()
	inc.Transitions = append(inc.Transitions, models.Transition{
		From:  inc.Status,
		To:    to,
		Event: string(event),
		Note:  note,
		At:    now,
	})
	log.Debug().
		Str("incident_id", inc.ID).
		Str("from", string(inc.Status)).
		Str("to", string(to)).
		Str("event", string(event)).
		Msg("Incident transition")
	inc.Status = to
	inc.UpdatedAt = now
	metrics.RecordTransition(string(to))
	return nil
}

// closeLocked archives the incident in its current status.
func (q *Queue) closeLocked(r *record) {
	inc := r.inc
	if inc.Closed() {
		return
	}
	now := q.now()
	inc.ClosedAt = &now
	inc.UpdatedAt = now
	if inc.Reason == "" {
		inc.Reason = string(inc.Status)
	}
	if q.byKey[inc.CorrelationKey] == inc.ID {
		delete(q.byKey, inc.CorrelationKey)
	}
	if q.removePendingLocked(inc.ID, inc.Priority) {
		q.refreshDepthLocked()
	}
	r.decision = nil
	q.lock.Release(inc.ID)

	q.archive = append(q.archive, inc.ID)
	if q.opts.ArchiveLimit > 0 {
		for len(q.archive) > q.opts.ArchiveLimit {
			delete(q.incidents, q.archive[0])
			q.archive = q.archive[1:]
		}
	}

	metrics.RecordFinished(string(inc.Status))
	log.Info().
		Str("incident_id", inc.ID).
		Str("status", string(inc.Status)).
		Str("reason", inc.Reason).
		Msg("Incident closed")
}

// Get returns a copy of the incident.
func (q *Queue) Get(id string) (*models.Incident, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.incidents[id]
	if !ok {
		return nil, fmt.Errorf("%w: incident %s", remerrors.ErrNotFound, id)
	}
	return r.inc.Clone(), nil
}

// List returns open incidents in dispatch order followed by archived ones,
// newest first.
func (q *Queue) List() []*models.Incident {
	q.mu.Lock()
	defer q.mu.Unlock()
	var open, closed []*models.Incident
	for _, r := range q.incidents {
		if r.inc.Closed() {
			closed = append(closed, r.inc.Clone())
		} else {
			open = append(open, r.inc.Clone())
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		if open[i].Priority != open[j].Priority {
			return open[i].Priority < open[j].Priority
		}
		return open[i].DetectedAt.Before(open[j].DetectedAt)
	})
	sort.SliceStable(closed, func(i, j int) bool {
		return closed[i].ClosedAt.After(*closed[j].ClosedAt)
	})
	return append(open, closed...)
}

// QueueStatus is the operator view of the queue.
type QueueStatus struct {
	Depth    map[string]int        `json:"depth"`
	Lock     models.LockState      `json:"lock"`
	Counts   map[models.Status]int `json:"counts"`
	Open     int                   `json:"open"`
	Archived int                   `json:"archived"`
	Workers  int                   `json:"workers"`
}

// Status reports queue depth per priority, the lock holder and counts by status.
func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := QueueStatus{
		Depth:   make(map[string]int, len(models.Priorities)),
		Counts:  make(map[models.Status]int),
		Lock:    q.lock.State(),
		Workers: q.opts.Workers,
	}
	for _, p := range models.Priorities {
		st.Depth[p.String()] = len(q.pending[p])
	}
	for _, r := range q.incidents {
		st.Counts[r.inc.Status]++
		if r.inc.Closed() {
			st.Archived++
		} else {
			st.Open++
		}
	}
	return st
}

// Unlock releases the production lock. Without force it only releases a lock
// whose holder is no longer being worked on.
func (q *Queue) Unlock(force bool, actor string) (models.LockState, error) {
	state := q.lock.State()
	if !state.Held() {
		return state, nil
	}
	if !force {
		q.mu.Lock()
		r, ok := q.incidents[state.Holder]
		active := ok && r.cancel != nil && !r.inc.Closed()
		q.mu.Unlock()
		if active {
			return state, fmt.Errorf("%w: holder %s is still %s, use force", remerrors.ErrLockHeld, state.Holder, r.inc.Status)
		}
	}
	prev := q.lock.ForceRelease()
	log.Warn().
		Str("actor", actor).
		Str("holder", prev.Holder).
		Bool("force", force).
		Dur("held_for", q.now().Sub(prev.AcquiredAt)).
		Msg("Production lock released by operator")
	return prev, nil
}

// Close ends an incident on operator request. A worker owning it is cancelled,
// which still runs shadow teardown and stops monitoring.
func (q *Queue) Close(id, actor string) (*models.Incident, error) {
	q.mu.Lock()
	r, ok := q.incidents[id]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: incident %s", remerrors.ErrNotFound, id)
	}
	if r.inc.Closed() {
		out := r.inc.Clone()
		q.mu.Unlock()
		return out, nil
	}
	note := closedByOperator
	if actor != "" {
		note = fmt.Sprintf("%s %s", closedByOperator, actor)
	}
	if r.cancel != nil {
		r.closing = note
		r.cancel()
		out := r.inc.Clone()
		q.mu.Unlock()
		log.Info().Str("incident_id", id).Str("actor", actor).Msg("Cancelling incident on operator close")
		return out, nil
	}
	q.mu.Unlock()
	return q.fail(id, closedByOperator, note, nil)
}

// fail moves the incident to Failed with reason and optional evidence.
func (q *Queue) fail(id, reason, note string, evidence []models.Evidence) (*models.Incident, error) {
	return q.transition(id, EventFail, note, func(r *record) {
		r.inc.Reason = reason
		r.inc.Evidence = append(r.inc.Evidence, evidence...)
	})
}

// Recover loads persisted incidents after a restart. Incidents interrupted
// before the production change resume from Queued; those interrupted while
// applying or monitoring fail for manual review. It returns how many resumed.
func (q *Queue) Recover(incs []*models.Incident) int {
	sorted := make([]*models.Incident, 0, len(incs))
	for _, inc := range incs {
		if inc != nil {
			sorted = append(sorted, inc.Clone())
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DetectedAt.Before(sorted[j].DetectedAt)
	})

	var updates []Update
	resumed := 0
	q.mu.Lock()
	now := q.now()
	for _, inc := range sorted {
		if _, exists := q.incidents[inc.ID]; exists {
			continue
		}
		r := &record{inc: inc}
		q.incidents[inc.ID] = r
		if inc.Closed() {
			q.archive = append(q.archive, inc.ID)
			continue
		}

		switch was := inc.Status; was {
		case models.StatusApplyingFix, models.StatusMonitoring:
			inc.Transitions = append(inc.Transitions, models.Transition{From: was, To: models.StatusFailed, Event: string(EventFail), Note: "recovered after restart", At: now})
			inc.Status = models.StatusFailed
			inc.Reason = fmt.Sprintf("interrupted by restart during %s; production state unknown, manual review required", was)
			q.closeLocked(r)
		default:
			if inc.Status != models.StatusQueued {
				inc.Transitions = append(inc.Transitions, models.Transition{From: inc.Status, To: models.StatusQueued, Event: "recover", Note: "resumed after restart", At: now})
				inc.Status = models.StatusQueued
			}
			inc.Approval = nil
			inc.UpdatedAt = now
			if _, taken := q.byKey[inc.CorrelationKey]; !taken {
				q.byKey[inc.CorrelationKey] = inc.ID
			}
			q.pushLocked(inc.ID, inc.Priority)
			resumed++
		}
		updates = append(updates, Update{Kind: UpdateIncident, Incident: inc.Clone()})
	}
	q.refreshDepthLocked()
	q.mu.Unlock()

	for _, u := range updates {
		q.emit(u)
	}
	if resumed > 0 {
		q.signal()
	}
	log.Info().Int("loaded", len(sorted)).Int("resumed", resumed).Msg("Recovered incidents")
	return resumed
}

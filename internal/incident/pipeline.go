package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kubeshield/remedy/internal/advisor"
	remerrors "github.com/kubeshield/remedy/internal/errors"
	"github.com/kubeshield/remedy/internal/metrics"
	"github.com/kubeshield/remedy/internal/models"
)

// Run starts the worker pool and blocks until ctx ends.
func (q *Queue) Run(ctx context.Context) error {
	log.Info().Int("workers", q.opts.Workers).Msg("Starting incident workers")
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			q.work(ctx, worker)
			return nil
		})
	}
	err := g.Wait()
	log.Info().Msg("Incident workers stopped")
	return err
}

func (q *Queue) work(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		j, ok := q.dispatch(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			}
			continue
		}
		log.Debug().Int("worker", worker).Str("incident_id", j.id).Msg("Worker picked up incident")
		q.process(j.ctx, j.id)
		q.detach(j)
	}
}

// job is one worker's lease on an incident.
type job struct {
	id    string
	ctx   context.Context
	lease uint64
}

// dispatch pops the most urgent queued incident, oldest first within a
// priority, and moves it to Analyzing under a cancellable context.
func (q *Queue) dispatch(parent context.Context) (job, bool) {
	q.mu.Lock()
	for _, p := range models.Priorities {
		for len(q.pending[p]) > 0 {
			id := q.pending[p][0]
			q.pending[p] = q.pending[p][1:]
			r, ok := q.incidents[id]
			if !ok || r.inc.Closed() || r.inc.Status != models.StatusQueued {
				continue
			}
			if err := q.advanceLocked(r, EventDispatch, ""); err != nil {
				log.Error().Err(err).Str("incident_id", id).Msg("Failed to dispatch incident")
				continue
			}
			r.inc.Attempts++
			ctx, cancel := context.WithCancel(parent)
			r.cancel = cancel
			r.closing = ""
			q.leases++
			r.lease = q.leases
			j := job{id: id, ctx: ctx, lease: r.lease}
			q.refreshDepthLocked()
			more := q.hasPendingLocked()
			out := r.inc.Clone()
			q.mu.Unlock()

			if more {
				q.signal()
			}
			q.emit(Update{Kind: UpdateIncident, Incident: out})
			return j, true
		}
	}
	q.refreshDepthLocked()
	q.mu.Unlock()
	return job{}, false
}

func (q *Queue) hasPendingLocked() bool {
	for _, p := range models.Priorities {
		if len(q.pending[p]) > 0 {
			return true
		}
	}
	return false
}

// detach ends a worker's lease. A requeued incident may already be leased by
// another worker, which keeps its context and lock.
func (q *Queue) detach(j job) {
	q.mu.Lock()
	r, ok := q.incidents[j.id]
	current := ok && r.lease == j.lease
	if current && r.cancel != nil {
		r.cancel()
		r.cancel = nil
		r.closing = ""
	}
	q.mu.Unlock()
	if current {
		q.lock.Leave(j.id)
		q.lock.Release(j.id)
	}
}

// interrupted handles a cancelled worker context. An operator close fails the
// incident; a shutdown leaves it for recovery.
func (q *Queue) interrupted(id string) {
	q.mu.Lock()
	r, ok := q.incidents[id]
	closing := ""
	if ok {
		closing = r.closing
		r.decision = nil
	}
	q.mu.Unlock()
	if closing == "" {
		log.Info().Str("incident_id", id).Msg("Incident processing interrupted by shutdown")
		return
	}
	if _, err := q.fail(id, closedByOperator, closing, nil); err != nil {
		log.Error().Err(err).Str("incident_id", id).Msg("Failed to close incident")
	}
}

// process drives one dispatched incident as far as it can go in this attempt.
func (q *Queue) process(ctx context.Context, id string) {
	res, ok := q.verify(ctx, id)
	if !ok {
		return
	}
	if !q.awaitApproval(ctx, id, res) {
		return
	}
	q.applyAndMonitor(ctx, id)
}

func (q *Queue) takeFeedback(id string) *advisor.Feedback {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.incidents[id]
	if !ok {
		return nil
	}
	fb := r.feedback
	r.feedback = nil
	return fb
}

func (q *Queue) propose(ctx context.Context, inc *models.Incident, feedback *advisor.Feedback) (*models.FixProposal, error) {
	if q.deps.Advisor == nil {
		return nil, fmt.Errorf("%w: no advisor configured", remerrors.ErrToolUnavailable)
	}
	actx, cancel := context.WithTimeout(ctx, q.opts.AdvisorTimeout)
	defer cancel()
	p, err := q.deps.Advisor.Propose(actx, advisor.NewRequest(inc, feedback))
	if err != nil {
		return nil, err
	}
	if err := advisor.Validate(p, inc.Resource); err != nil {
		return nil, err
	}
	return p, nil
}

// verify loops proposal and shadow verification until a proposal passes, the
// refinement budget runs out or verification becomes infeasible.
func (q *Queue) verify(ctx context.Context, id string) (*models.VerificationResult, bool) {
	feedback := q.takeFeedback(id)
	for {
		inc, err := q.Get(id)
		if err != nil {
			return nil, false
		}

		proposal := inc.Proposal
		if proposal == nil || feedback != nil {
			proposal, err = q.propose(ctx, inc, feedback)
			if err != nil {
				if ctx.Err() != nil {
					q.interrupted(id)
					return nil, false
				}
				q.fail(id, fmt.Sprintf("no usable fix proposal: %v", err), "advisor", nil)
				return nil, false
			}
		}

		var warn []models.Evidence
		if proposal.Confidence < q.opts.MinConfidence {
			log.Warn().
				Str("incident_id", id).
				Float64("confidence", proposal.Confidence).
				Float64("min_confidence", q.opts.MinConfidence).
				Msg("Low-confidence proposal, verifying anyway")
			warn = append(warn, models.Evidence{
				Source:     "advisor",
				Summary:    fmt.Sprintf("low confidence %.2f (minimum %.2f)", proposal.Confidence, q.opts.MinConfidence),
				ObservedAt: q.now(),
			})
		}
		if _, err := q.transition(id, EventPropose, fmt.Sprintf("confidence %.2f", proposal.Confidence), func(r *record) {
			r.inc.Proposal = proposal
			r.inc.Evidence = append(r.inc.Evidence, warn...)
		}); err != nil {
			log.Error().Err(err).Str("incident_id", id).Msg("Failed to record proposal")
			return nil, false
		}

		res, err := q.deps.Verifier.VerifyWithRetry(ctx, id, inc.Resource, proposal.Patch)
		if res != nil {
			q.recordVerification(id, res)
		}
		if err != nil {
			if ctx.Err() != nil {
				q.interrupted(id)
				return nil, false
			}
			reason := fmt.Sprintf("shadow verification failed: %v", err)
			if errors.Is(err, remerrors.ErrVerificationInfeasible) {
				reason = fmt.Sprintf("verification infeasible: %v", err)
			}
			q.fail(id, reason, "verification", diagnosticEvidence(err, q.now()))
			return nil, false
		}

		if res.Passed {
			return res, true
		}

		evidence := findingsEvidence(res, q.now())
		if inc.Refinements >= q.opts.MaxRefinements {
			q.fail(id, fmt.Sprintf("%s gate failed: %s", res.FailedGate, res.Reason), "refinements exhausted", evidence)
			return nil, false
		}
		feedback = &advisor.Feedback{
			FailedGate:  res.FailedGate,
			Reason:      res.Reason,
			Findings:    res.Findings,
			HealthScore: res.HealthScore,
		}
		if _, err := q.transition(id, EventRefine, fmt.Sprintf("%s gate failed", res.FailedGate), func(r *record) {
			r.inc.Refinements++
			r.inc.Evidence = append(r.inc.Evidence, evidence...)
		}); err != nil {
			return nil, false
		}
		log.Info().
			Str("incident_id", id).
			Str("failed_gate", res.FailedGate).
			Int("refinement", inc.Refinements+1).
			Msg("Asking advisor to refine proposal")
	}
}

func (q *Queue) recordVerification(id string, res *models.VerificationResult) {
	q.mu.Lock()
	r, ok := q.incidents[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	if res.ShadowID != "" {
		r.inc.ShadowID = res.ShadowID
		r.inc.ShadowHistory = append(r.inc.ShadowHistory, res.ShadowID)
	}
	out := r.inc.Clone()
	q.mu.Unlock()
	q.emit(Update{Kind: UpdateVerification, Incident: out, Verification: res})
}

func findingsEvidence(res *models.VerificationResult, at time.Time) []models.Evidence {
	ev := models.Evidence{
		Source:     "shadow/" + res.FailedGate,
		Summary:    res.Reason,
		ObservedAt: at,
		Details:    map[string]string{"shadowId": res.ShadowID, "healthScore": fmt.Sprintf("%.2f", res.HealthScore)},
	}
	for _, f := range res.Findings {
		ev.Details[f.ID] = fmt.Sprintf("%s: %s", f.Severity, f.Message)
	}
	return []models.Evidence{ev}
}

func diagnosticEvidence(err error, at time.Time) []models.Evidence {
	var provErr *remerrors.ProvisionError
	if !errors.As(err, &provErr) || len(provErr.Diagnostic) == 0 {
		return nil
	}
	return []models.Evidence{{
		Source:     "shadow/" + provErr.Phase,
		Summary:    strings.Join(provErr.Diagnostic, "; "),
		ObservedAt: at,
	}}
}

// acquireProduction gates the move into ApplyingFix. A P0 takes the lock;
// everyone else takes an apply slot once nobody holds it and must give it back
// with Leave after the production patch.
func (q *Queue) acquireProduction(ctx context.Context, inc *models.Incident) error {
	start := q.now()
	wctx, cancel := context.WithTimeout(ctx, q.opts.LockWaitTimeout)
	defer cancel()

	var err error
	if inc.Priority == models.P0 {
		err = q.lock.Acquire(wctx, inc.ID, fmt.Sprintf("P0 fix for %s", inc.Resource))
	} else {
		if held := q.lock.State(); held.Held() && held.Holder != inc.ID {
			log.Info().Str("incident_id", inc.ID).Str("holder", held.Holder).Msg("Waiting for production lock")
		}
		err = q.lock.Enter(wctx, inc.ID)
	}
	metrics.RecordLockWait(q.now().Sub(start))
	return err
}

// applyAndMonitor applies the approved fix to production under the lock rules
// and watches it through the rollback window.
func (q *Queue) applyAndMonitor(ctx context.Context, id string) {
	inc, err := q.Get(id)
	if err != nil || inc.Proposal == nil {
		return
	}
	if err := q.acquireProduction(ctx, inc); err != nil {
		if ctx.Err() != nil {
			q.interrupted(id)
			return
		}
		q.fail(id, fmt.Sprintf("gave up waiting for production: %v", err), "lock wait", nil)
		return
	}
	defer q.lock.Leave(id)

	target := inc.Proposal.Patch.TargetFor(inc.Resource)
	snap, err := q.deps.Watcher.Start(ctx, id, target)
	if err != nil {
		if ctx.Err() != nil {
			q.interrupted(id)
			return
		}
		q.fail(id, fmt.Sprintf("could not snapshot %s before apply: %v", target, err), "snapshot", nil)
		return
	}
	if _, err := q.transition(id, EventApply, "snapshot "+snap.ID, nil); err != nil {
		return
	}
	if current, err := q.Get(id); err != nil || current.Closed() {
		return
	}

	if _, err := q.deps.Applier.Patch(ctx, target, inc.Proposal.Patch.Type, inc.Proposal.Patch.Body); err != nil {
		if ctx.Err() != nil {
			q.interrupted(id)
			return
		}
		q.fail(id, fmt.Sprintf("production apply failed: %v", err), "apply", nil)
		return
	}
	appliedAt := q.now()
	q.lock.Leave(id)
	log.Info().Str("incident_id", id).Str("target", target.String()).Msg("Fix applied to production")
	if _, err := q.transition(id, EventApplied, "", nil); err != nil {
		return
	}

	decision, err := q.deps.Watcher.Watch(ctx, snap, appliedAt)
	if decision != nil {
		q.recordDecision(id, decision)
	}
	switch {
	case err != nil && decision != nil && decision.RevertError != "":
		reason := fmt.Sprintf("regression detected but revert failed: %s", decision.RevertError)
		out, ferr := q.transition(id, EventFail, "revert", func(r *record) {
			r.inc.Reason = reason
			r.inc.Escalated = true
			r.inc.Evidence = append(r.inc.Evidence, rollbackEvidence(decision)...)
		})
		if ferr == nil {
			q.deliverEscalation(ctx, out, reason)
		}
	case err != nil:
		if ctx.Err() != nil {
			q.interrupted(id)
			return
		}
		q.fail(id, fmt.Sprintf("monitoring failed: %v", err), "monitor", nil)
	case decision.Outcome == models.OutcomeStable:
		q.transition(id, EventStable, "", func(r *record) {
			r.inc.Reason = decision.Reason
			r.inc.Evidence = append(r.inc.Evidence, rollbackEvidence(decision)...)
		})
	case decision.Outcome == models.OutcomeReverted:
		q.rolledBack(ctx, id, decision)
	default:
		q.interrupted(id)
	}
}

func (q *Queue) recordDecision(id string, d *models.RollbackDecision) {
	q.mu.Lock()
	r, ok := q.incidents[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	r.inc.RollbackID = d.ID
	out := r.inc.Clone()
	q.mu.Unlock()
	q.emit(Update{Kind: UpdateRollback, Incident: out, Decision: d})
}

func rollbackEvidence(d *models.RollbackDecision) []models.Evidence {
	return []models.Evidence{{
		Source:  "rollback",
		Summary: d.Reason,
		Details: map[string]string{
			"outcome":  string(d.Outcome),
			"baseline": fmt.Sprintf("%.4f", d.Baseline),
			"observed": fmt.Sprintf("%.4f", d.Observed),
			"peak":     fmt.Sprintf("%.4f", d.Peak),
			"samples":  fmt.Sprint(len(d.Samples)),
		},
		ObservedAt: d.DecidedAt,
	}}
}

// rolledBack records the revert and sends the original incident back to the
// advisor with the regression as feedback, or escalates once requeues run out.
func (q *Queue) rolledBack(ctx context.Context, id string, d *models.RollbackDecision) {
	inc, err := q.transition(id, EventRevert, d.Reason, func(r *record) {
		r.inc.Reason = fmt.Sprintf("reverted: %s", d.Reason)
		r.inc.Evidence = append(r.inc.Evidence, rollbackEvidence(d)...)
	})
	if err != nil {
		return
	}
	q.lock.Release(id)
	if inc.Requeues >= q.opts.MaxRequeues {
		q.escalate(ctx, id, inc.Reason)
		return
	}
	q.requeue(id, inc.Priority, "requeued after rollback", &advisor.Feedback{
		FailedGate:  "rollback",
		Reason:      d.Reason,
		HealthScore: 1 - d.Peak,
	})
}

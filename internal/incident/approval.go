package incident

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kubeshield/remedy/internal/advisor"
	remerrors "github.com/kubeshield/remedy/internal/errors"
	"github.com/kubeshield/remedy/internal/metrics"
	"github.com/kubeshield/remedy/internal/models"
)

type approvalDecision struct {
	approved bool
	actor    string
	reason   string
}

// summarize is what the approver sees: the fix and how the shadow went.
func summarize(inc *models.Incident, res *models.VerificationResult) string {
	var b strings.Builder
	if inc.Proposal != nil {
		target := inc.Proposal.Patch.TargetFor(inc.Resource)
		fmt.Fprintf(&b, "%s patch on %s (confidence %.2f)", inc.Proposal.Patch.Type, target, inc.Proposal.Confidence)
		if inc.Proposal.Rationale != "" {
			fmt.Fprintf(&b, ": %s", inc.Proposal.Rationale)
		}
	}
	if res != nil {
		fmt.Fprintf(&b, "; shadow %s passed security gates, health score %.2f", res.ShadowID, res.HealthScore)
		if len(res.Warnings) > 0 {
			fmt.Fprintf(&b, ", %d warnings", len(res.Warnings))
		}
	}
	return b.String()
}

// requestApproval moves a verified incident to AwaitingApproval and returns the
// channel the decision arrives on.
func (q *Queue) requestApproval(id string, res *models.VerificationResult) (chan approvalDecision, error) {
	decision := make(chan approvalDecision, 1)
	now := q.now()
	q.mu.Lock()
	r, ok := q.incidents[id]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: incident %s", remerrors.ErrNotFound, id)
	}
	if err := q.advanceLocked(r, EventVerified, fmt.Sprintf("shadow %s passed", res.ShadowID)); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	if r.inc.Status != models.StatusAwaitingApproval {
		status := r.inc.Status
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: incident %s is %s", remerrors.ErrInvalidTransition, id, status)
	}
	r.decision = decision
	r.inc.Approval = &models.ApprovalRecord{
		Status:      models.ApprovalPending,
		Summary:     summarize(r.inc, res),
		RequestedAt: now,
		ExpiresAt:   now.Add(q.opts.ApprovalTimeout),
	}
	r.inc.UpdatedAt = now
	out := r.inc.Clone()
	q.mu.Unlock()

	log.Info().
		Str("incident_id", id).
		Time("expires_at", out.Approval.ExpiresAt).
		Str("summary", out.Approval.Summary).
		Msg("Approval requested")
	q.emit(Update{Kind: UpdateIncident, Incident: out})
	return decision, nil
}

// Approve records an operator approval for an incident awaiting one.
func (q *Queue) Approve(id, actor, reason string) (*models.Incident, error) {
	return q.decide(id, approvalDecision{approved: true, actor: actor, reason: reason})
}

// Reject records an operator rejection; the incident ends Rejected.
func (q *Queue) Reject(id, actor, reason string) (*models.Incident, error) {
	return q.decide(id, approvalDecision{approved: false, actor: actor, reason: reason})
}

func (q *Queue) decide(id string, d approvalDecision) (*models.Incident, error) {
	if strings.TrimSpace(d.actor) == "" {
		return nil, fmt.Errorf("%w: approver identity is required", remerrors.ErrInvalidInput)
	}

	q.mu.Lock()
	r, ok := q.incidents[id]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: incident %s", remerrors.ErrNotFound, id)
	}
	if r.decision == nil || r.inc.Status != models.StatusAwaitingApproval {
		status := r.inc.Status
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: incident %s is %s, not awaiting approval", remerrors.ErrInvalidTransition, id, status)
	}

	ch := r.decision
	event, status, decision := EventReject, models.ApprovalRejected, "rejected"
	if d.approved {
		event, status, decision = EventApprove, models.ApprovalApproved, "approved"
	}
	if err := q.advanceLocked(r, event, fmt.Sprintf("%s by %s", decision, d.actor)); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	now := q.now()
	rec := r.inc.Approval
	rec.Status = status
	rec.DecidedBy = d.actor
	rec.DecidedAt = &now
	rec.Reason = d.reason
	waited := now.Sub(rec.RequestedAt)
	if !d.approved {
		r.inc.Reason = fmt.Sprintf("fix rejected by %s", d.actor)
		if d.reason != "" {
			r.inc.Reason = fmt.Sprintf("%s: %s", r.inc.Reason, d.reason)
		}
		q.closeLocked(r)
	}
	ch <- d
	r.decision = nil
	out := r.inc.Clone()
	q.mu.Unlock()

	metrics.RecordApproval(decision, waited)
	log.Info().
		Str("incident_id", id).
		Str("actor", d.actor).
		Str("decision", decision).
		Dur("waited", waited).
		Msg("Approval decided")
	q.emit(Update{Kind: UpdateIncident, Incident: out})
	return out, nil
}

// expireApproval times out the gate unless a decision already landed, in which
// case it reports false and the decision is waiting on the channel.
func (q *Queue) expireApproval(id string) bool {
	q.mu.Lock()
	r, ok := q.incidents[id]
	if !ok || r.decision == nil {
		q.mu.Unlock()
		return false
	}
	if err := q.advanceLocked(r, EventExpire, "approval timed out"); err != nil {
		q.mu.Unlock()
		log.Error().Err(err).Str("incident_id", id).Msg("Failed to expire approval")
		return false
	}
	now := q.now()
	r.inc.Approval.Status = models.ApprovalTimeout
	r.inc.Approval.DecidedAt = &now
	r.inc.Reason = fmt.Sprintf("approval timed out after %s", q.opts.ApprovalTimeout)
	r.decision = nil
	waited := now.Sub(r.inc.Approval.RequestedAt)
	out := r.inc.Clone()
	q.mu.Unlock()

	metrics.RecordApproval("timeout", waited)
	log.Warn().Str("incident_id", id).Dur("waited", waited).Msg("Approval timed out")
	q.emit(Update{Kind: UpdateIncident, Incident: out})
	return true
}

// awaitApproval blocks at the gate. It returns true only when the fix was
// approved; rejection, timeout and cancellation have all been handled when it
// returns false.
func (q *Queue) awaitApproval(ctx context.Context, id string, res *models.VerificationResult) bool {
	decision, err := q.requestApproval(id, res)
	if err != nil {
		if ctx.Err() != nil {
			q.interrupted(id)
			return false
		}
		log.Error().Err(err).Str("incident_id", id).Msg("Failed to request approval")
		return false
	}

	timer := time.NewTimer(q.opts.ApprovalTimeout)
	defer timer.Stop()

	select {
	case d := <-decision:
		return d.approved
	case <-timer.C:
		if !q.expireApproval(id) {
			d := <-decision
			return d.approved
		}
		q.afterTimeout(ctx, id)
		return false
	case <-ctx.Done():
		q.interrupted(id)
		return false
	}
}

// afterTimeout applies the timeout policy: requeue one priority lower while the
// requeue budget lasts, otherwise escalate and close.
func (q *Queue) afterTimeout(ctx context.Context, id string) {
	inc, err := q.Get(id)
	if err != nil {
		return
	}
	if q.opts.TimeoutAction == TimeoutRequeue && inc.Requeues < q.opts.MaxRequeues {
		q.requeue(id, inc.Priority.Lower(), "requeued after approval timeout", nil)
		return
	}
	q.escalate(ctx, id, inc.Reason)
}

// requeue puts a Timeout or RolledBack incident back in the queue. With
// feedback the old proposal is dropped and the advisor is asked again.
func (q *Queue) requeue(id string, priority models.Priority, note string, feedback *advisor.Feedback) {
	_, err := q.transition(id, EventRequeue, note, func(r *record) {
		if r.inc.Reason != "" {
			r.inc.Evidence = append(r.inc.Evidence, models.Evidence{Source: "queue", Summary: r.inc.Reason, ObservedAt: q.now()})
			r.inc.Reason = ""
		}
		r.inc.Requeues++
		r.inc.Priority = priority
		r.inc.Approval = nil
		if feedback != nil {
			r.inc.Proposal = nil
			r.inc.Refinements = 0
			r.feedback = feedback
		}
		q.pushLocked(r.inc.ID, priority)
		q.refreshDepthLocked()
	})
	if err != nil {
		log.Error().Err(err).Str("incident_id", id).Msg("Failed to requeue incident")
		return
	}
	log.Info().Str("incident_id", id).Str("priority", priority.String()).Str("note", note).Msg("Incident requeued")
	q.signal()
}

// escalate notifies a human and closes the incident in its current status.
func (q *Queue) escalate(ctx context.Context, id, reason string) {
	q.mu.Lock()
	r, ok := q.incidents[id]
	if !ok || r.inc.Closed() {
		q.mu.Unlock()
		return
	}
	r.inc.Escalated = true
	if reason != "" {
		r.inc.Reason = fmt.Sprintf("%s; escalated", reason)
	}
	q.closeLocked(r)
	out := r.inc.Clone()
	q.mu.Unlock()

	q.emit(Update{Kind: UpdateIncident, Incident: out})
	q.deliverEscalation(ctx, out, reason)
}

func (q *Queue) deliverEscalation(ctx context.Context, inc *models.Incident, reason string) {
	if q.deps.Notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := q.deps.Notifier.Escalate(nctx, inc, reason); err != nil {
		log.Error().Err(err).Str("incident_id", inc.ID).Msg("Failed to deliver escalation")
	}
}

package incident

import (
	"fmt"

	remerrors "github.com/kubeshield/remedy/internal/errors"
	"github.com/kubeshield/remedy/internal/models"
)

// Event drives an incident from one status to the next.
type Event string

const (
	EventQueue    Event = "queue"
	EventDispatch Event = "dispatch"
	EventPropose  Event = "propose"
	EventRefine   Event = "refine"
	EventVerified Event = "verified"
	EventApprove  Event = "approve"
	EventReject   Event = "reject"
	EventExpire   Event = "expire"
	EventApply    Event = "apply"
	EventApplied  Event = "applied"
	EventStable   Event = "stable"
	EventRevert   Event = "revert"
	EventRequeue  Event = "requeue"
	EventFail     Event = "fail"
)

var transitions = map[models.Status]map[Event]models.Status{
	models.StatusDetected:         {EventQueue: models.StatusQueued},
	models.StatusQueued:           {EventDispatch: models.StatusAnalyzing},
	models.StatusAnalyzing:        {EventPropose: models.StatusShadowVerifying},
	models.StatusShadowVerifying:  {EventVerified: models.StatusAwaitingApproval, EventRefine: models.StatusAnalyzing},
	models.StatusAwaitingApproval: {EventApprove: models.StatusApproved, EventReject: models.StatusRejected, EventExpire: models.StatusTimeout},
	models.StatusApproved:         {EventApply: models.StatusApplyingFix},
	models.StatusApplyingFix:      {EventApplied: models.StatusMonitoring},
	models.StatusMonitoring:       {EventStable: models.StatusResolved, EventRevert: models.StatusRolledBack},
	models.StatusTimeout:          {EventRequeue: models.StatusQueued},
	models.StatusRolledBack:       {EventRequeue: models.StatusQueued},
}

// final statuses accept no event at all
var final = map[models.Status]bool{
	models.StatusResolved: true,
	models.StatusRejected: true,
	models.StatusFailed:   true,
}

// Next returns the status event leads to from the given status.
func Next(from models.Status, event Event) (models.Status, error) {
	if event == EventFail && !final[from] {
		return models.StatusFailed, nil
	}
	if to, ok := transitions[from][event]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s", remerrors.ErrInvalidTransition, event, from)
}

// replayed reports whether applying event to an incident already in status is
// a repeat of a transition that already happened.
func replayed(status models.Status, event Event) bool {
	if final[status] {
		return true
	}
	for _, targets := range transitions {
		if to, ok := targets[event]; ok && to == status {
			return true
		}
	}
	return event == EventFail && status == models.StatusFailed
}

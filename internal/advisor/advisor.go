// Package advisor talks to the external service that proposes fixes. Its answers
// are untrusted: every proposal is validated here and still has to pass shadow
// verification and human approval.
package advisor

import (
	"context"
	"time"

	"github.com/kubeshield/remedy/internal/models"
)

// Feedback tells the advisor why its previous proposal was rejected.
type Feedback struct {
	FailedGate  string           `json:"failedGate"`
	Reason      string           `json:"reason"`
	Findings    []models.Finding `json:"findings,omitempty"`
	HealthScore float64          `json:"healthScore"`
}

// Request is everything the advisor gets to see about an incident.
type Request struct {
	IncidentID string              `json:"incidentId"`
	Title      string              `json:"title"`
	Resource   models.ResourceRef  `json:"resource"`
	Priority   models.Priority     `json:"priority"`
	Evidence   []models.Evidence   `json:"evidence,omitempty"`
	Previous   *models.FixProposal `json:"previous,omitempty"`
	Feedback   *Feedback           `json:"feedback,omitempty"`
	Attempt    int                 `json:"attempt"`
	SentAt     time.Time           `json:"sentAt"`
}

// Advisor proposes a fix for an incident.
type Advisor interface {
	Propose(ctx context.Context, req Request) (*models.FixProposal, error)
}

// Func adapts a function to Advisor.
type Func func(ctx context.Context, req Request) (*models.FixProposal, error)

func (f Func) Propose(ctx context.Context, req Request) (*models.FixProposal, error) {
	return f(ctx, req)
}

// NewRequest builds the request for an incident, including feedback from a
// previous failed verification when there is one.
func NewRequest(inc *models.Incident, feedback *Feedback) Request {
	req := Request{
		IncidentID: inc.ID,
		Title:      inc.Title,
		Resource:   inc.Resource,
		Priority:   inc.Priority,
		Evidence:   append([]models.Evidence(nil), inc.Evidence...),
		Feedback:   feedback,
		Attempt:    inc.Refinements + 1,
		SentAt:     time.Now().UTC(),
	}
	if inc.Proposal != nil {
		prev := inc.Proposal.Clone()
		req.Previous = &prev
	}
	return req
}

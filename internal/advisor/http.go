package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/kubeshield/remedy/internal/circuit"
	"github.com/kubeshield/remedy/internal/models"
)

// HTTPOptions configure an HTTPAdvisor.
type HTTPOptions struct {
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 means unlimited
	Burst     int
	Breaker   circuit.Config
}

// HTTPAdvisor posts a Request as JSON and expects a FixProposal back.
type HTTPAdvisor struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	breaker *circuit.Breaker
	now     func() time.Time
}

// NewHTTPAdvisor creates a client for the advisor at url.
func NewHTTPAdvisor(url string, opts HTTPOptions) *HTTPAdvisor {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	return &HTTPAdvisor{
		url:     strings.TrimRight(url, "/"),
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, opts.Burst),
		breaker: circuit.NewBreaker("advisor", opts.Breaker),
		now:     time.Now,
	}
}

// Breaker exposes the advisor's circuit breaker for status reporting.
func (a *HTTPAdvisor) Breaker() *circuit.Breaker {
	return a.breaker
}

// Propose asks the advisor for a fix. The answer is validated before it is
// returned.
func (a *HTTPAdvisor) Propose(ctx context.Context, req Request) (*models.FixProposal, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("advisor rate limit: %w", err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode advisor request: %w", err)
	}

	var proposal models.FixProposal
	err = a.breaker.Execute(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
		if err != nil {
			return circuit.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/json")

		resp, err := a.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("advisor returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		case resp.StatusCode >= 400:
			return circuit.Permanent(fmt.Errorf("advisor rejected request with %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		}
		if err := json.Unmarshal(body, &proposal); err != nil {
			return circuit.Permanent(fmt.Errorf("decode advisor response: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if proposal.ProposedAt.IsZero() {
		proposal.ProposedAt = a.now().UTC()
	}
	if proposal.Source == "" {
		proposal.Source = "advisor"
	}
	if err := Validate(&proposal, req.Resource); err != nil {
		log.Warn().Err(err).Str("incident_id", req.IncidentID).Msg("Advisor returned an invalid proposal")
		return nil, err
	}
	return &proposal, nil
}

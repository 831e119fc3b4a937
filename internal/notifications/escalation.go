// Package notifications delivers incident escalations to operators.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kubeshield/remedy/internal/models"
)

// Escalation is the payload sent when an incident needs a human.
type Escalation struct {
	IncidentID  string             `json:"incidentId"`
	Title       string             `json:"title"`
	Priority    models.Priority    `json:"priority"`
	Resource    models.ResourceRef `json:"resource"`
	Status      models.Status      `json:"status"`
	Reason      string             `json:"reason"`
	Requeues    int                `json:"requeues"`
	EscalatedAt time.Time          `json:"escalatedAt"`
}

// NewEscalation builds the payload for inc.
func NewEscalation(inc *models.Incident, reason string, at time.Time) Escalation {
	return Escalation{
		IncidentID:  inc.ID,
		Title:       inc.Title,
		Priority:    inc.Priority,
		Resource:    inc.Resource,
		Status:      inc.Status,
		Reason:      reason,
		Requeues:    inc.Requeues,
		EscalatedAt: at,
	}
}

// LogNotifier only logs escalations. It is used when no webhook is configured.
type LogNotifier struct{}

func (LogNotifier) Escalate(_ context.Context, inc *models.Incident, reason string) error {
	log.Warn().
		Str("incident_id", inc.ID).
		Str("priority", inc.Priority.String()).
		Str("resource", inc.Resource.String()).
		Str("reason", reason).
		Msg("Incident escalated")
	return nil
}

// WebhookNotifier POSTs escalations as JSON, retrying with exponential backoff.
type WebhookNotifier struct {
	url        string
	client     *http.Client
	maxRetries int
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
}

// NewWebhookNotifier returns a notifier for url with 3 retries.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookNotifier{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		maxRetries: 3,
		now:        time.Now,
		sleep:      sleepContext,
	}
}

func (w *WebhookNotifier) Escalate(ctx context.Context, inc *models.Incident, reason string) error {
	payload, err := json.Marshal(NewEscalation(inc, reason, w.now()))
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}
	if err := w.sendWithRetry(ctx, payload); err != nil {
		return err
	}
	log.Info().Str("incident_id", inc.ID).Msg("Escalation webhook delivered")
	return nil
}

func (w *WebhookNotifier) sendWithRetry(ctx context.Context, payload []byte) error {
	var lastErr error
	backoff := time.Second

	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			log.Debug().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying escalation webhook after backoff")
			if err := w.sleep(ctx, backoff); err != nil {
				return fmt.Errorf("escalation webhook: %w", err)
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}

		err := w.sendOnce(ctx, payload)
		if err == nil {
			if attempt > 0 {
				log.Info().Int("attempt", attempt).Msg("Escalation webhook succeeded after retry")
			}
			return nil
		}

		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("Escalation webhook attempt failed")
	}

	return fmt.Errorf("escalation webhook failed after %d attempts: %w", w.maxRetries+1, lastErr)
}

func (w *WebhookNotifier) sendOnce(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "remedy")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

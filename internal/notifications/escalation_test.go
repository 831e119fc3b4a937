package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeshield/remedy/internal/models"
)

func testIncident() *models.Incident {
	return &models.Incident{
		ID:       "inc-1",
		Title:    "api 5xx",
		Priority: models.P1,
		Resource: models.ResourceRef{Kind: "Deployment", Namespace: "shop", Name: "api"},
		Status:   models.StatusTimeout,
		Requeues: 2,
	}
}

func TestWebhookNotifierRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	var got Escalation
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var slept []time.Duration
	n := NewWebhookNotifier(srv.URL, time.Second)
	n.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	require.NoError(t, n.Escalate(context.Background(), testIncident(), "approval timed out"))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
	assert.Equal(t, "inc-1", got.IncidentID)
	assert.Equal(t, models.P1, got.Priority)
	assert.Equal(t, "approval timed out", got.Reason)
	assert.Equal(t, 2, got.Requeues)
}

func TestWebhookNotifierGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	n.sleep = func(context.Context, time.Duration) error { return nil }

	err := n.Escalate(context.Background(), testIncident(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 4 attempts")
	assert.Equal(t, int32(4), calls.Load())
}

func TestWebhookNotifierStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	n := NewWebhookNotifier(srv.URL, time.Second)
	n.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := n.Escalate(ctx, testIncident(), "x")
	require.ErrorIs(t, err, context.Canceled)
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, LogNotifier{}.Escalate(context.Background(), testIncident(), "x"))
}

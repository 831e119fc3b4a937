// Package api exposes the operator surface of the safety pipeline over HTTP:
// read endpoints, the approval and lock controls, and the event stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kubeshield/remedy/internal/circuit"
	"github.com/kubeshield/remedy/internal/incident"
	"github.com/kubeshield/remedy/internal/models"
)

// IncidentQueue is the part of the queue the API drives.
type IncidentQueue interface {
	Enqueue(inc *models.Incident) (*models.Incident, bool, error)
	Get(id string) (*models.Incident, error)
	List() []*models.Incident
	Status() incident.QueueStatus
	Approve(id, actor, reason string) (*models.Incident, error)
	Reject(id, actor, reason string) (*models.Incident, error)
	Close(id, actor string) (*models.Incident, error)
	Unlock(force bool, actor string) (models.LockState, error)
}

// ShadowRegistry lists shadow environments.
type ShadowRegistry interface {
	Get(id string) (*models.ShadowEnvironment, error)
	List() []*models.ShadowEnvironment
}

// Config wires the handler to the running pipeline.
type Config struct {
	Queue   IncidentQueue
	Shadows ShadowRegistry
	// Breakers reports every external tool breaker.
	Breakers func() []circuit.Status
	// Stream serves the websocket event stream.
	Stream http.Handler
	// Ready reports whether the cluster control plane is reachable.
	Ready   func(ctx context.Context) error
	Token   string
	Version string
}

type server struct {
	cfg Config
	now func() time.Time
}

// New returns the HTTP handler for the operator API.
func New(cfg Config) http.Handler {
	s := &server{cfg: cfg, now: time.Now}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(ErrorHandler)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/breakers", s.handleBreakers)

		r.Get("/incidents", s.handleListIncidents)
		r.Get("/incidents/{id}", s.handleGetIncident)
		r.Get("/shadows", s.handleListShadows)
		r.Get("/shadows/{id}", s.handleGetShadow)
		r.Get("/lock", s.handleLockState)

		r.Group(func(r chi.Router) {
			r.Use(RequireToken(cfg.Token))
			r.Post("/incidents", s.handleEnqueue)
			r.Post("/incidents/{id}/approve", s.handleApprove)
			r.Post("/incidents/{id}/reject", s.handleReject)
			r.Post("/incidents/{id}/close", s.handleClose)
			r.Post("/lock/unlock", s.handleUnlock)
		})

		if cfg.Stream != nil {
			r.With(RequireToken(cfg.Token)).Handle("/stream", cfg.Stream)
		}
	})

	return r
}

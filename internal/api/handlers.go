package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/kubeshield/remedy/internal/circuit"
	remerrors "github.com/kubeshield/remedy/internal/errors"
	"github.com/kubeshield/remedy/internal/incident"
	"github.com/kubeshield/remedy/internal/models"
)

const maxBodyBytes = 1 << 20

// StatusResponse is the payload of GET /api/status.
type StatusResponse struct {
	Version       string               `json:"version"`
	Queue         incident.QueueStatus `json:"queue"`
	ActiveShadows int                  `json:"activeShadows"`
	StaleShadows  int                  `json:"staleShadows"`
	Breakers      []circuit.Status     `json:"breakers,omitempty"`
	Time          time.Time            `json:"time"`
}

// EnqueueRequest is a detection submitted by an external detector or operator.
type EnqueueRequest struct {
	ID       string              `json:"id,omitempty"`
	Title    string              `json:"title"`
	Resource models.ResourceRef  `json:"resource"`
	Priority models.Priority     `json:"priority"`
	Evidence []models.Evidence   `json:"evidence,omitempty"`
	Proposal *models.FixProposal `json:"proposal,omitempty"`
}

// EnqueueResponse reports the incident the detection landed in.
type EnqueueResponse struct {
	Incident *models.Incident `json:"incident"`
	Merged   bool             `json:"merged"`
}

// DecisionRequest carries the operator identity for approve, reject and close.
type DecisionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// UnlockRequest asks for the production lock to be released.
type UnlockRequest struct {
	Actor string `json:"actor"`
	Force bool   `json:"force,omitempty"`
}

// UnlockResponse reports the lock state that was released.
type UnlockResponse struct {
	Released models.LockState `json:"released"`
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decode request body: %v", remerrors.ErrInvalidInput, err)
	}
	return nil
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			log.Warn().Err(err).Msg("Readiness check failed")
			writeErrorResponse(w, r, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *server) breakers() []circuit.Status {
	if s.cfg.Breakers == nil {
		return nil
	}
	return s.cfg.Breakers()
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Version:  s.cfg.Version,
		Queue:    s.cfg.Queue.Status(),
		Breakers: s.breakers(),
		Time:     s.now().UTC(),
	}
	if s.cfg.Shadows != nil {
		for _, env := range s.cfg.Shadows.List() {
			if env.Status.Active() {
				resp.ActiveShadows++
			}
			if env.Stale {
				resp.StaleShadows++
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.breakers())
}

// handleListIncidents supports ?status=a,b, ?open=true and ?limit=n.
func (s *server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	statuses := map[models.Status]bool{}
	for _, v := range strings.Split(query.Get("status"), ",") {
		if v = strings.TrimSpace(v); v != "" {
			statuses[models.Status(v)] = true
		}
	}
	openOnly, _ := strconv.ParseBool(query.Get("open"))
	limit := 0
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErrorResponse(w, r, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	out := make([]*models.Incident, 0)
	for _, inc := range s.cfg.Queue.List() {
		if openOnly && inc.Closed() {
			continue
		}
		if len(statuses) > 0 && !statuses[inc.Status] {
			continue
		}
		out = append(out, inc)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.cfg.Queue.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	inc, merged, err := s.cfg.Queue.Enqueue(&models.Incident{
		ID:       req.ID,
		Title:    req.Title,
		Resource: req.Resource,
		Priority: req.Priority,
		Evidence: req.Evidence,
		Proposal: req.Proposal,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if merged {
		status = http.StatusOK
	}
	writeJSON(w, status, EnqueueResponse{Incident: inc, Merged: merged})
}

func (s *server) decision(w http.ResponseWriter, r *http.Request, apply func(id string, req DecisionRequest) (*models.Incident, error)) {
	var req DecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	inc, err := apply(chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decision(w, r, func(id string, req DecisionRequest) (*models.Incident, error) {
		return s.cfg.Queue.Approve(id, req.Actor, req.Reason)
	})
}

func (s *server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decision(w, r, func(id string, req DecisionRequest) (*models.Incident, error) {
		return s.cfg.Queue.Reject(id, req.Actor, req.Reason)
	})
}

func (s *server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.decision(w, r, func(id string, req DecisionRequest) (*models.Incident, error) {
		if strings.TrimSpace(req.Actor) == "" {
			return nil, fmt.Errorf("%w: actor is required", remerrors.ErrInvalidInput)
		}
		return s.cfg.Queue.Close(id, req.Actor)
	})
}

func (s *server) handleLockState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Queue.Status().Lock)
}

func (s *server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Actor) == "" {
		writeErrorResponse(w, r, http.StatusBadRequest, "bad_request", "actor is required")
		return
	}
	prev, err := s.cfg.Queue.Unlock(req.Force, req.Actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UnlockResponse{Released: prev})
}

func (s *server) handleListShadows(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Shadows == nil {
		writeJSON(w, http.StatusOK, []*models.ShadowEnvironment{})
		return
	}
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	out := make([]*models.ShadowEnvironment, 0)
	for _, env := range s.cfg.Shadows.List() {
		if activeOnly && !env.Status.Active() {
			continue
		}
		out = append(out, env)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleGetShadow(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Shadows == nil {
		writeErrorResponse(w, r, http.StatusNotFound, "not_found", "no shadow engine configured")
		return
	}
	env, err := s.cfg.Shadows.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

package shadow

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	remerrors "github.com/kubeshield/remedy/internal/errors"
	"github.com/kubeshield/remedy/internal/models"
)

// RunReaper enforces the hard TTL and retries stale teardowns until ctx ends.
func (e *Engine) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(e.opts.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Reap(ctx)
		}
	}
}

// Reap runs one reaper pass: environments past their TTL are torn down, stale
// namespaces are deleted again and long-deleted records are forgotten.
func (e *Engine) Reap(ctx context.Context) {
	now := e.now()

	var expired, stale []*entry
	var forget []string
	e.mu.RLock()
	for id, en := range e.envs {
		switch {
		case en.env.Stale:
			stale = append(stale, en)
		case en.env.Status == models.ShadowDeleted:
			if en.env.DeletedAt != nil && now.Sub(*en.env.DeletedAt) > e.opts.TTL {
				forget = append(forget, id)
			}
		case en.env.Status != models.ShadowTearingDown && now.After(en.env.ExpiresAt):
			expired = append(expired, en)
		}
	}
	e.mu.RUnlock()

	for _, en := range expired {
		log.Warn().
			Str("shadow_id", en.env.ID).
			Time("expires_at", en.env.ExpiresAt).
			Msg("Shadow environment exceeded its TTL, tearing down")
		_ = e.Cleanup(ctx, en.env.ID)
	}

	for _, en := range stale {
		err := e.gw.DeleteNamespace(ctx, en.env.Namespace)
		if err != nil && !remerrors.IsNotFound(err) {
			log.Warn().Err(err).Str("shadow_id", en.env.ID).Msg("Stale shadow still not deleted")
			continue
		}
		e.markDeleted(en)
		e.refreshGauges()
	}

	if len(forget) > 0 {
		e.mu.Lock()
		for _, id := range forget {
			delete(e.envs, id)
		}
		e.mu.Unlock()
	}
}

// Recover adopts environments persisted by a previous process and tears down
// any that may still hold a namespace. Recovered environments do not count
// against MaxActive.
func (e *Engine) Recover(ctx context.Context, envs []*models.ShadowEnvironment) int {
	var pending []string
	e.mu.Lock()
	for _, env := range envs {
		if env == nil || env.ID == "" {
			continue
		}
		if _, known := e.envs[env.ID]; known {
			continue
		}
		en := &entry{env: env.Clone(), workload: env.Workload}
		e.envs[env.ID] = en
		if env.Status != models.ShadowDeleted || env.Stale {
			pending = append(pending, env.ID)
		}
	}
	e.mu.Unlock()

	for _, id := range pending {
		log.Info().Str("shadow_id", id).Msg("Tearing down shadow left over from previous run")
		if err := e.Cleanup(ctx, id); err != nil {
			log.Warn().Err(err).Str("shadow_id", id).Msg("Recovered shadow teardown failed")
		}
	}
	e.refreshGauges()
	return len(pending)
}

package incident

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	remerrors "github.com/kubeshield/remedy/internal/errors"
	"github.com/kubeshield/remedy/internal/metrics"
	"github.com/kubeshield/remedy/internal/models"
)

// ProductionLock serialises production changes behind a P0 fix. Acquisition is
// compare-and-set: it succeeds only if the lock is free or already held by the
// same incident. Other incidents take an apply slot with Enter while they move
// into production; a P0 holding the lock is only granted once those slots have
// drained, and no new slot is handed out while the lock is held.
type ProductionLock struct {
	mu       sync.Mutex
	state    models.LockState
	entering map[string]struct{}
	changed  chan struct{}
	now      func() time.Time
}

// NewProductionLock returns a free lock.
func NewProductionLock() *ProductionLock {
	return &ProductionLock{
		entering: make(map[string]struct{}),
		changed:  make(chan struct{}),
		now:      time.Now,
	}
}

// TryAcquire takes the lock for holder if it is free or already theirs and no
// other incident holds an apply slot.
func (l *ProductionLock) TryAcquire(holder, reason string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.othersEnteringLocked(holder) > 0 {
		return false
	}
	return l.tryAcquireLocked(holder, reason)
}

func (l *ProductionLock) othersEnteringLocked(holder string) int {
	n := len(l.entering)
	if _, ok := l.entering[holder]; ok {
		n--
	}
	return n
}

func (l *ProductionLock) tryAcquireLocked(holder, reason string) bool {
	if l.state.Held() && l.state.Holder != holder {
		return false
	}
	if !l.state.Held() {
		l.state = models.LockState{Holder: holder, Reason: reason, AcquiredAt: l.now()}
		metrics.SetLockHeld(true)
		log.Info().Str("incident_id", holder).Str("reason", reason).Msg("Production lock acquired")
	}
	return true
}

// Acquire blocks until holder gets the lock and every apply slot held by
// another incident has been released, or ctx ends. The lock is held while
// draining so no new slot is handed out; it is given back if ctx ends first.
func (l *ProductionLock) Acquire(ctx context.Context, holder, reason string) error {
	for {
		l.mu.Lock()
		if l.state.Held() && l.state.Holder != holder {
			wait, current := l.changed, l.state.Holder
			l.mu.Unlock()
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w by %s: %w", remerrors.ErrLockHeld, current, ctx.Err())
			case <-wait:
			}
			continue
		}
		taken := !l.state.Held()
		l.tryAcquireLocked(holder, reason)
		l.mu.Unlock()

		if err := l.drain(ctx, holder); err != nil {
			if taken {
				l.Release(holder)
			}
			return err
		}
		return nil
	}
}

func (l *ProductionLock) drain(ctx context.Context, holder string) error {
	for {
		l.mu.Lock()
		n := l.othersEnteringLocked(holder)
		if n == 0 {
			l.mu.Unlock()
			return nil
		}
		wait := l.changed
		l.mu.Unlock()
		log.Info().Str("incident_id", holder).Int("applying", n).Msg("Waiting for in-flight production changes")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %d change(s) still entering production: %w", remerrors.ErrLockHeld, n, ctx.Err())
		case <-wait:
		}
	}
}

// Enter takes an apply slot for id once nobody else holds the lock, or fails
// when ctx ends. The slot is held until Leave.
func (l *ProductionLock) Enter(ctx context.Context, id string) error {
	for {
		l.mu.Lock()
		if !l.state.Held() || l.state.Holder == id {
			l.entering[id] = struct{}{}
			l.mu.Unlock()
			return nil
		}
		wait := l.changed
		current := l.state.Holder
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w by %s: %w", remerrors.ErrLockHeld, current, ctx.Err())
		case <-wait:
		}
	}
}

// Leave gives back the apply slot taken by Enter.
func (l *ProductionLock) Leave(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entering[id]; !ok {
		return
	}
	delete(l.entering, id)
	l.notifyLocked()
}

// Applying reports how many incidents hold an apply slot.
func (l *ProductionLock) Applying() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entering)
}

// Release frees the lock if holder holds it.
func (l *ProductionLock) Release(holder string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.Held() || l.state.Holder != holder {
		return false
	}
	l.releaseLocked()
	log.Info().Str("incident_id", holder).Msg("Production lock released")
	return true
}

// ForceRelease frees the lock regardless of holder and returns what was held.
func (l *ProductionLock) ForceRelease() models.LockState {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.state
	if prev.Held() {
		l.releaseLocked()
	}
	return prev
}

func (l *ProductionLock) releaseLocked() {
	l.state = models.LockState{}
	l.notifyLocked()
	metrics.SetLockHeld(false)
}

func (l *ProductionLock) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// State returns the current lock state.
func (l *ProductionLock) State() models.LockState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Package circuit stops remedy from hammering an external tool (scanner, alert
// source, advisor) that keeps failing. An open breaker reports the tool as
// unavailable, which each gate maps to its fail-open or fail-closed policy.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	remerrors "github.com/kubeshield/remedy/internal/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed means calls flow normally
	StateClosed State = iota
	// StateOpen means calls are refused until the cooldown elapses
	StateOpen
	// StateHalfOpen means one probe call is allowed through
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures the circuit breaker behavior
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// SuccessThreshold is the number of probe successes needed to close again
	SuccessThreshold int
	// Cooldown is how long the breaker stays open after the first trip
	Cooldown time.Duration
	// MaxCooldown caps the cooldown after repeated failed probes
	MaxCooldown time.Duration
}

// DefaultConfig returns the defaults used for security tools.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Cooldown:         time.Minute,
		MaxCooldown:      10 * time.Minute,
	}
}

// ErrOpen is returned by Execute while the breaker refuses calls. It matches
// ErrToolUnavailable.
var ErrOpen = fmt.Errorf("circuit breaker is open: %w", remerrors.ErrToolUnavailable)

// Permanent marks an error that says nothing about the tool's health (bad input,
// a finding the tool reported on purpose). Such errors never trip the breaker.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	mu sync.Mutex

	name   string
	config Config
	state  State
	now    func() time.Time

	consecutiveFailures  int
	consecutiveSuccesses int
	cooldown             time.Duration
	openedAt             time.Time
	probeInFlight        bool
	lastError            error
	trips                int64

	onStateChange func(name string, from, to State)
}

// NewBreaker creates a breaker; zero config fields take their defaults.
func NewBreaker(name string, config Config) *Breaker {
	defaults := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	if config.MaxCooldown < config.Cooldown {
		config.MaxCooldown = config.Cooldown * 10
	}
	return &Breaker{
		name:     name,
		config:   config,
		state:    StateClosed,
		now:      time.Now,
		cooldown: config.Cooldown,
	}
}

// Name returns the guarded tool's name.
func (b *Breaker) Name() string {
	return b.name
}

// SetOnStateChange registers a callback invoked (synchronously, outside the
// lock) on every state change.
func (b *Breaker) SetOnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow reports whether a call may proceed. It moves an open breaker whose
// cooldown elapsed to half-open and lets exactly one probe through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var from, to State
	changed := false
	allowed := true

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			allowed = false
			break
		}
		from, to, changed = b.state, StateHalfOpen, true
		b.state = StateHalfOpen
		b.probeInFlight = true
		log.Info().Str("breaker", b.name).Msg("Circuit breaker half-open, probing tool")
	case StateHalfOpen:
		if b.probeInFlight {
			allowed = false
			break
		}
		b.probeInFlight = true
	}
	cb := b.onStateChange
	b.mu.Unlock()

	if changed && cb != nil {
		cb(b.name, from, to)
	}
	return allowed
}

// RecordSuccess records a healthy call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.consecutiveFailures = 0
	b.consecutiveSuccesses++
	from := b.state
	if b.state == StateHalfOpen {
		b.probeInFlight = false
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.cooldown = b.config.Cooldown
			log.Info().Str("breaker", b.name).Msg("Circuit breaker recovered and closed")
		}
	}
	to := b.state
	cb := b.onStateChange
	b.mu.Unlock()

	if from != to && cb != nil {
		cb(b.name, from, to)
	}
}

// RecordFailure records a failed call. Permanent errors only release a probe.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	from := b.state
	if IsPermanent(err) {
		b.probeInFlight = false
		b.mu.Unlock()
		return
	}

	b.lastError = err
	b.consecutiveSuccesses = 0
	b.consecutiveFailures++

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.trip(err)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.cooldown *= 2
		if b.cooldown > b.config.MaxCooldown {
			b.cooldown = b.config.MaxCooldown
		}
		b.trip(err)
	}
	to := b.state
	cb := b.onStateChange
	b.mu.Unlock()

	if from != to && cb != nil {
		cb(b.name, from, to)
	}
}

func (b *Breaker) trip(err error) {
	b.state = StateOpen
	b.openedAt = b.now()
	b.trips++
	log.Warn().
		Str("breaker", b.name).
		Dur("cooldown", b.cooldown).
		Int("failures", b.consecutiveFailures).
		Err(err).
		Msg("Circuit breaker tripped")
}

// Execute runs op if the breaker allows it and records the outcome.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := op(ctx)
	if err != nil {
		// the caller giving up is not the tool's fault
		if ctx.Err() != nil {
			b.RecordFailure(Permanent(err))
			return err
		}
		b.RecordFailure(err)
		return err
	}
	b.RecordSuccess()
	return nil
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.cooldown = b.config.Cooldown
	b.probeInFlight = false
	b.lastError = nil
	cb := b.onStateChange
	b.mu.Unlock()

	if from != StateClosed && cb != nil {
		cb(b.name, from, StateClosed)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status is a snapshot for the operator API.
type Status struct {
	Name                string        `json:"name"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastError           string        `json:"lastError,omitempty"`
	Cooldown            time.Duration `json:"cooldown"`
	Trips               int64         `json:"trips"`
	RetryIn             time.Duration `json:"retryIn,omitempty"`
}

// GetStatus returns the breaker's current status.
func (b *Breaker) GetStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := Status{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		Cooldown:            b.cooldown,
		Trips:               b.trips,
	}
	if b.lastError != nil {
		status.LastError = b.lastError.Error()
	}
	if b.state == StateOpen {
		if retryIn := b.cooldown - b.now().Sub(b.openedAt); retryIn > 0 {
			status.RetryIn = retryIn
		}
	}
	return status
}

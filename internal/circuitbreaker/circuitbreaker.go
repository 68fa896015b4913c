// Package circuitbreaker guards calls to flaky upstreams (routing and
// geocoding APIs) so repeated failures short-circuit to the local fallback.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
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

type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// Cooldown is how long the circuit stays open before a probe is let through.
	Cooldown time.Duration
	Name     string
	// OnStateChange, when set, is called with the lock released.
	OnStateChange func(name string, from, to State)
}

func DefaultConfig(name string) Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		Name:             name,
	}
}

type CircuitBreaker struct {
	cfg  Config
	now  func() time.Time
	mu   sync.Mutex
	st   State
	fail int
	ok   int
	last time.Time
}

func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the circuit is open. Context cancellation before
// the call is returned as-is and does not count as an upstream failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	if err != nil && errors.Is(err, context.Canceled) {
		return err
	}
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	if cb.st != StateOpen {
		cb.mu.Unlock()
		return nil
	}
	if cb.now().Sub(cb.last) < cb.cfg.Cooldown {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	cb.st = StateHalfOpen
	cb.ok = 0
	cb.mu.Unlock()
	cb.changed(StateOpen, StateHalfOpen)
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	from := cb.st
	if err != nil {
		cb.fail++
		cb.last = cb.now()
		if cb.st == StateHalfOpen || cb.fail >= cb.cfg.FailureThreshold {
			cb.st = StateOpen
		}
	} else {
		cb.fail = 0
		if cb.st == StateHalfOpen {
			cb.ok++
			if cb.ok >= cb.cfg.SuccessThreshold {
				cb.st = StateClosed
				cb.ok = 0
			}
		}
	}
	to := cb.st
	fails := cb.fail
	cb.mu.Unlock()

	if from != to {
		ev := log.Info()
		if to == StateOpen {
			ev = log.Warn()
		}
		ev.Str("circuit_breaker", cb.cfg.Name).Str("from", from.String()).Str("to", to.String()).
			Int("failure_count", fails).Msg("circuit breaker state change")
		cb.changed(from, to)
	}
}

func (cb *CircuitBreaker) changed(from, to State) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.st
}

type Stats struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	FailureCount int       `json:"failureCount"`
	LastFailure  time.Time `json:"lastFailure,omitempty"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{Name: cb.cfg.Name, State: cb.st.String(), FailureCount: cb.fail, LastFailure: cb.last}
}

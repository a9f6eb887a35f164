package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrOpen is returned without calling the guarded function while the breaker
// rejects calls.
var ErrOpen = errors.New("circuit breaker open")

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
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold half-open successes close it again.
	SuccessThreshold int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// MaxProbes bounds concurrent calls while half-open.
	MaxProbes int
	Clock     clock.Clock
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         10 * time.Second,
		MaxProbes:        1,
	}
}

// CircuitBreaker fails calls fast after repeated failures of a dependency.
type CircuitBreaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	changedAt time.Time

	onStateChange func(from, to State)
}

func New(cfg Config) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = def.MaxProbes
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &CircuitBreaker{cfg: cfg, changedAt: cfg.Clock.Now()}
}

// OnStateChange registers fn, called synchronously on every transition.
// fn must not call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the breaker is open. A cancelled ctx is returned
// as is and never counts as a failure of the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.admit() {
		return ErrOpen
	}

	err := fn()
	if err != nil && ctx.Err() != nil {
		cb.release()
		return err
	}
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.cfg.Clock.Since(cb.changedAt) < cb.cfg.Cooldown {
			return false
		}
		cb.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.probes >= cb.cfg.MaxProbes {
			return false
		}
		cb.probes++
	}
	return true
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
	if !ok {
		cb.successes = 0
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
		}
		return
	}

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.changedAt = cb.cfg.Clock.Now()
	cb.failures, cb.successes, cb.probes = 0, 0, 0
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failures = 0
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker's observable state.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned when the breaker short-circuits a call.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before trial calls.
	Cooldown time.Duration
	// HalfOpenSuccesses consecutive trial successes close the circuit.
	HalfOpenSuccesses int
	// CallTimeout bounds each wrapped call. A timeout counts as a failure.
	CallTimeout time.Duration
}

// CircuitBreaker halts calls to a failing dependency for a cooldown
// period. Closed admits calls; Open short-circuits until the cooldown
// elapses; Half-Open admits trial calls, closing after the configured
// consecutive successes and reopening on any failure.
type CircuitBreaker struct {
	mu                sync.Mutex
	cfg               BreakerConfig
	state             BreakerState
	failures          int
	halfOpenSuccesses int
	openedAt          time.Time
	now               func() time.Time
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 2
	}
	return &CircuitBreaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// State returns the current state for health reporting.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState folds the cooldown transition into the read. Callers hold b.mu.
func (b *CircuitBreaker) currentState() BreakerState {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = StateHalfOpen
		b.halfOpenSuccesses = 0
	}
	return b.state
}

// allow reports whether a call may proceed right now.
func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentState() == StateOpen {
		remaining := b.cfg.Cooldown - b.now().Sub(b.openedAt)
		return fmt.Errorf("%w: retry in %s", ErrCircuitOpen, remaining.Round(time.Millisecond))
	}
	return nil
}

// record updates the state machine with a call outcome.
func (b *CircuitBreaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	if success {
		switch state {
		case StateHalfOpen:
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.HalfOpenSuccesses {
				b.state = StateClosed
				b.failures = 0
			}
		default:
			b.failures = 0
		}
		return
	}

	switch state {
	case StateHalfOpen:
		// Any half-open failure reopens immediately.
		b.state = StateOpen
		b.openedAt = b.now()
		b.failures = 0
	default:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.failures = 0
		}
	}
}

// Do runs fn through the breaker with the configured call timeout.
// Timeouts are failures for breaker accounting, same as transport errors.
func (b *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	callCtx := ctx
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	err := fn(callCtx)
	b.record(err == nil)
	return err
}

// BreakerGroup keys independent breakers by name, one per external
// dependency, so a failing model does not trip calls to its siblings.
type BreakerGroup struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*CircuitBreaker
}

func NewBreakerGroup(cfg BreakerConfig) *BreakerGroup {
	return &BreakerGroup{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// For returns the breaker for name, creating it on first use.
func (g *BreakerGroup) For(name string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[name]
	if !ok {
		b = NewCircuitBreaker(g.cfg)
		g.breakers[name] = b
	}
	return b
}

// States snapshots every breaker's state for health reporting.
func (g *BreakerGroup) States() map[string]BreakerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	states := make(map[string]BreakerState, len(g.breakers))
	for name, b := range g.breakers {
		states[name] = b.State()
	}
	return states
}

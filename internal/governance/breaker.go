package governance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState represents the state of a circuit breaker.
type BreakerState string

const (
	// StateClosed lets calls through.
	StateClosed BreakerState = "closed"
	// StateOpen rejects calls until the open timeout elapses.
	StateOpen BreakerState = "open"
	// StateHalfOpen lets a bounded number of probe calls through.
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig defines thresholds for circuit breaking.
type BreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	// Zero disables breaking.
	MaxFailures int `json:"maxFailures" yaml:"maxFailures"`
	// OpenMs is how long the circuit stays open before probing.
	OpenMs int `json:"openMs" yaml:"openMs"`
	// HalfOpenProbes is the number of successful probes that close the circuit.
	HalfOpenProbes int `json:"halfOpenProbes" yaml:"halfOpenProbes"`
}

// CircuitBreaker implements the circuit breaker pattern for one backend target.
type CircuitBreaker struct {
	mu         sync.Mutex
	cfg        BreakerConfig
	openFor    time.Duration
	state      BreakerState
	failures   int
	successes  int
	inFlight   int
	openUntil  time.Time
	lastChange time.Time
	now        func() time.Time
}

// NewCircuitBreaker creates a breaker with defaults applied to cfg.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures < 0 {
		cfg.MaxFailures = 0
	}
	if cfg.OpenMs <= 0 {
		cfg.OpenMs = 30_000
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &CircuitBreaker{
		cfg:        cfg,
		openFor:    time.Duration(cfg.OpenMs) * time.Millisecond,
		state:      StateClosed,
		lastChange: time.Now(),
		now:        time.Now,
	}
}

// Execute runs fn under breaker protection. Context cancellation is not
// counted as a backend failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.before(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.openUntil) {
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen)
		cb.inFlight++
		return nil
	case StateHalfOpen:
		if cb.inFlight >= cb.cfg.HalfOpenProbes {
			return ErrCircuitOpen
		}
		cb.inFlight++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		if cb.state == StateHalfOpen && cb.inFlight > 0 {
			cb.inFlight--
		}
		return
	}

	switch cb.state {
	case StateHalfOpen:
		cb.inFlight--
		if err != nil {
			cb.transitionLocked(StateOpen)
			return
		}
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenProbes {
			cb.transitionLocked(StateClosed)
		}
	case StateClosed:
		if err == nil {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.cfg.MaxFailures > 0 && cb.failures >= cb.cfg.MaxFailures {
			cb.transitionLocked(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) transitionLocked(next BreakerState) {
	if cb.state == next {
		return
	}
	now := cb.now()
	cb.state = next
	cb.lastChange = now
	cb.failures = 0
	cb.successes = 0
	cb.inFlight = 0
	if next == StateOpen {
		cb.openUntil = now.Add(cb.openFor)
	} else {
		cb.openUntil = time.Time{}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerStats exposes circuit breaker status information.
type BreakerStats struct {
	Target          string `json:"target"`
	State           string `json:"state"`
	Failures        int    `json:"failures"`
	LastStateChange string `json:"lastStateChange"`
}

// Stats returns the current status of the breaker.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:           string(cb.state),
		Failures:        cb.failures,
		LastStateChange: cb.lastChange.Format(time.RFC3339),
	}
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
}

// BreakerSet keeps one breaker per backend target, created on first use.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty set.
func NewBreakerSet() *BreakerSet {
	return &BreakerSet{breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for target, creating it from cfg if needed. The
// config of an existing breaker is not changed.
func (s *BreakerSet) Get(target string, cfg BreakerConfig) *CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[target]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[target]; ok {
		return cb
	}
	cb = NewCircuitBreaker(cfg)
	s.breakers[target] = cb
	return cb
}

// Stats returns the status of every breaker sorted by target.
func (s *BreakerSet) Stats() []BreakerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]BreakerStats, 0, len(s.breakers))
	for target, cb := range s.breakers {
		st := cb.Stats()
		st.Target = target
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Package circuitbreaker guards outbound calls to downstream services.
// A breaker opens after a run of consecutive failures, blocks calls for a
// cooldown, then half-opens to probe with a bounded number of requests.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned by Allow while the breaker is open or the half-open
// probe budget is spent.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes one breaker.
type Config struct {
	// Name identifies the guarded target in logs.
	Name string

	// MaxFailures is the consecutive-failure count that trips the breaker.
	MaxFailures int

	// Cooldown is how long the breaker stays open before half-opening.
	Cooldown time.Duration

	// HalfOpenProbes bounds concurrent requests in half-open state.
	HalfOpenProbes int
}

// DefaultConfig matches the dispatcher's delivery policy.
func DefaultConfig(name string) Config {
	return Config{
		Name:           name,
		MaxFailures:    5,
		Cooldown:       30 * time.Second,
		HalfOpenProbes: 1,
	}
}

// Counts tracks request outcomes within the current generation.
type Counts struct {
	Requests             int
	Successes            int
	Failures             int
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}

func (c *Counts) clear() { *c = Counts{} }

func (c *Counts) onSuccess() {
	c.Requests++
	c.Successes++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.Failures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker is one circuit breaker. Allow/Record bracket each guarded
// call; the generation counter discards results that straddle a state
// change.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	openUntil  time.Time
}

// New builds a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a call may proceed, returning the generation to
// hand back to Record.
func (b *Breaker) Allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)

	if state == StateOpen {
		return b.generation, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.HalfOpenProbes {
		return b.generation, ErrOpen
	}
	return b.generation, nil
}

// Record reports a call outcome. Outcomes from a previous generation are
// discarded.
func (b *Breaker) Record(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)
	if generation != b.generation {
		return
	}

	if success {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.cfg.MaxFailures {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// State returns the current state, advancing open to half-open when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Snapshot returns the current counts.
func (b *Breaker) Snapshot() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.After(b.openUntil) {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.generation++
	b.counts.clear()
	if state == StateOpen {
		b.openUntil = now.Add(b.cfg.Cooldown)
	}
	slog.Info("circuit breaker state change",
		"target", b.cfg.Name, "from", prev.String(), "to", state.String())
}

// Manager holds one breaker per downstream target, created on first use.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	template Config
}

// NewManager builds a manager stamping template onto each new breaker.
func NewManager(template Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		template: template,
	}
}

// Get returns the breaker for a target, creating it if needed.
func (m *Manager) Get(target string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[target]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[target]; ok {
		return b
	}
	cfg := m.template
	cfg.Name = target
	b = New(cfg)
	m.breakers[target] = b
	return b
}

// States reports every breaker's state, for health endpoints.
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State().String()
	}
	return out
}

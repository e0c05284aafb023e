// Package resilience guards calls to external collaborators: one circuit
// breaker per collaborator and bounded retries for transient failures.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// State is the position of a breaker.
type State int

const (
	// Closed lets calls through.
	Closed State = iota
	// Open rejects calls until the cooldown elapses.
	Open
	// HalfOpen lets a single probe through.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without calling the collaborator while its
// breaker is open.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// BreakerConfig controls when a breaker opens and for how long.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Default 3.
	FailureThreshold int
	// Cooldown is how long an open breaker rejects calls. Default 24h.
	Cooldown time.Duration
	// Trips reports whether err counts as a failure. Nil counts every error
	// except cancellation by the caller.
	Trips func(err error) bool
}

// DefaultBreakerConfig returns the collaborator defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 3, Cooldown: 24 * time.Hour}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.Trips == nil {
		c.Trips = func(err error) bool { return err != nil && !errors.Is(err, context.Canceled) }
	}
	return c
}

// Breaker is the circuit breaker of one collaborator.
type Breaker struct {
	name string
	cfg  BreakerConfig
	log  *zap.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	now func() time.Time
}

// NewBreaker creates a closed breaker for the named collaborator.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
		log:  zap.L().With(zap.String("component", "resilience"), zap.String("collaborator", name)),
		now:  time.Now,
	}
}

// Name returns the collaborator name.
func (b *Breaker) Name() string { return b.name }

// Call runs fn unless the breaker is open.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Guard(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Guard runs fn through the breaker and returns its value.
func Guard[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	b.record(err)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// State returns the current state. An open breaker past its cooldown
// reports HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.cooledDown() {
		return HalfOpen
	}
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.transition(Closed)
}

func (b *Breaker) cooledDown() bool {
	return b.now().Sub(b.openedAt) >= b.cfg.Cooldown
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if !b.cooledDown() {
			return eris.Wrapf(ErrCircuitOpen, "resilience: %s", b.name)
		}
		b.transition(HalfOpen)
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return eris.Wrapf(ErrCircuitOpen, "resilience: %s probe in flight", b.name)
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.state == HalfOpen
	b.probing = false

	if !b.cfg.Trips(err) {
		if err == nil || wasProbe {
			b.failures = 0
		}
		if err == nil && wasProbe {
			b.transition(Closed)
		}
		return
	}

	b.failures++
	if wasProbe || b.failures >= b.cfg.FailureThreshold {
		b.openedAt = b.now()
		b.transition(Open)
		b.log.Warn("resilience: collaborator disabled",
			zap.Int("failures", b.failures),
			zap.Duration("cooldown", b.cfg.Cooldown),
			zap.Error(err),
		)
	}
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.log.Info("resilience: breaker state change",
		zap.String("from", b.state.String()),
		zap.String("to", to.String()),
	)
	b.state = to
}

// Set holds the breakers of every collaborator.
type Set struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet creates an empty set whose breakers share cfg.
func NewSet(cfg BreakerConfig) *Set {
	return &Set{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker of the named collaborator, creating it on first use.
func (s *Set) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = NewBreaker(name, s.cfg)
		s.breakers[name] = b
	}
	return b
}

// States returns the state of every breaker created so far.
func (s *Set) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State()
	}
	return out
}

package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/decision-engine/internal/featurestore"
	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/resilience"
)

// Config bounds every collaborator call.
type Config struct {
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	Decay         Decay
	// MinConfidence is the decayed confidence below which a signal is
	// treated as unavailable.
	MinConfidence float64
	Retry         resilience.RetryPolicy
}

// DefaultConfig returns a 10s per-call timeout at 5 calls per second.
func DefaultConfig() Config {
	return Config{
		Timeout:       10 * time.Second,
		RatePerSecond: 5,
		Burst:         5,
		Decay:         DefaultDecay(),
		MinConfidence: 0.2,
		Retry:         resilience.DefaultRetryPolicy(),
	}
}

// Result is what the collaborators contributed to one evaluation.
type Result struct {
	Signals          map[string]Signal `json:"signals"`
	Notes            []string          `json:"notes,omitempty"`
	RequiredFailures []string          `json:"required_failures,omitempty"`
}

// Available returns the named signal when it was collected.
func (r Result) Available(name string) (Signal, bool) {
	s, ok := r.Signals[name]
	return s, ok
}

// Collector fans out to every source concurrently.
type Collector struct {
	cfg      Config
	sources  []Source
	breakers *resilience.Set
	limiters map[string]*rate.Limiter
	log      *zap.Logger
}

// NewCollector creates a collector. breakers may be shared across collectors
// so that a disabled collaborator stays disabled process-wide.
func NewCollector(cfg Config, breakers *resilience.Set, sources ...Source) *Collector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if breakers == nil {
		breakers = resilience.NewSet(resilience.DefaultBreakerConfig())
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	limiters := make(map[string]*rate.Limiter, len(sources))
	for _, s := range sources {
		limiters[s.Name()] = rate.NewLimiter(limit, cfg.Burst)
	}
	return &Collector{
		cfg:      cfg,
		sources:  sources,
		breakers: breakers,
		limiters: limiters,
		log:      zap.L().With(zap.String("component", "enrich")),
	}
}

// Sources returns the configured sources.
func (c *Collector) Sources() []Source { return c.sources }

// Breakers returns the breaker set.
func (c *Collector) Breakers() *resilience.Set { return c.breakers }

type outcome struct {
	sig Signal
	err error
}

// Collect calls every source and waits for all of them. It never fails:
// unavailable sources are noted, required ones also listed in
// RequiredFailures. asOf anchors freshness decay.
func (c *Collector) Collect(ctx context.Context, entity *model.CanonicalEntity, snap *featurestore.Snapshot, asOf time.Time) Result {
	outcomes := make([]outcome, len(c.sources))

	var g errgroup.Group
	for i, s := range c.sources {
		g.Go(func() error {
			sig, err := c.fetch(ctx, s, entity, snap)
			outcomes[i] = outcome{sig: sig, err: err}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Signals: make(map[string]Signal)}
	for i, s := range c.sources {
		o := outcomes[i]
		if o.err != nil {
			res.unavailable(s, reason(o.err))
			c.log.Warn("enrich: signal unavailable",
				zap.String("source", s.Name()),
				zap.Bool("required", s.Required()),
				zap.Error(o.err),
			)
			continue
		}
		sig := o.sig
		sig.Name = s.Name()
		sig.Value = clamp(sig.Value, 0, 100)
		sig.Confidence = c.cfg.Decay.Confidence(clamp(sig.Confidence, 0, 1), sig.Freshness, asOf)
		if sig.Confidence <= 0 || sig.Confidence < c.cfg.MinConfidence {
			res.unavailable(s, fmt.Sprintf("stale (confidence %.2f)", sig.Confidence))
			c.log.Info("enrich: signal below confidence floor",
				zap.String("source", s.Name()),
				zap.Float64("confidence", sig.Confidence),
				zap.Time("freshness", sig.Freshness),
			)
			continue
		}
		res.Signals[s.Name()] = sig
	}
	return res
}

func (r *Result) unavailable(s Source, why string) {
	r.Notes = append(r.Notes, fmt.Sprintf("%s unavailable: %s", s.Name(), why))
	if s.Required() {
		r.RequiredFailures = append(r.RequiredFailures, s.Name())
	}
}

func (c *Collector) fetch(ctx context.Context, s Source, entity *model.CanonicalEntity, snap *featurestore.Snapshot) (Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.limiters[s.Name()].Wait(ctx); err != nil {
		return Signal{}, err
	}
	// A source with no data for the entity is healthy; only failures trip.
	v, err := resilience.Guard(ctx, c.breakers.Get(s.Name()), func(ctx context.Context) (outcome, error) {
		sig, err := resilience.Retry(ctx, s.Name(), c.cfg.Retry, func(ctx context.Context) (Signal, error) {
			return safeFetch(ctx, s, entity, snap)
		})
		if errors.Is(err, ErrUnavailable) {
			return outcome{err: err}, nil
		}
		return outcome{sig: sig}, err
	})
	if err != nil {
		return Signal{}, err
	}
	return v.sig, v.err
}

func safeFetch(ctx context.Context, s Source, entity *model.CanonicalEntity, snap *featurestore.Snapshot) (sig Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("enrich: %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Fetch(ctx, entity, snap)
}

func reason(err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrMalformed):
		return "malformed response"
	case errors.Is(err, ErrUnavailable):
		return "no data"
	}
	return err.Error()
}

// Package enrich calls the external collaborators of an evaluation:
// alt-data signal providers and the narrative scorer. Every collaborator is
// optional unless it says otherwise; an unavailable one is reported, never
// fatal.
package enrich

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decision-engine/internal/featurestore"
	"github.com/sells-group/decision-engine/internal/model"
)

var (
	// ErrUnavailable is returned by a source that has nothing for the entity.
	ErrUnavailable = eris.New("enrich: signal unavailable")
	// ErrMalformed is returned when a collaborator response fails validation.
	ErrMalformed = eris.New("enrich: malformed response")
)

// Signal is one collaborator's contribution to an evaluation.
type Signal struct {
	Name string `json:"name"`
	// Value is on the 0..100 rubric scale.
	Value float64 `json:"value"`
	// Freshness is when the collaborator last observed the underlying data.
	Freshness time.Time `json:"freshness"`
	// Confidence is in [0, 1] and already decayed for age.
	Confidence float64            `json:"confidence"`
	Flags      []string           `json:"flags,omitempty"`
	Summary    string             `json:"summary,omitempty"`
	Detail     map[string]float64 `json:"detail,omitempty"`
}

// Source is one external collaborator.
type Source interface {
	Name() string
	// Required sources block the evaluation into Abstain when unavailable.
	Required() bool
	Fetch(ctx context.Context, entity *model.CanonicalEntity, snap *featurestore.Snapshot) (Signal, error)
}

// Decay ages collaborator confidence with a half-life.
type Decay struct {
	HalfLifeDays float64 `mapstructure:"half_life_days" yaml:"half_life_days"`
	Floor        float64 `mapstructure:"floor" yaml:"floor"`
}

// DefaultDecay halves confidence every 180 days.
func DefaultDecay() Decay { return Decay{HalfLifeDays: 180, Floor: 0.05} }

// Confidence returns max(floor, raw * 2^(-age/halfLife)) with age measured
// from freshness to asOf. Data without a timestamp keeps its raw confidence.
func (d Decay) Confidence(raw float64, freshness, asOf time.Time) float64 {
	if raw <= 0 {
		return 0
	}
	if freshness.IsZero() {
		return raw
	}
	age := asOf.Sub(freshness).Hours() / 24
	if age <= 0 {
		return raw
	}
	half := d.HalfLifeDays
	if half <= 0 {
		half = DefaultDecay().HalfLifeDays
	}
	c := raw * math.Pow(2, -age/half)
	if c < d.Floor {
		return d.Floor
	}
	return c
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

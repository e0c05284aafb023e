package engine

import (
	"math"

	"github.com/sells-group/decision-engine/internal/model"
)

// BandConfig shapes the confidence band.
type BandConfig struct {
	// Base is the half-width at full completeness.
	Base float64 `mapstructure:"base" yaml:"base"`
	// CompletenessFactor scales widening per unit of missing data.
	CompletenessFactor float64 `mapstructure:"completeness_factor" yaml:"completeness_factor"`
	// PooledWiden multiplies the half-width by (1 + PooledWiden * downgrade).
	PooledWiden float64 `mapstructure:"pooled_widen" yaml:"pooled_widen"`
	// DistressWiden multiplies the half-width by (1 + DistressWiden) per
	// fired distress or governance criterion.
	DistressWiden float64 `mapstructure:"distress_widen" yaml:"distress_widen"`
	// HighMax and MediumMax bound the rendered level by half-width.
	HighMax   float64 `mapstructure:"high_max" yaml:"high_max"`
	MediumMax float64 `mapstructure:"medium_max" yaml:"medium_max"`
}

// DefaultBandConfig returns the band defaults.
func DefaultBandConfig() BandConfig {
	return BandConfig{Base: 5, CompletenessFactor: 2, PooledWiden: 0.5, DistressWiden: 0.25, HighMax: 7.5, MediumMax: 15}
}

// BandInput is what the band depends on.
type BandInput struct {
	Score        float64
	Completeness float64
	Downgrade    int
	Distress     int
}

// HalfWidth is non-decreasing as completeness falls and as downgrade or
// distress rise.
func (b BandConfig) HalfWidth(in BandInput) float64 {
	missing := 1 - clamp(in.Completeness, 0, 1)
	h := b.Base * (1 + missing*math.Max(b.CompletenessFactor, 0))
	h *= 1 + math.Max(b.PooledWiden, 0)*float64(max(in.Downgrade, 0))
	h *= 1 + math.Max(b.DistressWiden, 0)*float64(max(in.Distress, 0))
	return h
}

var bandLevels = []string{"high", "medium", "low"}

// Band builds the interval around a score, clipped to 0..100. The level
// comes from the completeness-driven width and then drops one step per
// pooled downgrade and per fired distress or governance criterion.
func (b BandConfig) Band(in BandInput) model.ConfidenceBand {
	h := b.HalfWidth(in)
	lo := clamp(in.Score-h, 0, 100)
	hi := clamp(in.Score+h, 0, 100)

	base := b.HalfWidth(BandInput{Score: in.Score, Completeness: in.Completeness})
	level := 2
	switch {
	case base <= b.HighMax:
		level = 0
	case base <= b.MediumMax:
		level = 1
	}
	level = min(level+max(in.Downgrade, 0)+max(in.Distress, 0), len(bandLevels)-1)
	return model.ConfidenceBand{Low: lo, High: hi, Width: hi - lo, Level: bandLevels[level]}
}

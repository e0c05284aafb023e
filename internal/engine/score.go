package engine

import (
	"math"

	"github.com/sells-group/decision-engine/internal/enrich"
	"github.com/sells-group/decision-engine/internal/model"
)

// Rubric component names.
const (
	ComponentSurvival  = "survival"
	ComponentProgress  = "progress"
	ComponentReturns   = "returns"
	ComponentNarrative = enrich.NarrativeName
	ComponentAltData   = enrich.AltDataName
)

// Weights are the nominal rubric weights. Any positive scale works; only
// ratios matter.
type Weights struct {
	Survival  float64 `mapstructure:"survival" yaml:"survival"`
	Progress  float64 `mapstructure:"progress" yaml:"progress"`
	Returns   float64 `mapstructure:"returns" yaml:"returns"`
	Narrative float64 `mapstructure:"narrative" yaml:"narrative"`
	AltData   float64 `mapstructure:"alt_data" yaml:"alt_data"`
}

// DefaultWeights returns 35/15/20/15/15.
func DefaultWeights() Weights {
	return Weights{Survival: 35, Progress: 15, Returns: 20, Narrative: 15, AltData: 15}
}

// Sum returns the total nominal weight.
func (w Weights) Sum() float64 {
	return w.Survival + w.Progress + w.Returns + w.Narrative + w.AltData
}

func (w Weights) of(name string) float64 {
	switch name {
	case ComponentSurvival:
		return w.Survival
	case ComponentProgress:
		return w.Progress
	case ComponentReturns:
		return w.Returns
	case ComponentNarrative:
		return w.Narrative
	case ComponentAltData:
		return w.AltData
	}
	return 0
}

// Rubric combines component values into one 0..100 score.
type Rubric struct {
	Weights Weights
	// ReturnsTarget is the probability-weighted MOIC that earns 100.
	ReturnsTarget float64
}

// SurvivalValue maps a survival distribution to 0..100: an exit counts in
// full, continued trading counts half.
func SurvivalValue(p map[model.Outcome]float64) float64 {
	return 100 * clamp(p[model.OutcomeExited]+0.5*p[model.OutcomeTrading], 0, 1)
}

// ReturnsValue maps a return distribution to 0..100.
func (r Rubric) ReturnsValue(d *model.ReturnSummary) float64 {
	target := r.ReturnsTarget
	if target <= 0 {
		target = 3
	}
	return 100 * clamp(d.ProbWeightedMean/target, 0, 1)
}

// Score weights the available components. A component with a confidence
// in (0, 1) keeps that share of its nominal weight. The weight of an
// unavailable component, and the discounted share of a low-confidence one,
// is redistributed over the rest in proportion to their weights.
// Components come back with effective weights in percent; with nothing
// available the score is 0.
func (r Rubric) Score(components []model.ComponentScore) (float64, []model.ComponentScore) {
	var avail float64
	for _, c := range components {
		if c.Available {
			avail += r.nominal(c)
		}
	}

	out := make([]model.ComponentScore, len(components))
	var score float64
	for i, c := range components {
		c.Weight = 0
		if c.Available && avail > 0 {
			c.Weight = 100 * r.nominal(c) / avail
			score += c.Weight * clamp(c.Value, 0, 100) / 100
		}
		out[i] = c
	}
	return score, out
}

func (r Rubric) nominal(c model.ComponentScore) float64 {
	w := r.Weights.of(c.Name)
	if c.Confidence > 0 && c.Confidence < 1 {
		return w * c.Confidence
	}
	return w
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// Package simulate turns outcome probabilities and deal terms into a Monte
// Carlo distribution of investor multiple on invested capital.
package simulate

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/model"
)

// SpreadFloor is the smallest P10 used as the spread denominator.
const SpreadFloor = 0.05

// Distribution is the reported shape of one simulation.
type Distribution = model.ReturnSummary

// Config controls the number of draws and the random stream.
type Config struct {
	Draws int    `yaml:"draws" mapstructure:"draws"`
	Seed  uint64 `yaml:"seed" mapstructure:"seed"`
}

// DefaultConfig returns 1000 draws with a fixed seed.
func DefaultConfig() Config {
	return Config{Draws: 1000, Seed: 20240101}
}

// ErrNoProbabilities is returned when the outcome probabilities carry no mass.
var ErrNoProbabilities = eris.New("simulate: outcome probabilities are empty")

// Simulator runs return simulations against a fixed set of priors.
type Simulator struct {
	cfg    Config
	priors Priors
	log    *zap.Logger
}

// New creates a simulator. Nil priors use DefaultPriors.
func New(cfg Config, priors Priors) *Simulator {
	if cfg.Draws <= 0 {
		cfg.Draws = DefaultConfig().Draws
	}
	if priors == nil {
		priors = DefaultPriors()
	}
	return &Simulator{
		cfg:    cfg,
		priors: priors,
		log:    zap.L().With(zap.String("component", "simulate")),
	}
}

// Priors returns the class priors in use.
func (s *Simulator) Priors() Priors { return s.priors }

// Run simulates the investor MOIC distribution. Identical seed, probabilities
// and terms give identical output.
func (s *Simulator) Run(probs map[model.Outcome]float64, terms EntryTerms) (Distribution, error) {
	return s.RunSeeded(probs, terms, s.cfg.Seed)
}

// RunSeeded is Run with an explicit seed.
func (s *Simulator) RunSeeded(probs map[model.Outcome]float64, terms EntryTerms, seed uint64) (Distribution, error) {
	if err := terms.Validate(); err != nil {
		return Distribution{}, err
	}
	classes, cum, err := cumulative(probs)
	if err != nil {
		return Distribution{}, err
	}

	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	hs, investor := terms.holders()
	post := terms.PostMoney()
	stretch := terms.Stretch()

	n := s.cfg.Draws
	moics := make([]float64, n)
	byClass := make(map[model.Outcome][]float64, len(classes))
	for d := 0; d < n; d++ {
		class := pick(classes, cum, r.Float64())
		multiple := s.priors[class].Sample(r) / stretch

		proceeds := post.Mul(decimal.NewFromFloat(multiple))
		payout := Waterfall(proceeds, hs)[investor]
		moic := investorMOIC(terms, class, payout)

		moics[d] = moic
		byClass[class] = append(byClass[class], moic)
	}

	dist := summarize(moics)
	dist.Seed = seed
	dist.ClassMass = make(map[model.Outcome]float64, len(classes))
	for _, c := range classes {
		dist.ClassMass[c] = float64(len(byClass[c])) / float64(n)
	}
	dist.ProbWeightedMean = probWeightedMean(probs, byClass)

	s.log.Debug("simulate: run complete",
		zap.Int("draws", n),
		zap.Uint64("seed", seed),
		zap.Float64("p10", dist.P10),
		zap.Float64("p50", dist.P50),
		zap.Float64("p90", dist.P90),
	)
	return dist, nil
}

// investorMOIC converts a payout into MOIC including tax relief. Relief is
// credited up front; loss relief applies to the unrelieved loss on failure.
func investorMOIC(t EntryTerms, class model.Outcome, payout decimal.Decimal) float64 {
	cheque := t.Cheque
	total := payout
	relief := cheque.Mul(decimal.NewFromFloat(t.TaxRelief.Rate))
	total = total.Add(relief)
	if class == model.OutcomeFailed && t.TaxRelief.LossReliefRate > 0 {
		loss := cheque.Sub(relief).Sub(payout)
		if loss.IsPositive() {
			total = total.Add(loss.Mul(decimal.NewFromFloat(t.TaxRelief.LossReliefRate)))
		}
	}
	return total.Div(cheque).InexactFloat64()
}

func cumulative(probs map[model.Outcome]float64) ([]model.Outcome, []float64, error) {
	var (
		classes []model.Outcome
		total   float64
	)
	for _, c := range model.SurvivalClasses {
		p := probs[c]
		if p < 0 || math.IsNaN(p) {
			return nil, nil, eris.Errorf("simulate: probability of %s is %v", c, p)
		}
		if p > 0 {
			classes = append(classes, c)
			total += p
		}
	}
	if total <= 0 {
		return nil, nil, ErrNoProbabilities
	}
	cum := make([]float64, len(classes))
	var acc float64
	for i, c := range classes {
		acc += probs[c] / total
		cum[i] = acc
	}
	cum[len(cum)-1] = 1
	return classes, cum, nil
}

func pick(classes []model.Outcome, cum []float64, u float64) model.Outcome {
	for i, c := range cum {
		if u < c {
			return classes[i]
		}
	}
	return classes[len(classes)-1]
}

func summarize(moics []float64) Distribution {
	sorted := make([]float64, len(moics))
	copy(sorted, moics)
	sort.Float64s(sorted)

	var sum float64
	for _, m := range sorted {
		sum += m
	}
	d := Distribution{
		P10:   Percentile(sorted, 10),
		P50:   Percentile(sorted, 50),
		P90:   Percentile(sorted, 90),
		Mean:  sum / float64(len(sorted)),
		Draws: len(sorted),
	}
	d.Spread = Spread(d.P10, d.P90)
	return d
}

// Percentile returns the nearest-rank percentile of an ascending slice.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(len(sorted)) / 100))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// Spread is P90 over P10 with the P10 floored at SpreadFloor.
func Spread(p10, p90 float64) float64 {
	return p90 / math.Max(p10, SpreadFloor)
}

// probWeightedMean weights each class's mean simulated MOIC by the model
// probability, renormalized over classes that were drawn.
func probWeightedMean(probs map[model.Outcome]float64, byClass map[model.Outcome][]float64) float64 {
	var num, den float64
	for _, c := range model.SurvivalClasses {
		ms := byClass[c]
		if len(ms) == 0 {
			continue
		}
		var sum float64
		for _, m := range ms {
			sum += m
		}
		num += probs[c] * sum / float64(len(ms))
		den += probs[c]
	}
	if den == 0 {
		return 0
	}
	return num / den
}

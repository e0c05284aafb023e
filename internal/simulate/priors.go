package simulate

import (
	"math"
	"math/rand/v2"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/decision-engine/internal/model"
)

// ClassPrior is the exit equity value multiple distribution of one outcome
// class, expressed against the entry post-money: a point mass at zero plus
// a lognormal with the given median and log-scale sigma.
type ClassPrior struct {
	Median   float64 `yaml:"median" json:"median"`
	Sigma    float64 `yaml:"sigma" json:"sigma"`
	ZeroMass float64 `yaml:"zero_mass" json:"zero_mass"`
	Source   string  `yaml:"source" json:"source"`
	N        int     `yaml:"-" json:"n,omitempty"`
}

// Sample draws one multiple.
func (p ClassPrior) Sample(r *rand.Rand) float64 {
	if p.ZeroMass > 0 && r.Float64() < p.ZeroMass {
		return 0
	}
	if p.Median <= 0 {
		return 0
	}
	return math.Exp(math.Log(p.Median) + p.Sigma*r.NormFloat64())
}

// Priors maps each outcome class to its multiple distribution.
type Priors map[model.Outcome]ClassPrior

// DefaultPriors are published-benchmark shapes for early-stage outcomes:
// most failures return nothing, companies still trading at the horizon are
// marked slightly below entry, and exits are right-skewed around 3x.
func DefaultPriors() Priors {
	return Priors{
		model.OutcomeFailed:  {Median: 0.1, Sigma: 0.5, ZeroMass: 0.9, Source: "benchmark"},
		model.OutcomeTrading: {Median: 0.8, Sigma: 0.6, Source: "benchmark"},
		model.OutcomeExited:  {Median: 3.0, Sigma: 1.1, Source: "benchmark"},
	}
}

// LoadPriors reads class priors from a YAML file. Classes missing from the
// file keep their defaults.
func LoadPriors(path string) (Priors, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "simulate: read priors %s", path)
	}
	var file map[model.Outcome]ClassPrior
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, eris.Wrapf(err, "simulate: parse priors %s", path)
	}

	out := DefaultPriors()
	for o, p := range file {
		if !o.Valid() {
			return nil, eris.Errorf("simulate: priors %s: unknown class %q", path, o)
		}
		if p.Median < 0 || p.Sigma < 0 || p.ZeroMass < 0 || p.ZeroMass > 1 {
			return nil, eris.Errorf("simulate: priors %s: class %s out of range", path, o)
		}
		if p.Source == "" {
			p.Source = "file"
		}
		out[o] = p
	}
	return out, nil
}

// FitLogNormal fits a class prior to observed exit multiples. It reports
// false when fewer than minN observations are available.
func FitLogNormal(multiples []float64, minN int) (ClassPrior, bool) {
	if len(multiples) < minN || len(multiples) == 0 {
		return ClassPrior{}, false
	}
	var (
		logs  []float64
		zeros int
	)
	for _, m := range multiples {
		if m <= 0 {
			zeros++
			continue
		}
		logs = append(logs, math.Log(m))
	}

	p := ClassPrior{
		ZeroMass: float64(zeros) / float64(len(multiples)),
		Source:   "historical",
		N:        len(multiples),
	}
	if len(logs) == 0 {
		return p, true
	}
	var mean float64
	for _, l := range logs {
		mean += l
	}
	mean /= float64(len(logs))
	var ss float64
	for _, l := range logs {
		ss += (l - mean) * (l - mean)
	}
	p.Median = math.Exp(mean)
	if len(logs) > 1 {
		p.Sigma = math.Sqrt(ss / float64(len(logs)-1))
	}
	return p, true
}

// FitPriors replaces each fallback class prior with a historical fit when
// at least minExits observations exist for the class.
func FitPriors(history map[model.Outcome][]float64, fallback Priors, minExits int) Priors {
	out := make(Priors, len(fallback))
	for o, p := range fallback {
		out[o] = p
	}
	for o, ms := range history {
		if p, ok := FitLogNormal(ms, minExits); ok {
			out[o] = p
		}
	}
	return out
}

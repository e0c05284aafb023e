package registry

import (
	"math/rand/v2"
	"sort"
)

// BacktestPolicy is the selection policy a backtest portfolio obeys.
type BacktestPolicy struct {
	MaxPerPeriod          int `yaml:"max_per_period" mapstructure:"max_per_period"`
	MaxPerSectorPerPeriod int `yaml:"max_per_sector_per_period" mapstructure:"max_per_sector_per_period"`
}

// Candidate is one scored historical opportunity with its realized MOIC.
// Heuristic and Momentum are the rule-based baseline scores of the same
// opportunity.
type Candidate struct {
	Period    string
	Sector    string
	Score     float64
	MOIC      float64
	Failed    bool
	Heuristic float64
	Momentum  float64
}

// PortfolioStats summarize one selected portfolio.
type PortfolioStats struct {
	Selected    int     `json:"selected"`
	MeanMOIC    float64 `json:"mean_moic"`
	FailureRate float64 `json:"failure_rate"`
	SectorShare float64 `json:"sector_share"`
}

// BacktestResult compares greedy selection by score against random
// selection and the rule-based baselines under the same policy.
type BacktestResult struct {
	Selected            int     `json:"selected"`
	MeanMOIC            float64 `json:"mean_moic"`
	BaselineMOIC        float64 `json:"baseline_moic"`
	Lift                float64 `json:"lift"`
	FailureRate         float64 `json:"failure_rate"`
	BaselineFailureRate float64 `json:"baseline_failure_rate"`
	FailureRateVsRandom float64 `json:"failure_rate_vs_random"`
	// SectorShare is the largest share of the portfolio held by one sector.
	SectorShare float64        `json:"sector_share"`
	Heuristic   PortfolioStats `json:"heuristic"`
	Momentum    PortfolioStats `json:"momentum"`
}

const baselineRuns = 200

// Backtest selects, per period, the highest-scoring candidates the policy
// admits and compares the portfolio with the average of seeded random
// selections. Lift is zero when the baseline is not positive.
func Backtest(cands []Candidate, policy BacktestPolicy, seed uint64) BacktestResult {
	byPeriod := make(map[string][]Candidate)
	var periods []string
	for _, c := range cands {
		if _, ok := byPeriod[c.Period]; !ok {
			periods = append(periods, c.Period)
		}
		byPeriod[c.Period] = append(byPeriod[c.Period], c)
	}
	sort.Strings(periods)

	ranked := func(score func(Candidate) float64) PortfolioStats {
		var picked []Candidate
		for _, p := range periods {
			pool := append([]Candidate(nil), byPeriod[p]...)
			sort.SliceStable(pool, func(i, j int) bool { return score(pool[i]) > score(pool[j]) })
			picked = append(picked, admit(pool, policy)...)
		}
		return summarize(picked)
	}

	greedy := ranked(func(c Candidate) float64 { return c.Score })
	res := BacktestResult{
		Selected:    greedy.Selected,
		MeanMOIC:    greedy.MeanMOIC,
		FailureRate: greedy.FailureRate,
		SectorShare: greedy.SectorShare,
		Heuristic:   ranked(func(c Candidate) float64 { return c.Heuristic }),
		Momentum:    ranked(func(c Candidate) float64 { return c.Momentum }),
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	var moic, failures float64
	for run := 0; run < baselineRuns; run++ {
		var picked []Candidate
		for _, p := range periods {
			pool := append([]Candidate(nil), byPeriod[p]...)
			rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
			picked = append(picked, admit(pool, policy)...)
		}
		s := summarize(picked)
		moic += s.MeanMOIC
		failures += s.FailureRate
	}
	res.BaselineMOIC = moic / baselineRuns
	res.BaselineFailureRate = failures / baselineRuns
	if res.BaselineMOIC > 0 {
		res.Lift = res.MeanMOIC / res.BaselineMOIC
	}
	res.FailureRateVsRandom = failureRatio(res.FailureRate, res.BaselineFailureRate)
	return res
}

// failureRatio is rate over baseline. With no failures to pick from at
// random the portfolio is neutral when it also avoided failure, worst
// otherwise.
func failureRatio(rate, baseline float64) float64 {
	switch {
	case baseline > 0:
		return rate / baseline
	case rate == 0:
		return 0
	default:
		return 1
	}
}

// admit walks an ordered pool and keeps candidates until the period or
// sector cap is reached. A non-positive cap is unbounded.
func admit(pool []Candidate, policy BacktestPolicy) []Candidate {
	var out []Candidate
	perSector := make(map[string]int)
	for _, c := range pool {
		if policy.MaxPerPeriod > 0 && len(out) >= policy.MaxPerPeriod {
			break
		}
		if policy.MaxPerSectorPerPeriod > 0 && perSector[c.Sector] >= policy.MaxPerSectorPerPeriod {
			continue
		}
		perSector[c.Sector]++
		out = append(out, c)
	}
	return out
}

func summarize(cs []Candidate) PortfolioStats {
	if len(cs) == 0 {
		return PortfolioStats{}
	}
	var (
		sum    float64
		failed int
		top    int
	)
	perSector := make(map[string]int)
	for _, c := range cs {
		sum += c.MOIC
		if c.Failed {
			failed++
		}
		perSector[c.Sector]++
		if perSector[c.Sector] > top {
			top = perSector[c.Sector]
		}
	}
	n := float64(len(cs))
	return PortfolioStats{
		Selected:    len(cs),
		MeanMOIC:    sum / n,
		FailureRate: float64(failed) / n,
		SectorShare: float64(top) / n,
	}
}

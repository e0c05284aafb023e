package simulate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func f(v decimal.Decimal) float64 { return v.InexactFloat64() }

func TestOwnership(t *testing.T) {
	tests := []struct {
		name  string
		terms EntryTerms
		want  float64
	}{
		{
			name:  "equity",
			terms: EntryTerms{Cheque: d(100), PreMoney: d(900), Instrument: InstrumentEquity},
			want:  0.1,
		},
		{
			name:  "empty instrument is equity",
			terms: EntryTerms{Cheque: d(100), PreMoney: d(900)},
			want:  0.1,
		},
		{
			name:  "safe converts at the cap when cheaper than the discount",
			terms: EntryTerms{Cheque: d(100), PreMoney: d(900), Instrument: InstrumentSAFE, ValuationCap: d(400), Discount: 0.2},
			want:  100.0 / 500.0,
		},
		{
			name:  "asa converts at the discount when no cap",
			terms: EntryTerms{Cheque: d(100), PreMoney: d(1000), Instrument: InstrumentASA, Discount: 0.2},
			want:  100.0 / 900.0,
		},
		{
			name: "note accrues simple interest before conversion",
			terms: EntryTerms{
				Cheque: d(100), PreMoney: d(900), Instrument: InstrumentConvertibleNote,
				Discount: 0.2, InterestRate: 0.1, TermYears: 2,
			},
			want: 120.0 / 840.0,
		},
		{
			name: "mfn takes the best later terms",
			terms: EntryTerms{
				Cheque: d(100), PreMoney: d(900), Instrument: InstrumentSAFE, ValuationCap: d(600), MFN: true,
				LaterTerms: []ConversionTerms{{ValuationCap: d(300)}, {ValuationCap: d(500), Discount: 0.1}},
			},
			want: 100.0 / 400.0,
		},
		{
			name: "later terms ignored without mfn",
			terms: EntryTerms{
				Cheque: d(100), PreMoney: d(900), Instrument: InstrumentSAFE, ValuationCap: d(600),
				LaterTerms: []ConversionTerms{{ValuationCap: d(300)}},
			},
			want: 100.0 / 700.0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, f(tt.terms.Ownership()), 1e-9)
		})
	}
}

func TestValidate(t *testing.T) {
	ok := EntryTerms{Cheque: d(100), PreMoney: d(900)}
	require.NoError(t, ok.Validate())

	bad := []EntryTerms{
		{PreMoney: d(900)},
		{Cheque: d(100)},
		{Cheque: d(100), PreMoney: d(900), Instrument: "warrant"},
		{Cheque: d(100), PreMoney: d(900), Discount: 1},
		{Cheque: d(100), PreMoney: d(900), Dilution: Dilution{Rounds: 1, PerRound: 1}},
		{Cheque: d(100), PreMoney: d(900), Preferences: []PreferenceLayer{{Name: "a", Ownership: 0.95}}},
		{Cheque: d(100), PreMoney: d(900), Preferences: []PreferenceLayer{{Name: "a", Participation: CappedParticipating}}},
	}
	for i, terms := range bad {
		assert.ErrorIs(t, terms.Validate(), ErrInvalidTerms, "case %d", i)
	}
}

func pref(name string, seniority int, invested, own float64, p Participation, capMultiple float64) Holder {
	return layerHolder(PreferenceLayer{
		Name: name, Seniority: seniority, Invested: d(invested), Multiple: 1,
		Participation: p, Cap: capMultiple,
	}, d(own))
}

func common(own float64) Holder { return Holder{Name: "common", Ownership: d(own)} }

func TestWaterfall(t *testing.T) {
	tests := []struct {
		name     string
		proceeds float64
		holders  []Holder
		want     []float64
	}{
		{
			name:     "non-participating takes preference on a small exit",
			proceeds: 2e6,
			holders:  []Holder{pref("A", 1, 1e6, 0.2, NonParticipating, 0), common(0.8)},
			want:     []float64{1e6, 1e6},
		},
		{
			name:     "non-participating converts on a large exit",
			proceeds: 10e6,
			holders:  []Holder{pref("A", 1, 1e6, 0.2, NonParticipating, 0), common(0.8)},
			want:     []float64{2e6, 8e6},
		},
		{
			name:     "participating takes preference plus pro rata",
			proceeds: 2e6,
			holders:  []Holder{pref("A", 1, 1e6, 0.2, Participating, 0), common(0.8)},
			want:     []float64{1.2e6, 0.8e6},
		},
		{
			name:     "capped participation stops at the cap",
			proceeds: 10e6,
			holders:  []Holder{pref("A", 1, 1e6, 0.2, CappedParticipating, 2), common(0.8)},
			want:     []float64{2e6, 8e6},
		},
		{
			name:     "capped holder converts above the cap",
			proceeds: 20e6,
			holders:  []Holder{pref("A", 1, 1e6, 0.2, CappedParticipating, 2), common(0.8)},
			want:     []float64{4e6, 16e6},
		},
		{
			name:     "seniority orders preferences",
			proceeds: 1.5e6,
			holders: []Holder{
				pref("junior", 2, 1e6, 0.1, NonParticipating, 0),
				pref("senior", 1, 1e6, 0.1, NonParticipating, 0),
				common(0.8),
			},
			want: []float64{0.5e6, 1e6, 0},
		},
		{
			name:     "equal seniority shares pro rata to preference",
			proceeds: 2e6,
			holders: []Holder{
				pref("A", 1, 1e6, 0.1, NonParticipating, 0),
				pref("B", 1, 3e6, 0.1, NonParticipating, 0),
				common(0.8),
			},
			want: []float64{0.5e6, 1.5e6, 0},
		},
		{
			name:     "zero proceeds pay nobody",
			proceeds: 0,
			holders:  []Holder{pref("A", 1, 1e6, 0.2, Participating, 0), common(0.8)},
			want:     []float64{0, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Waterfall(d(tt.proceeds), tt.holders)
			require.Len(t, got, len(tt.want))
			var total float64
			for i := range got {
				assert.InDelta(t, tt.want[i], f(got[i]), 1e-3, "holder %s", tt.holders[i].Name)
				total += f(got[i])
			}
			assert.InDelta(t, tt.proceeds, total, 1e-3, "every unit of proceeds is paid out")
		})
	}
}

func TestHolders_Dilution(t *testing.T) {
	terms := EntryTerms{
		Cheque: d(100), PreMoney: d(900),
		Preferences: []PreferenceLayer{{Name: "seed", Invested: d(200), Ownership: 0.2}},
		Dilution:    Dilution{Rounds: 2, PerRound: 0.2},
	}
	hs, idx := terms.holders()
	require.Len(t, hs, 4)
	assert.Equal(t, "investor", hs[idx].Name)
	assert.InDelta(t, 0.1*0.64, f(hs[idx].Ownership), 1e-9)
	assert.InDelta(t, 0.2*0.64, f(hs[0].Ownership), 1e-9)
	assert.Equal(t, "future_rounds", hs[2].Name)
	assert.InDelta(t, 0.36, f(hs[2].Ownership), 1e-9)

	var total float64
	for _, h := range hs {
		total += f(h.Ownership)
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestPercentile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, 1.0, Percentile(sorted, 10))
	assert.Equal(t, 5.0, Percentile(sorted, 50))
	assert.Equal(t, 9.0, Percentile(sorted, 90))
	assert.Equal(t, 10.0, Percentile(sorted, 100))
	assert.Equal(t, 1.0, Percentile(sorted, 0))
	assert.Equal(t, 0.0, Percentile(nil, 50))
}

func TestSpread(t *testing.T) {
	assert.InDelta(t, 20.0, Spread(0, 1), 1e-9)
	assert.InDelta(t, 4.0, Spread(0.5, 2), 1e-9)
}

func TestFitLogNormal(t *testing.T) {
	var ms []float64
	for i := 0; i < 20; i++ {
		ms = append(ms, 2, 8)
	}
	_, ok := FitLogNormal(ms, 50)
	assert.False(t, ok)

	p, ok := FitLogNormal(append(ms, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0), 30)
	require.True(t, ok)
	assert.InDelta(t, 4.0, p.Median, 1e-9)
	assert.InDelta(t, 0.2, p.ZeroMass, 1e-9)
	assert.Equal(t, "historical", p.Source)
	assert.Equal(t, 50, p.N)
}

func TestFitPriors(t *testing.T) {
	exits := make([]float64, 30)
	for i := range exits {
		exits[i] = 5
	}
	priors := FitPriors(map[model.Outcome][]float64{
		model.OutcomeExited:  exits,
		model.OutcomeTrading: {1, 1},
	}, DefaultPriors(), 30)

	assert.Equal(t, "historical", priors[model.OutcomeExited].Source)
	assert.InDelta(t, 5.0, priors[model.OutcomeExited].Median, 1e-9)
	assert.Equal(t, "benchmark", priors[model.OutcomeTrading].Source, "too few trading exits keeps the prior")
	assert.Equal(t, DefaultPriors()[model.OutcomeFailed], priors[model.OutcomeFailed])
}

func TestLoadPriors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "priors.yaml")
	require.NoError(t, os.WriteFile(path, []byte("exited:\n  median: 4.5\n  sigma: 0.9\n"), 0o600))

	p, err := LoadPriors(path)
	require.NoError(t, err)
	assert.Equal(t, 4.5, p[model.OutcomeExited].Median)
	assert.Equal(t, "file", p[model.OutcomeExited].Source)
	assert.Equal(t, DefaultPriors()[model.OutcomeFailed], p[model.OutcomeFailed])

	require.NoError(t, os.WriteFile(path, []byte("unicorn:\n  median: 100\n"), 0o600))
	_, err = LoadPriors(path)
	assert.Error(t, err)

	_, err = LoadPriors(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

var stretched = EntryTerms{
	Cheque:               d(20000),
	PreMoney:             d(980000),
	Instrument:           InstrumentEquity,
	RevenueMultiple:      40,
	SectorMedianMultiple: 15,
}

func TestRun_Reproducible(t *testing.T) {
	probs := map[model.Outcome]float64{model.OutcomeFailed: 0.5, model.OutcomeTrading: 0.3, model.OutcomeExited: 0.2}
	sim := New(Config{Draws: 500, Seed: 42}, nil)

	a, err := sim.Run(probs, stretched)
	require.NoError(t, err)
	b, err := sim.Run(probs, stretched)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := New(Config{Draws: 500, Seed: 43}, nil).Run(probs, stretched)
	require.NoError(t, err)
	assert.NotEqual(t, a.Mean, c.Mean)
	assert.Equal(t, uint64(43), c.Seed)
	assert.Equal(t, 500, c.Draws)
}

func TestRun_DistressedSeedScenario(t *testing.T) {
	probs := map[model.Outcome]float64{model.OutcomeFailed: 0.7, model.OutcomeTrading: 0.25, model.OutcomeExited: 0.05}
	sim := New(Config{Draws: 5000, Seed: 7}, nil)

	dist, err := sim.Run(probs, stretched)
	require.NoError(t, err)
	assert.InDelta(t, 0.02, f(stretched.Ownership()), 1e-9)

	assert.LessOrEqual(t, dist.P10, 0.05, "P10 near zero")
	assert.Less(t, dist.P50, 0.5, "P50 well below 1x")
	assert.Greater(t, dist.P90, dist.P50)
	assert.InDelta(t, 0.05, dist.ClassMass[model.OutcomeExited], 0.015)
	assert.InDelta(t, 0.7, dist.ClassMass[model.OutcomeFailed], 0.03)
	assert.GreaterOrEqual(t, dist.Spread, 1.0)

	noExit, err := sim.Run(map[model.Outcome]float64{model.OutcomeFailed: 0.7, model.OutcomeTrading: 0.3}, stretched)
	require.NoError(t, err)
	assert.Greater(t, dist.P90, noExit.P90, "the exit mass lifts the upper tail")
	assert.Zero(t, noExit.ClassMass[model.OutcomeExited])
}

func TestRun_StretchLowersReturns(t *testing.T) {
	probs := map[model.Outcome]float64{model.OutcomeTrading: 0.5, model.OutcomeExited: 0.5}
	sim := New(Config{Draws: 1000, Seed: 3}, nil)

	fair := stretched
	fair.RevenueMultiple = 15
	a, err := sim.Run(probs, fair)
	require.NoError(t, err)
	b, err := sim.Run(probs, stretched)
	require.NoError(t, err)
	assert.InDelta(t, a.P50/(40.0/15.0), b.P50, 1e-6, "same draws scaled by the stretch")
}

func TestRun_TaxRelief(t *testing.T) {
	probs := map[model.Outcome]float64{model.OutcomeFailed: 1}
	priors := Priors{model.OutcomeFailed: {ZeroMass: 1}}
	terms := EntryTerms{Cheque: d(1000), PreMoney: d(9000), TaxRelief: TaxRelief{Rate: 0.5, LossReliefRate: 0.45}}

	dist, err := New(Config{Draws: 10, Seed: 1}, priors).Run(probs, terms)
	require.NoError(t, err)
	// 0.5 up front plus 45% of the remaining 0.5 loss
	assert.InDelta(t, 0.725, dist.P50, 1e-9)
	assert.InDelta(t, 0.725, dist.ProbWeightedMean, 1e-9)
}

func TestRun_InvestorPreference(t *testing.T) {
	probs := map[model.Outcome]float64{model.OutcomeTrading: 1}
	priors := Priors{model.OutcomeTrading: {Median: 0.5, Sigma: 0}}
	terms := EntryTerms{
		Cheque: d(100), PreMoney: d(900),
		InvestorLayer: &PreferenceLayer{Name: "series_seed", Seniority: 1, Multiple: 1, Participation: NonParticipating},
	}
	// exit at 500 returns the 100 preference instead of the 50 as-converted share
	dist, err := New(Config{Draws: 20, Seed: 1}, priors).Run(probs, terms)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, dist.P10, 1e-9)
	assert.InDelta(t, 1.0, dist.P90, 1e-9)
}

func TestRun_Errors(t *testing.T) {
	sim := New(DefaultConfig(), nil)
	_, err := sim.Run(map[model.Outcome]float64{}, stretched)
	assert.ErrorIs(t, err, ErrNoProbabilities)

	_, err = sim.Run(map[model.Outcome]float64{model.OutcomeFailed: 1}, EntryTerms{})
	assert.ErrorIs(t, err, ErrInvalidTerms)
}

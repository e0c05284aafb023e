package registry

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/store"
)

// RunLog reads the backtest run log the trainer appends to.
type RunLog struct {
	st store.BacktestStore
}

// NewRunLog creates a run log reader.
func NewRunLog(st store.BacktestStore) *RunLog { return &RunLog{st: st} }

// Get returns one run.
func (l *RunLog) Get(ctx context.Context, id string) (*model.BacktestRun, error) {
	r, err := l.st.GetBacktestRun(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: backtest run %s", id)
	}
	return r, nil
}

// Latest returns up to limit runs, newest first. An empty model type
// matches every type.
func (l *RunLog) Latest(ctx context.Context, mt model.ModelType, limit int) ([]model.BacktestRun, error) {
	out, err := l.st.ListBacktestRuns(ctx, mt, false, limit)
	if err != nil {
		return nil, eris.Wrap(err, "registry: latest backtest runs")
	}
	return out, nil
}

// Passing returns the runs that cleared the release gate, newest first.
func (l *RunLog) Passing(ctx context.Context, mt model.ModelType) ([]model.BacktestRun, error) {
	out, err := l.st.ListBacktestRuns(ctx, mt, true, 0)
	if err != nil {
		return nil, eris.Wrap(err, "registry: passing backtest runs")
	}
	return out, nil
}

// MetricDelta is one metric of two runs side by side.
type MetricDelta struct {
	Metric string  `json:"metric"`
	A      float64 `json:"a"`
	B      float64 `json:"b"`
	Delta  float64 `json:"delta"`
}

// Compare returns the per-metric difference b minus a, ordered by metric
// name.
func (l *RunLog) Compare(ctx context.Context, a, b string) ([]MetricDelta, error) {
	ra, err := l.Get(ctx, a)
	if err != nil {
		return nil, err
	}
	rb, err := l.Get(ctx, b)
	if err != nil {
		return nil, err
	}
	return CompareMetrics(ra.Metrics, rb.Metrics), nil
}

// CompareMetrics diffs the scalar metrics of two runs.
func CompareMetrics(a, b model.ArtifactMetrics) []MetricDelta {
	ma, mb := metricValues(a), metricValues(b)
	out := make([]MetricDelta, 0, len(ma))
	for name, va := range ma {
		vb := mb[name]
		out = append(out, MetricDelta{Metric: name, A: va, B: vb, Delta: vb - va})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

func metricValues(m model.ArtifactMetrics) map[string]float64 {
	return map[string]float64{
		"auc":                    m.AUC,
		"ece":                    m.ECE,
		"backtest_moic":          m.BacktestMOIC,
		"baseline_moic":          m.BaselineMOIC,
		"backtest_lift":          m.BacktestLift,
		"failure_rate":           m.FailureRate,
		"failure_rate_vs_random": m.FailureRateVsRandom,
		"heuristic_moic":         m.HeuristicMOIC,
		"momentum_moic":          m.MomentumMOIC,
		"abstention_rate":        m.AbstentionRate,
		"sector_share":           m.SectorShare,
		"walk_forward_lift":      m.WalkForwardLift,
	}
}

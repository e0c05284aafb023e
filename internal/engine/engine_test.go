package engine

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/audit"
	"github.com/sells-group/decision-engine/internal/enrich"
	"github.com/sells-group/decision-engine/internal/featurestore"
	"github.com/sells-group/decision-engine/internal/gate"
	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/registry"
	"github.com/sells-group/decision-engine/internal/resolve"
	"github.com/sells-group/decision-engine/internal/simulate"
	"github.com/sells-group/decision-engine/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var asOf = time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)

type stubSource struct {
	name     string
	required bool
	value    float64
	err      error
}

func (s stubSource) Name() string   { return s.name }
func (s stubSource) Required() bool { return s.required }

func (s stubSource) Fetch(context.Context, *model.CanonicalEntity, *featurestore.Snapshot) (enrich.Signal, error) {
	if s.err != nil {
		return enrich.Signal{}, s.err
	}
	return enrich.Signal{Value: s.value, Confidence: 0.8}, nil
}

type harness struct {
	st       store.Store
	models   *registry.Registry
	features *featurestore.Store
	log      *audit.Log
	deps     Deps
}

func newHarness(t *testing.T, sources ...enrich.Source) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	gcfg := gate.DefaultConfig()
	gcfg.Thresholds.CompletenessFull = 0
	gcfg.Thresholds.CompletenessQuick = 0
	gcfg.Thresholds.MaxSpread = 1e9
	gcfg.Thresholds.MinSources = 1

	h := &harness{
		st:       st,
		models:   registry.New(st, registry.DefaultReleaseFloors()),
		features: featurestore.New(st, nil),
		log:      audit.New(st, st),
	}
	if len(sources) == 0 {
		sources = []enrich.Source{
			stubSource{name: enrich.NarrativeName, value: 90},
			stubSource{name: enrich.AltDataName, value: 90},
		}
	}
	ecfg := enrich.DefaultConfig()
	ecfg.RatePerSecond = 0
	h.deps = Deps{
		Resolver:  resolve.NewResolver(st, resolve.DefaultConfig()),
		Features:  h.features,
		Models:    h.models,
		Simulator: simulate.New(simulate.DefaultConfig(), nil),
		Enrich:    enrich.NewCollector(ecfg, nil, sources...),
		Gates:     gate.New(gcfg),
		Policy:    gate.NewPolicy(st, gate.DefaultPolicyConfig()),
		Log:       h.log,
	}
	return h
}

func (h *harness) engine() *Engine { return New(h.deps, DefaultConfig()) }

// release saves and promotes a pooled artifact whose output ignores the
// snapshot: bias-only weights give fixed probabilities.
func (h *harness) release(t *testing.T, mt model.ModelType, probs ...float64) {
	t.Helper()
	classes := []string{string(model.OutcomeTrading), string(model.OutcomeExited), string(model.OutcomeFailed)}
	if mt == model.ModelProgress {
		classes = []string{registry.ProgressNotReached, registry.ProgressReached}
	}
	weights := make([][]float64, len(probs))
	for i, p := range probs {
		weights[i] = []float64{math.Log(p)}
	}
	a := &model.ModelArtifact{
		ID:                  "pooled-" + string(mt),
		Cohort:              model.PooledCohort,
		ModelType:           mt,
		Version:             1,
		Pooled:              true,
		ConfidenceDowngrade: 1,
		Classes:             classes,
		Weights:             weights,
		Calibration:         model.CalibrationMap{Method: "identity"},
		Metrics:             model.ArtifactMetrics{AUC: 0.8, ECE: 0.02, BacktestLift: 1.6, FailureRateVsRandom: 0.4, GatePassed: true},
		TrainedAt:           asOf.AddDate(0, -1, 0),
	}
	ctx := context.Background()
	require.NoError(t, h.models.Save(ctx, a))
	_, err := h.models.Promote(ctx, a.ID)
	require.NoError(t, err)
}

func (h *harness) releaseBoth(t *testing.T) {
	h.release(t, model.ModelSurvival, 0.15, 0.8, 0.05)
	h.release(t, model.ModelProgress, 0.1, 0.9)
}

func request(sourceID, name, sector string) Request {
	return Request{
		Reference: resolve.Reference{
			Source:   "crowdcube",
			SourceID: sourceID,
			Name:     name,
			Country:  "GB",
			Sector:   sector,
		},
		AsOf:  asOf,
		Terms: simulate.EntryTerms{PreMoney: decimal.NewFromInt(1_000_000)},
	}
}

func TestEvaluate_Invest(t *testing.T) {
	h := newHarness(t)
	h.releaseBoth(t)
	ctx := context.Background()

	ev, err := h.engine().Evaluate(ctx, request("c-1", "Acme Robotics", "robotics"))
	require.NoError(t, err)

	assert.Equal(t, model.ClassInvest, ev.Class, ev.Reason)
	assert.Equal(t, model.ClassInvest, ev.UnderlyingClass)
	assert.NotEmpty(t, ev.EntityID)
	assert.Equal(t, "pooled-survival", ev.SurvivalArtifactID)
	assert.Equal(t, "pooled-progress", ev.ProgressArtifactID)
	assert.InDelta(t, 0.8, ev.Survival[model.OutcomeExited], 1e-9)
	require.NotNil(t, ev.Progress)
	assert.InDelta(t, 0.9, *ev.Progress, 1e-9)
	require.NotNil(t, ev.Returns)
	assert.Equal(t, 1000, ev.Returns.Draws)
	assert.GreaterOrEqual(t, ev.Score, 70.0)
	assert.LessOrEqual(t, ev.Band.Low, ev.Score)
	assert.GreaterOrEqual(t, ev.Band.High, ev.Score)
	require.Len(t, ev.Gates, len(gate.Ordered))
	require.Len(t, ev.Components, 5)
	for _, c := range ev.Components {
		assert.True(t, c.Available, c.Name)
	}

	stored, err := h.log.Evaluation(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.Class, stored.Class)
	assert.InDelta(t, ev.Score, stored.Score, 1e-9)

	usage, err := h.deps.Policy.Usage(ctx, "2024")
	require.NoError(t, err)
	assert.Equal(t, 1, usage["sector:robotics"])
}

// failingRecord wraps a store whose evaluation writes fail.
type failingRecord struct {
	store.Store
}

func (failingRecord) RecordEvaluation(context.Context, *model.Evaluation, *model.LogEntry) error {
	return errors.New("disk I/O error")
}

func TestEvaluate_RecordFailureReleasesSlot(t *testing.T) {
	h := newHarness(t)
	h.releaseBoth(t)
	h.deps.Log = audit.New(failingRecord{h.st}, h.st)
	ctx := context.Background()

	_, err := h.engine().Evaluate(ctx, request("c-1", "Acme Robotics", "robotics"))
	require.Error(t, err)

	usage, err := h.deps.Policy.Usage(ctx, "2024")
	require.NoError(t, err)
	assert.Zero(t, usage["sector:robotics"], "the slot of an unrecorded Invest is handed back")
	assert.Zero(t, usage[store.TotalScope])

	h.deps.Log = h.log
	ev, err := h.engine().Evaluate(ctx, request("c-1", "Acme Robotics", "robotics"))
	require.NoError(t, err)
	assert.Equal(t, model.ClassInvest, ev.Class, ev.Reason)
}

func TestEvaluate_Deterministic(t *testing.T) {
	h := newHarness(t)
	h.releaseBoth(t)
	h.deps.Policy = nil
	eng := h.engine()
	ctx := context.Background()

	a, err := eng.Evaluate(ctx, request("c-1", "Acme Robotics", "robotics"))
	require.NoError(t, err)
	b, err := eng.Evaluate(ctx, request("c-1", "Acme Robotics", "robotics"))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.EntityID, b.EntityID)
	assert.Equal(t, a.Returns, b.Returns)
	assert.InDelta(t, a.Score, b.Score, 1e-12)
	assert.Equal(t, a.Class, b.Class)
}

func TestEvaluate_InvalidReference(t *testing.T) {
	h := newHarness(t)
	h.releaseBoth(t)
	ctx := context.Background()

	req := request("", "No Id Ltd", "fintech")
	ev, err := h.engine().Evaluate(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, model.ClassManualReview, ev.Class)
	assert.Empty(t, ev.EntityID)
	require.Len(t, ev.Gates, 1)
	assert.Equal(t, gate.GateEntityMatch, ev.Gates[0].Name)
	assert.Empty(t, ev.Components, "scoring is skipped")

	_, err = h.log.Entry(ctx, ev.ID)
	require.NoError(t, err)
}

func TestEvaluate_NoModel(t *testing.T) {
	h := newHarness(t)
	ev, err := h.engine().Evaluate(context.Background(), request("c-1", "Acme Robotics", "robotics"))
	require.NoError(t, err)

	assert.Equal(t, model.ClassAbstain, ev.Class)
	assert.True(t, strings.HasPrefix(ev.Reason, ReasonNoModel), ev.Reason)
	assert.NotEmpty(t, ev.EntityID)
}

func TestEvaluate_NoModelCompliance(t *testing.T) {
	h := newHarness(t)
	req := request("c-1", "Acme Robotics", "robotics")
	req.Facts = gate.Facts{SanctionsMatch: true}

	ev, err := h.engine().Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.ClassPass, ev.Class)
}

func TestEvaluate_MissingProgressModel(t *testing.T) {
	h := newHarness(t)
	h.release(t, model.ModelSurvival, 0.15, 0.8, 0.05)

	ev, err := h.engine().Evaluate(context.Background(), request("c-1", "Acme Robotics", "robotics"))
	require.NoError(t, err)

	assert.Nil(t, ev.Progress)
	assert.Contains(t, ev.Notes, "no released progress model")
	for _, c := range ev.Components {
		if c.Name == ComponentProgress {
			assert.False(t, c.Available)
			assert.Zero(t, c.Weight)
		}
	}
}

func TestEvaluate_ComplianceKill(t *testing.T) {
	h := newHarness(t)
	h.releaseBoth(t)
	req := request("c-1", "Acme Robotics", "robotics")
	req.Facts = gate.Facts{SanctionsMatch: true}

	ev, err := h.engine().Evaluate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, model.ClassPass, ev.Class)
	assert.Contains(t, ev.Reason, gate.KillCompliance)
	fired := gate.Fired(ev.Kills)
	require.NotEmpty(t, fired)
	assert.Equal(t, gate.KillCompliance, fired[0].Name)
}

func TestEvaluate_PolicyCap(t *testing.T) {
	h := newHarness(t)
	h.releaseBoth(t)
	eng := h.engine()
	ctx := context.Background()

	first, err := eng.Evaluate(ctx, request("c-1", "Acme Robotics", "robotics"))
	require.NoError(t, err)
	require.Equal(t, model.ClassInvest, first.Class)

	second, err := eng.Evaluate(ctx, request("c-2", "Zephyr Automation", "robotics"))
	require.NoError(t, err)
	assert.Equal(t, model.ClassPolicyCapped, second.Class)
	assert.Equal(t, model.ClassInvest, second.UnderlyingClass)

	third, err := eng.Evaluate(ctx, request("c-3", "Meadow Health Clinics", "health"))
	require.NoError(t, err)
	assert.Equal(t, model.ClassInvest, third.Class)
}

func TestEvaluate_RequiredSignalUnavailable(t *testing.T) {
	h := newHarness(t,
		stubSource{name: enrich.NarrativeName, required: true, err: errors.New("upstream refused")},
		stubSource{name: enrich.AltDataName, value: 90},
	)
	h.releaseBoth(t)

	ev, err := h.engine().Evaluate(context.Background(), request("c-1", "Acme Robotics", "robotics"))
	require.NoError(t, err)

	assert.Equal(t, model.ClassAbstain, ev.Class)
	assert.Contains(t, ev.Reason, gate.GateRequiredSignals)
	assert.Contains(t, ev.Notes, "narrative unavailable: upstream refused")
}

func TestEvaluate_OptionalSignalRedistributes(t *testing.T) {
	h := newHarness(t,
		stubSource{name: enrich.NarrativeName, err: errors.New("upstream refused")},
		stubSource{name: enrich.AltDataName, value: 90},
	)
	h.releaseBoth(t)
	h.deps.Policy = nil

	ev, err := h.engine().Evaluate(context.Background(), request("c-1", "Acme Robotics", "robotics"))
	require.NoError(t, err)

	var sum float64
	for _, c := range ev.Components {
		if c.Name == ComponentNarrative {
			assert.False(t, c.Available)
		}
		sum += c.Weight
	}
	assert.InDelta(t, 100, sum, 1e-9)
	assert.NotEqual(t, model.ClassAbstain, ev.Class)
}

func TestEvaluate_RecoversPanic(t *testing.T) {
	h := newHarness(t)
	h.releaseBoth(t)
	h.deps.Simulator = nil
	ctx := context.Background()

	ev, err := h.engine().Evaluate(ctx, request("c-1", "Acme Robotics", "robotics"))
	require.NoError(t, err)

	assert.Equal(t, model.ClassAbstain, ev.Class)
	assert.Equal(t, ReasonInternalError, ev.Reason)
	assert.NotEmpty(t, ev.EntityID)

	stored, err := h.log.Evaluation(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonInternalError, stored.Reason)
}

func TestEvaluate_CanceledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine().Evaluate(ctx, request("c-1", "Acme Robotics", "robotics"))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestEvaluateBatch(t *testing.T) {
	h := newHarness(t)
	h.releaseBoth(t)
	h.deps.Policy = nil

	reqs := []Request{
		request("c-1", "Acme Robotics", "robotics"),
		request("", "Broken Reference", "fintech"),
		request("c-3", "Meadow Health Clinics", "health"),
	}
	out := h.engine().EvaluateBatch(context.Background(), reqs)

	require.Len(t, out, 3)
	for i, r := range out {
		require.NoError(t, r.Err)
		require.NotNil(t, r.Evaluation)
		assert.Equal(t, reqs[i].Reference.SourceID, r.Request.Reference.SourceID)
	}
	assert.Equal(t, model.ClassManualReview, out[1].Evaluation.Class)
	assert.Equal(t, model.ClassInvest, out[2].Evaluation.Class)
}

func TestTerms(t *testing.T) {
	reg := featurestore.DefaultRegistry()
	snap := featurestore.NewSnapshot("e1", asOf, reg, []model.FeatureRecord{
		{EntityID: "e1", AsOf: asOf, Family: model.FamilyTerms, Name: "pre_money_valuation", Value: model.Numeric(2_000_000), Source: "crowdcube", Tier: model.TierVerified},
		{EntityID: "e1", AsOf: asOf, Family: model.FamilyTerms, Name: "instrument", Value: model.Categorical("safe"), Source: "crowdcube", Tier: model.TierVerified},
		{EntityID: "e1", AsOf: asOf, Family: model.FamilyTerms, Name: "eis_eligible", Value: model.Boolean(true), Source: "crowdcube", Tier: model.TierVerified},
		{EntityID: "e1", AsOf: asOf, Family: model.FamilyMarketRegime, Name: "sector_median_multiple", Value: model.Numeric(4), Source: "pitchbook", Tier: model.TierEstimated},
	})
	e := New(Deps{}, DefaultConfig())

	got := e.terms(simulate.EntryTerms{}, snap)
	assert.True(t, got.Cheque.Equal(decimal.NewFromInt(10000)))
	assert.True(t, got.PreMoney.Equal(decimal.NewFromInt(2_000_000)))
	assert.Equal(t, simulate.InstrumentSAFE, got.Instrument)
	assert.Equal(t, 4.0, got.SectorMedianMultiple)
	assert.Equal(t, DefaultConfig().TaxRelief, got.TaxRelief)

	explicit := e.terms(simulate.EntryTerms{PreMoney: decimal.NewFromInt(500_000), TaxRelief: simulate.TaxRelief{Rate: 0.5}}, snap)
	assert.True(t, explicit.PreMoney.Equal(decimal.NewFromInt(500_000)))
	assert.Equal(t, 0.5, explicit.TaxRelief.Rate)

	assert.Equal(t, 1, sourceCount(snap, enrich.Result{}), "market data is not a key claim")
}

func TestSourceCount(t *testing.T) {
	reg := featurestore.DefaultRegistry()
	snap := featurestore.NewSnapshot("e1", asOf, reg, []model.FeatureRecord{
		{EntityID: "e1", AsOf: asOf, Family: model.FamilyFinancial, Name: "revenue", Value: model.Numeric(250_000), Source: "crowdcube"},
		{EntityID: "e1", AsOf: asOf, Family: model.FamilyCampaign, Name: "raised_amount", Value: model.Numeric(400_000), Source: "crowdcube"},
		{EntityID: "e1", AsOf: asOf, Family: model.FamilyCompany, Name: "status", Value: model.Categorical("active"), Source: "companies_house"},
		{EntityID: "e1", AsOf: asOf, Family: model.FamilyCompany, Name: "charges_count", Value: model.Numeric(1), Source: "gazette"},
	})

	assert.Equal(t, 2, sourceCount(snap, enrich.Result{}))

	narrative := enrich.Result{Signals: map[string]enrich.Signal{
		enrich.NarrativeName: {Name: enrich.NarrativeName, Value: 80, Confidence: 0.6},
	}}
	assert.Equal(t, 2, sourceCount(snap, narrative), "the narrative does not corroborate")

	both := enrich.Result{Signals: map[string]enrich.Signal{
		enrich.NarrativeName: {Name: enrich.NarrativeName, Value: 80, Confidence: 0.6},
		enrich.AltDataName:   {Name: enrich.AltDataName, Value: 70, Confidence: 0.8},
	}}
	assert.Equal(t, 3, sourceCount(snap, both))
}

func TestEvaluate_NarrativeDoesNotCorroborate(t *testing.T) {
	h := newHarness(t, stubSource{name: enrich.NarrativeName, value: 90})
	gcfg := gate.DefaultConfig()
	gcfg.Thresholds.CompletenessFull = 0
	gcfg.Thresholds.CompletenessQuick = 0
	gcfg.Thresholds.MaxSpread = 1e9
	gcfg.Thresholds.MinSources = 2
	h.deps.Gates = gate.New(gcfg)
	h.releaseBoth(t)

	ev, err := h.engine().Evaluate(context.Background(), request("c-1", "Acme Robotics", "robotics"))
	require.NoError(t, err)

	assert.Equal(t, model.ClassAbstain, ev.Class, ev.Reason)
	var quality *model.GateResult
	for i := range ev.Gates {
		if ev.Gates[i].Name == gate.GateEvidenceQuality {
			quality = &ev.Gates[i]
		}
	}
	require.NotNil(t, quality)
	assert.Equal(t, model.GateFail, quality.Status)
}

func TestEvaluate_ConfidenceDiscountsCollaborators(t *testing.T) {
	h := newHarness(t)
	h.releaseBoth(t)

	ev, err := h.engine().Evaluate(context.Background(), request("c-1", "Acme Robotics", "robotics"))
	require.NoError(t, err)

	byName := make(map[string]model.ComponentScore)
	for _, c := range ev.Components {
		byName[c.Name] = c
	}
	// 15 nominal discounted to 12 by confidence 0.8; the total is 35+15+20+12+12.
	assert.InDelta(t, 0.8, byName[ComponentNarrative].Confidence, 1e-9)
	assert.InDelta(t, 100*12.0/94, byName[ComponentNarrative].Weight, 1e-9)
	assert.InDelta(t, 100*35.0/94, byName[ComponentSurvival].Weight, 1e-9)
}

func TestSeedFor(t *testing.T) {
	assert.Equal(t, seedFor("e1", asOf), seedFor("e1", asOf))
	assert.NotEqual(t, seedFor("e1", asOf), seedFor("e2", asOf))
	assert.NotEqual(t, seedFor("e1", asOf), seedFor("e1", asOf.Add(time.Second)))
}

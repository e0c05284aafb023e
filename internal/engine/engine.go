// Package engine orchestrates one evaluation end to end: resolve the
// entity, freeze its features, score with the cohort models, simulate
// returns, enrich, gate, classify and record.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/audit"
	"github.com/sells-group/decision-engine/internal/enrich"
	"github.com/sells-group/decision-engine/internal/featurestore"
	"github.com/sells-group/decision-engine/internal/gate"
	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/registry"
	"github.com/sells-group/decision-engine/internal/resolve"
	"github.com/sells-group/decision-engine/internal/simulate"
)

// Reasons recorded without a gate behind them.
const (
	ReasonNoModel       = "no_model"
	ReasonInternalError = "internal_error"
)

// Request asks for one evaluation.
type Request struct {
	Reference resolve.Reference   `json:"reference"`
	AsOf      time.Time           `json:"as_of"`
	Mode      model.Mode          `json:"mode"`
	Stage     string              `json:"stage,omitempty"`
	Terms     simulate.EntryTerms `json:"terms"`
	Facts     gate.Facts          `json:"facts"`
}

// HealthReader returns the latest calibration record of an artifact, nil
// when it was never measured.
type HealthReader interface {
	Health(ctx context.Context, artifactID string) (*model.CalibrationRecord, error)
}

// Deps are the collaborators of the engine. Enrich, Health and Policy may
// be nil.
type Deps struct {
	Resolver  *resolve.Resolver
	Features  *featurestore.Store
	Models    *registry.Registry
	Health    HealthReader
	Simulator *simulate.Simulator
	Enrich    *enrich.Collector
	Gates     *gate.Engine
	Policy    *gate.Policy
	Log       *audit.Log
}

// Config tunes scoring.
type Config struct {
	Weights       Weights    `mapstructure:"weights" yaml:"weights"`
	ReturnsTarget float64    `mapstructure:"returns_target" yaml:"returns_target"`
	Band          BandConfig `mapstructure:"band" yaml:"band"`
	// ChequeSize is used when a request carries no cheque.
	ChequeSize float64 `mapstructure:"cheque_size" yaml:"cheque_size"`
	// TaxRelief applies to entities flagged eis_eligible when a request
	// carries no relief of its own.
	TaxRelief   simulate.TaxRelief `mapstructure:"tax_relief" yaml:"tax_relief"`
	Concurrency int                `mapstructure:"concurrency" yaml:"concurrency"`
}

// DefaultConfig returns the scoring defaults.
func DefaultConfig() Config {
	return Config{
		Weights:       DefaultWeights(),
		ReturnsTarget: 3,
		Band:          DefaultBandConfig(),
		ChequeSize:    10000,
		TaxRelief:     simulate.TaxRelief{Rate: 0.3, LossReliefRate: 0.45},
		Concurrency:   4,
	}
}

// Engine evaluates requests.
type Engine struct {
	d      Deps
	cfg    Config
	rubric Rubric
	now    func() time.Time
	log    *zap.Logger
}

// New creates an engine.
func New(d Deps, cfg Config) *Engine {
	if cfg.Weights.Sum() <= 0 {
		cfg.Weights = DefaultWeights()
	}
	if cfg.Band.Base <= 0 {
		cfg.Band = DefaultBandConfig()
	}
	return &Engine{
		d:      d,
		cfg:    cfg,
		rubric: Rubric{Weights: cfg.Weights, ReturnsTarget: cfg.ReturnsTarget},
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "engine")),
	}
}

// Evaluate runs and records one evaluation. Data, identity, dependency,
// compliance and model-health problems come back as a class and reason;
// only infrastructure failures return an error.
func (e *Engine) Evaluate(ctx context.Context, req Request) (ev *model.Evaluation, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.AsOf.IsZero() {
		req.AsOf = e.now().UTC()
	}
	if req.Mode == "" {
		req.Mode = model.ModeFull
	}
	ev = &model.Evaluation{ID: uuid.NewString(), Mode: req.Mode, AsOf: req.AsOf}

	var held *slot
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("engine: evaluation panicked",
				zap.String("evaluation_id", ev.ID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			e.release(ctx, held)
			ev, err = e.record(ctx, internalError(ev, r))
		}
	}()

	if err := e.evaluate(ctx, req, ev, &held); err != nil {
		e.release(ctx, held)
		return nil, err
	}
	out, err := e.record(ctx, ev)
	if err != nil {
		e.release(ctx, held)
		return nil, err
	}
	return out, nil
}

// slot is a policy reservation taken for an Invest decision.
type slot struct {
	period string
	sector string
}

// release hands back a reservation whose evaluation was not recorded, so
// the cap only counts Invest decisions that exist in the log.
func (e *Engine) release(ctx context.Context, held *slot) {
	if held == nil || e.d.Policy == nil {
		return
	}
	if err := e.d.Policy.Release(context.WithoutCancel(ctx), held.period, held.sector); err != nil {
		e.log.Error("engine: policy slot not released",
			zap.String("period", held.period),
			zap.String("sector", held.sector),
			zap.Error(err),
		)
	}
}

func (e *Engine) record(ctx context.Context, ev *model.Evaluation) (*model.Evaluation, error) {
	if _, err := e.d.Log.Record(ctx, ev); err != nil {
		return nil, eris.Wrap(err, "engine: record")
	}
	e.log.Info("engine: evaluated",
		zap.String("evaluation_id", ev.ID),
		zap.String("entity_id", ev.EntityID),
		zap.String("cohort", ev.Cohort.Key()),
		zap.String("class", string(ev.Class)),
		zap.Float64("score", ev.Score),
		zap.String("reason", ev.Reason),
	)
	return ev, nil
}

func internalError(ev *model.Evaluation, r any) *model.Evaluation {
	return &model.Evaluation{
		ID:       ev.ID,
		EntityID: ev.EntityID,
		LinkID:   ev.LinkID,
		Cohort:   ev.Cohort,
		Mode:     ev.Mode,
		AsOf:     ev.AsOf,
		Gates:    []model.GateResult{},
		Kills:    []model.KillResult{},
		Class:    model.ClassAbstain,
		Reason:   ReasonInternalError,
		Notes:    []string{fmt.Sprintf("panic: %v", r)},
	}
}

func (e *Engine) evaluate(ctx context.Context, req Request, ev *model.Evaluation, held **slot) error {
	res, err := e.d.Resolver.Resolve(ctx, req.Reference)
	if errors.Is(err, resolve.ErrInvalidReference) {
		manualReview(ev, model.GateResult{
			Name:   gate.GateEntityMatch,
			Status: model.GateFail,
			Route:  model.ClassManualReview,
			Reason: "unresolvable reference: source and source id are required",
		})
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "engine: resolve")
	}
	entity := res.Entity
	ev.EntityID = entity.ID
	ev.LinkID = res.Link.ID

	identity := gate.Context{EntityConfidence: res.Confidence, LinkStatus: res.Link.Status}
	if g, _ := e.d.Gates.Gate(gate.GateEntityMatch, identity); g.Failed() {
		manualReview(ev, g)
		return nil
	}

	snap, err := e.d.Features.Read(ctx, entity.ID, req.AsOf)
	if err != nil {
		return eris.Wrap(err, "engine: snapshot")
	}
	ev.SnapshotAsOf = snap.MaxAsOf()
	ev.Completeness = snap.Completeness()

	cohort := registry.CohortOf(entity, snap)
	if req.Stage != "" {
		cohort.Stage = strings.ToLower(req.Stage)
	}
	ev.Cohort = cohort

	survival, err := e.d.Models.Resolve(ctx, cohort, model.ModelSurvival)
	if errors.Is(err, registry.ErrNoModel) {
		ev.Gates = []model.GateResult{}
		ev.Kills = e.d.Gates.Kills(gate.FactsFromSnapshot(snap).Merge(req.Facts))
		ev.Class = model.ClassAbstain
		ev.Reason = fmt.Sprintf("%s: no released survival model for %s", ReasonNoModel, cohort.Key())
		if d := e.d.Gates.Classify(gate.Input{Kills: ev.Kills}); d.Class == model.ClassPass && forcedPass(ev.Kills) {
			ev.Class, ev.Reason = d.Class, d.Reason
		}
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "engine: survival model")
	}
	progress, err := e.d.Models.Resolve(ctx, cohort, model.ModelProgress)
	if err != nil && !errors.Is(err, registry.ErrNoModel) {
		return eris.Wrap(err, "engine: progress model")
	}

	ev.SurvivalArtifactID = survival.Artifact.ID
	ev.Survival = survival.Survival(snap, cohort)
	ev.Entropy = gate.Entropy(ev.Survival)
	downgrade := survival.Artifact.ConfidenceDowngrade
	if survival.Artifact.Cohort.IsPooled() && !cohort.IsPooled() {
		ev.Notes = append(ev.Notes, "scored with the pooled model")
	}
	if progress != nil {
		ev.ProgressArtifactID = progress.Artifact.ID
		p := progress.Progress(snap, cohort)
		ev.Progress = &p
	} else {
		ev.Notes = append(ev.Notes, "no released progress model")
	}

	gctx := gate.Context{
		Mode:             req.Mode,
		EntityConfidence: res.Confidence,
		LinkStatus:       res.Link.Status,
		Completeness:     ev.Completeness,
		Missingness:      missingness(e.d.Features.Registry(), snap),
		Survival:         ev.Survival,
		Entropy:          ev.Entropy,
	}
	if e.d.Health != nil {
		rec, err := e.d.Health.Health(ctx, survival.Artifact.ID)
		if err != nil {
			return eris.Wrap(err, "engine: calibration health")
		}
		if rec != nil {
			gctx.Calibration = rec.Status
			gctx.CalibrationECE = rec.ECE
		}
	}

	terms := e.terms(req.Terms, snap)
	if dist, err := e.d.Simulator.RunSeeded(ev.Survival, terms, seedFor(entity.ID, req.AsOf)); err != nil {
		ev.Notes = append(ev.Notes, "returns unavailable: "+err.Error())
	} else {
		ev.Returns = &dist
	}
	gctx.Returns = ev.Returns

	var signals enrich.Result
	if e.d.Enrich != nil {
		signals = e.d.Enrich.Collect(ctx, entity, snap, req.AsOf)
		ev.Notes = append(ev.Notes, signals.Notes...)
	}
	gctx.RequiredFailures = signals.RequiredFailures
	gctx.Sources = sourceCount(snap, signals)

	score, components := e.rubric.Score(e.components(ev, signals))
	ev.Components = components

	gctx.Facts = gate.FactsFromSnapshot(snap).Merge(req.Facts)
	ev.Kills = e.d.Gates.Kills(gctx.Facts)
	gctx.Score = score
	ev.Gates = e.d.Gates.Gates(gctx)

	in := gate.Input{Score: score, Gates: ev.Gates, Kills: ev.Kills}
	decision := e.d.Gates.Classify(in)
	if decision.Class == model.ClassInvest && e.d.Policy != nil {
		period := e.d.Policy.PeriodOf(req.AsOf)
		err := e.d.Policy.Reserve(ctx, period, entity.Sector)
		switch {
		case errors.Is(err, gate.ErrCapReached):
			in.Policy = gate.Exhausted(period, entity.Sector)
			decision = e.d.Gates.Classify(in)
		case err != nil:
			return eris.Wrap(err, "engine: policy")
		default:
			*held = &slot{period: period, sector: entity.Sector}
		}
	}

	ev.Score = decision.Score
	ev.Class = decision.Class
	ev.UnderlyingClass = decision.Underlying
	ev.Reason = decision.Reason
	ev.Band = e.cfg.Band.Band(BandInput{
		Score:        decision.Score,
		Completeness: ev.Completeness,
		Downgrade:    downgrade,
		Distress:     gate.Downgrades(ev.Kills),
	})
	return nil
}

func manualReview(ev *model.Evaluation, g model.GateResult) {
	ev.Gates = []model.GateResult{g}
	ev.Kills = []model.KillResult{}
	ev.Class = model.ClassManualReview
	ev.Reason = fmt.Sprintf("gate %s: %s", g.Name, g.Reason)
	ev.Notes = append(ev.Notes, "scoring skipped until the entity link is reviewed")
}

func (e *Engine) components(ev *model.Evaluation, signals enrich.Result) []model.ComponentScore {
	out := []model.ComponentScore{{Name: ComponentSurvival, Value: SurvivalValue(ev.Survival), Available: true}}

	prog := model.ComponentScore{Name: ComponentProgress, Note: "no progress model"}
	if ev.Progress != nil {
		prog.Value, prog.Available, prog.Note = 100*clamp(*ev.Progress, 0, 1), true, ""
	}
	out = append(out, prog)

	ret := model.ComponentScore{Name: ComponentReturns, Note: "no return distribution"}
	if ev.Returns != nil {
		ret.Value, ret.Available, ret.Note = e.rubric.ReturnsValue(ev.Returns), true, ""
	}
	out = append(out, ret)

	for _, name := range []string{ComponentNarrative, ComponentAltData} {
		c := model.ComponentScore{Name: name, Note: "unavailable"}
		if s, ok := signals.Available(name); ok {
			c.Value, c.Available, c.Confidence, c.Note = s.Value, true, s.Confidence, ""
		}
		out = append(out, c)
	}
	return out
}

func (e *Engine) terms(t simulate.EntryTerms, snap *featurestore.Snapshot) simulate.EntryTerms {
	if t.Cheque.IsZero() && e.cfg.ChequeSize > 0 {
		t.Cheque = decimal.NewFromFloat(e.cfg.ChequeSize)
	}
	if t.PreMoney.IsZero() {
		if v, ok := snap.Number(model.FamilyTerms, "pre_money_valuation"); ok {
			t.PreMoney = decimal.NewFromFloat(v)
		}
	}
	if t.Instrument == "" {
		if v, ok := snap.Category(model.FamilyTerms, "instrument"); ok {
			t.Instrument = simulate.Instrument(v)
		}
	}
	if t.RevenueMultiple == 0 {
		t.RevenueMultiple, _ = snap.Number(model.FamilyTerms, "revenue_multiple")
	}
	if t.SectorMedianMultiple == 0 {
		t.SectorMedianMultiple, _ = snap.Number(model.FamilyMarketRegime, "sector_median_multiple")
	}
	if t.TaxRelief.Rate == 0 {
		if eligible, ok := snap.Bool(model.FamilyTerms, "eis_eligible"); ok && eligible {
			t.TaxRelief = e.cfg.TaxRelief
		}
	}
	return t
}

func missingness(reg *featurestore.Registry, snap *featurestore.Snapshot) map[model.Family]float64 {
	out := make(map[model.Family]float64)
	for _, f := range reg.InputFamilies() {
		out[f] = snap.Missingness(f)
	}
	return out
}

// keyClaims are the pitch facts an evaluation must see corroborated.
var keyClaims = []model.FeatureKey{
	{Family: model.FamilyFinancial, Name: featurestore.FinancialRevenue},
	{Family: model.FamilyFinancial, Name: featurestore.FinancialAssets},
	{Family: model.FamilyCampaign, Name: featurestore.CampaignRaised},
	{Family: model.FamilyCampaign, Name: featurestore.CampaignTarget},
	{Family: model.FamilyCampaign, Name: "investor_count"},
	{Family: model.FamilyCompany, Name: featurestore.CompanyStatus},
	{Family: model.FamilyTeam, Name: "founder_count"},
	{Family: model.FamilyTerms, Name: "pre_money_valuation"},
	{Family: model.FamilyTerms, Name: featurestore.TermsEISEligible},
}

// sourceCount counts the distinct sources behind the key claims plus every
// collected signal that observes the company independently. The narrative
// reads the pitch itself and corroborates nothing.
func sourceCount(snap *featurestore.Snapshot, signals enrich.Result) int {
	seen := make(map[string]struct{})
	for _, k := range keyClaims {
		if r, ok := snap.Get(k.Family, k.Name); ok && r.Source != "" {
			seen[r.Source] = struct{}{}
		}
	}
	for name := range signals.Signals {
		if name != enrich.NarrativeName {
			seen["signal:"+name] = struct{}{}
		}
	}
	return len(seen)
}

func forcedPass(kills []model.KillResult) bool {
	for _, k := range gate.Fired(kills) {
		if k.Effect == model.EffectForcePass {
			return true
		}
	}
	return false
}

// seedFor derives the simulation seed of an evaluation so that the same
// entity at the same as-of always draws the same paths.
func seedFor(entityID string, asOf time.Time) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(entityID))
	_, _ = h.Write([]byte(asOf.UTC().Format(time.RFC3339Nano)))
	return h.Sum64()
}

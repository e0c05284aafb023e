package registry

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/calibration"
	"github.com/sells-group/decision-engine/internal/featurestore"
	"github.com/sells-group/decision-engine/internal/gate"
	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/store"
)

// ErrInsufficientData is returned when too few labeled rows exist to train
// even a pooled model.
var ErrInsufficientData = eris.New("registry: insufficient training data")

// Progress model class names.
const (
	ProgressNotReached = "not_reached"
	ProgressReached    = "reached"
)

// TrainingConfig controls the training harness.
type TrainingConfig struct {
	MinLabels             int                    `yaml:"min_labels" mapstructure:"min_labels"`
	MinRows               int                    `yaml:"min_rows" mapstructure:"min_rows"`
	TrainFraction         float64                `yaml:"train_fraction" mapstructure:"train_fraction"`
	ValFraction           float64                `yaml:"val_fraction" mapstructure:"val_fraction"`
	LearningRate          float64                `yaml:"learning_rate" mapstructure:"learning_rate"`
	Epochs                int                    `yaml:"epochs" mapstructure:"epochs"`
	L2                    float64                `yaml:"l2" mapstructure:"l2"`
	SurvivalHorizonMonths int                    `yaml:"survival_horizon_months" mapstructure:"survival_horizon_months"`
	ProgressHorizonMonths int                    `yaml:"progress_horizon_months" mapstructure:"progress_horizon_months"`
	Seed                  uint64                 `yaml:"seed" mapstructure:"seed"`
	WalkForwardFolds      int                    `yaml:"walk_forward_folds" mapstructure:"walk_forward_folds"`
	AbstainEntropy        float64                `yaml:"abstain_entropy" mapstructure:"abstain_entropy"`
	HoldoutWindow         string                 `yaml:"holdout_window" mapstructure:"holdout_window"`
	Release               ReleaseFloors          `yaml:"release" mapstructure:"release"`
	Policy                BacktestPolicy         `yaml:"policy" mapstructure:"policy"`
	Calibration           calibration.FitOptions `yaml:"calibration" mapstructure:"calibration"`
}

// DefaultTrainingConfig returns the production training settings.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		MinLabels:             200,
		MinRows:               20,
		TrainFraction:         0.6,
		ValFraction:           0.2,
		LearningRate:          0.5,
		Epochs:                300,
		L2:                    0.001,
		SurvivalHorizonMonths: 36,
		ProgressHorizonMonths: 18,
		Seed:                  17,
		WalkForwardFolds:      3,
		AbstainEntropy:        0.95,
		Release:               DefaultReleaseFloors(),
		Policy:                BacktestPolicy{MaxPerPeriod: 2, MaxPerSectorPerPeriod: 1},
		Calibration:           calibration.DefaultFitOptions(),
	}
}

// TrainingStore is the persistence the trainer reads entities and versions
// from and records its backtest runs to.
type TrainingStore interface {
	store.EntityStore
	store.ArtifactStore
	store.BacktestStore
}

// Trainer builds candidate artifacts from the feature store.
type Trainer struct {
	features *featurestore.Store
	st       TrainingStore
	holdout  *Holdout
	cfg      TrainingConfig
	now      func() time.Time
	log      *zap.Logger
}

// NewTrainer creates a trainer. Entities quarantined in cfg.HoldoutWindow
// are never trained or backtested on.
func NewTrainer(fs *featurestore.Store, st TrainingStore, cfg TrainingConfig) *Trainer {
	return &Trainer{
		features: fs,
		st:       st,
		holdout:  NewHoldout(st),
		cfg:      cfg,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "trainer")),
	}
}

type example struct {
	row       featurestore.TrainingRow
	cohort    model.Cohort
	sector    string
	label     int
	heuristic float64
	momentum  float64
}

// Train fits a candidate for one cohort and model type. When the cohort has
// fewer than MinLabels trainable labels a pooled candidate is trained
// instead, on every cohort with cohort indicators.
func (t *Trainer) Train(ctx context.Context, cohort model.Cohort, mt model.ModelType) (*model.ModelArtifact, error) {
	cohort = cohort.Normalize()
	all, err := t.examples(ctx, mt)
	if err != nil {
		return nil, err
	}

	pooled := cohort.IsPooled()
	var rows []example
	if !pooled {
		for _, ex := range all {
			if ex.cohort == cohort {
				rows = append(rows, ex)
			}
		}
		if len(rows) < t.cfg.MinLabels {
			t.log.Warn("registry: cohort below minimum labels, training pooled model",
				zap.String("cohort", cohort.Key()),
				zap.String("model_type", string(mt)),
				zap.Int("labels", len(rows)),
				zap.Int("min_labels", t.cfg.MinLabels),
			)
			pooled = true
		}
	}
	if pooled {
		rows = all
		cohort = model.PooledCohort
	}
	if len(rows) < t.cfg.MinRows {
		return nil, eris.Wrapf(ErrInsufficientData, "registry: %d rows for %s/%s", len(rows), cohort.Key(), mt)
	}

	classes := classNames(mt)
	k := len(classes)
	split := ChronologicalSplit(len(rows), t.cfg.TrainFraction, t.cfg.ValFraction)
	if len(split.Train) == 0 || len(split.Val) == 0 || len(split.Test) == 0 {
		return nil, eris.Wrapf(ErrInsufficientData, "registry: empty split for %s/%s", cohort.Key(), mt)
	}

	trainSnaps := make([]*featurestore.Snapshot, len(split.Train))
	trainCohorts := make([]model.Cohort, len(split.Train))
	for i, idx := range split.Train {
		trainSnaps[i] = rows[idx].row.Features
		trainCohorts[i] = rows[idx].cohort
	}
	vec := FitVectorizer(t.features.Registry().Inputs(), trainSnaps, trainCohorts, pooled)

	encode := func(idx []int) ([][]float64, []int) {
		x := make([][]float64, len(idx))
		y := make([]int, len(idx))
		for i, j := range idx {
			x[i] = vec.Transform(rows[j].row.Features, rows[j].cohort)
			y[i] = rows[j].label
		}
		return x, y
	}
	xTrain, yTrain := encode(split.Train)
	xVal, yVal := encode(split.Val)
	xTest, yTest := encode(split.Test)

	hp := model.Hyperparams{LearningRate: t.cfg.LearningRate, Epochs: t.cfg.Epochs, L2: t.cfg.L2}
	cw := classWeights(yTrain, k)
	hp.ClassWeights = make(map[string]float64, k)
	for c, w := range cw {
		hp.ClassWeights[classes[c]] = w
	}
	weights := trainSoftmax(xTrain, yTrain, k, hp)

	predict := func(x [][]float64) [][]float64 {
		out := make([][]float64, len(x))
		for i, xi := range x {
			out[i] = softmax(weights, xi)
		}
		return out
	}
	calMap := calibration.Fit(predict(xVal), yVal, t.cfg.Calibration)
	testProbs := predict(xTest)
	for i := range testProbs {
		testProbs[i] = calibration.Apply(calMap, testProbs[i])
	}

	metrics := model.ArtifactMetrics{
		TrainN:     len(split.Train),
		ValN:       len(split.Val),
		TestN:      len(split.Test),
		LabelCount: len(rows),
		AUC:        MacroAUC(testProbs, yTest, k),
		ECE:        calibration.ECE(testProbs, yTest, t.cfg.Calibration.Bins),
	}
	var folds []model.FoldResult
	if mt == model.ModelSurvival {
		bt := t.backtest(rows, split.Test, testProbs)
		metrics.BacktestMOIC = bt.MeanMOIC
		metrics.BaselineMOIC = bt.BaselineMOIC
		metrics.BacktestLift = bt.Lift
		metrics.FailureRate = bt.FailureRate
		metrics.BaselineFailureRate = bt.BaselineFailureRate
		metrics.FailureRateVsRandom = bt.FailureRateVsRandom
		metrics.SectorShare = bt.SectorShare
		metrics.HeuristicMOIC = bt.Heuristic.MeanMOIC
		metrics.MomentumMOIC = bt.Momentum.MeanMOIC
		metrics.AbstentionRate = t.abstentionRate(testProbs)

		folds = t.walkForward(rows, pooled, k, hp)
		if len(folds) > 0 {
			var sum float64
			for _, f := range folds {
				sum += f.Lift
			}
			metrics.WalkForwardLift = sum / float64(len(folds))
		}
	}
	metrics.GatePassed, metrics.GateFailures = CheckRelease(mt, metrics, t.cfg.Release)
	metrics.Warnings = Diagnose(mt, metrics, t.cfg.Release)

	version, err := t.st.NextArtifactVersion(ctx, cohort, mt)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: next version %s/%s", cohort.Key(), mt)
	}

	a := &model.ModelArtifact{
		ID:               uuid.NewString(),
		Cohort:           cohort,
		ModelType:        mt,
		Version:          version,
		Pooled:           pooled,
		Classes:          classes,
		Inputs:           vec.Inputs,
		CohortIndicators: vec.CohortIndicators,
		Weights:          weights,
		Calibration:      calMap,
		Metrics:          metrics,
		Hyperparams:      hp,
		Importance:       importance(vec, weights, xTrain),
		ReleaseStatus:    model.StatusCandidate,
		TrainedAt:        t.now().UTC(),
	}
	if pooled {
		a.ConfidenceDowngrade = 1
	}

	run := &model.BacktestRun{
		ID:            uuid.NewString(),
		ArtifactID:    a.ID,
		Cohort:        cohort,
		ModelType:     mt,
		DataAsOf:      rows[len(rows)-1].row.LabelAsOf,
		TrainWindow:   window(rows, split.Train),
		TestWindow:    window(rows, split.Test),
		HoldoutWindow: t.cfg.HoldoutWindow,
		Features:      inputKeys(vec.Inputs),
		Metrics:       metrics,
		Folds:         folds,
		Passed:        metrics.GatePassed,
		Failures:      metrics.GateFailures,
		RunAt:         a.TrainedAt,
	}
	if err := t.st.AppendBacktestRun(ctx, run); err != nil {
		return nil, eris.Wrapf(err, "registry: record backtest run for %s", a.ID)
	}

	t.log.Info("registry: trained candidate",
		zap.String("cohort", cohort.Key()),
		zap.String("model_type", string(mt)),
		zap.Int("version", version),
		zap.Bool("pooled", pooled),
		zap.Int("rows", len(rows)),
		zap.Float64("auc", metrics.AUC),
		zap.Float64("ece", metrics.ECE),
		zap.Float64("backtest_lift", metrics.BacktestLift),
		zap.Bool("gate_passed", metrics.GatePassed),
		zap.Strings("gate_failures", metrics.GateFailures),
		zap.Strings("warnings", metrics.Warnings),
		zap.String("backtest_run", run.ID),
	)
	return a, nil
}

// window renders the decision-date span of rows[idx] as from..to.
func window(rows []example, idx []int) string {
	if len(idx) == 0 {
		return ""
	}
	from := rows[idx[0]].row.DecisionAsOf.Format(time.DateOnly)
	to := rows[idx[len(idx)-1]].row.DecisionAsOf.Format(time.DateOnly)
	return from + ".." + to
}

func inputKeys(ins []model.InputSpec) []string {
	out := make([]string, len(ins))
	for i, in := range ins {
		out[i] = model.FeatureKey{Family: in.Family, Name: in.Name}.String()
	}
	return out
}

func classNames(mt model.ModelType) []string {
	if mt == model.ModelProgress {
		return []string{ProgressNotReached, ProgressReached}
	}
	out := make([]string, len(model.SurvivalClasses))
	for i, c := range model.SurvivalClasses {
		out[i] = string(c)
	}
	return out
}

// examples loads trainable rows with their cohort and class index. Progress
// labels are only taken from filing-verified records.
func (t *Trainer) examples(ctx context.Context, mt model.ModelType) ([]example, error) {
	q := featurestore.TrainingQuery{
		Label:         featurestore.LabelSurvival,
		HorizonMonths: t.cfg.SurvivalHorizonMonths,
	}
	if mt == model.ModelProgress {
		q = featurestore.TrainingQuery{
			Label:         featurestore.LabelProgress,
			HorizonMonths: t.cfg.ProgressHorizonMonths,
			MaxTier:       model.TierVerified,
		}
	}
	if t.cfg.HoldoutWindow != "" {
		held, err := t.holdout.Entities(ctx, t.cfg.HoldoutWindow)
		if err != nil {
			return nil, err
		}
		q.Exclude = held
	}
	rows, err := t.features.TrainingRows(ctx, q)
	if err != nil {
		return nil, err
	}

	entities := make(map[string]*model.CanonicalEntity)
	var out []example
	for _, r := range rows {
		label, ok := labelIndex(mt, r.Label)
		if !ok {
			continue
		}
		e, ok := entities[r.EntityID]
		if !ok {
			e, err = t.st.GetEntity(ctx, r.EntityID)
			if err != nil {
				return nil, eris.Wrapf(err, "registry: entity %s", r.EntityID)
			}
			entities[r.EntityID] = e
		}
		out = append(out, example{
			row:       r,
			cohort:    CohortOf(e, r.Features),
			sector:    e.Sector,
			label:     label,
			heuristic: HeuristicScore(r.Features),
		})
	}
	if mt == model.ModelSurvival {
		sectorMomentum(out)
	}
	return out, nil
}

// HeuristicScore is the rule a disciplined angel would apply: 100 for a
// revenue-generating, EIS-eligible company with an institutional
// co-investor, else 0.
func HeuristicScore(s *featurestore.Snapshot) float64 {
	revenue, _ := s.Number(model.FamilyFinancial, featurestore.FinancialRevenue)
	institutional, _ := s.Bool(model.FamilyCampaign, featurestore.CampaignInstitutional)
	eis, _ := s.Bool(model.FamilyTerms, featurestore.TermsEISEligible)
	if revenue > 0 && institutional && eis {
		return 100
	}
	return 0
}

const momentumYears = 2

// sectorMomentum scores each example by the exit rate of its sector over
// the two years before its decision date, using only labels observed by
// then.
func sectorMomentum(rows []example) {
	exited := outcomeIndex(model.OutcomeExited)
	for i := range rows {
		decision := rows[i].row.DecisionAsOf
		from := decision.AddDate(-momentumYears, 0, 0)
		var n, exits int
		for j := range rows {
			if rows[j].sector != rows[i].sector {
				continue
			}
			at := rows[j].row.LabelAsOf
			if at.Before(from) || !at.Before(decision) {
				continue
			}
			n++
			if rows[j].label == exited {
				exits++
			}
		}
		if n > 0 {
			rows[i].momentum = 100 * float64(exits) / float64(n)
		}
	}
}

func outcomeIndex(o model.Outcome) int {
	for i, c := range model.SurvivalClasses {
		if c == o {
			return i
		}
	}
	return -1
}

// CohortOf derives the (stage, geography) cohort of an entity snapshot.
func CohortOf(e *model.CanonicalEntity, s *featurestore.Snapshot) model.Cohort {
	stage, _ := s.Category(model.FamilyCampaign, featurestore.CampaignStage)
	c := model.Cohort{Stage: stage}
	if e != nil {
		c.Geography = e.Country
	}
	return c.Normalize()
}

func labelIndex(mt model.ModelType, v model.FeatureValue) (int, bool) {
	if mt == model.ModelProgress {
		if v.Kind != model.KindBoolean {
			return 0, false
		}
		if v.Bool {
			return 1, true
		}
		return 0, true
	}
	if v.Kind != model.KindCategorical {
		return 0, false
	}
	for i, c := range model.SurvivalClasses {
		if strings.EqualFold(v.Str, string(c)) {
			return i, true
		}
	}
	return 0, false
}

// realizedMOIC uses the recorded MOIC label, else infers one from the
// outcome: failures return nothing and survivors their capital.
func realizedMOIC(ex example) (float64, bool) {
	if ex.row.HasMOIC {
		return ex.row.MOIC, true
	}
	switch model.SurvivalClasses[ex.label] {
	case model.OutcomeFailed:
		return 0, true
	case model.OutcomeTrading:
		return 1, true
	}
	return 0, false
}

func (t *Trainer) backtest(rows []example, test []int, probs [][]float64) BacktestResult {
	exited := outcomeIndex(model.OutcomeExited)
	failed := outcomeIndex(model.OutcomeFailed)
	var cands []Candidate
	for i, idx := range test {
		moic, ok := realizedMOIC(rows[idx])
		if !ok {
			continue
		}
		cands = append(cands, Candidate{
			Period:    strconv.Itoa(rows[idx].row.DecisionAsOf.Year()),
			Sector:    rows[idx].sector,
			Score:     probs[i][exited],
			MOIC:      moic,
			Failed:    rows[idx].label == failed,
			Heuristic: rows[idx].heuristic,
			Momentum:  rows[idx].momentum,
		})
	}
	return Backtest(cands, t.cfg.Policy, t.cfg.Seed)
}

// abstentionRate is the share of test predictions the model-confidence
// gate would abstain on.
func (t *Trainer) abstentionRate(probs [][]float64) float64 {
	if len(probs) == 0 {
		return 0
	}
	abstained := 0
	for _, p := range probs {
		dist := make(map[model.Outcome]float64, len(p))
		for c, v := range p {
			dist[model.SurvivalClasses[c]] = v
		}
		if gate.Entropy(dist) >= t.cfg.AbstainEntropy {
			abstained++
		}
	}
	return float64(abstained) / float64(len(probs))
}

// walkForward refits the model on expanding windows and backtests each on
// the block that follows it. Folds are uncalibrated.
func (t *Trainer) walkForward(rows []example, pooled bool, k int, hp model.Hyperparams) []model.FoldResult {
	windows := WalkForward(len(rows), t.cfg.WalkForwardFolds, t.cfg.MinRows)
	out := make([]model.FoldResult, 0, len(windows))
	for f, w := range windows {
		snaps := make([]*featurestore.Snapshot, len(w.Train))
		cohorts := make([]model.Cohort, len(w.Train))
		for i, idx := range w.Train {
			snaps[i] = rows[idx].row.Features
			cohorts[i] = rows[idx].cohort
		}
		vec := FitVectorizer(t.features.Registry().Inputs(), snaps, cohorts, pooled)
		x := make([][]float64, len(w.Train))
		y := make([]int, len(w.Train))
		for i, idx := range w.Train {
			x[i] = vec.Transform(rows[idx].row.Features, rows[idx].cohort)
			y[i] = rows[idx].label
		}
		weights := trainSoftmax(x, y, k, hp)

		probs := make([][]float64, len(w.Test))
		for i, idx := range w.Test {
			probs[i] = softmax(weights, vec.Transform(rows[idx].row.Features, rows[idx].cohort))
		}
		bt := t.backtest(rows, w.Test, probs)
		out = append(out, model.FoldResult{
			Fold:         f + 1,
			TrainN:       len(w.Train),
			TestN:        len(w.Test),
			MeanMOIC:     bt.MeanMOIC,
			BaselineMOIC: bt.BaselineMOIC,
			Lift:         bt.Lift,
			FailureRate:  bt.FailureRate,
		})
	}
	return out
}

// importance is mean |weight| across classes times the training std of each
// encoded column, summed per input feature.
func importance(vec *Vectorizer, weights [][]float64, x [][]float64) map[string]float64 {
	if len(x) == 0 || len(weights) == 0 {
		return nil
	}
	d := len(x[0])
	std := make([]float64, d)
	for j := 0; j < d; j++ {
		col := make([]float64, len(x))
		for i := range x {
			col[i] = x[i][j]
		}
		_, s := meanStdRaw(col)
		std[j] = s
	}

	out := make(map[string]float64)
	for j, owner := range vec.columnOwners() {
		if owner < 0 || j >= d {
			continue
		}
		var w float64
		for c := range weights {
			w += math.Abs(weights[c][j])
		}
		w /= float64(len(weights))
		in := vec.Inputs[owner]
		key := model.FeatureKey{Family: in.Family, Name: in.Name}.String()
		out[key] += w * std[j]
	}
	return out
}

func meanStdRaw(vals []float64) (float64, float64) {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	var sq float64
	for _, v := range vals {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(vals)))
}

package featurestore

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var t0 = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "features.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	fs := New(st, DefaultRegistry())
	fs.now = func() time.Time { return t0.AddDate(5, 0, 0) }
	return fs, st
}

func rec(entity string, at time.Time, family model.Family, name string, v model.FeatureValue) model.FeatureRecord {
	return model.FeatureRecord{EntityID: entity, AsOf: at, Family: family, Name: name, Value: v, Source: "crowdcube", Tier: model.TierEstimated}
}

func TestWrite_Validation(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		rec  model.FeatureRecord
		want error
	}{
		{"unknown feature", rec("e1", t0, model.FamilyCampaign, "nope", model.Numeric(1)), ErrUnknownFeature},
		{"kind mismatch", rec("e1", t0, model.FamilyCampaign, CampaignTarget, model.Boolean(true)), ErrKindMismatch},
		{"no entity", rec("", t0, model.FamilyCampaign, CampaignTarget, model.Numeric(1)), ErrInvalidRecord},
		{"no as_of", rec("e1", time.Time{}, model.FamilyCampaign, CampaignTarget, model.Numeric(1)), ErrInvalidRecord},
		{"nan", rec("e1", t0, model.FamilyCampaign, CampaignTarget, model.Numeric(math.NaN())), ErrInvalidRecord},
		{"bad tier", func() model.FeatureRecord {
			r := rec("e1", t0, model.FamilyCampaign, CampaignTarget, model.Numeric(1))
			r.Tier = 4
			return r
		}(), ErrInvalidRecord},
		{"no source", func() model.FeatureRecord {
			r := rec("e1", t0, model.FamilyCampaign, CampaignTarget, model.Numeric(1))
			r.Source = " "
			return r
		}(), ErrInvalidRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fs.Write(ctx, tt.rec)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestWrite_FillsDefaults(t *testing.T) {
	fs, _ := newTestStore(t)
	out, err := fs.Write(context.Background(), rec("e1", t0, model.FamilyCampaign, CampaignTarget, model.Numeric(100000)))
	require.NoError(t, err)
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, t0.AddDate(5, 0, 0), out.RecordedAt)
}

func TestWrite_Duplicate(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()
	r := rec("e1", t0, model.FamilyCampaign, CampaignTarget, model.Numeric(100000))

	_, err := fs.Write(ctx, r)
	require.NoError(t, err)
	_, err = fs.Write(ctx, r)
	assert.True(t, errors.Is(err, ErrDuplicate))

	_, err = fs.WriteBatch(ctx, []model.FeatureRecord{
		rec("e2", t0, model.FamilyCampaign, CampaignTarget, model.Numeric(1)),
		rec("e2", t0, model.FamilyCampaign, CampaignTarget, model.Numeric(2)),
	})
	assert.True(t, errors.Is(err, ErrDuplicate))
}

func TestWriteBatch_AllOrNothing(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()

	_, err := fs.WriteBatch(ctx, []model.FeatureRecord{
		rec("e1", t0, model.FamilyCampaign, CampaignTarget, model.Numeric(1)),
		rec("e1", t0, model.FamilyCampaign, "nope", model.Numeric(2)),
	})
	require.Error(t, err)

	snap, err := fs.Read(ctx, "e1", t0.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())
}

func TestRead_AsOf(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()

	_, err := fs.WriteBatch(ctx, []model.FeatureRecord{
		rec("e1", t0, model.FamilyFinancial, FinancialRevenue, model.Numeric(10)),
		rec("e1", t0.AddDate(0, 6, 0), model.FamilyFinancial, FinancialRevenue, model.Numeric(20)),
		rec("e1", t0.AddDate(1, 0, 0), model.FamilyFinancial, FinancialRevenue, model.Numeric(30)),
		rec("e1", t0.AddDate(0, 1, 0), model.FamilyLabel, LabelSurvival, model.Categorical("failed")),
	})
	require.NoError(t, err)

	tests := []struct {
		name  string
		asOf  time.Time
		want  float64
		found bool
	}{
		{"before first", t0.Add(-time.Hour), 0, false},
		{"at first", t0, 10, true},
		{"between", t0.AddDate(0, 9, 0), 20, true},
		{"after last", t0.AddDate(3, 0, 0), 30, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := fs.Read(ctx, "e1", tt.asOf)
			require.NoError(t, err)
			v, ok := snap.Number(model.FamilyFinancial, FinancialRevenue)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, v)
			_, ok = snap.Get(model.FamilyLabel, LabelSurvival)
			assert.False(t, ok, "labels never appear in a snapshot")
		})
	}
}

func TestReplay_IgnoresBackdatedWrites(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()
	evaluatedAt := t0.AddDate(0, 2, 0)

	fs.now = func() time.Time { return t0.AddDate(0, 1, 0) }
	_, err := fs.WriteBatch(ctx, []model.FeatureRecord{
		rec("e1", t0, model.FamilyFinancial, FinancialRevenue, model.Numeric(10)),
	})
	require.NoError(t, err)

	ev := &model.Evaluation{ID: "ev-1", EntityID: "e1", AsOf: t0.AddDate(0, 1, 0), CreatedAt: evaluatedAt}

	// A restatement arrives after the evaluation but is effective before it.
	fs.now = func() time.Time { return t0.AddDate(0, 6, 0) }
	_, err = fs.WriteBatch(ctx, []model.FeatureRecord{
		rec("e1", t0.AddDate(0, 0, 15), model.FamilyFinancial, FinancialRevenue, model.Numeric(99)),
	})
	require.NoError(t, err)

	current, err := fs.Read(ctx, "e1", ev.AsOf)
	require.NoError(t, err)
	v, _ := current.Number(model.FamilyFinancial, FinancialRevenue)
	assert.Equal(t, 99.0, v)

	replayed, err := fs.Replay(ctx, ev)
	require.NoError(t, err)
	v, ok := replayed.Number(model.FamilyFinancial, FinancialRevenue)
	require.True(t, ok)
	assert.Equal(t, 10.0, v, "the evaluation saw the value known when it was recorded")

	_, err = fs.Replay(ctx, &model.Evaluation{ID: "ev-2"})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestRead_NoLeakage(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 11))

	names := []string{FinancialRevenue, FinancialAssets, FinancialDebt}
	var recs []model.FeatureRecord
	for i := 0; i < 200; i++ {
		at := t0.Add(time.Duration(rng.IntN(1000*24)) * time.Hour)
		recs = append(recs, rec("e1", at, model.FamilyFinancial, names[i%len(names)], model.Numeric(rng.Float64())))
	}
	// Random timestamps may collide; keep the first of each key.
	seen := map[string]bool{}
	var uniq []model.FeatureRecord
	for _, r := range recs {
		k := r.AsOf.String() + r.Name
		if !seen[k] {
			seen[k] = true
			uniq = append(uniq, r)
		}
	}
	_, err := fs.WriteBatch(ctx, uniq)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		asOf := t0.Add(time.Duration(rng.IntN(1100*24)) * time.Hour)
		snap, err := fs.Read(ctx, "e1", asOf)
		require.NoError(t, err)
		for _, r := range snap.Records() {
			assert.False(t, r.AsOf.After(asOf), "record at %s leaked into snapshot at %s", r.AsOf, asOf)
		}
		assert.False(t, snap.MaxAsOf().After(asOf))
	}
}

func TestSnapshot_Missingness(t *testing.T) {
	reg := DefaultRegistry()
	snap := NewSnapshot("e1", t0, reg, []model.FeatureRecord{
		rec("e1", t0, model.FamilyRegulatory, RegulatoryInsolvency, model.Boolean(false)),
		{EntityID: "e1", AsOf: t0, Family: model.FamilyRegulatory, Name: RegulatorySanctions, Value: model.Boolean(false), Source: "companies_house", Tier: model.TierVerified},
	})

	assert.InDelta(t, 1.0/3, snap.Missingness(model.FamilyRegulatory), 1e-9)
	assert.Equal(t, 1.0, snap.Missingness(model.FamilyTeam))
	assert.Equal(t, 1.0, snap.Missingness("unregistered"))
	assert.Equal(t, 2, snap.SourceCount(model.FamilyRegulatory))
	assert.Equal(t, 1, snap.SourceCount(model.FamilyRegulatory, RegulatorySanctions))
	assert.Equal(t, 0, snap.SourceCount(model.FamilyTeam))

	families := len(reg.InputFamilies())
	assert.InDelta(t, (2.0/3)/float64(families), snap.Completeness(), 1e-9)
}

func TestSnapshot_Accessors(t *testing.T) {
	snap := NewSnapshot("e1", t0, nil, []model.FeatureRecord{
		rec("e1", t0, model.FamilyCampaign, CampaignStage, model.Categorical("seed")),
		rec("e1", t0, model.FamilyTeam, TeamDisqualified, model.Boolean(true)),
		rec("e1", t0.AddDate(0, 0, 1), model.FamilyCampaign, CampaignTarget, model.Numeric(5)),
	})
	stage, ok := snap.Category(model.FamilyCampaign, CampaignStage)
	assert.True(t, ok)
	assert.Equal(t, "seed", stage)

	dq, ok := snap.Bool(model.FamilyTeam, TeamDisqualified)
	assert.True(t, ok)
	assert.True(t, dq)

	_, ok = snap.Number(model.FamilyCampaign, CampaignStage)
	assert.False(t, ok)
	_, ok = snap.Number(model.FamilyCampaign, CampaignTarget)
	assert.False(t, ok, "future record dropped")
	assert.Equal(t, 2, snap.Len())
}

func TestHistory(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()
	_, err := fs.WriteBatch(ctx, []model.FeatureRecord{
		rec("e1", t0.AddDate(0, 2, 0), model.FamilyCompany, CompanyStatus, model.Categorical("dissolved")),
		rec("e1", t0, model.FamilyCompany, CompanyStatus, model.Categorical("active")),
	})
	require.NoError(t, err)

	hist, err := fs.History(ctx, "e1", model.FamilyCompany, CompanyStatus)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "active", hist[0].Value.Str)
	assert.Equal(t, "dissolved", hist[1].Value.Str)
}

func TestTrainingRows(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()

	labelAt := t0.AddDate(3, 0, 0)
	recs := []model.FeatureRecord{
		rec("e1", t0, model.FamilyFinancial, FinancialRevenue, model.Numeric(10)),
		rec("e1", t0.AddDate(2, 6, 0), model.FamilyFinancial, FinancialRevenue, model.Numeric(99)),
		{EntityID: "e1", AsOf: labelAt, Family: model.FamilyLabel, Name: LabelSurvival, Value: model.Categorical("exited"), Source: "companies_house", Tier: model.TierVerified},
		{EntityID: "e1", AsOf: labelAt, Family: model.FamilyLabel, Name: LabelMOIC, Value: model.Numeric(3.5), Source: "companies_house", Tier: model.TierVerified},
		{EntityID: "e2", AsOf: labelAt, Family: model.FamilyLabel, Name: LabelSurvival, Value: model.Categorical("failed"), Source: "press", Tier: model.TierWeak},
		{EntityID: "e3", AsOf: labelAt.AddDate(0, 1, 0), Family: model.FamilyLabel, Name: LabelSurvival, Value: model.Categorical("trading"), Source: "crowdcube", Tier: model.TierEstimated},
	}
	_, err := fs.WriteBatch(ctx, recs)
	require.NoError(t, err)

	rows, err := fs.TrainingRows(ctx, TrainingQuery{Label: LabelSurvival, HorizonMonths: 36})
	require.NoError(t, err)
	require.Len(t, rows, 2, "tier-3 label excluded")

	assert.Equal(t, "e1", rows[0].EntityID)
	assert.Equal(t, t0, rows[0].DecisionAsOf)
	assert.Equal(t, "exited", rows[0].Label.Str)
	assert.True(t, rows[0].HasMOIC)
	assert.Equal(t, 3.5, rows[0].MOIC)
	rev, ok := rows[0].Features.Number(model.FamilyFinancial, FinancialRevenue)
	require.True(t, ok)
	assert.Equal(t, 10.0, rev, "features read at the decision date")

	assert.Equal(t, "e3", rows[1].EntityID)
	assert.False(t, rows[1].HasMOIC)

	verified, err := fs.TrainingRows(ctx, TrainingQuery{Label: LabelSurvival, HorizonMonths: 36, MaxTier: model.TierVerified})
	require.NoError(t, err)
	assert.Len(t, verified, 1)

	held, err := fs.TrainingRows(ctx, TrainingQuery{Label: LabelSurvival, HorizonMonths: 36, Exclude: []string{"e1"}})
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "e3", held[0].EntityID)

	_, err = fs.TrainingRows(ctx, TrainingQuery{Label: "nope"})
	assert.True(t, errors.Is(err, ErrUnknownFeature))
}

func TestDerive(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()

	founded := t0.AddDate(-2, 0, 0)
	entity := &model.CanonicalEntity{ID: "e1", PrimaryName: "Acme", FoundingDate: &founded}
	_, err := fs.WriteBatch(ctx, []model.FeatureRecord{
		rec("e1", t0, model.FamilyCampaign, CampaignTarget, model.Numeric(100000)),
		rec("e1", t0, model.FamilyCampaign, CampaignRaised, model.Numeric(150000)),
		rec("e1", t0, model.FamilyFinancial, FinancialRevenue, model.Numeric(0)),
		rec("e1", t0, model.FamilyFinancial, FinancialAssets, model.Numeric(0)),
		rec("e1", t0, model.FamilyFinancial, FinancialDebt, model.Numeric(10)),
	})
	require.NoError(t, err)

	out, err := fs.Derive(ctx, entity, t0.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, out, 3, "debt_to_asset skipped with zero assets")

	snap, err := fs.Read(ctx, "e1", t0.AddDate(0, 0, 1))
	require.NoError(t, err)
	ratio, ok := snap.Number(model.FamilyCampaign, CampaignOverfunding)
	require.True(t, ok)
	assert.InDelta(t, 1.5, ratio, 1e-9)
	pre, ok := snap.Bool(model.FamilyFinancial, FinancialPreRevenue)
	require.True(t, ok)
	assert.True(t, pre)
	age, ok := snap.Number(model.FamilyCompany, CompanyAgeMonths)
	require.True(t, ok)
	assert.Equal(t, 24.0, age)

	r, _ := snap.Get(model.FamilyCampaign, CampaignOverfunding)
	assert.Equal(t, DerivedSource, r.Source)
	assert.Equal(t, model.TierEstimated, r.Tier)

	again, err := fs.Derive(ctx, entity, t0.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestAssignTier(t *testing.T) {
	tests := map[string]model.LabelTier{
		"companies_house": model.TierVerified,
		"SEC EDGAR":       model.TierVerified,
		"crowdcube":       model.TierEstimated,
		"platform":        model.TierEstimated,
		"press":           model.TierWeak,
		"self-reported":   model.TierWeak,
		"blog":            model.TierWeak,
	}
	for src, want := range tests {
		assert.Equal(t, want, AssignTier(src), src)
	}
}

func TestOutcomeFromStatus(t *testing.T) {
	tests := []struct {
		status string
		want   model.Outcome
		ok     bool
	}{
		{"active", model.OutcomeTrading, true},
		{"Dissolved", model.OutcomeFailed, true},
		{"liquidation", model.OutcomeFailed, true},
		{"in administration", model.OutcomeFailed, true},
		{"acquired", model.OutcomeExited, true},
		{"IPO", model.OutcomeExited, true},
		{"dormant", "", false},
	}
	for _, tt := range tests {
		got, ok := OutcomeFromStatus(tt.status)
		assert.Equal(t, tt.ok, ok, tt.status)
		assert.Equal(t, tt.want, got, tt.status)
	}
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`features:
  - family: evidence
    name: patent_count
    kind: numeric
  - family: campaign
    name: platform
    kind: categorical
    description: listing platform
`), 0o600))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	d, ok := reg.Lookup(model.FamilyEvidence, "patent_count")
	require.True(t, ok)
	assert.Equal(t, model.KindNumeric, d.Kind)
	d, _ = reg.Lookup(model.FamilyCampaign, "platform")
	assert.Equal(t, "listing platform", d.Description)
	assert.NotContains(t, reg.InputFamilies(), model.FamilyLabel)

	require.NoError(t, os.WriteFile(path, []byte("features:\n  - family: x\n    name: y\n    kind: weird\n"), 0o600))
	_, err = LoadRegistry(path)
	assert.True(t, errors.Is(err, ErrKindMismatch))

	reg, err = LoadRegistry("")
	require.NoError(t, err)
	assert.NotEmpty(t, reg.Inputs())
}

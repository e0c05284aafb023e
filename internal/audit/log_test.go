package audit

import (
	"context"
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

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLog(t *testing.T) (*Log, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	l := New(st, st)
	l.now = func() time.Time { return t0 }
	return l, st
}

func testEvaluation(id string, class model.Class, score float64) *model.Evaluation {
	return &model.Evaluation{
		ID:       id,
		Cohort:   model.Cohort{Stage: "seed", Geography: "uk"},
		Mode:     model.ModeFull,
		AsOf:     t0.AddDate(0, -1, 0),
		Score:    score,
		Class:    class,
		Reason:   "score band",
		Returns:  &model.ReturnSummary{P10: 0.1, P50: 1.2, P90: 4, Spread: 40},
		Gates:    []model.GateResult{{Name: "data_completeness", Status: model.GatePass, Value: 0.9, Threshold: 0.7}},
		Kills:    []model.KillResult{{Name: "compliance", Effect: model.EffectForcePass}},
		Band:     model.ConfidenceBand{Low: score - 5, High: score + 5, Width: 10, Level: "high"},
		Survival: map[model.Outcome]float64{model.OutcomeExited: 0.6, model.OutcomeTrading: 0.3, model.OutcomeFailed: 0.1},
	}
}

func TestLog_Record(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	ev := testEvaluation("", model.ClassInvest, 82)
	entry, err := l.Record(ctx, ev)
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, ev.ID, entry.EvaluationID)
	assert.Equal(t, t0, ev.CreatedAt)

	got, err := l.Entry(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ClassInvest, got.Class)
	assert.Equal(t, ev.Gates, got.Gates)
	assert.Equal(t, ev.Kills, got.Kills)
	assert.Nil(t, got.Override)
	assert.Nil(t, got.Outcome)

	_, err = l.Record(ctx, ev)
	assert.ErrorIs(t, err, store.ErrConflict, "exactly one entry per evaluation")

	_, err = l.Record(ctx, testEvaluation("bad", "Maybe", 50))
	assert.ErrorIs(t, err, ErrInvalidClass)
}

func TestLog_Override(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	ev := testEvaluation("ev-1", model.ClassWatch, 48)
	_, err := l.Record(ctx, ev)
	require.NoError(t, err)

	_, err = l.Override(ctx, "ev-1", model.ClassInvest, "   ", "analyst")
	assert.ErrorIs(t, err, ErrReasonRequired)
	_, err = l.Override(ctx, "ev-1", "Maybe", "gut feel", "analyst")
	assert.ErrorIs(t, err, ErrInvalidClass)
	_, err = l.Override(ctx, "missing", model.ClassInvest, "gut feel", "analyst")
	assert.ErrorIs(t, err, store.ErrNotFound)

	entry, err := l.Override(ctx, "ev-1", model.ClassInvest, "founder met in person", "analyst")
	require.NoError(t, err)
	require.NotNil(t, entry.Override)
	assert.Equal(t, model.ClassInvest, entry.Override.Class)
	assert.Equal(t, model.ClassWatch, entry.Class, "the model class is preserved")
	assert.Equal(t, 48.0, entry.Score)
	assert.Equal(t, model.ClassInvest, entry.FinalClass())

	_, err = l.Override(ctx, "ev-1", model.ClassPass, "changed my mind", "analyst")
	assert.ErrorIs(t, err, ErrOverrideExists)
}

func TestLog_AttachOutcome(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	_, err := l.Record(ctx, testEvaluation("ev-1", model.ClassInvest, 75))
	require.NoError(t, err)

	moic := 3.5
	entry, err := l.AttachOutcome(ctx, "ev-1", model.RealizedOutcome{Outcome: model.OutcomeExited, MOIC: &moic, ObservedAt: t0.AddDate(2, 0, 0)})
	require.NoError(t, err)
	require.NotNil(t, entry.Outcome)
	assert.Equal(t, model.OutcomeExited, entry.Outcome.Outcome)
	assert.Equal(t, 75.0, entry.Score, "score is never mutated")
	assert.Equal(t, model.ClassInvest, entry.Class)

	_, err = l.AttachOutcome(ctx, "ev-1", model.RealizedOutcome{Outcome: model.OutcomeFailed})
	assert.ErrorIs(t, err, ErrOutcomeAlreadySet)
	_, err = l.AttachOutcome(ctx, "ev-1", model.RealizedOutcome{Outcome: "unicorn"})
	assert.Error(t, err)
	_, err = l.AttachOutcome(ctx, "missing", model.RealizedOutcome{Outcome: model.OutcomeFailed})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLog_Report(t *testing.T) {
	l, st := newTestLog(t)
	ctx := context.Background()

	entity := &model.CanonicalEntity{ID: "ent-1", PrimaryName: "Acme Robotics Ltd", NormalizedName: "acme robotics", Country: "GB", CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, st.CreateEntity(ctx, entity))

	ev := testEvaluation("ev-1", model.ClassDeepDiligence, 62)
	ev.EntityID = "ent-1"
	_, err := l.Record(ctx, ev)
	require.NoError(t, err)
	_, err = l.Override(ctx, "ev-1", model.ClassWatch, "sector concentration", "ic")
	require.NoError(t, err)

	r, err := l.Report(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Robotics Ltd", r.EntityName)
	assert.Equal(t, "UK_Seed", r.Cohort)
	assert.Equal(t, model.ClassDeepDiligence, r.Class)
	assert.Equal(t, 62.0, r.Score)
	require.NotNil(t, r.Returns)
	assert.Equal(t, 40.0, r.Returns.Spread)
	require.NotNil(t, r.Override)
	assert.Equal(t, "sector concentration", r.Override.Reason)

	_, err = l.Report(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLog_Compare(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	record := func(id string, class model.Class, at time.Time) {
		ev := testEvaluation(id, class, 50)
		ev.CreatedAt = at
		_, err := l.Record(ctx, ev)
		require.NoError(t, err)
	}
	record("a", model.ClassInvest, t0)
	record("b", model.ClassInvest, t0.Add(time.Hour))
	record("c", model.ClassWatch, t0.Add(2*time.Hour))
	record("d", model.ClassPass, t0.Add(3*time.Hour))
	record("late", model.ClassPass, t0.AddDate(1, 0, 0))

	two, half := 2.0, 0.5
	_, err := l.AttachOutcome(ctx, "a", model.RealizedOutcome{Outcome: model.OutcomeExited, MOIC: &two})
	require.NoError(t, err)
	_, err = l.AttachOutcome(ctx, "b", model.RealizedOutcome{Outcome: model.OutcomeFailed, MOIC: &half})
	require.NoError(t, err)
	_, err = l.Override(ctx, "c", model.ClassInvest, "strong team", "ic")
	require.NoError(t, err)
	_, err = l.AttachOutcome(ctx, "c", model.RealizedOutcome{Outcome: model.OutcomeExited})
	require.NoError(t, err)
	_, err = l.Override(ctx, "b", model.ClassPass, "weak market", "ic")
	require.NoError(t, err)

	c, err := l.Compare(ctx, t0, t0.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.Len(t, c.Rows, 4)
	assert.Equal(t, 2, c.Overrides)
	assert.Equal(t, 2, c.OverridesResolved)
	assert.Equal(t, 2, c.OverridesVindicated)

	require.NotEmpty(t, c.ByModelClass)
	invest := c.ByModelClass[0]
	assert.Equal(t, model.ClassInvest, invest.Class)
	assert.Equal(t, 2, invest.N)
	assert.Equal(t, 1, invest.Exited)
	assert.Equal(t, 1, invest.Failed)
	require.NotNil(t, invest.MeanMOIC)
	assert.InDelta(t, 1.25, *invest.MeanMOIC, 1e-9)

	final := c.ByFinalClass[0]
	assert.Equal(t, model.ClassInvest, final.Class)
	assert.Equal(t, 2, final.N, "a plus the upgraded c")
	assert.Equal(t, 2, final.Exited)
}

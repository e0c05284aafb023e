package resolve

import (
	"context"
	"errors"
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

func newTestResolver(t *testing.T) (*Resolver, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "resolve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	r := NewResolver(st, DefaultConfig())
	r.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }
	return r, st
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Acme Ltd", "acme"},
		{"ACME LIMITED", "acme"},
		{"Acme Holdings, Inc.", "acme holdings"},
		{"Crème Brûlée & Co", "creme brulee and"},
		{"Müller GmbH", "muller"},
		{"Widgets Limited Liability Company", "widgets"},
		{"Acme Co Ltd", "acme"},
		{"Company Ltd", "company"},
		{"  Spaced   Out  plc ", "spaced out"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeName(tt.in))
		})
	}
}

func TestNormalizeDomain(t *testing.T) {
	assert.Equal(t, "acme.com", NormalizeDomain("https://www.Acme.com/about?x=1"))
	assert.Equal(t, "acme.co.uk", NormalizeDomain("acme.co.uk:443"))
	assert.Equal(t, "", NormalizeDomain("  "))
}

func TestResolve_InvalidReference(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.Resolve(context.Background(), Reference{Source: "crowdcube"})
	assert.True(t, errors.Is(err, ErrInvalidReference))
}

func TestResolve_CreatesEntity(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	res, err := r.Resolve(ctx, Reference{Source: "crowdcube", SourceID: "c-1", Name: "Acme Ltd", Country: "UK", FoundingYear: 2019})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, model.MatchExactID, res.Method)
	assert.Equal(t, 100.0, res.Confidence)
	assert.Equal(t, model.ReviewAutoConfirmed, res.Link.Status)
	assert.Equal(t, "acme", res.Entity.NormalizedName)
	assert.Equal(t, "uk", res.Entity.Country)
	assert.Equal(t, 2019, res.Entity.FoundingYear())
	assert.False(t, res.NeedsReview())
}

func TestResolve_Idempotent(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()
	ref := Reference{Source: "crowdcube", SourceID: "c-1", Name: "Acme Ltd", Country: "uk"}

	first, err := r.Resolve(ctx, ref)
	require.NoError(t, err)
	second, err := r.Resolve(ctx, ref)
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Link.ID, second.Link.ID)
	assert.Equal(t, first.Entity.ID, second.Entity.ID)
}

func TestResolve_RegistryID(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, Reference{Source: "companies_house", SourceID: "12345678", Name: "Acme Ltd", Country: "uk", RegistryID: "12345678"})
	require.NoError(t, err)

	res, err := r.Resolve(ctx, Reference{Source: "seedrs", SourceID: "s-9", Name: "Totally Different Name", Country: "uk", RegistryID: "12345678"})
	require.NoError(t, err)
	assert.Equal(t, first.Entity.ID, res.Entity.ID)
	assert.Equal(t, model.MatchExactID, res.Method)
	assert.Equal(t, 100.0, res.Confidence)
	assert.False(t, res.Created)
}

func TestResolve_Deterministic(t *testing.T) {
	tests := []struct {
		name     string
		year     int
		wantConf float64
		wantSame bool
	}{
		{"same year", 2019, 95, true},
		{"within tolerance", 2020, 92, true},
		{"unknown year", 0, 90, true},
		{"too far apart", 2023, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestResolver(t)
			ctx := context.Background()

			first, err := r.Resolve(ctx, Reference{Source: "crowdcube", SourceID: "c-1", Name: "Acme Ltd", Country: "uk", FoundingYear: 2019})
			require.NoError(t, err)

			res, err := r.Resolve(ctx, Reference{Source: "seedrs", SourceID: "s-1", Name: "ACME LIMITED", Country: "uk", FoundingYear: tt.year})
			require.NoError(t, err)
			if !tt.wantSame {
				assert.NotEqual(t, model.MatchDeterministic, res.Method)
				return
			}
			assert.Equal(t, first.Entity.ID, res.Entity.ID)
			assert.Equal(t, model.MatchDeterministic, res.Method)
			assert.Equal(t, tt.wantConf, res.Confidence)
		})
	}
}

func TestResolve_ProbabilisticNeedsReview(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, Reference{Source: "crowdcube", SourceID: "c-1", Name: "Brightwave Energy", Country: "uk"})
	require.NoError(t, err)

	// Similar name, same country, no domain or sector agreement.
	res, err := r.Resolve(ctx, Reference{Source: "seedrs", SourceID: "s-1", Name: "Brightwave Energies", Country: "uk"})
	require.NoError(t, err)
	assert.Equal(t, first.Entity.ID, res.Entity.ID)
	assert.Equal(t, model.MatchProbabilistic, res.Method)
	assert.Less(t, res.Confidence, 70.0)
	assert.GreaterOrEqual(t, res.Confidence, 50.0)
	assert.Equal(t, model.ReviewNeedsReview, res.Link.Status)
	assert.True(t, res.NeedsReview())

	pending, err := r.PendingReviews(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, res.Link.ID, pending[0].ID)

	links, err := st.ListLinks(ctx, model.ReviewAutoConfirmed)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestResolve_ProbabilisticConfirmed(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, Reference{Source: "crowdcube", SourceID: "c-1", Name: "Brightwave Energy", Country: "uk", Domain: "brightwave.io", Sector: "climate"})
	require.NoError(t, err)

	res, err := r.Resolve(ctx, Reference{Source: "seedrs", SourceID: "s-1", Name: "Brightwave Energies", Country: "uk", Domain: "https://www.brightwave.io", Sector: "Climate"})
	require.NoError(t, err)
	assert.Equal(t, first.Entity.ID, res.Entity.ID)
	assert.Equal(t, model.MatchProbabilistic, res.Method)
	assert.GreaterOrEqual(t, res.Confidence, 70.0)
	assert.Equal(t, model.ReviewAutoConfirmed, res.Link.Status)
}

func TestResolve_NoCandidateCreates(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, Reference{Source: "crowdcube", SourceID: "c-1", Name: "Brightwave Energy", Country: "uk"})
	require.NoError(t, err)
	res, err := r.Resolve(ctx, Reference{Source: "seedrs", SourceID: "s-1", Name: "Quantum Pastry", Country: "uk"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEqual(t, first.Entity.ID, res.Entity.ID)
}

func TestResolve_EnrichesEntity(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, Reference{Source: "crowdcube", SourceID: "c-1", Name: "Acme Ltd", Country: "uk"})
	require.NoError(t, err)
	_, err = r.Resolve(ctx, Reference{Source: "companies_house", SourceID: "0999", Name: "Acme Limited", Country: "uk", Sector: "Fintech", RegistryID: "0999"})
	require.NoError(t, err)

	e, err := st.GetEntity(ctx, first.Entity.ID)
	require.NoError(t, err)
	assert.Equal(t, "fintech", e.Sector)
	assert.Equal(t, "0999", e.RegistryID)
}

func TestConfirm(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	_, err := r.Resolve(ctx, Reference{Source: "crowdcube", SourceID: "c-1", Name: "Brightwave Energy", Country: "uk"})
	require.NoError(t, err)
	res, err := r.Resolve(ctx, Reference{Source: "seedrs", SourceID: "s-1", Name: "Brightwave Energies", Country: "uk"})
	require.NoError(t, err)
	require.True(t, res.NeedsReview())

	link, err := r.Confirm(ctx, res.Link.ID, "analyst", "same registered office")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewAutoConfirmed, link.Status)
	assert.True(t, link.Reviewed())
	assert.Equal(t, 100.0, link.EffectiveConfidence())

	_, err = r.Confirm(ctx, res.Link.ID, "analyst", "")
	assert.True(t, errors.Is(err, ErrNotPending))
}

func TestReject(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, Reference{Source: "crowdcube", SourceID: "c-1", Name: "Brightwave Energy", Country: "uk"})
	require.NoError(t, err)
	res, err := r.Resolve(ctx, Reference{Source: "seedrs", SourceID: "s-1", Name: "Brightwave Energies", Country: "uk"})
	require.NoError(t, err)

	fresh, err := r.Reject(ctx, res.Link.ID, "analyst", "different founders")
	require.NoError(t, err)
	assert.True(t, fresh.Created)
	assert.NotEqual(t, first.Entity.ID, fresh.Entity.ID)
	assert.Equal(t, "Brightwave Energies", fresh.Entity.PrimaryName)
	assert.Equal(t, model.ReviewAutoConfirmed, fresh.Link.Status)

	_, err = r.Reject(ctx, res.Link.ID, "analyst", "again")
	assert.True(t, errors.Is(err, ErrLinkRejected))

	again, err := r.Resolve(ctx, Reference{Source: "seedrs", SourceID: "s-1", Name: "Brightwave Energies", Country: "uk"})
	require.NoError(t, err)
	assert.Equal(t, fresh.Link.ID, again.Link.ID)
}

func TestEvaluate(t *testing.T) {
	m := Evaluate([]LabeledPair{
		{SameFirm: true, Predicted: true},
		{SameFirm: true, Predicted: true},
		{SameFirm: false, Predicted: true},
		{SameFirm: true, Predicted: false},
		{SameFirm: false, Predicted: false},
	})
	assert.Equal(t, 2, m.TruePositives)
	assert.Equal(t, 1, m.FalsePositives)
	assert.Equal(t, 1, m.FalseNegatives)
	assert.Equal(t, 1, m.TrueNegatives)
	assert.InDelta(t, 2.0/3, m.Precision, 1e-9)
	assert.InDelta(t, 2.0/3, m.Recall, 1e-9)
	assert.InDelta(t, 2.0/3, m.F1, 1e-9)

	assert.Equal(t, Metrics{}, Evaluate(nil))
}

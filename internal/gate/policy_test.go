package gate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/decision-engine/internal/store"
)

type failingPolicyStore struct{}

func (failingPolicyStore) ReserveCapacity(context.Context, string, string, int, int) (bool, error) {
	return false, errors.New("database is locked")
}

func (failingPolicyStore) ReleaseCapacity(context.Context, string, string) error {
	return errors.New("database is locked")
}

func (failingPolicyStore) PolicyUsage(context.Context, string) (map[string]int, error) {
	return nil, errors.New("database is locked")
}

func newPolicyStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "policy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestPolicy_PeriodOf(t *testing.T) {
	yearly := NewPolicy(nil, DefaultPolicyConfig())
	assert.Equal(t, "2024", yearly.PeriodOf(time.Date(2024, 11, 3, 0, 0, 0, 0, time.UTC)))

	quarterly := NewPolicy(nil, PolicyConfig{Period: "quarter"})
	assert.Equal(t, "2024-Q1", quarterly.PeriodOf(time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2024-Q4", quarterly.PeriodOf(time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)))
}

func TestPolicy_Reserve(t *testing.T) {
	st := newPolicyStore(t)
	p := NewPolicy(st, DefaultPolicyConfig())
	ctx := context.Background()

	require.NoError(t, p.Reserve(ctx, "2024", "Fintech"))
	err := p.Reserve(ctx, "2024", "fintech")
	assert.ErrorIs(t, err, ErrCapReached, "one per sector")

	require.NoError(t, p.Reserve(ctx, "2024", "health"))
	assert.ErrorIs(t, p.Reserve(ctx, "2024", "climate"), ErrCapReached, "two per period")
	require.NoError(t, p.Reserve(ctx, "2025", "climate"), "a new period starts empty")

	usage, err := p.Usage(ctx, "2024")
	require.NoError(t, err)
	assert.Equal(t, 2, usage[store.TotalScope])
	assert.Equal(t, 1, usage["sector:fintech"])
	assert.Zero(t, usage["sector:climate"])
}

func TestPolicy_Release(t *testing.T) {
	st := newPolicyStore(t)
	p := NewPolicy(st, DefaultPolicyConfig())
	ctx := context.Background()

	require.NoError(t, p.Reserve(ctx, "2024", "fintech"))
	require.NoError(t, p.Release(ctx, "2024", "Fintech"))
	require.NoError(t, p.Reserve(ctx, "2024", "fintech"), "the released slot is free again")

	require.NoError(t, p.Release(ctx, "2024", "fintech"))
	require.NoError(t, p.Release(ctx, "2024", "fintech"))
	usage, err := p.Usage(ctx, "2024")
	require.NoError(t, err)
	assert.Zero(t, usage[store.TotalScope], "never below zero")
	assert.Zero(t, usage["sector:fintech"])
}

func TestPolicy_Reserve_Concurrent(t *testing.T) {
	st := newPolicyStore(t)
	p := NewPolicy(st, PolicyConfig{Period: "year", MaxInvestPerPeriod: 3})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Reserve(ctx, "2024", "saas")
			if err == nil {
				granted.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrCapReached)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3), granted.Load(), "no two evaluations share an exhausted cap")
}

func TestPolicy_StoreError(t *testing.T) {
	p := NewPolicy(failingPolicyStore{}, DefaultPolicyConfig())
	err := p.Reserve(context.Background(), "2024", "saas")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrCapReached))

	_, err = p.Usage(context.Background(), "2024")
	assert.Error(t, err)
	assert.Error(t, p.Release(context.Background(), "2024", "saas"))
}

func TestLoadPolicyConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("period: quarter\nmax_invest_per_period: 5\n"), 0o600))

	cfg, err := LoadPolicyConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "quarter", cfg.Period)
	assert.Equal(t, 5, cfg.MaxInvestPerPeriod)
	assert.Equal(t, 1, cfg.MaxPerSectorPerPeriod, "unset keys keep defaults")

	require.NoError(t, os.WriteFile(path, []byte("period: fortnight\n"), 0o600))
	_, err = LoadPolicyConfig(path)
	assert.Error(t, err)
}

package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/audit"
	"github.com/sells-group/decision-engine/internal/calibration"
	"github.com/sells-group/decision-engine/internal/engine"
	"github.com/sells-group/decision-engine/internal/enrich"
	"github.com/sells-group/decision-engine/internal/featurestore"
	"github.com/sells-group/decision-engine/internal/gate"
	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/monitoring"
	"github.com/sells-group/decision-engine/internal/registry"
	"github.com/sells-group/decision-engine/internal/resilience"
	"github.com/sells-group/decision-engine/internal/resolve"
	"github.com/sells-group/decision-engine/internal/scheduler"
	"github.com/sells-group/decision-engine/internal/simulate"
	"github.com/sells-group/decision-engine/internal/store"
	"github.com/sells-group/decision-engine/pkg/anthropic"
)

// engineEnv holds every initialized component needed by the commands.
type engineEnv struct {
	Store     store.Store
	Features  *featurestore.Store
	Resolver  *resolve.Resolver
	Models    *registry.Registry
	Monitor   *calibration.Monitor
	Collector *enrich.Collector
	Policy    *gate.Policy
	Audit     *audit.Log
	Engine    *engine.Engine
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		st, err := store.NewSQLite(cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore validates the config for mode, opens the store and migrates it.
func openStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv builds the full engine. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*engineEnv, error) {
	st, err := openStore(ctx, mode)
	if err != nil {
		return nil, err
	}
	env, err := buildEnv(ctx, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

func buildEnv(ctx context.Context, st store.Store) (*engineEnv, error) {
	reg, err := loadRegistry()
	if err != nil {
		return nil, err
	}

	priors, err := loadPriors(ctx, st)
	if err != nil {
		return nil, err
	}
	policyCfg, err := cfg.Policy.Resolve()
	if err != nil {
		return nil, err
	}

	env := &engineEnv{
		Store:     st,
		Features:  featurestore.New(st, reg),
		Resolver:  resolve.NewResolver(st, cfg.Resolver),
		Models:    registry.New(st, cfg.Training.Release),
		Monitor:   calibration.NewMonitor(st, cfg.Calibration),
		Collector: enrich.NewCollector(cfg.Enrich.Collector(), resilience.NewSet(cfg.Enrich.Breaker()), initSources()...),
		Policy:    gate.NewPolicy(st, policyCfg),
		Audit:     audit.New(st, st),
	}
	env.Engine = engine.New(engine.Deps{
		Resolver:  env.Resolver,
		Features:  env.Features,
		Models:    env.Models,
		Health:    env.Monitor,
		Simulator: simulate.New(cfg.Simulate.Simulator(), priors),
		Enrich:    env.Collector,
		Gates:     gate.New(cfg.Gates),
		Policy:    env.Policy,
		Log:       env.Audit,
	}, cfg.Engine)
	return env, nil
}

// loadRegistry returns the feature registry from features.registry_path,
// or the built-in one.
func loadRegistry() (*featurestore.Registry, error) {
	if cfg.Features.RegistryPath == "" {
		return featurestore.DefaultRegistry(), nil
	}
	return featurestore.LoadRegistry(cfg.Features.RegistryPath)
}

// initSources returns the configured collaborators. The narrative source
// needs an Anthropic key; the alt-data source needs a URL.
func initSources() []enrich.Source {
	var sources []enrich.Source
	if cfg.Enrich.NarrativeEnabled && cfg.Anthropic.Key != "" {
		client := anthropic.NewClient(cfg.Anthropic.Key, cfg.Anthropic.BaseURL)
		sources = append(sources, enrich.NewNarrative(client, enrich.NarrativeConfig{Model: cfg.Enrich.NarrativeModel}))
	} else {
		zap.L().Info("narrative source disabled (no anthropic key)")
	}
	if cfg.Enrich.AltDataURL != "" {
		opts := []enrich.AltDataOption{enrich.WithAPIKey(cfg.Enrich.AltDataKey)}
		if cfg.Enrich.AltDataRequired {
			opts = append(opts, enrich.AsRequired())
		}
		sources = append(sources, enrich.NewAltData(enrich.AltDataName, cfg.Enrich.AltDataURL, opts...))
	}
	return sources
}

// loadPriors reads the benchmark priors and refits every class that has
// enough realized exits in the label history.
func loadPriors(ctx context.Context, st store.FeatureStore) (simulate.Priors, error) {
	priors := simulate.DefaultPriors()
	if cfg.Simulate.PriorsPath != "" {
		p, err := simulate.LoadPriors(cfg.Simulate.PriorsPath)
		if err != nil {
			return nil, err
		}
		priors = p
	}
	history, err := historicalMultiples(ctx, st)
	if err != nil {
		return nil, err
	}
	return simulate.FitPriors(history, priors, cfg.Simulate.MinHistoricalExits), nil
}

// historicalMultiples groups realized MOIC labels by each entity's latest
// survival outcome.
func historicalMultiples(ctx context.Context, st store.FeatureStore) (map[model.Outcome][]float64, error) {
	outcomes, err := st.ListLabelRecords(ctx, featurestore.LabelSurvival)
	if err != nil {
		return nil, eris.Wrap(err, "list survival labels")
	}
	latest := make(map[string]model.FeatureRecord, len(outcomes))
	for _, r := range outcomes {
		if prev, ok := latest[r.EntityID]; !ok || r.AsOf.After(prev.AsOf) {
			latest[r.EntityID] = r
		}
	}

	moics, err := st.ListLabelRecords(ctx, featurestore.LabelMOIC)
	if err != nil {
		return nil, eris.Wrap(err, "list moic labels")
	}
	out := make(map[model.Outcome][]float64)
	for _, r := range moics {
		o, ok := latest[r.EntityID]
		if !ok || r.Value.Kind != model.KindNumeric {
			continue
		}
		class := model.Outcome(o.Value.Str)
		if !class.Valid() {
			continue
		}
		out[class] = append(out[class], r.Value.Num)
	}
	return out, nil
}

// calibrationJob measures every released model once per schedule window and
// alerts on drifted models and open collaborator circuits. breakers may be nil.
func calibrationJob(m *calibration.Monitor, breakers *resilience.Set) (scheduler.Job, error) {
	due, ok := scheduler.ParseSchedule(cfg.Scheduler.CalibrationInterval)
	if !ok {
		return scheduler.Job{}, eris.Errorf("invalid calibration interval %q", cfg.Scheduler.CalibrationInterval)
	}
	alerter := monitoring.NewAlerter(cfg.Monitoring)
	return scheduler.Job{
		Name:     "calibration",
		Due:      due,
		LeaseTTL: cfg.Scheduler.LeaseTTL,
		Run: func(ctx context.Context) error {
			recs, err := m.RunOnce(ctx)
			if err != nil {
				return err
			}
			for _, r := range recs {
				zap.L().Info("calibration measured",
					zap.String("artifact_id", r.ArtifactID),
					zap.String("cohort", r.Cohort.Key()),
					zap.String("model_type", string(r.ModelType)),
					zap.Int("sample_size", r.SampleSize),
					zap.Float64("ece", r.ECE),
					zap.String("status", string(r.Status)),
				)
			}
			snap := monitoring.Snapshot{Calibration: recs}
			if breakers != nil {
				snap.Breakers = breakers.States()
			}
			alerter.SendAlerts(ctx, alerter.Evaluate(snap))
			return nil
		},
	}, nil
}

// parseWhen accepts RFC 3339 or a plain date. Empty means now.
func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("unparseable time %q (use YYYY-MM-DD or RFC 3339)", s)
}

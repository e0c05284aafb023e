package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/decision-engine/internal/calibration"
	"github.com/sells-group/decision-engine/internal/engine"
	"github.com/sells-group/decision-engine/internal/enrich"
	"github.com/sells-group/decision-engine/internal/gate"
	"github.com/sells-group/decision-engine/internal/monitoring"
	"github.com/sells-group/decision-engine/internal/registry"
	"github.com/sells-group/decision-engine/internal/resilience"
	"github.com/sells-group/decision-engine/internal/resolve"
	"github.com/sells-group/decision-engine/internal/scheduler"
	"github.com/sells-group/decision-engine/internal/simulate"
)

// Config is the top-level configuration.
type Config struct {
	Store       StoreConfig               `yaml:"store" mapstructure:"store"`
	Log         LogConfig                 `yaml:"log" mapstructure:"log"`
	Server      ServerConfig              `yaml:"server" mapstructure:"server"`
	Resolver    resolve.Config            `yaml:"resolver" mapstructure:"resolver"`
	Features    FeaturesConfig            `yaml:"features" mapstructure:"features"`
	Training    registry.TrainingConfig   `yaml:"training" mapstructure:"training"`
	Calibration calibration.MonitorConfig `yaml:"calibration" mapstructure:"calibration"`
	Simulate    SimulateConfig            `yaml:"simulate" mapstructure:"simulate"`
	Gates       gate.Config               `yaml:"gates" mapstructure:"gates"`
	Policy      PolicyConfig              `yaml:"policy" mapstructure:"policy"`
	Engine      engine.Config             `yaml:"engine" mapstructure:"engine"`
	Enrich      EnrichConfig              `yaml:"enrich" mapstructure:"enrich"`
	Anthropic   AnthropicConfig           `yaml:"anthropic" mapstructure:"anthropic"`
	Scheduler   SchedulerConfig           `yaml:"scheduler" mapstructure:"scheduler"`
	Monitoring  monitoring.Config         `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DSN         string `yaml:"dsn" mapstructure:"dsn"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// FeaturesConfig points at an optional feature registry override file.
type FeaturesConfig struct {
	RegistryPath string `yaml:"registry_path" mapstructure:"registry_path"`
}

// SimulateConfig configures the return simulator.
type SimulateConfig struct {
	Draws              int    `yaml:"draws" mapstructure:"draws"`
	Seed               uint64 `yaml:"seed" mapstructure:"seed"`
	PriorsPath         string `yaml:"priors_path" mapstructure:"priors_path"`
	MinHistoricalExits int    `yaml:"min_historical_exits" mapstructure:"min_historical_exits"`
}

// Simulator returns the simulator configuration.
func (s SimulateConfig) Simulator() simulate.Config {
	return simulate.Config{Draws: s.Draws, Seed: s.Seed}
}

// PolicyConfig is the capacity overlay. File, when set, replaces the
// inline values.
type PolicyConfig struct {
	gate.PolicyConfig `yaml:",inline" mapstructure:",squash"`
	File              string `yaml:"file" mapstructure:"file"`
}

// Resolve returns the effective policy, reading File when set.
func (p PolicyConfig) Resolve() (gate.PolicyConfig, error) {
	if p.File == "" {
		return p.PolicyConfig, nil
	}
	return gate.LoadPolicyConfig(p.File)
}

// EnrichConfig configures the external collaborators.
type EnrichConfig struct {
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RatePerSecond     float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
	FailureThreshold  int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	Cooldown          time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	Retries           int           `yaml:"retries" mapstructure:"retries"`
	DecayHalfLifeDays float64       `yaml:"decay_half_life_days" mapstructure:"decay_half_life_days"`
	MinConfidence     float64       `yaml:"min_confidence" mapstructure:"min_confidence"`
	AltDataURL        string        `yaml:"alt_data_url" mapstructure:"alt_data_url"`
	AltDataKey        string        `yaml:"alt_data_key" mapstructure:"alt_data_key"`
	AltDataRequired   bool          `yaml:"alt_data_required" mapstructure:"alt_data_required"`
	NarrativeModel    string        `yaml:"narrative_model" mapstructure:"narrative_model"`
	NarrativeEnabled  bool          `yaml:"narrative_enabled" mapstructure:"narrative_enabled"`
}

// Collector returns the collector configuration.
func (e EnrichConfig) Collector() enrich.Config {
	c := enrich.DefaultConfig()
	c.Timeout = e.Timeout
	c.RatePerSecond = e.RatePerSecond
	c.Burst = e.Burst
	c.Decay.HalfLifeDays = e.DecayHalfLifeDays
	c.MinConfidence = e.MinConfidence
	_, c.Retry = resilience.FromSettings(e.FailureThreshold, e.Cooldown, e.Retries)
	return c
}

// Breaker returns the per-collaborator circuit breaker configuration.
func (e EnrichConfig) Breaker() resilience.BreakerConfig {
	bc, _ := resilience.FromSettings(e.FailureThreshold, e.Cooldown, e.Retries)
	return bc
}

// AnthropicConfig holds the LLM credentials.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// SchedulerConfig configures periodic jobs.
type SchedulerConfig struct {
	// CalibrationInterval is "daily", "weekly" or a Go duration.
	CalibrationInterval string        `yaml:"calibration_interval" mapstructure:"calibration_interval"`
	LeaseTTL            time.Duration `yaml:"lease_ttl" mapstructure:"lease_ttl"`
	Tick                time.Duration `yaml:"tick" mapstructure:"tick"`
}

// Load reads configuration from config.yaml and DECISION_* environment
// variables. A missing config file is not an error.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DECISION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "decision.db")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{})

	rc := resolve.DefaultConfig()
	v.SetDefault("resolver.review_threshold", rc.ReviewThreshold)
	v.SetDefault("resolver.create_threshold", rc.CreateThreshold)
	v.SetDefault("resolver.year_tolerance", rc.YearTolerance)
	v.SetDefault("resolver.same_year", rc.SameYear)
	v.SetDefault("resolver.within_tolerance", rc.WithinTolerance)
	v.SetDefault("resolver.unknown_year", rc.UnknownYear)
	v.SetDefault("resolver.candidate_limit", rc.CandidateLimit)
	v.SetDefault("resolver.weights.name", rc.Weights.Name)
	v.SetDefault("resolver.weights.domain", rc.Weights.Domain)
	v.SetDefault("resolver.weights.sector", rc.Weights.Sector)
	v.SetDefault("resolver.weights.geography", rc.Weights.Geography)

	v.SetDefault("features.registry_path", "")

	tc := registry.DefaultTrainingConfig()
	v.SetDefault("training.min_labels", tc.MinLabels)
	v.SetDefault("training.min_rows", tc.MinRows)
	v.SetDefault("training.train_fraction", tc.TrainFraction)
	v.SetDefault("training.val_fraction", tc.ValFraction)
	v.SetDefault("training.learning_rate", tc.LearningRate)
	v.SetDefault("training.epochs", tc.Epochs)
	v.SetDefault("training.l2", tc.L2)
	v.SetDefault("training.survival_horizon_months", tc.SurvivalHorizonMonths)
	v.SetDefault("training.progress_horizon_months", tc.ProgressHorizonMonths)
	v.SetDefault("training.seed", tc.Seed)
	v.SetDefault("training.release.survival_auc", tc.Release.SurvivalAUC)
	v.SetDefault("training.release.progress_auc", tc.Release.ProgressAUC)
	v.SetDefault("training.release.max_ece", tc.Release.MaxECE)
	v.SetDefault("training.release.backtest_lift", tc.Release.BacktestLift)
	v.SetDefault("training.release.max_failure_ratio", tc.Release.MaxFailureRatio)
	v.SetDefault("training.release.min_abstention", tc.Release.MinAbstention)
	v.SetDefault("training.release.max_abstention", tc.Release.MaxAbstention)
	v.SetDefault("training.release.max_sector_share", tc.Release.MaxSectorShare)
	v.SetDefault("training.walk_forward_folds", tc.WalkForwardFolds)
	v.SetDefault("training.abstain_entropy", tc.AbstainEntropy)
	v.SetDefault("training.holdout_window", tc.HoldoutWindow)
	v.SetDefault("training.policy.max_per_period", tc.Policy.MaxPerPeriod)
	v.SetDefault("training.policy.max_per_sector_per_period", tc.Policy.MaxPerSectorPerPeriod)
	v.SetDefault("training.calibration.isotonic_min_samples", tc.Calibration.IsotonicMinSamples)
	v.SetDefault("training.calibration.bins", tc.Calibration.Bins)

	mc := calibration.DefaultMonitorConfig()
	v.SetDefault("calibration.window", mc.Window)
	v.SetDefault("calibration.bins", mc.Bins)
	v.SetDefault("calibration.thresholds.min_outcomes", mc.Thresholds.MinOutcomes)
	v.SetDefault("calibration.thresholds.recalibrate", mc.Thresholds.Recalibrate)
	v.SetDefault("calibration.thresholds.kill", mc.Thresholds.Kill)

	sc := simulate.DefaultConfig()
	v.SetDefault("simulate.draws", sc.Draws)
	v.SetDefault("simulate.seed", sc.Seed)
	v.SetDefault("simulate.priors_path", "")
	v.SetDefault("simulate.min_historical_exits", 30)

	gc := gate.DefaultConfig()
	v.SetDefault("gates.thresholds.entity_confidence", gc.Thresholds.EntityConfidence)
	v.SetDefault("gates.thresholds.completeness_quick", gc.Thresholds.CompletenessQuick)
	v.SetDefault("gates.thresholds.completeness_full", gc.Thresholds.CompletenessFull)
	v.SetDefault("gates.thresholds.max_entropy", gc.Thresholds.MaxEntropy)
	v.SetDefault("gates.thresholds.max_spread", gc.Thresholds.MaxSpread)
	v.SetDefault("gates.thresholds.min_sources", gc.Thresholds.MinSources)
	v.SetDefault("gates.thresholds.marginal_margin", gc.Thresholds.MarginalMargin)
	v.SetDefault("gates.bands.invest", gc.Bands.Invest)
	v.SetDefault("gates.bands.deep_diligence", gc.Bands.DeepDiligence)
	v.SetDefault("gates.bands.watch", gc.Bands.Watch)
	v.SetDefault("gates.kills.overdue_days", gc.Kills.OverdueDays)
	v.SetDefault("gates.kills.max_charges", gc.Kills.MaxCharges)
	v.SetDefault("gates.kills.governance_penalty", gc.Kills.GovernancePenalty)

	pc := gate.DefaultPolicyConfig()
	v.SetDefault("policy.period", pc.Period)
	v.SetDefault("policy.max_invest_per_period", pc.MaxInvestPerPeriod)
	v.SetDefault("policy.max_per_sector_per_period", pc.MaxPerSectorPerPeriod)
	v.SetDefault("policy.cheque_size", pc.ChequeSize)
	v.SetDefault("policy.file", "")

	ec := engine.DefaultConfig()
	v.SetDefault("engine.weights.survival", ec.Weights.Survival)
	v.SetDefault("engine.weights.progress", ec.Weights.Progress)
	v.SetDefault("engine.weights.returns", ec.Weights.Returns)
	v.SetDefault("engine.weights.narrative", ec.Weights.Narrative)
	v.SetDefault("engine.weights.alt_data", ec.Weights.AltData)
	v.SetDefault("engine.returns_target", ec.ReturnsTarget)
	v.SetDefault("engine.band.base", ec.Band.Base)
	v.SetDefault("engine.band.completeness_factor", ec.Band.CompletenessFactor)
	v.SetDefault("engine.band.pooled_widen", ec.Band.PooledWiden)
	v.SetDefault("engine.band.distress_widen", ec.Band.DistressWiden)
	v.SetDefault("engine.band.high_max", ec.Band.HighMax)
	v.SetDefault("engine.band.medium_max", ec.Band.MediumMax)
	v.SetDefault("engine.cheque_size", ec.ChequeSize)
	v.SetDefault("engine.tax_relief.rate", ec.TaxRelief.Rate)
	v.SetDefault("engine.tax_relief.loss_relief_rate", ec.TaxRelief.LossReliefRate)
	v.SetDefault("engine.concurrency", ec.Concurrency)

	nc := enrich.DefaultNarrativeConfig()
	v.SetDefault("enrich.timeout", 10*time.Second)
	v.SetDefault("enrich.rate_per_second", 5.0)
	v.SetDefault("enrich.burst", 5)
	v.SetDefault("enrich.failure_threshold", 3)
	v.SetDefault("enrich.cooldown", 24*time.Hour)
	v.SetDefault("enrich.retries", 1)
	v.SetDefault("enrich.decay_half_life_days", enrich.DefaultDecay().HalfLifeDays)
	v.SetDefault("enrich.min_confidence", enrich.DefaultConfig().MinConfidence)
	v.SetDefault("enrich.alt_data_url", "")
	v.SetDefault("enrich.alt_data_key", "")
	v.SetDefault("enrich.alt_data_required", false)
	v.SetDefault("enrich.narrative_model", nc.Model)
	v.SetDefault("enrich.narrative_enabled", true)

	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")

	v.SetDefault("scheduler.calibration_interval", "daily")
	v.SetDefault("scheduler.lease_ttl", time.Hour)
	v.SetDefault("scheduler.tick", 5*time.Minute)

	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.timeout", monitoring.DefaultConfig().Timeout)
}

// Validate checks cross-field constraints for the given command mode and
// reports every problem at once. Modes are "serve", "evaluate", "train",
// "monitor" and "cli".
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server.port must be > 0 and <= 65535")
		}
	case "evaluate", "train", "monitor", "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	if mode == "serve" || mode == "evaluate" {
		if c.Engine.Concurrency < 1 || c.Engine.Concurrency > 64 {
			add("engine.concurrency must be between 1 and 64")
		}
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.DSN == "" {
			add("store.dsn is required for sqlite")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for postgres")
		}
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		add("log.level %q is not a level", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format must be json or console, got %q", c.Log.Format)
	}

	if w := c.Engine.Weights.Sum(); math.Abs(w-100) > 1e-6 {
		add("engine.weights must sum to 100, got %g", w)
	}
	if w := c.Resolver.Weights.Sum(); math.Abs(w-1) > 1e-6 {
		add("resolver.weights must sum to 1, got %g", w)
	}
	if c.Resolver.CreateThreshold > c.Resolver.ReviewThreshold {
		add("resolver.create_threshold must not exceed review_threshold")
	}

	th := c.Gates.Thresholds
	for name, v := range map[string]float64{
		"completeness_quick": th.CompletenessQuick,
		"completeness_full":  th.CompletenessFull,
		"max_entropy":        th.MaxEntropy,
		"marginal_margin":    th.MarginalMargin,
	} {
		if v < 0 || v > 1 {
			add("gates.thresholds.%s must be within [0, 1], got %g", name, v)
		}
	}
	if th.EntityConfidence < 0 || th.EntityConfidence > 100 {
		add("gates.thresholds.entity_confidence must be within [0, 100]")
	}
	if b := c.Gates.Bands; !(b.Invest > b.DeepDiligence && b.DeepDiligence > b.Watch) {
		add("gates.bands must be strictly descending: invest > deep_diligence > watch")
	}

	if f := c.Training.TrainFraction + c.Training.ValFraction; c.Training.TrainFraction <= 0 || f >= 1 {
		add("training.train_fraction + val_fraction must be below 1")
	}
	if t := c.Calibration.Thresholds; t.Recalibrate >= t.Kill {
		add("calibration.thresholds.recalibrate must be below kill")
	}
	if c.Simulate.Draws <= 0 {
		add("simulate.draws must be positive")
	}
	if c.Policy.Period != "year" && c.Policy.Period != "quarter" {
		add("policy.period must be year or quarter, got %q", c.Policy.Period)
	}
	if c.Enrich.Timeout <= 0 {
		add("enrich.timeout must be positive")
	}
	if _, ok := scheduler.ParseSchedule(c.Scheduler.CalibrationInterval); !ok {
		add("scheduler.calibration_interval %q is not daily, weekly or a duration", c.Scheduler.CalibrationInterval)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger configures the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

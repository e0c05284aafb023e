package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "decision.db", cfg.Store.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)

	assert.InDelta(t, 70, cfg.Resolver.ReviewThreshold, 0.001)
	assert.Equal(t, 1, cfg.Resolver.YearTolerance)
	assert.InDelta(t, 0.55, cfg.Resolver.Weights.Name, 0.001)

	assert.Equal(t, 200, cfg.Training.MinLabels)
	assert.InDelta(t, 0.65, cfg.Training.Release.SurvivalAUC, 0.001)
	assert.InDelta(t, 0.58, cfg.Training.Release.ProgressAUC, 0.001)
	assert.InDelta(t, 0.08, cfg.Training.Release.MaxECE, 0.001)
	assert.InDelta(t, 1.3, cfg.Training.Release.BacktestLift, 0.001)
	assert.InDelta(t, 0.7, cfg.Training.Release.MaxFailureRatio, 0.001)
	assert.InDelta(t, 0.10, cfg.Training.Release.MinAbstention, 0.001)
	assert.InDelta(t, 0.40, cfg.Training.Release.MaxAbstention, 0.001)
	assert.InDelta(t, 0.50, cfg.Training.Release.MaxSectorShare, 0.001)
	assert.Equal(t, 3, cfg.Training.WalkForwardFolds)
	assert.Empty(t, cfg.Training.HoldoutWindow)
	assert.Equal(t, 500, cfg.Training.Calibration.IsotonicMinSamples)

	assert.Equal(t, 100, cfg.Calibration.Thresholds.MinOutcomes)
	assert.InDelta(t, 0.10, cfg.Calibration.Thresholds.Recalibrate, 0.001)
	assert.InDelta(t, 0.15, cfg.Calibration.Thresholds.Kill, 0.001)
	assert.Equal(t, 365*24*time.Hour, cfg.Calibration.Window)

	assert.Equal(t, 1000, cfg.Simulate.Draws)
	assert.Equal(t, 30, cfg.Simulate.MinHistoricalExits)

	assert.InDelta(t, 0.95, cfg.Gates.Thresholds.MaxEntropy, 0.001)
	assert.InDelta(t, 50, cfg.Gates.Thresholds.MaxSpread, 0.001)
	assert.Equal(t, 2, cfg.Gates.Thresholds.MinSources)
	assert.InDelta(t, 70, cfg.Gates.Bands.Invest, 0.001)
	assert.InDelta(t, 55, cfg.Gates.Bands.DeepDiligence, 0.001)
	assert.InDelta(t, 40, cfg.Gates.Bands.Watch, 0.001)

	assert.Equal(t, "year", cfg.Policy.Period)
	assert.Equal(t, 2, cfg.Policy.MaxInvestPerPeriod)
	assert.Equal(t, 1, cfg.Policy.MaxPerSectorPerPeriod)

	assert.InDelta(t, 35, cfg.Engine.Weights.Survival, 0.001)
	assert.InDelta(t, 15, cfg.Engine.Weights.AltData, 0.001)
	assert.InDelta(t, 0.45, cfg.Engine.TaxRelief.LossReliefRate, 0.001)

	assert.Equal(t, 10*time.Second, cfg.Enrich.Timeout)
	assert.Equal(t, 3, cfg.Enrich.FailureThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Enrich.Cooldown)

	assert.Equal(t, "daily", cfg.Scheduler.CalibrationInterval)
	assert.Equal(t, time.Hour, cfg.Scheduler.LeaseTTL)

	assert.Empty(t, cfg.Monitoring.WebhookURL)
	assert.Equal(t, 10*time.Second, cfg.Monitoring.Timeout)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/decision
log:
  level: debug
  format: console
server:
  port: 9090
gates:
  thresholds:
    max_entropy: 0.9
engine:
  weights:
    survival: 40
    returns: 15
enrich:
  timeout: 5s
policy:
  period: quarter
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.InDelta(t, 0.9, cfg.Gates.Thresholds.MaxEntropy, 0.001)
	assert.InDelta(t, 40, cfg.Engine.Weights.Survival, 0.001)
	assert.Equal(t, 5*time.Second, cfg.Enrich.Timeout)
	assert.Equal(t, "quarter", cfg.Policy.Period)
	// Defaults still apply for unset values
	assert.InDelta(t, 50, cfg.Gates.Thresholds.MaxSpread, 0.001)
	assert.InDelta(t, 15, cfg.Engine.Weights.Progress, 0.001)
	assert.NoError(t, cfg.Validate("serve"))
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("DECISION_STORE_DRIVER", "postgres")
	t.Setenv("DECISION_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesNestedDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("DECISION_SERVER_PORT", "3000")
	t.Setenv("DECISION_GATES_THRESHOLDS_MIN_SOURCES", "3")
	t.Setenv("DECISION_SCHEDULER_LEASE_TTL", "30m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Gates.Thresholds.MinSources)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.LeaseTTL)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unterminated"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults(t *testing.T) *Config {
	t.Helper()
	chdirTemp(t)
	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestValidate_DefaultsPass(t *testing.T) {
	cfg := validDefaults(t)
	for _, mode := range []string{"serve", "evaluate", "train", "monitor", "cli"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults(t)
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.NoError(t, cfg.Validate("train"), "port only matters to serve")
}

func TestValidate_CollectsProblems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver must be sqlite or postgres"},
		{"postgres url", func(c *Config) { c.Store.Driver = "postgres" }, "store.database_url is required"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"engine weights", func(c *Config) { c.Engine.Weights.Survival = 50 }, "engine.weights must sum to 100"},
		{"resolver weights", func(c *Config) { c.Resolver.Weights.Name = 0.9 }, "resolver.weights must sum to 1"},
		{"completeness", func(c *Config) { c.Gates.Thresholds.CompletenessFull = 1.5 }, "completeness_full"},
		{"bands", func(c *Config) { c.Gates.Bands.Watch = 60 }, "gates.bands must be strictly descending"},
		{"fractions", func(c *Config) { c.Training.ValFraction = 0.5 }, "train_fraction + val_fraction"},
		{"calibration", func(c *Config) { c.Calibration.Thresholds.Recalibrate = 0.2 }, "recalibrate must be below kill"},
		{"period", func(c *Config) { c.Policy.Period = "month" }, "policy.period"},
		{"schedule", func(c *Config) { c.Scheduler.CalibrationInterval = "hourly-ish" }, "scheduler.calibration_interval"},
		{"concurrency", func(c *Config) { c.Engine.Concurrency = 0 }, "engine.concurrency must be between 1 and 64"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults(t)
			tt.mutate(cfg)
			err := cfg.Validate("evaluate")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := validDefaults(t)
	cfg.Store.Driver = "mysql"
	cfg.Log.Format = "xml"
	err := cfg.Validate("cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
	assert.Contains(t, err.Error(), "log.format")
}

func TestEnrichConfig_Conversions(t *testing.T) {
	cfg := validDefaults(t)

	c := cfg.Enrich.Collector()
	assert.Equal(t, 10*time.Second, c.Timeout)
	assert.InDelta(t, 180, c.Decay.HalfLifeDays, 0.001)
	assert.InDelta(t, 0.2, c.MinConfidence, 1e-9)
	assert.Equal(t, 2, c.Retry.MaxAttempts)

	b := cfg.Enrich.Breaker()
	assert.Equal(t, 3, b.FailureThreshold)
	assert.Equal(t, 24*time.Hour, b.Cooldown)

	assert.Equal(t, 1000, cfg.Simulate.Simulator().Draws)
}

func TestPolicyConfig_Resolve(t *testing.T) {
	cfg := validDefaults(t)
	p, err := cfg.Policy.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 2, p.MaxInvestPerPeriod)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("period: quarter\nmax_invest_per_period: 5\nmax_per_sector_per_period: 2\n"), 0o644))
	cfg.Policy.File = path
	p, err = cfg.Policy.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "quarter", p.Period)
	assert.Equal(t, 5, p.MaxInvestPerPeriod)
}

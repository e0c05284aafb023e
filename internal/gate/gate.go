// Package gate converts model output into a recommendation class. Abstention
// gates and kill criteria are pure predicates over an immutable Context,
// evaluated in a fixed order; Classify combines their results with the score
// and portfolio policy state.
package gate

import (
	"github.com/sells-group/decision-engine/internal/model"
)

// Thresholds are the abstention gate bars.
type Thresholds struct {
	EntityConfidence  float64 `yaml:"entity_confidence" mapstructure:"entity_confidence"`
	CompletenessQuick float64 `yaml:"completeness_quick" mapstructure:"completeness_quick"`
	CompletenessFull  float64 `yaml:"completeness_full" mapstructure:"completeness_full"`
	MaxEntropy        float64 `yaml:"max_entropy" mapstructure:"max_entropy"`
	MaxSpread         float64 `yaml:"max_spread" mapstructure:"max_spread"`
	MinSources        int     `yaml:"min_sources" mapstructure:"min_sources"`
	// MarginalMargin is the fraction of a threshold within which a pass is marginal.
	MarginalMargin float64 `yaml:"marginal_margin" mapstructure:"marginal_margin"`
}

// Bands are the score cut-offs of the positive classes.
type Bands struct {
	Invest        float64 `yaml:"invest" mapstructure:"invest"`
	DeepDiligence float64 `yaml:"deep_diligence" mapstructure:"deep_diligence"`
	Watch         float64 `yaml:"watch" mapstructure:"watch"`
}

// KillConfig holds the kill criteria triggers.
type KillConfig struct {
	OverdueDays       float64 `yaml:"overdue_days" mapstructure:"overdue_days"`
	MaxCharges        float64 `yaml:"max_charges" mapstructure:"max_charges"`
	GovernancePenalty float64 `yaml:"governance_penalty" mapstructure:"governance_penalty"`
}

// Config bundles every gate engine setting.
type Config struct {
	Thresholds Thresholds `yaml:"thresholds" mapstructure:"thresholds"`
	Bands      Bands      `yaml:"bands" mapstructure:"bands"`
	Kills      KillConfig `yaml:"kills" mapstructure:"kills"`
}

// DefaultConfig returns the production gate settings.
func DefaultConfig() Config {
	return Config{
		Thresholds: Thresholds{
			EntityConfidence:  70,
			CompletenessQuick: 0.5,
			CompletenessFull:  0.7,
			MaxEntropy:        0.95,
			MaxSpread:         50,
			MinSources:        2,
			MarginalMargin:    0.1,
		},
		Bands: Bands{Invest: 70, DeepDiligence: 55, Watch: 40},
		Kills: KillConfig{OverdueDays: 90, MaxCharges: 3, GovernancePenalty: 15},
	}
}

// Completeness returns the completeness bar for a mode.
func (t Thresholds) Completeness(mode model.Mode) float64 {
	if mode == model.ModeFull {
		return t.CompletenessFull
	}
	return t.CompletenessQuick
}

// Context is the immutable input of the gates. It is passed by value.
type Context struct {
	Mode             model.Mode
	EntityConfidence float64
	LinkStatus       model.ReviewStatus
	Completeness     float64
	Missingness      map[model.Family]float64
	Survival         map[model.Outcome]float64
	Entropy          float64
	Returns          *model.ReturnSummary
	Calibration      model.HealthStatus
	CalibrationECE   float64
	Sources          int
	RequiredFailures []string
	Facts            Facts
	Score            float64
	Band             model.ConfidenceBand
}

// Engine evaluates gates, kill criteria and classification under one config.
type Engine struct {
	cfg Config
}

// New creates a gate engine.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Config returns the engine settings.
func (e *Engine) Config() Config { return e.cfg }

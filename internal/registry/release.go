package registry

import (
	"fmt"

	"github.com/sells-group/decision-engine/internal/model"
)

// ReleaseFloors are the offline bars a candidate must clear to be released.
// The abstention and sector bounds are advisory.
type ReleaseFloors struct {
	SurvivalAUC     float64 `yaml:"survival_auc" mapstructure:"survival_auc"`
	ProgressAUC     float64 `yaml:"progress_auc" mapstructure:"progress_auc"`
	MaxECE          float64 `yaml:"max_ece" mapstructure:"max_ece"`
	BacktestLift    float64 `yaml:"backtest_lift" mapstructure:"backtest_lift"`
	MaxFailureRatio float64 `yaml:"max_failure_ratio" mapstructure:"max_failure_ratio"`

	MinAbstention  float64 `yaml:"min_abstention" mapstructure:"min_abstention"`
	MaxAbstention  float64 `yaml:"max_abstention" mapstructure:"max_abstention"`
	MaxSectorShare float64 `yaml:"max_sector_share" mapstructure:"max_sector_share"`
}

// DefaultReleaseFloors returns the production release bars.
func DefaultReleaseFloors() ReleaseFloors {
	return ReleaseFloors{
		SurvivalAUC:     0.65,
		ProgressAUC:     0.58,
		MaxECE:          0.08,
		BacktestLift:    1.3,
		MaxFailureRatio: 0.7,
		MinAbstention:   0.10,
		MaxAbstention:   0.40,
		MaxSectorShare:  0.50,
	}
}

// CheckRelease evaluates the release gate over an artifact's metrics and
// returns whether it passed with the failed checks. Progress models are
// not held to the backtest.
func CheckRelease(mt model.ModelType, m model.ArtifactMetrics, floors ReleaseFloors) (bool, []string) {
	var failures []string
	aucFloor := floors.SurvivalAUC
	if mt == model.ModelProgress {
		aucFloor = floors.ProgressAUC
	}
	if m.AUC < aucFloor {
		failures = append(failures, fmt.Sprintf("auc %.3f below %.2f", m.AUC, aucFloor))
	}
	if m.ECE >= floors.MaxECE {
		failures = append(failures, fmt.Sprintf("ece %.3f not below %.2f", m.ECE, floors.MaxECE))
	}
	if mt == model.ModelSurvival {
		if m.BacktestLift <= floors.BacktestLift {
			failures = append(failures, fmt.Sprintf("backtest lift %.2f not above %.2f", m.BacktestLift, floors.BacktestLift))
		}
		if m.FailureRateVsRandom >= floors.MaxFailureRatio {
			failures = append(failures, fmt.Sprintf("failure rate vs random %.2f not below %.2f", m.FailureRateVsRandom, floors.MaxFailureRatio))
		}
	}
	return len(failures) == 0, failures
}

// Diagnose returns the advisory warnings for a survival candidate: an
// abstention rate outside its band, a portfolio concentrated in one sector,
// or a portfolio that does not beat a rule-based baseline. A zero bound
// disables its check.
func Diagnose(mt model.ModelType, m model.ArtifactMetrics, floors ReleaseFloors) []string {
	if mt != model.ModelSurvival {
		return nil
	}
	var warnings []string
	if floors.MinAbstention > 0 && m.AbstentionRate < floors.MinAbstention {
		warnings = append(warnings, fmt.Sprintf("abstention rate %.2f below %.2f: gates too loose", m.AbstentionRate, floors.MinAbstention))
	}
	if floors.MaxAbstention > 0 && m.AbstentionRate > floors.MaxAbstention {
		warnings = append(warnings, fmt.Sprintf("abstention rate %.2f above %.2f: gates too strict", m.AbstentionRate, floors.MaxAbstention))
	}
	if floors.MaxSectorShare > 0 && m.SectorShare > floors.MaxSectorShare {
		warnings = append(warnings, fmt.Sprintf("sector share %.2f above %.2f", m.SectorShare, floors.MaxSectorShare))
	}
	if m.HeuristicMOIC > 0 && m.BacktestMOIC <= m.HeuristicMOIC {
		warnings = append(warnings, fmt.Sprintf("portfolio moic %.2f does not beat heuristic %.2f", m.BacktestMOIC, m.HeuristicMOIC))
	}
	if m.MomentumMOIC > 0 && m.BacktestMOIC <= m.MomentumMOIC {
		warnings = append(warnings, fmt.Sprintf("portfolio moic %.2f does not beat sector momentum %.2f", m.BacktestMOIC, m.MomentumMOIC))
	}
	return warnings
}

package model

import "time"

// HoldoutWindow summarizes one quarantined test set.
type HoldoutWindow struct {
	Window    string    `json:"window"`
	Entities  int       `json:"entities"`
	CreatedAt time.Time `json:"created_at"`
}

// FoldResult is the backtest of one walk-forward window.
type FoldResult struct {
	Fold         int     `json:"fold"`
	TrainN       int     `json:"train_n"`
	TestN        int     `json:"test_n"`
	MeanMOIC     float64 `json:"mean_moic"`
	BaselineMOIC float64 `json:"baseline_moic"`
	Lift         float64 `json:"lift"`
	FailureRate  float64 `json:"failure_rate"`
}

// BacktestRun records how a candidate was evaluated: which data, which
// windows and which verdict. Runs are append-only.
type BacktestRun struct {
	ID            string          `json:"id"`
	ArtifactID    string          `json:"artifact_id"`
	Cohort        Cohort          `json:"cohort"`
	ModelType     ModelType       `json:"model_type"`
	DataAsOf      time.Time       `json:"data_as_of"`
	TrainWindow   string          `json:"train_window"`
	TestWindow    string          `json:"test_window"`
	HoldoutWindow string          `json:"holdout_window,omitempty"`
	Features      []string        `json:"features"`
	Metrics       ArtifactMetrics `json:"metrics"`
	Folds         []FoldResult    `json:"folds,omitempty"`
	Passed        bool            `json:"passed"`
	Failures      []string        `json:"failures,omitempty"`
	RunAt         time.Time       `json:"run_at"`
}

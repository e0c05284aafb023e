package model

import (
	"strings"
	"time"
)

// Cohort is a (stage, geography) segment with its own model family.
type Cohort struct {
	Stage     string `json:"stage"`
	Geography string `json:"geography"`
}

// PooledCohort is the cross-cohort family used when a cohort lacks labels.
var PooledCohort = Cohort{Stage: "pooled", Geography: "all"}

// Key renders the cohort as GEO_Stage, e.g. UK_Seed.
func (c Cohort) Key() string {
	stage := strings.ToLower(c.Stage)
	if stage != "" {
		stage = strings.ToUpper(stage[:1]) + stage[1:]
	}
	return strings.ToUpper(c.Geography) + "_" + stage
}

// IsPooled reports whether c is the pooled family.
func (c Cohort) IsPooled() bool { return c == PooledCohort }

// ParseCohort parses the GEO_Stage form produced by Key.
func ParseCohort(key string) Cohort {
	geo, stage, _ := strings.Cut(key, "_")
	c := Cohort{Stage: strings.ToLower(stage), Geography: strings.ToLower(geo)}
	if c == PooledCohort {
		return PooledCohort
	}
	return c
}

// Normalize lowercases both parts so keys compare consistently.
func (c Cohort) Normalize() Cohort {
	return Cohort{Stage: strings.ToLower(c.Stage), Geography: strings.ToLower(c.Geography)}
}

// ModelType distinguishes the two models each cohort owns.
type ModelType string

const (
	ModelSurvival ModelType = "survival"
	ModelProgress ModelType = "progress"
)

// ReleaseStatus is the lifecycle state of a model artifact.
type ReleaseStatus string

const (
	StatusCandidate ReleaseStatus = "candidate"
	StatusReleased  ReleaseStatus = "released"
	StatusRetired   ReleaseStatus = "retired"
)

// Outcome is a realized company outcome class.
type Outcome string

const (
	OutcomeTrading Outcome = "trading"
	OutcomeExited  Outcome = "exited"
	OutcomeFailed  Outcome = "failed"
)

// SurvivalClasses is the fixed class order of survival probability vectors.
var SurvivalClasses = []Outcome{OutcomeTrading, OutcomeExited, OutcomeFailed}

// Valid reports whether o is a known outcome class.
func (o Outcome) Valid() bool {
	return o == OutcomeTrading || o == OutcomeExited || o == OutcomeFailed
}

// InputSpec describes how one feature is encoded into the model's input vector.
type InputSpec struct {
	Family     Family      `json:"family"`
	Name       string      `json:"name"`
	Kind       FeatureKind `json:"kind"`
	Mean       float64     `json:"mean,omitempty"`
	Std        float64     `json:"std,omitempty"`
	Categories []string    `json:"categories,omitempty"`
}

// ClassCalibration holds the calibration map of one output class. Platt maps
// use A and B; isotonic maps use the X/Y knots.
type ClassCalibration struct {
	A float64   `json:"a,omitempty"`
	B float64   `json:"b,omitempty"`
	X []float64 `json:"x,omitempty"`
	Y []float64 `json:"y,omitempty"`
}

// CalibrationMap is the fitted probability calibration of an artifact.
type CalibrationMap struct {
	Method     string             `json:"method"`
	SampleSize int                `json:"sample_size"`
	Classes    []ClassCalibration `json:"classes"`
}

// ArtifactMetrics are the offline metrics recorded at training time.
type ArtifactMetrics struct {
	TrainN       int     `json:"train_n"`
	ValN         int     `json:"val_n"`
	TestN        int     `json:"test_n"`
	LabelCount   int     `json:"label_count"`
	AUC          float64 `json:"auc"`
	ECE          float64 `json:"ece"`
	BacktestMOIC float64 `json:"backtest_moic"`
	BaselineMOIC float64 `json:"baseline_moic"`
	BacktestLift float64 `json:"backtest_lift"`

	// Share of the selected portfolio that failed, against random selection.
	FailureRate         float64 `json:"failure_rate"`
	BaselineFailureRate float64 `json:"baseline_failure_rate"`
	FailureRateVsRandom float64 `json:"failure_rate_vs_random"`

	// Mean MOIC of the rule-based portfolios under the same policy.
	HeuristicMOIC float64 `json:"heuristic_moic,omitempty"`
	MomentumMOIC  float64 `json:"momentum_moic,omitempty"`

	AbstentionRate  float64 `json:"abstention_rate"`
	SectorShare     float64 `json:"sector_share"`
	WalkForwardLift float64 `json:"walk_forward_lift,omitempty"`

	GatePassed   bool     `json:"gate_passed"`
	GateFailures []string `json:"gate_failures,omitempty"`
	// Warnings are advisory checks that do not block release.
	Warnings []string `json:"warnings,omitempty"`
}

// Hyperparams are the training settings used for an artifact.
type Hyperparams struct {
	LearningRate float64            `json:"learning_rate"`
	Epochs       int                `json:"epochs"`
	L2           float64            `json:"l2"`
	ClassWeights map[string]float64 `json:"class_weights,omitempty"`
}

// ModelArtifact is one trained, versioned model. Released artifacts are
// never modified; retraining produces a new candidate.
type ModelArtifact struct {
	ID                  string             `json:"id"`
	Cohort              Cohort             `json:"cohort"`
	ModelType           ModelType          `json:"model_type"`
	Version             int                `json:"version"`
	Pooled              bool               `json:"pooled"`
	ConfidenceDowngrade int                `json:"confidence_downgrade"`
	Classes             []string           `json:"classes"`
	Inputs              []InputSpec        `json:"inputs"`
	CohortIndicators    []string           `json:"cohort_indicators,omitempty"`
	Weights             [][]float64        `json:"weights"`
	Calibration         CalibrationMap     `json:"calibration"`
	Metrics             ArtifactMetrics    `json:"metrics"`
	Hyperparams         Hyperparams        `json:"hyperparams"`
	Importance          map[string]float64 `json:"importance,omitempty"`
	ReleaseStatus       ReleaseStatus      `json:"release_status"`
	TrainedAt           time.Time          `json:"trained_at"`
	ReleasedAt          *time.Time         `json:"released_at,omitempty"`
	RetiredAt           *time.Time         `json:"retired_at,omitempty"`
}

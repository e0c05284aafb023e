package model

import "time"

// Class is a recommendation outcome. The first five are terminal classes;
// ManualReview and PolicyCapped are routing states recorded in their place.
type Class string

const (
	ClassInvest        Class = "Invest"
	ClassDeepDiligence Class = "DeepDiligence"
	ClassWatch         Class = "Watch"
	ClassPass          Class = "Pass"
	ClassAbstain       Class = "Abstain"
	ClassManualReview  Class = "ManualReview"
	ClassPolicyCapped  Class = "PolicyCapped"
)

// Valid reports whether c is a known class.
func (c Class) Valid() bool {
	switch c {
	case ClassInvest, ClassDeepDiligence, ClassWatch, ClassPass, ClassAbstain,
		ClassManualReview, ClassPolicyCapped:
		return true
	}
	return false
}

// Positive reports whether c is Invest or DeepDiligence.
func (c Class) Positive() bool { return c == ClassInvest || c == ClassDeepDiligence }

// Mode selects the data completeness expectations of an evaluation.
type Mode string

const (
	ModeQuick Mode = "quick"
	ModeFull  Mode = "full"
)

// GateStatus is the verdict of one abstention gate.
type GateStatus string

const (
	GatePass     GateStatus = "pass"
	GateMarginal GateStatus = "marginal"
	GateFail     GateStatus = "fail"
)

// GateResult is the structured output of one abstention gate.
type GateResult struct {
	Name      string     `json:"name"`
	Status    GateStatus `json:"status"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Route     Class      `json:"route,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Failed reports whether the gate did not pass.
func (g GateResult) Failed() bool { return g.Status == GateFail }

// KillEffect is what a fired kill criterion does to the decision.
type KillEffect string

const (
	EffectForcePass KillEffect = "force_pass"
	EffectDowngrade KillEffect = "downgrade"
	EffectPenalty   KillEffect = "penalty"
)

// KillResult is the structured output of one kill criterion.
type KillResult struct {
	Name       string     `json:"name"`
	Fired      bool       `json:"fired"`
	Effect     KillEffect `json:"effect"`
	Adjustment float64    `json:"adjustment,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// ConfidenceBand is the uncertainty interval around a score.
type ConfidenceBand struct {
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
	Width float64 `json:"width"`
	Level string  `json:"level"`
}

// ReturnSummary is the reported shape of a simulated return distribution.
type ReturnSummary struct {
	P10              float64             `json:"p10"`
	P50              float64             `json:"p50"`
	P90              float64             `json:"p90"`
	Mean             float64             `json:"mean"`
	ProbWeightedMean float64             `json:"prob_weighted_mean"`
	Spread           float64             `json:"spread"`
	Draws            int                 `json:"draws"`
	Seed             uint64              `json:"seed"`
	ClassMass        map[Outcome]float64 `json:"class_mass,omitempty"`
}

// ComponentScore is one rubric component of the overall score.
type ComponentScore struct {
	Name       string  `json:"name"`
	Weight     float64 `json:"weight"`
	Value      float64 `json:"value"`
	Available  bool    `json:"available"`
	Confidence float64 `json:"confidence,omitempty"` // zero takes the nominal weight in full
	Note       string  `json:"note,omitempty"`
}

// Evaluation is one scoring event for one entity at one as-of date. It is
// immutable after creation; the eventual outcome lives in the log.
type Evaluation struct {
	ID                 string              `json:"id"`
	EntityID           string              `json:"entity_id,omitempty"`
	LinkID             string              `json:"link_id,omitempty"`
	Cohort             Cohort              `json:"cohort"`
	Mode               Mode                `json:"mode"`
	AsOf               time.Time           `json:"as_of"`
	SnapshotAsOf       time.Time           `json:"snapshot_as_of"`
	SurvivalArtifactID string              `json:"survival_artifact_id,omitempty"`
	ProgressArtifactID string              `json:"progress_artifact_id,omitempty"`
	Survival           map[Outcome]float64 `json:"survival,omitempty"`
	Progress           *float64            `json:"progress,omitempty"`
	Entropy            float64             `json:"entropy"`
	Completeness       float64             `json:"completeness"`
	Returns            *ReturnSummary      `json:"returns,omitempty"`
	Components         []ComponentScore    `json:"components,omitempty"`
	Score              float64             `json:"score"`
	Band               ConfidenceBand      `json:"band"`
	Gates              []GateResult        `json:"gates"`
	Kills              []KillResult        `json:"kills"`
	Class              Class               `json:"class"`
	UnderlyingClass    Class               `json:"underlying_class,omitempty"`
	Reason             string              `json:"reason"`
	Notes              []string            `json:"notes,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
}

package model

import "time"

// Override is a human decision recorded against an evaluation. A reason is
// mandatory.
type Override struct {
	Class  Class     `json:"class"`
	Reason string    `json:"reason"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
}

// RealizedOutcome is the ground truth attached once it becomes known.
type RealizedOutcome struct {
	Outcome    Outcome   `json:"outcome"`
	MOIC       *float64  `json:"moic,omitempty"`
	Milestone  *bool     `json:"milestone,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	RecordedAt time.Time `json:"recorded_at"`
}

// LogEntry is the 1:1 audit row of an evaluation.
type LogEntry struct {
	ID           string           `json:"id"`
	EvaluationID string           `json:"evaluation_id"`
	EntityID     string           `json:"entity_id,omitempty"`
	Class        Class            `json:"class"`
	Score        float64          `json:"score"`
	Reason       string           `json:"reason"`
	Gates        []GateResult     `json:"gates"`
	Kills        []KillResult     `json:"kills"`
	Override     *Override        `json:"override,omitempty"`
	Outcome      *RealizedOutcome `json:"outcome,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// FinalClass is the override class when one exists, else the model class.
func (e *LogEntry) FinalClass() Class {
	if e.Override != nil {
		return e.Override.Class
	}
	return e.Class
}

// Report is the read-only recommendation report for the presentation layer.
type Report struct {
	EvaluationID    string           `json:"evaluation_id"`
	EntityID        string           `json:"entity_id,omitempty"`
	EntityName      string           `json:"entity_name,omitempty"`
	Cohort          string           `json:"cohort"`
	AsOf            time.Time        `json:"as_of"`
	Class           Class            `json:"class"`
	UnderlyingClass Class            `json:"underlying_class,omitempty"`
	Reason          string           `json:"reason"`
	Score           float64          `json:"score"`
	Band            ConfidenceBand   `json:"band"`
	Components      []ComponentScore `json:"components,omitempty"`
	Gates           []GateResult     `json:"gates"`
	Kills           []KillResult     `json:"kills"`
	Returns         *ReturnSummary   `json:"returns,omitempty"`
	Override        *Override        `json:"override,omitempty"`
	Outcome         *RealizedOutcome `json:"outcome,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

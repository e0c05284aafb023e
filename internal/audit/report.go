package audit

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decision-engine/internal/model"
)

// Report assembles the read-only recommendation report of an evaluation.
func (l *Log) Report(ctx context.Context, evalID string) (*model.Report, error) {
	ev, err := l.st.GetEvaluation(ctx, evalID)
	if err != nil {
		return nil, eris.Wrapf(err, "audit: report %s", evalID)
	}
	entry, err := l.st.GetLogEntry(ctx, evalID)
	if err != nil {
		return nil, eris.Wrapf(err, "audit: report %s", evalID)
	}

	r := &model.Report{
		EvaluationID:    ev.ID,
		EntityID:        ev.EntityID,
		Cohort:          ev.Cohort.Key(),
		AsOf:            ev.AsOf,
		Class:           ev.Class,
		UnderlyingClass: ev.UnderlyingClass,
		Reason:          ev.Reason,
		Score:           ev.Score,
		Band:            ev.Band,
		Components:      ev.Components,
		Gates:           entry.Gates,
		Kills:           entry.Kills,
		Returns:         ev.Returns,
		Override:        entry.Override,
		Outcome:         entry.Outcome,
		CreatedAt:       ev.CreatedAt,
	}
	if l.entities != nil && ev.EntityID != "" {
		if e, err := l.entities.GetEntity(ctx, ev.EntityID); err == nil {
			r.EntityName = e.PrimaryName
		}
	}
	return r, nil
}

// Reports returns the reports of every entry created in [from, to).
func (l *Log) Reports(ctx context.Context, from, to time.Time) ([]model.Report, error) {
	entries, err := l.st.ListLogEntries(ctx, from, to)
	if err != nil {
		return nil, eris.Wrap(err, "audit: list entries")
	}
	out := make([]model.Report, 0, len(entries))
	for _, e := range entries {
		r, err := l.Report(ctx, e.EvaluationID)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

// ComparisonRow is one entry of the post-hoc comparison.
type ComparisonRow struct {
	EvaluationID string        `json:"evaluation_id"`
	EntityID     string        `json:"entity_id,omitempty"`
	ModelClass   model.Class   `json:"model_class"`
	FinalClass   model.Class   `json:"final_class"`
	Overridden   bool          `json:"overridden"`
	Outcome      model.Outcome `json:"outcome,omitempty"`
	MOIC         *float64      `json:"moic,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ClassOutcomes aggregates realized outcomes for one recommendation class.
type ClassOutcomes struct {
	Class    model.Class `json:"class"`
	N        int         `json:"n"`
	Resolved int         `json:"resolved"`
	Exited   int         `json:"exited"`
	Trading  int         `json:"trading"`
	Failed   int         `json:"failed"`
	MeanMOIC *float64    `json:"mean_moic,omitempty"`

	moicSum float64
	moicN   int
}

// Comparison contrasts model classes, overrides and realized outcomes.
type Comparison struct {
	From         time.Time       `json:"from"`
	To           time.Time       `json:"to"`
	Rows         []ComparisonRow `json:"rows"`
	ByModelClass []ClassOutcomes `json:"by_model_class"`
	ByFinalClass []ClassOutcomes `json:"by_final_class"`
	Overrides    int             `json:"overrides"`
	// OverridesVindicated counts resolved overrides whose direction matched
	// the outcome: upgraded to positive and exited, or downgraded and failed.
	OverridesVindicated int `json:"overrides_vindicated"`
	OverridesResolved   int `json:"overrides_resolved"`
}

var classOrder = []model.Class{
	model.ClassInvest, model.ClassDeepDiligence, model.ClassWatch, model.ClassPass,
	model.ClassAbstain, model.ClassManualReview, model.ClassPolicyCapped,
}

// Compare aggregates entries created in [from, to).
func (l *Log) Compare(ctx context.Context, from, to time.Time) (*Comparison, error) {
	entries, err := l.st.ListLogEntries(ctx, from, to)
	if err != nil {
		return nil, eris.Wrap(err, "audit: compare")
	}

	c := &Comparison{From: from, To: to}
	byModel := make(map[model.Class]*ClassOutcomes)
	byFinal := make(map[model.Class]*ClassOutcomes)

	for i := range entries {
		e := &entries[i]
		row := ComparisonRow{
			EvaluationID: e.EvaluationID,
			EntityID:     e.EntityID,
			ModelClass:   e.Class,
			FinalClass:   e.FinalClass(),
			Overridden:   e.Override != nil,
			CreatedAt:    e.CreatedAt,
		}
		if e.Outcome != nil {
			row.Outcome = e.Outcome.Outcome
			row.MOIC = e.Outcome.MOIC
		}
		c.Rows = append(c.Rows, row)

		tally(byModel, row.ModelClass, e.Outcome)
		tally(byFinal, row.FinalClass, e.Outcome)

		if row.Overridden {
			c.Overrides++
			if e.Outcome != nil {
				c.OverridesResolved++
				if vindicated(row.ModelClass, row.FinalClass, e.Outcome.Outcome) {
					c.OverridesVindicated++
				}
			}
		}
	}
	c.ByModelClass = ordered(byModel)
	c.ByFinalClass = ordered(byFinal)
	return c, nil
}

func tally(m map[model.Class]*ClassOutcomes, class model.Class, o *model.RealizedOutcome) {
	agg, ok := m[class]
	if !ok {
		agg = &ClassOutcomes{Class: class}
		m[class] = agg
	}
	agg.N++
	if o == nil {
		return
	}
	agg.Resolved++
	switch o.Outcome {
	case model.OutcomeExited:
		agg.Exited++
	case model.OutcomeTrading:
		agg.Trading++
	case model.OutcomeFailed:
		agg.Failed++
	}
	if o.MOIC != nil {
		agg.moicSum += *o.MOIC
		agg.moicN++
	}
}

func ordered(m map[model.Class]*ClassOutcomes) []ClassOutcomes {
	var out []ClassOutcomes
	for _, c := range classOrder {
		agg, ok := m[c]
		if !ok {
			continue
		}
		if agg.moicN > 0 {
			mean := agg.moicSum / float64(agg.moicN)
			agg.MeanMOIC = &mean
		}
		out = append(out, *agg)
	}
	return out
}

func vindicated(modelClass, finalClass model.Class, o model.Outcome) bool {
	switch {
	case finalClass.Positive() && !modelClass.Positive():
		return o == model.OutcomeExited
	case !finalClass.Positive() && modelClass.Positive():
		return o == model.OutcomeFailed
	}
	return false
}

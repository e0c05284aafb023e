// Package export writes recommendation reports for people outside the
// engine: an XLSX workbook for review meetings and JSON for tooling.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/decision-engine/internal/audit"
	"github.com/sells-group/decision-engine/internal/model"
)

// Sheet names of the workbook.
const (
	SheetRecommendations = "Recommendations"
	SheetGates           = "Gates"
	SheetComparison      = "Comparison"
	SheetClasses         = "Classes"
)

var recommendationHeader = []string{
	"evaluation_id", "entity_id", "entity", "cohort", "as_of", "class", "underlying_class",
	"score", "band_low", "band_high", "band_level", "p10", "p50", "p90", "reason",
	"override_class", "override_reason", "outcome", "moic", "created_at",
}

// WriteJSON writes reports as an indented JSON array.
func WriteJSON(w io.Writer, reports []model.Report) error {
	if reports == nil {
		reports = []model.Report{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(reports), "export: encode json")
}

// WriteXLSX writes reports to a workbook at path. The comparison sheets are
// added when cmp is not nil.
func WriteXLSX(path string, reports []model.Report, cmp *audit.Comparison) error {
	f := xlsx.NewFile()

	recs, err := f.AddSheet(SheetRecommendations)
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}
	header(recs, recommendationHeader)
	for i := range reports {
		recommendationRow(recs.AddRow(), &reports[i])
	}

	gates, err := f.AddSheet(SheetGates)
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}
	header(gates, []string{"evaluation_id", "kind", "name", "status", "value", "threshold", "route", "reason"})
	for _, r := range reports {
		for _, g := range r.Gates {
			row := gates.AddRow()
			str(row, r.EvaluationID, "gate", g.Name, string(g.Status))
			num(row, g.Value, g.Threshold)
			str(row, string(g.Route), g.Reason)
		}
		for _, k := range r.Kills {
			status := "not_fired"
			if k.Fired {
				status = "fired"
			}
			row := gates.AddRow()
			str(row, r.EvaluationID, "kill", k.Name, status)
			num(row, k.Adjustment, 0)
			str(row, string(k.Effect), k.Reason)
		}
	}

	if cmp != nil {
		if err := comparisonSheets(f, cmp); err != nil {
			return err
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	return nil
}

func recommendationRow(row *xlsx.Row, r *model.Report) {
	str(row, r.EvaluationID, r.EntityID, r.EntityName, r.Cohort, r.AsOf.Format(time.DateOnly),
		string(r.Class), string(r.UnderlyingClass))
	num(row, r.Score, r.Band.Low, r.Band.High)
	str(row, r.Band.Level)
	if r.Returns != nil {
		num(row, r.Returns.P10, r.Returns.P50, r.Returns.P90)
	} else {
		str(row, "", "", "")
	}
	str(row, r.Reason)
	if r.Override != nil {
		str(row, string(r.Override.Class), r.Override.Reason)
	} else {
		str(row, "", "")
	}
	if r.Outcome != nil {
		str(row, string(r.Outcome.Outcome))
		if r.Outcome.MOIC != nil {
			num(row, *r.Outcome.MOIC)
		} else {
			str(row, "")
		}
	} else {
		str(row, "", "")
	}
	str(row, r.CreatedAt.UTC().Format(time.RFC3339))
}

func comparisonSheets(f *xlsx.File, cmp *audit.Comparison) error {
	rows, err := f.AddSheet(SheetComparison)
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}
	header(rows, []string{"evaluation_id", "entity_id", "model_class", "final_class", "overridden", "outcome", "moic", "created_at"})
	for _, c := range cmp.Rows {
		row := rows.AddRow()
		str(row, c.EvaluationID, c.EntityID, string(c.ModelClass), string(c.FinalClass),
			fmt.Sprintf("%t", c.Overridden), string(c.Outcome))
		if c.MOIC != nil {
			num(row, *c.MOIC)
		} else {
			str(row, "")
		}
		str(row, c.CreatedAt.UTC().Format(time.RFC3339))
	}

	classes, err := f.AddSheet(SheetClasses)
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}
	header(classes, []string{"view", "class", "n", "resolved", "exited", "trading", "failed", "mean_moic"})
	for _, v := range []struct {
		name string
		aggs []audit.ClassOutcomes
	}{{"model", cmp.ByModelClass}, {"final", cmp.ByFinalClass}} {
		for _, a := range v.aggs {
			row := classes.AddRow()
			str(row, v.name, string(a.Class))
			num(row, float64(a.N), float64(a.Resolved), float64(a.Exited), float64(a.Trading), float64(a.Failed))
			if a.MeanMOIC != nil {
				num(row, *a.MeanMOIC)
			}
		}
	}

	summary := classes.AddRow()
	str(summary, "overrides", "")
	num(summary, float64(cmp.Overrides), float64(cmp.OverridesResolved), float64(cmp.OverridesVindicated))
	return nil
}

func header(s *xlsx.Sheet, cols []string) {
	str(s.AddRow(), cols...)
}

func str(row *xlsx.Row, vals ...string) {
	for _, v := range vals {
		row.AddCell().SetString(v)
	}
}

func num(row *xlsx.Row, vals ...float64) {
	for _, v := range vals {
		row.AddCell().SetFloat(v)
	}
}

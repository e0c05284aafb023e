package export

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/decision-engine/internal/featurestore"
	"github.com/sells-group/decision-engine/internal/model"
)

// ReadSheet returns every row of a sheet as strings. An empty name reads
// the first sheet.
func ReadSheet(path, name string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "export: open %s", path)
	}

	var sheet *xlsx.Sheet
	switch {
	case name != "":
		s, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("export: sheet %q not found in %s", name, path)
		}
		sheet = s
	case len(f.Sheets) == 0:
		return nil, eris.Errorf("export: %s has no sheets", path)
	default:
		sheet = f.Sheets[0]
	}

	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = strings.TrimSpace(cell.String())
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// FeatureColumns is the header of a feature import sheet. tier is optional;
// without it the tier comes from the source.
var FeatureColumns = []string{"entity_id", "as_of", "family", "name", "value", "source", "tier"}

// ParseFeatureRows converts an import sheet into feature records. The first
// row must be a header naming at least the required columns, in any order.
// Value kinds come from the registry.
func ParseFeatureRows(rows [][]string, reg *featurestore.Registry) ([]model.FeatureRecord, error) {
	if len(rows) == 0 {
		return nil, eris.New("export: empty feature sheet")
	}
	col := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range FeatureColumns[:6] {
		if _, ok := col[c]; !ok {
			return nil, eris.Errorf("export: feature sheet is missing column %q", c)
		}
	}
	get := func(r []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(r) {
			return ""
		}
		return r[i]
	}

	out := make([]model.FeatureRecord, 0, len(rows)-1)
	for n, r := range rows[1:] {
		line := n + 2
		if blank(r) {
			continue
		}
		asOf, err := parseDate(get(r, "as_of"))
		if err != nil {
			return nil, eris.Wrapf(err, "export: row %d", line)
		}
		family, name := model.Family(get(r, "family")), get(r, "name")
		def, ok := reg.Lookup(family, name)
		if !ok {
			return nil, eris.Wrapf(featurestore.ErrUnknownFeature, "export: row %d: %s.%s", line, family, name)
		}
		val, err := parseValue(def.Kind, get(r, "value"))
		if err != nil {
			return nil, eris.Wrapf(err, "export: row %d: %s.%s", line, family, name)
		}

		source := get(r, "source")
		tier := featurestore.AssignTier(source)
		if s := get(r, "tier"); s != "" {
			t, err := strconv.Atoi(s)
			if err != nil {
				return nil, eris.Wrapf(err, "export: row %d: tier", line)
			}
			tier = model.LabelTier(t)
		}

		out = append(out, model.FeatureRecord{
			EntityID: get(r, "entity_id"),
			AsOf:     asOf,
			Family:   family,
			Name:     name,
			Value:    val,
			Source:   source,
			Tier:     tier,
		})
	}
	return out, nil
}

func blank(r []string) bool {
	for _, c := range r {
		if c != "" {
			return false
		}
	}
	return true
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("export: unparseable as_of %q", s)
}

func parseValue(kind model.FeatureKind, s string) (model.FeatureValue, error) {
	switch kind {
	case model.KindNumeric:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return model.FeatureValue{}, eris.Wrapf(featurestore.ErrKindMismatch, "export: %q is not numeric", s)
		}
		return model.Numeric(v), nil
	case model.KindBoolean:
		v, err := strconv.ParseBool(strings.ToLower(s))
		if err != nil {
			return model.FeatureValue{}, eris.Wrapf(featurestore.ErrKindMismatch, "export: %q is not boolean", s)
		}
		return model.Boolean(v), nil
	default:
		return model.Categorical(s), nil
	}
}

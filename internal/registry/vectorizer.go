package registry

import (
	"math"
	"sort"

	"github.com/sells-group/decision-engine/internal/featurestore"
	"github.com/sells-group/decision-engine/internal/model"
)

// Vectorizer encodes snapshots into model input vectors. Column 0 is the
// bias. Numeric inputs take two columns (standardized value, missing flag),
// booleans one, categoricals one per training category, and pooled models
// add one indicator per cohort.
type Vectorizer struct {
	Inputs           []model.InputSpec
	CohortIndicators []string
}

// FitVectorizer learns standardization and vocabularies from training
// snapshots. Cohorts are only used when pooled is true.
func FitVectorizer(defs []featurestore.Definition, snaps []*featurestore.Snapshot, cohorts []model.Cohort, pooled bool) *Vectorizer {
	v := &Vectorizer{}
	for _, d := range defs {
		spec := model.InputSpec{Family: d.Family, Name: d.Name, Kind: d.Kind}
		switch d.Kind {
		case model.KindNumeric:
			var vals []float64
			for _, s := range snaps {
				if x, ok := s.Number(d.Family, d.Name); ok {
					vals = append(vals, x)
				}
			}
			spec.Mean, spec.Std = meanStd(vals)
		case model.KindCategorical:
			seen := make(map[string]bool)
			for _, s := range snaps {
				if x, ok := s.Category(d.Family, d.Name); ok && !seen[x] {
					seen[x] = true
					spec.Categories = append(spec.Categories, x)
				}
			}
			sort.Strings(spec.Categories)
		}
		v.Inputs = append(v.Inputs, spec)
	}

	if pooled {
		seen := make(map[string]bool)
		for _, c := range cohorts {
			if k := c.Key(); !seen[k] {
				seen[k] = true
				v.CohortIndicators = append(v.CohortIndicators, k)
			}
		}
		sort.Strings(v.CohortIndicators)
	}
	return v
}

// VectorizerFor rebuilds the vectorizer stored on an artifact.
func VectorizerFor(a *model.ModelArtifact) *Vectorizer {
	return &Vectorizer{Inputs: a.Inputs, CohortIndicators: a.CohortIndicators}
}

func meanStd(vals []float64) (float64, float64) {
	if len(vals) == 0 {
		return 0, 1
	}
	var sum float64
	for _, x := range vals {
		sum += x
	}
	mean := sum / float64(len(vals))
	var sq float64
	for _, x := range vals {
		sq += (x - mean) * (x - mean)
	}
	std := math.Sqrt(sq / float64(len(vals)))
	if std < 1e-9 {
		std = 1
	}
	return mean, std
}

func inputWidth(in model.InputSpec) int {
	switch in.Kind {
	case model.KindNumeric:
		return 2
	case model.KindCategorical:
		return len(in.Categories)
	}
	return 1
}

// Dim returns the length of encoded vectors.
func (v *Vectorizer) Dim() int {
	d := 1 + len(v.CohortIndicators)
	for _, in := range v.Inputs {
		d += inputWidth(in)
	}
	return d
}

// Transform encodes one snapshot.
func (v *Vectorizer) Transform(s *featurestore.Snapshot, cohort model.Cohort) []float64 {
	x := make([]float64, v.Dim())
	x[0] = 1
	col := 1
	for _, in := range v.Inputs {
		switch in.Kind {
		case model.KindNumeric:
			if val, ok := s.Number(in.Family, in.Name); ok {
				std := in.Std
				if std == 0 {
					std = 1
				}
				x[col] = (val - in.Mean) / std
			} else {
				x[col+1] = 1
			}
		case model.KindBoolean:
			if val, ok := s.Bool(in.Family, in.Name); ok && val {
				x[col] = 1
			}
		case model.KindCategorical:
			if val, ok := s.Category(in.Family, in.Name); ok {
				if i := sort.SearchStrings(in.Categories, val); i < len(in.Categories) && in.Categories[i] == val {
					x[col+i] = 1
				}
			}
		}
		col += inputWidth(in)
	}
	if len(v.CohortIndicators) > 0 {
		key := cohort.Key()
		if i := sort.SearchStrings(v.CohortIndicators, key); i < len(v.CohortIndicators) && v.CohortIndicators[i] == key {
			x[col+i] = 1
		}
	}
	return x
}

// columnOwners maps each encoded column to the input index that owns it;
// bias and cohort indicators map to -1.
func (v *Vectorizer) columnOwners() []int {
	owners := make([]int, 0, v.Dim())
	owners = append(owners, -1)
	for i, in := range v.Inputs {
		for j := 0; j < inputWidth(in); j++ {
			owners = append(owners, i)
		}
	}
	for range v.CohortIndicators {
		owners = append(owners, -1)
	}
	return owners
}

package featurestore

import (
	"sort"
	"time"

	"github.com/sells-group/decision-engine/internal/model"
)

// Snapshot is the frozen set of input features for one entity at one as_of.
type Snapshot struct {
	EntityID string
	AsOf     time.Time

	reg     *Registry
	records map[model.FeatureKey]model.FeatureRecord
}

func newSnapshot(entityID string, asOf time.Time, reg *Registry, recs []model.FeatureRecord) *Snapshot {
	s := &Snapshot{
		EntityID: entityID,
		AsOf:     asOf,
		reg:      reg,
		records:  make(map[model.FeatureKey]model.FeatureRecord, len(recs)),
	}
	for _, r := range recs {
		if r.Family == model.FamilyLabel || r.AsOf.After(asOf) {
			continue
		}
		if prev, ok := s.records[r.Key()]; ok && !r.AsOf.After(prev.AsOf) {
			continue
		}
		s.records[r.Key()] = r
	}
	return s
}

// NewSnapshot builds a snapshot from records already read at asOf.
func NewSnapshot(entityID string, asOf time.Time, reg *Registry, recs []model.FeatureRecord) *Snapshot {
	if reg == nil {
		reg = DefaultRegistry()
	}
	return newSnapshot(entityID, asOf, reg, recs)
}

// Get returns the record of one feature.
func (s *Snapshot) Get(family model.Family, name string) (model.FeatureRecord, bool) {
	r, ok := s.records[model.FeatureKey{Family: family, Name: name}]
	return r, ok
}

// Number returns a numeric feature value.
func (s *Snapshot) Number(family model.Family, name string) (float64, bool) {
	r, ok := s.Get(family, name)
	if !ok || r.Value.Kind != model.KindNumeric {
		return 0, false
	}
	return r.Value.Num, true
}

// Bool returns a boolean feature value.
func (s *Snapshot) Bool(family model.Family, name string) (bool, bool) {
	r, ok := s.Get(family, name)
	if !ok || r.Value.Kind != model.KindBoolean {
		return false, false
	}
	return r.Value.Bool, true
}

// Category returns a categorical feature value.
func (s *Snapshot) Category(family model.Family, name string) (string, bool) {
	r, ok := s.Get(family, name)
	if !ok || r.Value.Kind != model.KindCategorical {
		return "", false
	}
	return r.Value.Str, true
}

// Missingness is the fraction of a family's registered features absent from
// the snapshot. An unregistered family is entirely missing.
func (s *Snapshot) Missingness(family model.Family) float64 {
	defs := s.reg.Family(family)
	if len(defs) == 0 {
		return 1
	}
	present := 0
	for _, d := range defs {
		if _, ok := s.records[d.Key()]; ok {
			present++
		}
	}
	return 1 - float64(present)/float64(len(defs))
}

// Completeness averages 1 - missingness over every input family.
func (s *Snapshot) Completeness() float64 {
	families := s.reg.InputFamilies()
	if len(families) == 0 {
		return 0
	}
	var sum float64
	for _, f := range families {
		sum += 1 - s.Missingness(f)
	}
	return sum / float64(len(families))
}

// SourceCount returns the number of distinct sources behind a family, or
// behind the named features of it when names are given.
func (s *Snapshot) SourceCount(family model.Family, names ...string) int {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	sources := make(map[string]struct{})
	for k, r := range s.records {
		if k.Family != family {
			continue
		}
		if len(want) > 0 && !want[k.Name] {
			continue
		}
		sources[r.Source] = struct{}{}
	}
	return len(sources)
}

// MaxAsOf returns the latest as_of among the snapshot's records.
func (s *Snapshot) MaxAsOf() time.Time {
	var latest time.Time
	for _, r := range s.records {
		if r.AsOf.After(latest) {
			latest = r.AsOf
		}
	}
	return latest
}

// Len returns the number of features present.
func (s *Snapshot) Len() int { return len(s.records) }

// Records returns the snapshot's records sorted by family then name.
func (s *Snapshot) Records() []model.FeatureRecord {
	out := make([]model.FeatureRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Family != out[j].Family {
			return out[i].Family < out[j].Family
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// WorstTier returns the weakest tier among the named features present.
func (s *Snapshot) WorstTier(keys ...model.FeatureKey) model.LabelTier {
	worst := model.TierVerified
	for _, k := range keys {
		if r, ok := s.records[k]; ok && r.Tier > worst {
			worst = r.Tier
		}
	}
	return worst
}

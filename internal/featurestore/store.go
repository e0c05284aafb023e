// Package featurestore is the append-only, point-in-time feature store. Every
// read is as of a timestamp, and nothing recorded after that timestamp can
// reach a snapshot.
package featurestore

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/store"
)

var (
	// ErrDuplicate is returned when a record repeats (entity, as_of, family, name).
	ErrDuplicate = eris.New("featurestore: duplicate record")
	// ErrUnknownFeature is returned for a (family, name) missing from the registry.
	ErrUnknownFeature = eris.New("featurestore: unknown feature")
	// ErrKindMismatch is returned when a value kind disagrees with its definition.
	ErrKindMismatch = eris.New("featurestore: kind mismatch")
	// ErrInvalidRecord is returned for records missing entity, as_of, source or tier.
	ErrInvalidRecord = eris.New("featurestore: invalid record")
)

// Store validates records against the registry and reads point-in-time snapshots.
type Store struct {
	st  store.FeatureStore
	reg *Registry
	now func() time.Time
	log *zap.Logger
}

// New creates a feature store over the persistence layer.
func New(st store.FeatureStore, reg *Registry) *Store {
	if reg == nil {
		reg = DefaultRegistry()
	}
	return &Store{
		st:  st,
		reg: reg,
		now: time.Now,
		log: zap.L().With(zap.String("component", "featurestore")),
	}
}

// Registry returns the feature catalogue the store validates against.
func (s *Store) Registry() *Registry { return s.reg }

// Write validates and appends one record.
func (s *Store) Write(ctx context.Context, rec model.FeatureRecord) (model.FeatureRecord, error) {
	out, err := s.WriteBatch(ctx, []model.FeatureRecord{rec})
	if err != nil {
		return model.FeatureRecord{}, err
	}
	return out[0], nil
}

// WriteBatch validates every record and appends them all or none. Missing
// IDs and recorded_at timestamps are filled in.
func (s *Store) WriteBatch(ctx context.Context, recs []model.FeatureRecord) ([]model.FeatureRecord, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	now := s.now().UTC()
	out := make([]model.FeatureRecord, len(recs))
	seen := make(map[string]bool, len(recs))
	for i, r := range recs {
		if err := s.validate(r); err != nil {
			return nil, err
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.RecordedAt.IsZero() {
			r.RecordedAt = now
		}
		r.AsOf = r.AsOf.UTC()
		r.Source = strings.ToLower(strings.TrimSpace(r.Source))

		k := r.EntityID + "|" + r.AsOf.Format(time.RFC3339Nano) + "|" + r.Key().String()
		if seen[k] {
			return nil, eris.Wrapf(ErrDuplicate, "featurestore: %s repeated in batch", r.Key())
		}
		seen[k] = true
		out[i] = r
	}

	if err := s.st.AppendFeatures(ctx, out); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, eris.Wrap(ErrDuplicate, err.Error())
		}
		return nil, eris.Wrap(err, "featurestore: append")
	}
	s.log.Debug("featurestore: appended records", zap.Int("count", len(out)))
	return out, nil
}

func (s *Store) validate(r model.FeatureRecord) error {
	def, ok := s.reg.Lookup(r.Family, r.Name)
	if !ok {
		return eris.Wrapf(ErrUnknownFeature, "featurestore: %s", r.Key())
	}
	if r.Value.Kind != def.Kind {
		return eris.Wrapf(ErrKindMismatch, "featurestore: %s is %s, got %q", r.Key(), def.Kind, r.Value.Kind)
	}
	if r.Value.Kind == model.KindNumeric && (math.IsNaN(r.Value.Num) || math.IsInf(r.Value.Num, 0)) {
		return eris.Wrapf(ErrInvalidRecord, "featurestore: %s is not finite", r.Key())
	}
	switch {
	case strings.TrimSpace(r.EntityID) == "":
		return eris.Wrapf(ErrInvalidRecord, "featurestore: %s has no entity", r.Key())
	case r.AsOf.IsZero():
		return eris.Wrapf(ErrInvalidRecord, "featurestore: %s has no as_of", r.Key())
	case strings.TrimSpace(r.Source) == "":
		return eris.Wrapf(ErrInvalidRecord, "featurestore: %s has no source", r.Key())
	case !r.Tier.Valid():
		return eris.Wrapf(ErrInvalidRecord, "featurestore: %s has tier %d", r.Key(), r.Tier)
	}
	return nil
}

// Read returns the input features of an entity as knowable at asOf. Labels
// are never part of a snapshot.
func (s *Store) Read(ctx context.Context, entityID string, asOf time.Time) (*Snapshot, error) {
	recs, err := s.st.FeaturesAsOf(ctx, entityID, asOf.UTC())
	if err != nil {
		return nil, eris.Wrapf(err, "featurestore: read %s", entityID)
	}
	return newSnapshot(entityID, asOf.UTC(), s.reg, recs), nil
}

// ReadKnown is Read restricted to records written no later than knownAt.
// Backdated writes after knownAt stay invisible, so the snapshot is the one
// a reader at knownAt would have seen.
func (s *Store) ReadKnown(ctx context.Context, entityID string, asOf, knownAt time.Time) (*Snapshot, error) {
	recs, err := s.st.FeaturesKnownAt(ctx, entityID, asOf.UTC(), knownAt.UTC())
	if err != nil {
		return nil, eris.Wrapf(err, "featurestore: read %s known at %s", entityID, knownAt.Format(time.RFC3339))
	}
	return newSnapshot(entityID, asOf.UTC(), s.reg, recs), nil
}

// Replay returns the snapshot a recorded evaluation scored: features as of
// its as-of date, as known when it was recorded.
func (s *Store) Replay(ctx context.Context, ev *model.Evaluation) (*Snapshot, error) {
	if ev.EntityID == "" {
		return nil, eris.Wrapf(ErrInvalidRecord, "featurestore: evaluation %s has no entity", ev.ID)
	}
	if ev.CreatedAt.IsZero() {
		return s.Read(ctx, ev.EntityID, ev.AsOf)
	}
	return s.ReadKnown(ctx, ev.EntityID, ev.AsOf, ev.CreatedAt)
}

// History returns every record of one feature ordered by as_of.
func (s *Store) History(ctx context.Context, entityID string, family model.Family, name string) ([]model.FeatureRecord, error) {
	recs, err := s.st.FeatureHistory(ctx, entityID, family, name)
	if err != nil {
		return nil, eris.Wrapf(err, "featurestore: history %s.%s", family, name)
	}
	return recs, nil
}

// TrainingQuery selects label rows for model training.
type TrainingQuery struct {
	// Label is the label feature name, e.g. survival_outcome.
	Label string
	// HorizonMonths is how far before the label the decision snapshot is taken.
	HorizonMonths int
	// Entities restricts rows to these entities when non-empty.
	Entities []string
	// Exclude drops rows for these entities, e.g. a quarantined holdout.
	Exclude []string
	// Before drops labels observed after this time when non-zero.
	Before time.Time
	// MaxTier is the weakest tier admitted. Zero means tier 2.
	MaxTier model.LabelTier
}

// TrainingRow is one labeled example. Features are read at DecisionAsOf,
// which always precedes the label.
type TrainingRow struct {
	EntityID     string
	DecisionAsOf time.Time
	LabelAsOf    time.Time
	Label        model.FeatureValue
	Tier         model.LabelTier
	MOIC         float64
	HasMOIC      bool
	Features     *Snapshot
}

// TrainingRows materializes (snapshot, label) pairs ordered by label as_of.
// Tier-3 labels are never returned.
func (s *Store) TrainingRows(ctx context.Context, q TrainingQuery) ([]TrainingRow, error) {
	if _, ok := s.reg.Lookup(model.FamilyLabel, q.Label); !ok {
		return nil, eris.Wrapf(ErrUnknownFeature, "featurestore: label %s", q.Label)
	}
	maxTier := q.MaxTier
	if maxTier == 0 || maxTier > model.TierEstimated {
		maxTier = model.TierEstimated
	}
	var only map[string]bool
	if len(q.Entities) > 0 {
		only = make(map[string]bool, len(q.Entities))
		for _, id := range q.Entities {
			only[id] = true
		}
	}

	excluded := make(map[string]bool, len(q.Exclude))
	for _, id := range q.Exclude {
		excluded[id] = true
	}

	labels, err := s.st.ListLabelRecords(ctx, q.Label)
	if err != nil {
		return nil, eris.Wrapf(err, "featurestore: list labels %s", q.Label)
	}

	var rows []TrainingRow
	skipped := 0
	for _, l := range labels {
		if l.Tier > maxTier {
			skipped++
			continue
		}
		if (only != nil && !only[l.EntityID]) || excluded[l.EntityID] {
			continue
		}
		if !q.Before.IsZero() && l.AsOf.After(q.Before) {
			continue
		}

		decision := l.AsOf.AddDate(0, -q.HorizonMonths, 0)
		snap, err := s.Read(ctx, l.EntityID, decision)
		if err != nil {
			return nil, err
		}
		row := TrainingRow{
			EntityID:     l.EntityID,
			DecisionAsOf: decision,
			LabelAsOf:    l.AsOf,
			Label:        l.Value,
			Tier:         l.Tier,
			Features:     snap,
		}
		if q.Label != LabelMOIC {
			moic, ok, err := s.labelAt(ctx, l.EntityID, LabelMOIC, l.AsOf)
			if err != nil {
				return nil, err
			}
			row.MOIC, row.HasMOIC = moic, ok
		} else {
			row.MOIC, row.HasMOIC = l.Value.Num, true
		}
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].LabelAsOf.Before(rows[j].LabelAsOf) })
	s.log.Info("featurestore: materialized training rows",
		zap.String("label", q.Label),
		zap.Int("rows", len(rows)),
		zap.Int("skipped_tier", skipped),
	)
	return rows, nil
}

// labelAt returns the latest numeric label known at asOf.
func (s *Store) labelAt(ctx context.Context, entityID, name string, asOf time.Time) (float64, bool, error) {
	hist, err := s.st.FeatureHistory(ctx, entityID, model.FamilyLabel, name)
	if err != nil {
		return 0, false, eris.Wrapf(err, "featurestore: history label.%s", name)
	}
	var (
		val   float64
		found bool
	)
	for _, r := range hist {
		if r.AsOf.After(asOf) {
			break
		}
		if r.Value.Kind == model.KindNumeric {
			val, found = r.Value.Num, true
		}
	}
	return val, found, nil
}

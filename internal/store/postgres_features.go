package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/decision-engine/internal/db"
	"github.com/sells-group/decision-engine/internal/model"
)

var pgFeatureCopyColumns = []string{
	"id", "entity_id", "as_of", "family", "name", "value_kind",
	"value_num", "value_bool", "value_text", "source", "tier", "recorded_at",
}

const pgFeatureColumns = `id, entity_id, as_of, family, name, value_kind, value_num, value_bool, value_text, source, tier, recorded_at`

// AppendFeatures streams the batch with COPY inside a transaction so a
// duplicate key rejects the whole batch.
func (s *PostgresStore) AppendFeatures(ctx context.Context, recs []model.FeatureRecord) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		num, b, text := pgFeatureColumnValues(r.Value)
		rows = append(rows, []any{
			r.ID, r.EntityID, r.AsOf, string(r.Family), r.Name, string(r.Value.Kind),
			num, b, text, r.Source, int16(r.Tier), r.RecordedAt,
		})
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := db.CopyFrom(ctx, tx, "feature_records", pgFeatureCopyColumns, rows)
		if db.IsUniqueViolation(err) {
			return eris.Wrap(ErrConflict, "postgres: feature record already exists")
		}
		return eris.Wrap(err, "postgres: append features")
	})
}

func (s *PostgresStore) FeaturesAsOf(ctx context.Context, entityID string, asOf time.Time) ([]model.FeatureRecord, error) {
	return s.queryFeatures(ctx,
		`SELECT DISTINCT ON (family, name) `+pgFeatureColumns+`
		 FROM feature_records
		 WHERE entity_id = $1 AND as_of <= $2
		 ORDER BY family, name, as_of DESC`,
		entityID, asOf)
}

func (s *PostgresStore) FeaturesKnownAt(ctx context.Context, entityID string, asOf, knownAt time.Time) ([]model.FeatureRecord, error) {
	return s.queryFeatures(ctx,
		`SELECT DISTINCT ON (family, name) `+pgFeatureColumns+`
		 FROM feature_records
		 WHERE entity_id = $1 AND as_of <= $2 AND recorded_at <= $3
		 ORDER BY family, name, as_of DESC`,
		entityID, asOf, knownAt)
}

func (s *PostgresStore) FeatureHistory(ctx context.Context, entityID string, family model.Family, name string) ([]model.FeatureRecord, error) {
	return s.queryFeatures(ctx,
		`SELECT `+pgFeatureColumns+` FROM feature_records
		 WHERE entity_id = $1 AND family = $2 AND name = $3 ORDER BY as_of`,
		entityID, string(family), name)
}

func (s *PostgresStore) ListLabelRecords(ctx context.Context, name string) ([]model.FeatureRecord, error) {
	return s.queryFeatures(ctx,
		`SELECT `+pgFeatureColumns+` FROM feature_records
		 WHERE family = $1 AND name = $2 ORDER BY as_of, entity_id`,
		string(model.FamilyLabel), name)
}

func (s *PostgresStore) queryFeatures(ctx context.Context, query string, args ...any) ([]model.FeatureRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query features")
	}
	defer rows.Close()

	var out []model.FeatureRecord
	for rows.Next() {
		var (
			r            model.FeatureRecord
			family, kind string
			num          *float64
			b            *bool
			text         *string
			tier         int16
		)
		if err := rows.Scan(&r.ID, &r.EntityID, &r.AsOf, &family, &r.Name, &kind, &num, &b, &text,
			&r.Source, &tier, &r.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan feature")
		}
		r.Family = model.Family(family)
		r.Tier = model.LabelTier(tier)
		switch model.FeatureKind(kind) {
		case model.KindNumeric:
			if num != nil {
				r.Value = model.Numeric(*num)
			}
		case model.KindBoolean:
			if b != nil {
				r.Value = model.Boolean(*b)
			}
		case model.KindCategorical:
			if text != nil {
				r.Value = model.Categorical(*text)
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: query features iterate")
}

func pgFeatureColumnValues(v model.FeatureValue) (*float64, *bool, *string) {
	switch v.Kind {
	case model.KindNumeric:
		n := v.Num
		return &n, nil, nil
	case model.KindBoolean:
		b := v.Bool
		return nil, &b, nil
	case model.KindCategorical:
		s := v.Str
		return nil, nil, &s
	}
	return nil, nil, nil
}

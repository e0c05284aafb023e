package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decision-engine/internal/model"
)

const sqliteFeatureColumns = `id, entity_id, as_of, family, name, value_kind, value_num, value_bool, value_text, source, tier, recorded_at`

func (s *SQLiteStore) AppendFeatures(ctx context.Context, recs []model.FeatureRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO feature_records (`+sqliteFeatureColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare feature insert")
		}
		defer stmt.Close()

		for _, r := range recs {
			num, b, text := featureColumns(r.Value)
			_, err := stmt.ExecContext(ctx, r.ID, r.EntityID, encodeTime(r.AsOf), string(r.Family), r.Name,
				string(r.Value.Kind), num, b, text, r.Source, int(r.Tier), encodeTime(r.RecordedAt))
			if isSQLiteUnique(err) {
				return eris.Wrapf(ErrConflict, "sqlite: feature %s for %s at %s", r.Key(), r.EntityID, encodeTime(r.AsOf))
			}
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert feature %s", r.Key())
			}
		}
		return nil
	})
}

func (s *SQLiteStore) FeaturesAsOf(ctx context.Context, entityID string, asOf time.Time) ([]model.FeatureRecord, error) {
	return s.queryFeatures(ctx,
		`SELECT `+sqliteFeatureColumns+` FROM (
			SELECT `+sqliteFeatureColumns+`,
				ROW_NUMBER() OVER (PARTITION BY family, name ORDER BY as_of DESC) AS rn
			FROM feature_records
			WHERE entity_id = ? AND as_of <= ?
		) WHERE rn = 1
		ORDER BY family, name`,
		entityID, encodeTime(asOf))
}

func (s *SQLiteStore) FeaturesKnownAt(ctx context.Context, entityID string, asOf, knownAt time.Time) ([]model.FeatureRecord, error) {
	return s.queryFeatures(ctx,
		`SELECT `+sqliteFeatureColumns+` FROM (
			SELECT `+sqliteFeatureColumns+`,
				ROW_NUMBER() OVER (PARTITION BY family, name ORDER BY as_of DESC) AS rn
			FROM feature_records
			WHERE entity_id = ? AND as_of <= ? AND recorded_at <= ?
		) WHERE rn = 1
		ORDER BY family, name`,
		entityID, encodeTime(asOf), encodeTime(knownAt))
}

func (s *SQLiteStore) FeatureHistory(ctx context.Context, entityID string, family model.Family, name string) ([]model.FeatureRecord, error) {
	return s.queryFeatures(ctx,
		`SELECT `+sqliteFeatureColumns+` FROM feature_records
		 WHERE entity_id = ? AND family = ? AND name = ? ORDER BY as_of`,
		entityID, string(family), name)
}

func (s *SQLiteStore) ListLabelRecords(ctx context.Context, name string) ([]model.FeatureRecord, error) {
	return s.queryFeatures(ctx,
		`SELECT `+sqliteFeatureColumns+` FROM feature_records
		 WHERE family = ? AND name = ? ORDER BY as_of, entity_id`,
		string(model.FamilyLabel), name)
}

func (s *SQLiteStore) queryFeatures(ctx context.Context, query string, args ...any) ([]model.FeatureRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query features")
	}
	defer rows.Close()

	var out []model.FeatureRecord
	for rows.Next() {
		r, err := scanSQLiteFeature(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan feature")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: query features iterate")
}

func scanSQLiteFeature(row scannable) (*model.FeatureRecord, error) {
	var (
		r              model.FeatureRecord
		asOf, recorded string
		family, kind   string
		num            sql.NullFloat64
		b              sql.NullBool
		text           sql.NullString
		tier           int
	)
	if err := row.Scan(&r.ID, &r.EntityID, &asOf, &family, &r.Name, &kind, &num, &b, &text,
		&r.Source, &tier, &recorded); err != nil {
		return nil, err
	}
	r.Family = model.Family(family)
	r.Tier = model.LabelTier(tier)
	r.Value = featureValue(model.FeatureKind(kind), num, b, text)
	var err error
	if r.AsOf, err = decodeTime(asOf); err != nil {
		return nil, err
	}
	if r.RecordedAt, err = decodeTime(recorded); err != nil {
		return nil, err
	}
	return &r, nil
}

// featureColumns splits a tagged value into its nullable storage columns.
func featureColumns(v model.FeatureValue) (sql.NullFloat64, sql.NullBool, sql.NullString) {
	var (
		num  sql.NullFloat64
		b    sql.NullBool
		text sql.NullString
	)
	switch v.Kind {
	case model.KindNumeric:
		num = sql.NullFloat64{Float64: v.Num, Valid: true}
	case model.KindBoolean:
		b = sql.NullBool{Bool: v.Bool, Valid: true}
	case model.KindCategorical:
		text = sql.NullString{String: v.Str, Valid: true}
	}
	return num, b, text
}

func featureValue(kind model.FeatureKind, num sql.NullFloat64, b sql.NullBool, text sql.NullString) model.FeatureValue {
	switch kind {
	case model.KindNumeric:
		return model.Numeric(num.Float64)
	case model.KindBoolean:
		return model.Boolean(b.Bool)
	case model.KindCategorical:
		return model.Categorical(text.String)
	}
	return model.FeatureValue{}
}

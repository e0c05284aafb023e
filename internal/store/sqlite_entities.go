package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decision-engine/internal/model"
)

const sqliteEntityColumns = `id, primary_name, normalized_name, country, sector, domain, registry_id, founding_date, created_at, updated_at`

func (s *SQLiteStore) CreateEntity(ctx context.Context, e *model.CanonicalEntity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (`+sqliteEntityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PrimaryName, e.NormalizedName, e.Country, e.Sector, e.Domain, e.RegistryID,
		encodeTimePtr(e.FoundingDate), encodeTime(e.CreatedAt), encodeTime(e.UpdatedAt),
	)
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrConflict, "sqlite: entity %s exists", e.ID)
	}
	return eris.Wrapf(err, "sqlite: insert entity %s", e.ID)
}

func (s *SQLiteStore) UpdateEntity(ctx context.Context, e *model.CanonicalEntity) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET primary_name = ?, normalized_name = ?, country = ?, sector = ?, domain = ?,
		 registry_id = ?, founding_date = ?, updated_at = ? WHERE id = ?`,
		e.PrimaryName, e.NormalizedName, e.Country, e.Sector, e.Domain, e.RegistryID,
		encodeTimePtr(e.FoundingDate), encodeTime(e.UpdatedAt), e.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update entity %s", e.ID)
	}
	return checkRowsAffected(res, "entity", e.ID)
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*model.CanonicalEntity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteEntityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanSQLiteEntity(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "entity %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entity %s", id)
	}
	return e, nil
}

func (s *SQLiteStore) FindEntityByRegistryID(ctx context.Context, registryID string) (*model.CanonicalEntity, error) {
	if registryID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteEntityColumns+` FROM entities WHERE registry_id = ? ORDER BY created_at LIMIT 1`, registryID)
	e, err := scanSQLiteEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find entity by registry id %s", registryID)
	}
	return e, nil
}

func (s *SQLiteStore) FindEntitiesByName(ctx context.Context, normalizedName, country string) ([]model.CanonicalEntity, error) {
	return s.queryEntities(ctx,
		`SELECT `+sqliteEntityColumns+` FROM entities WHERE normalized_name = ? AND country = ? ORDER BY created_at`,
		normalizedName, country)
}

func (s *SQLiteStore) ListEntityCandidates(ctx context.Context, country string, limit int) ([]model.CanonicalEntity, error) {
	if limit <= 0 {
		limit = 500
	}
	if country == "" {
		return s.queryEntities(ctx,
			`SELECT `+sqliteEntityColumns+` FROM entities ORDER BY created_at DESC LIMIT ?`, limit)
	}
	return s.queryEntities(ctx,
		`SELECT `+sqliteEntityColumns+` FROM entities WHERE country = ? OR country = '' ORDER BY created_at DESC LIMIT ?`,
		country, limit)
}

func (s *SQLiteStore) queryEntities(ctx context.Context, query string, args ...any) ([]model.CanonicalEntity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query entities")
	}
	defer rows.Close()

	var out []model.CanonicalEntity
	for rows.Next() {
		e, err := scanSQLiteEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: query entities iterate")
}

func scanSQLiteEntity(row scannable) (*model.CanonicalEntity, error) {
	var (
		e                model.CanonicalEntity
		founding         sql.NullString
		created, updated string
	)
	if err := row.Scan(&e.ID, &e.PrimaryName, &e.NormalizedName, &e.Country, &e.Sector, &e.Domain,
		&e.RegistryID, &founding, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if e.FoundingDate, err = decodeTimePtr(founding); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = decodeTime(created); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = decodeTime(updated); err != nil {
		return nil, err
	}
	return &e, nil
}

const sqliteLinkColumns = `id, entity_id, source, source_id, source_name, method, confidence, status, reviewed_by, review_reason, reviewed_at, created_at`

func (s *SQLiteStore) CreateLink(ctx context.Context, l *model.EntityLink) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entity_links (`+sqliteLinkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.EntityID, l.Source, l.SourceID, l.SourceName, string(l.Method), l.Confidence, string(l.Status),
		l.ReviewedBy, l.ReviewReason, encodeTimePtr(l.ReviewedAt), encodeTime(l.CreatedAt),
	)
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrConflict, "sqlite: link %s/%s exists", l.Source, l.SourceID)
	}
	return eris.Wrapf(err, "sqlite: insert link %s", l.ID)
}

func (s *SQLiteStore) GetLink(ctx context.Context, id string) (*model.EntityLink, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteLinkColumns+` FROM entity_links WHERE id = ?`, id)
	l, err := scanSQLiteLink(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "link %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get link %s", id)
	}
	return l, nil
}

func (s *SQLiteStore) FindActiveLink(ctx context.Context, source, sourceID string) (*model.EntityLink, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteLinkColumns+` FROM entity_links WHERE source = ? AND source_id = ? AND status <> 'rejected'`,
		source, sourceID)
	l, err := scanSQLiteLink(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find link %s/%s", source, sourceID)
	}
	return l, nil
}

func (s *SQLiteStore) ReviewLink(ctx context.Context, id string, status model.ReviewStatus, reviewer, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entity_links SET status = ?, reviewed_by = ?, review_reason = ?, reviewed_at = ?
		 WHERE id = ? AND status = 'needs_review'`,
		string(status), reviewer, reason, encodeTime(at), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: review link %s", id)
	}
	return checkRowsAffected(res, "pending link", id)
}

func (s *SQLiteStore) ListLinks(ctx context.Context, status model.ReviewStatus) ([]model.EntityLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteLinkColumns+` FROM entity_links WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list links")
	}
	defer rows.Close()

	var out []model.EntityLink
	for rows.Next() {
		l, err := scanSQLiteLink(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan link")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list links iterate")
}

func scanSQLiteLink(row scannable) (*model.EntityLink, error) {
	var (
		l              model.EntityLink
		method, status string
		reviewedAt     sql.NullString
		created        string
	)
	if err := row.Scan(&l.ID, &l.EntityID, &l.Source, &l.SourceID, &l.SourceName, &method, &l.Confidence, &status,
		&l.ReviewedBy, &l.ReviewReason, &reviewedAt, &created); err != nil {
		return nil, err
	}
	l.Method = model.MatchMethod(method)
	l.Status = model.ReviewStatus(status)
	var err error
	if l.ReviewedAt, err = decodeTimePtr(reviewedAt); err != nil {
		return nil, err
	}
	if l.CreatedAt, err = decodeTime(created); err != nil {
		return nil, err
	}
	return &l, nil
}

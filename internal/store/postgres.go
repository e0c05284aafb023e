package store

import (
	"context"
	"embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/decision-engine/internal/db"
	"github.com/sells-group/decision-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore implements Store over a pgx pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Close does not close it.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, migrationFS, "migrations"), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

const pgEntityColumns = `id, primary_name, normalized_name, country, sector, domain, registry_id, founding_date, created_at, updated_at`

func (s *PostgresStore) CreateEntity(ctx context.Context, e *model.CanonicalEntity) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entities (`+pgEntityColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.PrimaryName, e.NormalizedName, e.Country, e.Sector, e.Domain, e.RegistryID,
		e.FoundingDate, e.CreatedAt, e.UpdatedAt,
	)
	if db.IsUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "postgres: entity %s exists", e.ID)
	}
	return eris.Wrapf(err, "postgres: insert entity %s", e.ID)
}

func (s *PostgresStore) UpdateEntity(ctx context.Context, e *model.CanonicalEntity) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entities SET primary_name = $1, normalized_name = $2, country = $3, sector = $4, domain = $5,
		 registry_id = $6, founding_date = $7, updated_at = $8 WHERE id = $9`,
		e.PrimaryName, e.NormalizedName, e.Country, e.Sector, e.Domain, e.RegistryID,
		e.FoundingDate, e.UpdatedAt, e.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update entity %s", e.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "entity %s", e.ID)
	}
	return nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*model.CanonicalEntity, error) {
	e, err := scanPgEntity(s.pool.QueryRow(ctx, `SELECT `+pgEntityColumns+` FROM entities WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "entity %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entity %s", id)
	}
	return e, nil
}

func (s *PostgresStore) FindEntityByRegistryID(ctx context.Context, registryID string) (*model.CanonicalEntity, error) {
	if registryID == "" {
		return nil, nil
	}
	e, err := scanPgEntity(s.pool.QueryRow(ctx,
		`SELECT `+pgEntityColumns+` FROM entities WHERE registry_id = $1 ORDER BY created_at LIMIT 1`, registryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find entity by registry id %s", registryID)
	}
	return e, nil
}

func (s *PostgresStore) FindEntitiesByName(ctx context.Context, normalizedName, country string) ([]model.CanonicalEntity, error) {
	return s.queryEntities(ctx,
		`SELECT `+pgEntityColumns+` FROM entities WHERE normalized_name = $1 AND country = $2 ORDER BY created_at`,
		normalizedName, country)
}

func (s *PostgresStore) ListEntityCandidates(ctx context.Context, country string, limit int) ([]model.CanonicalEntity, error) {
	if limit <= 0 {
		limit = 500
	}
	if country == "" {
		return s.queryEntities(ctx,
			`SELECT `+pgEntityColumns+` FROM entities ORDER BY created_at DESC LIMIT $1`, limit)
	}
	return s.queryEntities(ctx,
		`SELECT `+pgEntityColumns+` FROM entities WHERE country = $1 OR country = '' ORDER BY created_at DESC LIMIT $2`,
		country, limit)
}

func (s *PostgresStore) queryEntities(ctx context.Context, query string, args ...any) ([]model.CanonicalEntity, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query entities")
	}
	defer rows.Close()

	var out []model.CanonicalEntity
	for rows.Next() {
		e, err := scanPgEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: query entities iterate")
}

func scanPgEntity(row pgx.Row) (*model.CanonicalEntity, error) {
	var e model.CanonicalEntity
	if err := row.Scan(&e.ID, &e.PrimaryName, &e.NormalizedName, &e.Country, &e.Sector, &e.Domain,
		&e.RegistryID, &e.FoundingDate, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

const pgLinkColumns = `id, entity_id, source, source_id, source_name, method, confidence, status, reviewed_by, review_reason, reviewed_at, created_at`

func (s *PostgresStore) CreateLink(ctx context.Context, l *model.EntityLink) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entity_links (`+pgLinkColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		l.ID, l.EntityID, l.Source, l.SourceID, l.SourceName, string(l.Method), l.Confidence, string(l.Status),
		l.ReviewedBy, l.ReviewReason, l.ReviewedAt, l.CreatedAt,
	)
	if db.IsUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "postgres: link %s/%s exists", l.Source, l.SourceID)
	}
	return eris.Wrapf(err, "postgres: insert link %s", l.ID)
}

func (s *PostgresStore) GetLink(ctx context.Context, id string) (*model.EntityLink, error) {
	l, err := scanPgLink(s.pool.QueryRow(ctx, `SELECT `+pgLinkColumns+` FROM entity_links WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "link %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get link %s", id)
	}
	return l, nil
}

func (s *PostgresStore) FindActiveLink(ctx context.Context, source, sourceID string) (*model.EntityLink, error) {
	l, err := scanPgLink(s.pool.QueryRow(ctx,
		`SELECT `+pgLinkColumns+` FROM entity_links WHERE source = $1 AND source_id = $2 AND status <> 'rejected'`,
		source, sourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find link %s/%s", source, sourceID)
	}
	return l, nil
}

func (s *PostgresStore) ReviewLink(ctx context.Context, id string, status model.ReviewStatus, reviewer, reason string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entity_links SET status = $1, reviewed_by = $2, review_reason = $3, reviewed_at = $4
		 WHERE id = $5 AND status = 'needs_review'`,
		string(status), reviewer, reason, at, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: review link %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "pending link %s", id)
	}
	return nil
}

func (s *PostgresStore) ListLinks(ctx context.Context, status model.ReviewStatus) ([]model.EntityLink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgLinkColumns+` FROM entity_links WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list links")
	}
	defer rows.Close()

	var out []model.EntityLink
	for rows.Next() {
		l, err := scanPgLink(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan link")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list links iterate")
}

func scanPgLink(row pgx.Row) (*model.EntityLink, error) {
	var (
		l              model.EntityLink
		method, status string
	)
	if err := row.Scan(&l.ID, &l.EntityID, &l.Source, &l.SourceID, &l.SourceName, &method, &l.Confidence, &status,
		&l.ReviewedBy, &l.ReviewReason, &l.ReviewedAt, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.Method = model.MatchMethod(method)
	l.Status = model.ReviewStatus(status)
	return &l, nil
}

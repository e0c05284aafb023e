package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the default
// backend for single-operator use.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The pool is limited to one connection so transactions serialize, which
// keeps policy reservations atomic.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id              TEXT PRIMARY KEY,
	primary_name    TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	country         TEXT NOT NULL DEFAULT '',
	sector          TEXT NOT NULL DEFAULT '',
	domain          TEXT NOT NULL DEFAULT '',
	registry_id     TEXT NOT NULL DEFAULT '',
	founding_date   TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_name_country ON entities(normalized_name, country);
CREATE INDEX IF NOT EXISTS idx_entities_registry_id ON entities(registry_id);

CREATE TABLE IF NOT EXISTS entity_links (
	id            TEXT PRIMARY KEY,
	entity_id     TEXT NOT NULL REFERENCES entities(id),
	source        TEXT NOT NULL,
	source_id     TEXT NOT NULL,
	source_name   TEXT NOT NULL DEFAULT '',
	method        TEXT NOT NULL,
	confidence    REAL NOT NULL,
	status        TEXT NOT NULL,
	reviewed_by   TEXT NOT NULL DEFAULT '',
	review_reason TEXT NOT NULL DEFAULT '',
	reviewed_at   TEXT,
	created_at    TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_entity_links_active ON entity_links(source, source_id) WHERE status <> 'rejected';
CREATE INDEX IF NOT EXISTS idx_entity_links_status ON entity_links(status);

CREATE TABLE IF NOT EXISTS feature_records (
	id          TEXT PRIMARY KEY,
	entity_id   TEXT NOT NULL,
	as_of       TEXT NOT NULL,
	family      TEXT NOT NULL,
	name        TEXT NOT NULL,
	value_kind  TEXT NOT NULL,
	value_num   REAL,
	value_bool  INTEGER,
	value_text  TEXT,
	source      TEXT NOT NULL,
	tier        INTEGER NOT NULL CHECK (tier BETWEEN 1 AND 3),
	recorded_at TEXT NOT NULL,
	UNIQUE (entity_id, as_of, family, name)
);

CREATE INDEX IF NOT EXISTS idx_feature_records_lookup ON feature_records(entity_id, family, name, as_of);
CREATE INDEX IF NOT EXISTS idx_feature_records_label ON feature_records(family, name);

CREATE TABLE IF NOT EXISTS model_artifacts (
	id             TEXT PRIMARY KEY,
	cohort         TEXT NOT NULL,
	model_type     TEXT NOT NULL,
	version        INTEGER NOT NULL,
	release_status TEXT NOT NULL,
	payload        TEXT NOT NULL,
	trained_at     TEXT NOT NULL,
	released_at    TEXT,
	retired_at     TEXT,
	UNIQUE (cohort, model_type, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_model_artifacts_released ON model_artifacts(cohort, model_type) WHERE release_status = 'released';

CREATE TABLE IF NOT EXISTS calibration_records (
	id          TEXT PRIMARY KEY,
	artifact_id TEXT NOT NULL REFERENCES model_artifacts(id),
	cohort      TEXT NOT NULL,
	model_type  TEXT NOT NULL,
	measured_at TEXT NOT NULL,
	sample_size INTEGER NOT NULL,
	ece         REAL NOT NULL,
	status      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_calibration_records_artifact ON calibration_records(artifact_id, measured_at);

CREATE TABLE IF NOT EXISTS evaluations (
	id                   TEXT PRIMARY KEY,
	entity_id            TEXT NOT NULL DEFAULT '',
	cohort               TEXT NOT NULL,
	as_of                TEXT NOT NULL,
	class                TEXT NOT NULL,
	score                REAL NOT NULL,
	survival_artifact_id TEXT NOT NULL DEFAULT '',
	progress_artifact_id TEXT NOT NULL DEFAULT '',
	payload              TEXT NOT NULL,
	created_at           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_entity ON evaluations(entity_id, as_of);
CREATE INDEX IF NOT EXISTS idx_evaluations_survival ON evaluations(survival_artifact_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_progress ON evaluations(progress_artifact_id);

CREATE TABLE IF NOT EXISTS recommendation_log (
	id            TEXT PRIMARY KEY,
	evaluation_id TEXT NOT NULL UNIQUE REFERENCES evaluations(id),
	entity_id     TEXT NOT NULL DEFAULT '',
	class         TEXT NOT NULL,
	score         REAL NOT NULL,
	reason        TEXT NOT NULL,
	gate_state    TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_recommendation_log_created ON recommendation_log(created_at);

CREATE TABLE IF NOT EXISTS recommendation_overrides (
	evaluation_id TEXT PRIMARY KEY REFERENCES evaluations(id),
	class         TEXT NOT NULL,
	reason        TEXT NOT NULL CHECK (reason <> ''),
	actor         TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS evaluation_outcomes (
	evaluation_id TEXT PRIMARY KEY REFERENCES evaluations(id),
	outcome       TEXT NOT NULL,
	moic          REAL,
	milestone     INTEGER,
	observed_at   TEXT NOT NULL,
	recorded_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS policy_counters (
	period TEXT NOT NULL,
	scope  TEXT NOT NULL,
	count  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (period, scope)
);

CREATE TABLE IF NOT EXISTS job_leases (
	name       TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS job_runs (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TEXT NOT NULL,
	finished_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_job_runs_name ON job_runs(name, status, finished_at);

CREATE TABLE IF NOT EXISTS backtest_holdout (
	holdout_window TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	PRIMARY KEY (holdout_window, entity_id)
);

CREATE TABLE IF NOT EXISTS backtest_runs (
	id          TEXT PRIMARY KEY,
	artifact_id TEXT NOT NULL,
	model_type  TEXT NOT NULL,
	cohort      TEXT NOT NULL,
	passed      INTEGER NOT NULL,
	payload     TEXT NOT NULL,
	run_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_backtest_runs_type ON backtest_runs(model_type, run_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTime(*t), Valid: true}
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

package db

import (
	"context"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// MigrationLockID is the advisory lock key held while migrations run.
const MigrationLockID int64 = 7243091

// Migrate applies every .sql file in dir of fsys that is not yet recorded
// in schema_migrations, in lexicographic order, inside one transaction.
// Concurrent runs serialize on a transaction-scoped advisory lock.
func Migrate(ctx context.Context, pool Pool, fsys fs.FS, dir string) error {
	log := zap.L().With(zap.String("component", "db.migrate"))

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return eris.Wrap(err, "db: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	return WithAdvisoryLock(ctx, pool, MigrationLockID, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
			return eris.Wrap(err, "db: ensure migration table")
		}

		applied, err := appliedMigrations(ctx, tx)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || applied[name] {
				continue
			}
			data, err := fs.ReadFile(fsys, dir+"/"+name)
			if err != nil {
				return eris.Wrapf(err, "db: read migration %s", name)
			}
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return eris.Wrapf(err, "db: apply migration %s", name)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
				return eris.Wrapf(err, "db: record migration %s", name)
			}
			log.Info("migration applied", zap.String("file", name))
		}
		return nil
	})
}

func appliedMigrations(ctx context.Context, tx pgx.Tx) (map[string]bool, error) {
	rows, err := tx.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "db: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "db: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// WithAdvisoryLock runs fn inside a transaction holding a
// transaction-scoped advisory lock on key. The lock is released on commit
// or rollback, so it never leaks onto a pooled connection.
func WithAdvisoryLock(ctx context.Context, pool Pool, key int64, fn func(context.Context, pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "db: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
		return eris.Wrapf(err, "db: acquire advisory lock %d", key)
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "db: commit tx")
}

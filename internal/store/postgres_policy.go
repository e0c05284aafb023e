package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// ReserveCapacity relies on row locks taken by the conditional UPDATE, so
// concurrent reservations for the same period serialize on the counter rows.
func (s *PostgresStore) ReserveCapacity(ctx context.Context, period, sector string, maxPeriod, maxSector int) (bool, error) {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for _, c := range capacityChecks(sector, maxPeriod, maxSector) {
			if _, err := tx.Exec(ctx,
				`INSERT INTO policy_counters (period, scope, count) VALUES ($1, $2, 0) ON CONFLICT (period, scope) DO NOTHING`,
				period, c.scope); err != nil {
				return eris.Wrapf(err, "postgres: seed policy counter %s/%s", period, c.scope)
			}
			tag, err := tx.Exec(ctx,
				`UPDATE policy_counters SET count = count + 1 WHERE period = $1 AND scope = $2 AND count < $3`,
				period, c.scope, c.max)
			if err != nil {
				return eris.Wrapf(err, "postgres: increment policy counter %s/%s", period, c.scope)
			}
			if tag.RowsAffected() == 0 {
				return errCapReached
			}
		}
		return nil
	})
	if errors.Is(err, errCapReached) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) ReleaseCapacity(ctx context.Context, period, sector string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, scope := range releaseScopes(sector) {
			tag, err := tx.Exec(ctx,
				`UPDATE policy_counters SET count = count - 1 WHERE period = $1 AND scope = $2 AND count > 0`,
				period, scope)
			if err != nil {
				return eris.Wrapf(err, "postgres: release policy counter %s/%s", period, scope)
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
		}
		return nil
	})
}

func (s *PostgresStore) PolicyUsage(ctx context.Context, period string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT scope, count FROM policy_counters WHERE period = $1`, period)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: policy usage %s", period)
	}
	defer rows.Close()

	usage := make(map[string]int)
	for rows.Next() {
		var (
			scope string
			n     int
		)
		if err := rows.Scan(&scope, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan policy usage")
		}
		usage[scope] = n
	}
	return usage, eris.Wrap(rows.Err(), "postgres: policy usage iterate")
}

func (s *PostgresStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO job_leases (name, holder, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE job_leases.expires_at <= $4 OR job_leases.holder = excluded.holder`,
		name, holder, now.Add(ttl), now)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: acquire lease %s", name)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM job_leases WHERE name = $1 AND holder = $2`, name, holder)
	return eris.Wrapf(err, "postgres: release lease %s", name)
}

func (s *PostgresStore) StartJobRun(ctx context.Context, name string, at time.Time) (string, error) {
	id := uuid.New().String()
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO job_runs (id, name, status, started_at) VALUES ($1, $2, 'running', $3)`,
		id, name, at); err != nil {
		return "", eris.Wrapf(err, "postgres: start job run %s", name)
	}
	return id, nil
}

func (s *PostgresStore) FinishJobRun(ctx context.Context, id string, at time.Time, runErr error) error {
	status, msg := "complete", ""
	if runErr != nil {
		status, msg = "failed", runErr.Error()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_runs SET status = $1, error = $2, finished_at = $3 WHERE id = $4`,
		status, msg, at, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish job run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job run %s", id)
	}
	return nil
}

func (s *PostgresStore) LastJobSuccess(ctx context.Context, name string) (*time.Time, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(finished_at) FROM job_runs WHERE name = $1 AND status = 'complete'`, name).Scan(&last)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: last job success %s", name)
	}
	return last, nil
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

var errCapReached = errors.New("policy cap reached")

func (s *SQLiteStore) ReserveCapacity(ctx context.Context, period, sector string, maxPeriod, maxSector int) (bool, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range capacityChecks(sector, maxPeriod, maxSector) {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO policy_counters (period, scope, count) VALUES (?, ?, 0) ON CONFLICT (period, scope) DO NOTHING`,
				period, c.scope); err != nil {
				return eris.Wrapf(err, "sqlite: seed policy counter %s/%s", period, c.scope)
			}
			res, err := tx.ExecContext(ctx,
				`UPDATE policy_counters SET count = count + 1 WHERE period = ? AND scope = ? AND count < ?`,
				period, c.scope, c.max)
			if err != nil {
				return eris.Wrapf(err, "sqlite: increment policy counter %s/%s", period, c.scope)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return eris.Wrap(err, "sqlite: rows affected")
			}
			if n == 0 {
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

// ReleaseCapacity decrements the sector counter first; an empty sector
// counter leaves the period total alone.
func (s *SQLiteStore) ReleaseCapacity(ctx context.Context, period, sector string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, scope := range releaseScopes(sector) {
			res, err := tx.ExecContext(ctx,
				`UPDATE policy_counters SET count = count - 1 WHERE period = ? AND scope = ? AND count > 0`,
				period, scope)
			if err != nil {
				return eris.Wrapf(err, "sqlite: release policy counter %s/%s", period, scope)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return eris.Wrap(err, "sqlite: rows affected")
			}
			if n == 0 {
				return nil
			}
		}
		return nil
	})
}

// releaseScopes lists the counters a release touches, narrowest first.
func releaseScopes(sector string) []string {
	checks := capacityChecks(sector, 0, 0)
	scopes := make([]string, 0, len(checks))
	for i := len(checks) - 1; i >= 0; i-- {
		scopes = append(scopes, checks[i].scope)
	}
	return scopes
}

type capacityCheck struct {
	scope string
	max   int
}

// capacityChecks lists the counters a reservation touches. A cap of zero
// or less means the counter is unbounded.
func capacityChecks(sector string, maxPeriod, maxSector int) []capacityCheck {
	const unbounded = 1 << 30
	if maxPeriod <= 0 {
		maxPeriod = unbounded
	}
	if maxSector <= 0 {
		maxSector = unbounded
	}
	checks := []capacityCheck{{scope: TotalScope, max: maxPeriod}}
	if sector != "" {
		checks = append(checks, capacityCheck{scope: "sector:" + sector, max: maxSector})
	}
	return checks
}

func (s *SQLiteStore) PolicyUsage(ctx context.Context, period string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scope, count FROM policy_counters WHERE period = ?`, period)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: policy usage %s", period)
	}
	defer rows.Close()

	usage := make(map[string]int)
	for rows.Next() {
		var (
			scope string
			n     int
		)
		if err := rows.Scan(&scope, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan policy usage")
		}
		usage[scope] = n
	}
	return usage, eris.Wrap(rows.Err(), "sqlite: policy usage iterate")
}

func (s *SQLiteStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_leases (name, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE job_leases.expires_at <= ? OR job_leases.holder = excluded.holder`,
		name, holder, encodeTime(now.Add(ttl)), encodeTime(now))
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: acquire lease %s", name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_leases WHERE name = ? AND holder = ?`, name, holder)
	return eris.Wrapf(err, "sqlite: release lease %s", name)
}

func (s *SQLiteStore) StartJobRun(ctx context.Context, name string, at time.Time) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs (id, name, status, started_at) VALUES (?, ?, 'running', ?)`,
		id, name, encodeTime(at))
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: start job run %s", name)
	}
	return id, nil
}

func (s *SQLiteStore) FinishJobRun(ctx context.Context, id string, at time.Time, runErr error) error {
	status, msg := "complete", ""
	if runErr != nil {
		status, msg = "failed", runErr.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, msg, encodeTime(at), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish job run %s", id)
	}
	return checkRowsAffected(res, "job run", id)
}

func (s *SQLiteStore) LastJobSuccess(ctx context.Context, name string) (*time.Time, error) {
	var last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(finished_at) FROM job_runs WHERE name = ? AND status = 'complete'`, name).Scan(&last)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: last job success %s", name)
	}
	return decodeTimePtr(last)
}

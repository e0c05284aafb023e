package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decision-engine/internal/model"
)

func (s *SQLiteStore) QuarantineHoldout(ctx context.Context, window string, entityIDs []string, at time.Time) (int, error) {
	added := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range entityIDs {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO backtest_holdout (holdout_window, entity_id, created_at) VALUES (?, ?, ?)
				 ON CONFLICT (holdout_window, entity_id) DO NOTHING`,
				window, id, encodeTime(at))
			if err != nil {
				return eris.Wrapf(err, "sqlite: quarantine %s in %s", id, window)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return eris.Wrap(err, "sqlite: quarantine rows affected")
			}
			added += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

func (s *SQLiteStore) HoldoutEntities(ctx context.Context, window string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id FROM backtest_holdout WHERE holdout_window = ? ORDER BY entity_id`, window)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: holdout entities %s", window)
	}
	defer rows.Close() //nolint:errcheck

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan holdout entity")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: holdout entities iterate")
}

func (s *SQLiteStore) HoldoutWindows(ctx context.Context) ([]model.HoldoutWindow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT holdout_window, COUNT(*), MIN(created_at) FROM backtest_holdout
		 GROUP BY holdout_window ORDER BY holdout_window`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: holdout windows")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.HoldoutWindow
	for rows.Next() {
		var (
			w       model.HoldoutWindow
			created string
		)
		if err := rows.Scan(&w.Window, &w.Entities, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan holdout window")
		}
		if w.CreatedAt, err = decodeTime(created); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: holdout windows iterate")
}

func (s *SQLiteStore) AppendBacktestRun(ctx context.Context, r *model.BacktestRun) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal backtest run")
	}
	passed := 0
	if r.Passed {
		passed = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO backtest_runs (id, artifact_id, model_type, cohort, passed, payload, run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ArtifactID, string(r.ModelType), r.Cohort.Key(), passed, string(payload), encodeTime(r.RunAt))
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrConflict, "sqlite: backtest run %s", r.ID)
	}
	return eris.Wrapf(err, "sqlite: insert backtest run %s", r.ID)
}

func (s *SQLiteStore) GetBacktestRun(ctx context.Context, id string) (*model.BacktestRun, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM backtest_runs WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "backtest run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get backtest run %s", id)
	}
	var r model.BacktestRun
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal backtest run")
	}
	return &r, nil
}

func (s *SQLiteStore) ListBacktestRuns(ctx context.Context, mt model.ModelType, passingOnly bool, limit int) ([]model.BacktestRun, error) {
	query := `SELECT payload FROM backtest_runs WHERE 1 = 1`
	var args []any
	if mt != "" {
		query += ` AND model_type = ?`
		args = append(args, string(mt))
	}
	if passingOnly {
		query += ` AND passed = 1`
	}
	query += ` ORDER BY run_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list backtest runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.BacktestRun
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan backtest run")
		}
		var r model.BacktestRun
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal backtest run")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list backtest runs iterate")
}

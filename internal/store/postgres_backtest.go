package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/decision-engine/internal/db"
	"github.com/sells-group/decision-engine/internal/model"
)

func (s *PostgresStore) QuarantineHoldout(ctx context.Context, window string, entityIDs []string, at time.Time) (int, error) {
	if len(entityIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO backtest_holdout (holdout_window, entity_id, created_at)
		 SELECT $1, id, $3 FROM unnest($2::text[]) AS id
		 ON CONFLICT (holdout_window, entity_id) DO NOTHING`,
		window, entityIDs, at)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: quarantine holdout %s", window)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) HoldoutEntities(ctx context.Context, window string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id FROM backtest_holdout WHERE holdout_window = $1 ORDER BY entity_id`, window)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: holdout entities %s", window)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan holdout entity")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "postgres: holdout entities iterate")
}

func (s *PostgresStore) HoldoutWindows(ctx context.Context) ([]model.HoldoutWindow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT holdout_window, COUNT(*), MIN(created_at) FROM backtest_holdout
		 GROUP BY holdout_window ORDER BY holdout_window`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: holdout windows")
	}
	defer rows.Close()

	var out []model.HoldoutWindow
	for rows.Next() {
		var w model.HoldoutWindow
		if err := rows.Scan(&w.Window, &w.Entities, &w.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan holdout window")
		}
		out = append(out, w)
	}
	return out, eris.Wrap(rows.Err(), "postgres: holdout windows iterate")
}

func (s *PostgresStore) AppendBacktestRun(ctx context.Context, r *model.BacktestRun) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal backtest run")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO backtest_runs (id, artifact_id, model_type, cohort, passed, payload, run_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.ArtifactID, string(r.ModelType), r.Cohort.Key(), r.Passed, payload, r.RunAt)
	if db.IsUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "postgres: backtest run %s", r.ID)
	}
	return eris.Wrapf(err, "postgres: insert backtest run %s", r.ID)
}

func (s *PostgresStore) GetBacktestRun(ctx context.Context, id string) (*model.BacktestRun, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM backtest_runs WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "backtest run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get backtest run %s", id)
	}
	var r model.BacktestRun
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal backtest run")
	}
	return &r, nil
}

func (s *PostgresStore) ListBacktestRuns(ctx context.Context, mt model.ModelType, passingOnly bool, limit int) ([]model.BacktestRun, error) {
	query := `SELECT payload FROM backtest_runs WHERE TRUE`
	var args []any
	if mt != "" {
		args = append(args, string(mt))
		query += fmt.Sprintf(` AND model_type = $%d`, len(args))
	}
	if passingOnly {
		query += ` AND passed`
	}
	query += ` ORDER BY run_at DESC, id`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list backtest runs")
	}
	defer rows.Close()

	var out []model.BacktestRun
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan backtest run")
		}
		var r model.BacktestRun
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal backtest run")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list backtest runs iterate")
}

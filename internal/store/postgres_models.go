package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/decision-engine/internal/db"
	"github.com/sells-group/decision-engine/internal/model"
)

const pgArtifactColumns = `payload, release_status, released_at, retired_at`

func (s *PostgresStore) SaveArtifact(ctx context.Context, a *model.ModelArtifact) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal artifact")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO model_artifacts (id, cohort, model_type, version, release_status, payload, trained_at, released_at, retired_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.Cohort.Key(), string(a.ModelType), a.Version, string(a.ReleaseStatus), payload,
		a.TrainedAt, a.ReleasedAt, a.RetiredAt,
	)
	if db.IsUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "postgres: artifact %s v%d", a.Cohort.Key(), a.Version)
	}
	return eris.Wrapf(err, "postgres: insert artifact %s", a.ID)
}

func (s *PostgresStore) GetArtifact(ctx context.Context, id string) (*model.ModelArtifact, error) {
	a, err := scanPgArtifact(s.pool.QueryRow(ctx,
		`SELECT `+pgArtifactColumns+` FROM model_artifacts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "artifact %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get artifact %s", id)
	}
	return a, nil
}

func (s *PostgresStore) ReleasedArtifact(ctx context.Context, cohort model.Cohort, mt model.ModelType) (*model.ModelArtifact, error) {
	a, err := scanPgArtifact(s.pool.QueryRow(ctx,
		`SELECT `+pgArtifactColumns+` FROM model_artifacts
		 WHERE cohort = $1 AND model_type = $2 AND release_status = 'released'`,
		cohort.Key(), string(mt)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: released artifact %s/%s", cohort.Key(), mt)
	}
	return a, nil
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, status model.ReleaseStatus) ([]model.ModelArtifact, error) {
	query := `SELECT ` + pgArtifactColumns + ` FROM model_artifacts`
	var args []any
	if status != "" {
		query += ` WHERE release_status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY cohort, model_type, version`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list artifacts")
	}
	defer rows.Close()

	var out []model.ModelArtifact
	for rows.Next() {
		a, err := scanPgArtifact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan artifact")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list artifacts iterate")
}

func (s *PostgresStore) NextArtifactVersion(ctx context.Context, cohort model.Cohort, mt model.ModelType) (int, error) {
	var v int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM model_artifacts WHERE cohort = $1 AND model_type = $2`,
		cohort.Key(), string(mt)).Scan(&v)
	return v, eris.Wrapf(err, "postgres: next artifact version %s/%s", cohort.Key(), mt)
}

func (s *PostgresStore) PromoteArtifact(ctx context.Context, id string, at time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var cohort, mt, status string
		err := tx.QueryRow(ctx,
			`SELECT cohort, model_type, release_status FROM model_artifacts WHERE id = $1 FOR UPDATE`, id).
			Scan(&cohort, &mt, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "artifact %s", id)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: load artifact %s", id)
		}
		if model.ReleaseStatus(status) != model.StatusCandidate {
			return eris.Wrapf(ErrNotCandidate, "artifact %s is %s", id, status)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE model_artifacts SET release_status = 'retired', retired_at = $1
			 WHERE cohort = $2 AND model_type = $3 AND release_status = 'released'`,
			at, cohort, mt); err != nil {
			return eris.Wrapf(err, "postgres: retire released %s/%s", cohort, mt)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE model_artifacts SET release_status = 'released', released_at = $1 WHERE id = $2`,
			at, id); err != nil {
			return eris.Wrapf(err, "postgres: release artifact %s", id)
		}
		return nil
	})
}

func scanPgArtifact(row pgx.Row) (*model.ModelArtifact, error) {
	var (
		payload           []byte
		status            string
		released, retired *time.Time
	)
	if err := row.Scan(&payload, &status, &released, &retired); err != nil {
		return nil, err
	}
	var a model.ModelArtifact
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal artifact")
	}
	a.ReleaseStatus = model.ReleaseStatus(status)
	a.ReleasedAt = released
	a.RetiredAt = retired
	return &a, nil
}

func (s *PostgresStore) AppendCalibration(ctx context.Context, r *model.CalibrationRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO calibration_records (id, artifact_id, cohort, model_type, measured_at, sample_size, ece, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.ArtifactID, r.Cohort.Key(), string(r.ModelType), r.MeasuredAt, r.SampleSize, r.ECE, string(r.Status),
	)
	return eris.Wrapf(err, "postgres: insert calibration record for %s", r.ArtifactID)
}

func (s *PostgresStore) LatestCalibration(ctx context.Context, artifactID string) (*model.CalibrationRecord, error) {
	recs, err := s.ListCalibrations(ctx, artifactID, 1)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (s *PostgresStore) ListCalibrations(ctx context.Context, artifactID string, limit int) ([]model.CalibrationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, artifact_id, cohort, model_type, measured_at, sample_size, ece, status
		 FROM calibration_records WHERE artifact_id = $1 ORDER BY measured_at DESC LIMIT $2`,
		artifactID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list calibrations")
	}
	defer rows.Close()

	var out []model.CalibrationRecord
	for rows.Next() {
		var (
			r                  model.CalibrationRecord
			cohort, mt, status string
		)
		if err := rows.Scan(&r.ID, &r.ArtifactID, &cohort, &mt, &r.MeasuredAt, &r.SampleSize, &r.ECE, &status); err != nil {
			return nil, eris.Wrap(err, "postgres: scan calibration")
		}
		r.Cohort = model.ParseCohort(cohort)
		r.ModelType = model.ModelType(mt)
		r.Status = model.HealthStatus(status)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list calibrations iterate")
}

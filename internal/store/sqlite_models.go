package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decision-engine/internal/model"
)

func (s *SQLiteStore) SaveArtifact(ctx context.Context, a *model.ModelArtifact) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal artifact")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO model_artifacts (id, cohort, model_type, version, release_status, payload, trained_at, released_at, retired_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Cohort.Key(), string(a.ModelType), a.Version, string(a.ReleaseStatus), string(payload),
		encodeTime(a.TrainedAt), encodeTimePtr(a.ReleasedAt), encodeTimePtr(a.RetiredAt),
	)
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrConflict, "sqlite: artifact %s v%d", a.Cohort.Key(), a.Version)
	}
	return eris.Wrapf(err, "sqlite: insert artifact %s", a.ID)
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (*model.ModelArtifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteArtifactColumns+` FROM model_artifacts WHERE id = ?`, id)
	a, err := scanSQLiteArtifact(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "artifact %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get artifact %s", id)
	}
	return a, nil
}

func (s *SQLiteStore) ReleasedArtifact(ctx context.Context, cohort model.Cohort, mt model.ModelType) (*model.ModelArtifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteArtifactColumns+` FROM model_artifacts
		 WHERE cohort = ? AND model_type = ? AND release_status = 'released'`,
		cohort.Key(), string(mt))
	a, err := scanSQLiteArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: released artifact %s/%s", cohort.Key(), mt)
	}
	return a, nil
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, status model.ReleaseStatus) ([]model.ModelArtifact, error) {
	query := `SELECT ` + sqliteArtifactColumns + ` FROM model_artifacts`
	var args []any
	if status != "" {
		query += ` WHERE release_status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY cohort, model_type, version`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list artifacts")
	}
	defer rows.Close()

	var out []model.ModelArtifact
	for rows.Next() {
		a, err := scanSQLiteArtifact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan artifact")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list artifacts iterate")
}

func (s *SQLiteStore) NextArtifactVersion(ctx context.Context, cohort model.Cohort, mt model.ModelType) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM model_artifacts WHERE cohort = ? AND model_type = ?`,
		cohort.Key(), string(mt)).Scan(&v)
	return v, eris.Wrapf(err, "sqlite: next artifact version %s/%s", cohort.Key(), mt)
}

func (s *SQLiteStore) PromoteArtifact(ctx context.Context, id string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var cohort, mt, status string
		err := tx.QueryRowContext(ctx,
			`SELECT cohort, model_type, release_status FROM model_artifacts WHERE id = ?`, id).
			Scan(&cohort, &mt, &status)
		if err == sql.ErrNoRows {
			return eris.Wrapf(ErrNotFound, "artifact %s", id)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: load artifact %s", id)
		}
		if model.ReleaseStatus(status) != model.StatusCandidate {
			return eris.Wrapf(ErrNotCandidate, "artifact %s is %s", id, status)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE model_artifacts SET release_status = 'retired', retired_at = ?
			 WHERE cohort = ? AND model_type = ? AND release_status = 'released'`,
			encodeTime(at), cohort, mt); err != nil {
			return eris.Wrapf(err, "sqlite: retire released %s/%s", cohort, mt)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE model_artifacts SET release_status = 'released', released_at = ? WHERE id = ?`,
			encodeTime(at), id); err != nil {
			return eris.Wrapf(err, "sqlite: release artifact %s", id)
		}
		return nil
	})
}

const sqliteArtifactColumns = `payload, release_status, released_at, retired_at`

// scanSQLiteArtifact decodes the payload and overlays the lifecycle
// columns, which are the source of truth for release status.
func scanSQLiteArtifact(row scannable) (*model.ModelArtifact, error) {
	var (
		payload, status   string
		released, retired sql.NullString
	)
	if err := row.Scan(&payload, &status, &released, &retired); err != nil {
		return nil, err
	}
	var a model.ModelArtifact
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal artifact")
	}
	a.ReleaseStatus = model.ReleaseStatus(status)
	var err error
	if a.ReleasedAt, err = decodeTimePtr(released); err != nil {
		return nil, err
	}
	if a.RetiredAt, err = decodeTimePtr(retired); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) AppendCalibration(ctx context.Context, r *model.CalibrationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calibration_records (id, artifact_id, cohort, model_type, measured_at, sample_size, ece, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ArtifactID, r.Cohort.Key(), string(r.ModelType), encodeTime(r.MeasuredAt),
		r.SampleSize, r.ECE, string(r.Status),
	)
	return eris.Wrapf(err, "sqlite: insert calibration record for %s", r.ArtifactID)
}

func (s *SQLiteStore) LatestCalibration(ctx context.Context, artifactID string) (*model.CalibrationRecord, error) {
	recs, err := s.ListCalibrations(ctx, artifactID, 1)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (s *SQLiteStore) ListCalibrations(ctx context.Context, artifactID string, limit int) ([]model.CalibrationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, artifact_id, cohort, model_type, measured_at, sample_size, ece, status
		 FROM calibration_records WHERE artifact_id = ? ORDER BY measured_at DESC LIMIT ?`,
		artifactID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list calibrations")
	}
	defer rows.Close()

	var out []model.CalibrationRecord
	for rows.Next() {
		var (
			r                  model.CalibrationRecord
			cohort, mt, status string
			measured           string
		)
		if err := rows.Scan(&r.ID, &r.ArtifactID, &cohort, &mt, &measured, &r.SampleSize, &r.ECE, &status); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan calibration")
		}
		r.Cohort = model.ParseCohort(cohort)
		r.ModelType = model.ModelType(mt)
		r.Status = model.HealthStatus(status)
		if r.MeasuredAt, err = decodeTime(measured); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list calibrations iterate")
}

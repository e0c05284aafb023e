package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decision-engine/internal/model"
)

// gateState is the JSON shape of the gate/kill snapshot in the log.
type gateState struct {
	Gates []model.GateResult `json:"gates"`
	Kills []model.KillResult `json:"kills"`
}

func (s *SQLiteStore) RecordEvaluation(ctx context.Context, ev *model.Evaluation, entry *model.LogEntry) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal evaluation")
	}
	state, err := json.Marshal(gateState{Gates: entry.Gates, Kills: entry.Kills})
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal gate state")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO evaluations (id, entity_id, cohort, as_of, class, score, survival_artifact_id, progress_artifact_id, payload, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.EntityID, ev.Cohort.Key(), encodeTime(ev.AsOf), string(ev.Class), ev.Score,
			ev.SurvivalArtifactID, ev.ProgressArtifactID, string(payload), encodeTime(ev.CreatedAt))
		if isSQLiteUnique(err) {
			return eris.Wrapf(ErrConflict, "sqlite: evaluation %s exists", ev.ID)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert evaluation %s", ev.ID)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO recommendation_log (id, evaluation_id, entity_id, class, score, reason, gate_state, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.EvaluationID, entry.EntityID, string(entry.Class), entry.Score, entry.Reason,
			string(state), encodeTime(entry.CreatedAt))
		if isSQLiteUnique(err) {
			return eris.Wrapf(ErrConflict, "sqlite: log entry for %s exists", ev.ID)
		}
		return eris.Wrapf(err, "sqlite: insert log entry for %s", ev.ID)
	})
}

func (s *SQLiteStore) GetEvaluation(ctx context.Context, id string) (*model.Evaluation, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM evaluations WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "evaluation %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get evaluation %s", id)
	}
	var ev model.Evaluation
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal evaluation %s", id)
	}
	return &ev, nil
}

const sqliteLogQuery = `SELECT l.id, l.evaluation_id, l.entity_id, l.class, l.score, l.reason, l.gate_state, l.created_at,
	o.class, o.reason, o.actor, o.created_at,
	r.outcome, r.moic, r.milestone, r.observed_at, r.recorded_at
FROM recommendation_log l
LEFT JOIN recommendation_overrides o ON o.evaluation_id = l.evaluation_id
LEFT JOIN evaluation_outcomes r ON r.evaluation_id = l.evaluation_id`

func (s *SQLiteStore) GetLogEntry(ctx context.Context, evaluationID string) (*model.LogEntry, error) {
	row := s.db.QueryRowContext(ctx, sqliteLogQuery+` WHERE l.evaluation_id = ?`, evaluationID)
	e, err := scanSQLiteLogEntry(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "log entry %s", evaluationID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get log entry %s", evaluationID)
	}
	return e, nil
}

func (s *SQLiteStore) ListLogEntries(ctx context.Context, from, to time.Time) ([]model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		sqliteLogQuery+` WHERE l.created_at >= ? AND l.created_at < ? ORDER BY l.created_at`,
		encodeTime(from), encodeTime(to))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list log entries")
	}
	defer rows.Close()

	var out []model.LogEntry
	for rows.Next() {
		e, err := scanSQLiteLogEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan log entry")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list log entries iterate")
}

func scanSQLiteLogEntry(row scannable) (*model.LogEntry, error) {
	var (
		e                                 model.LogEntry
		class, state, created             string
		oClass, oReason, oActor, oCreated sql.NullString
		rOutcome, rObserved, rRecorded    sql.NullString
		rMOIC                             sql.NullFloat64
		rMilestone                        sql.NullBool
	)
	if err := row.Scan(&e.ID, &e.EvaluationID, &e.EntityID, &class, &e.Score, &e.Reason, &state, &created,
		&oClass, &oReason, &oActor, &oCreated,
		&rOutcome, &rMOIC, &rMilestone, &rObserved, &rRecorded); err != nil {
		return nil, err
	}
	e.Class = model.Class(class)

	var gs gateState
	if err := json.Unmarshal([]byte(state), &gs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal gate state")
	}
	e.Gates, e.Kills = gs.Gates, gs.Kills

	var err error
	if e.CreatedAt, err = decodeTime(created); err != nil {
		return nil, err
	}
	if oClass.Valid {
		o := &model.Override{Class: model.Class(oClass.String), Reason: oReason.String, Actor: oActor.String}
		if o.At, err = decodeTime(oCreated.String); err != nil {
			return nil, err
		}
		e.Override = o
	}
	if rOutcome.Valid {
		r := &model.RealizedOutcome{Outcome: model.Outcome(rOutcome.String)}
		if rMOIC.Valid {
			r.MOIC = &rMOIC.Float64
		}
		if rMilestone.Valid {
			r.Milestone = &rMilestone.Bool
		}
		if r.ObservedAt, err = decodeTime(rObserved.String); err != nil {
			return nil, err
		}
		if r.RecordedAt, err = decodeTime(rRecorded.String); err != nil {
			return nil, err
		}
		e.Outcome = r
	}
	return &e, nil
}

func (s *SQLiteStore) InsertOverride(ctx context.Context, evaluationID string, o model.Override) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recommendation_overrides (evaluation_id, class, reason, actor, created_at) VALUES (?, ?, ?, ?, ?)`,
		evaluationID, string(o.Class), o.Reason, o.Actor, encodeTime(o.At))
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrConflict, "sqlite: override for %s exists", evaluationID)
	}
	return eris.Wrapf(err, "sqlite: insert override for %s", evaluationID)
}

func (s *SQLiteStore) InsertOutcome(ctx context.Context, evaluationID string, o model.RealizedOutcome) error {
	var (
		moic      sql.NullFloat64
		milestone sql.NullBool
	)
	if o.MOIC != nil {
		moic = sql.NullFloat64{Float64: *o.MOIC, Valid: true}
	}
	if o.Milestone != nil {
		milestone = sql.NullBool{Bool: *o.Milestone, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evaluation_outcomes (evaluation_id, outcome, moic, milestone, observed_at, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		evaluationID, string(o.Outcome), moic, milestone, encodeTime(o.ObservedAt), encodeTime(o.RecordedAt))
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrConflict, "sqlite: outcome for %s exists", evaluationID)
	}
	return eris.Wrapf(err, "sqlite: insert outcome for %s", evaluationID)
}

func (s *SQLiteStore) ListResolvedEvaluations(ctx context.Context, artifactID string, since time.Time) ([]ResolvedEvaluation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.payload, r.outcome, r.moic, r.milestone, r.observed_at, r.recorded_at
		 FROM evaluations e JOIN evaluation_outcomes r ON r.evaluation_id = e.id
		 WHERE (e.survival_artifact_id = ? OR e.progress_artifact_id = ?) AND r.observed_at >= ?
		 ORDER BY e.created_at`,
		artifactID, artifactID, encodeTime(since))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list resolved evaluations")
	}
	defer rows.Close()

	var out []ResolvedEvaluation
	for rows.Next() {
		var (
			payload, outcome, observed, recorded string
			moic                                 sql.NullFloat64
			milestone                            sql.NullBool
		)
		if err := rows.Scan(&payload, &outcome, &moic, &milestone, &observed, &recorded); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan resolved evaluation")
		}
		var re ResolvedEvaluation
		if err := json.Unmarshal([]byte(payload), &re.Evaluation); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal evaluation")
		}
		re.Outcome.Outcome = model.Outcome(outcome)
		if moic.Valid {
			v := moic.Float64
			re.Outcome.MOIC = &v
		}
		if milestone.Valid {
			v := milestone.Bool
			re.Outcome.Milestone = &v
		}
		if re.Outcome.ObservedAt, err = decodeTime(observed); err != nil {
			return nil, err
		}
		if re.Outcome.RecordedAt, err = decodeTime(recorded); err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list resolved evaluations iterate")
}

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

func (s *PostgresStore) RecordEvaluation(ctx context.Context, ev *model.Evaluation, entry *model.LogEntry) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal evaluation")
	}
	state, err := json.Marshal(gateState{Gates: entry.Gates, Kills: entry.Kills})
	if err != nil {
		return eris.Wrap(err, "postgres: marshal gate state")
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO evaluations (id, entity_id, cohort, as_of, class, score, survival_artifact_id, progress_artifact_id, payload, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			ev.ID, ev.EntityID, ev.Cohort.Key(), ev.AsOf, string(ev.Class), ev.Score,
			ev.SurvivalArtifactID, ev.ProgressArtifactID, payload, ev.CreatedAt)
		if db.IsUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "postgres: evaluation %s exists", ev.ID)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: insert evaluation %s", ev.ID)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO recommendation_log (id, evaluation_id, entity_id, class, score, reason, gate_state, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			entry.ID, entry.EvaluationID, entry.EntityID, string(entry.Class), entry.Score, entry.Reason,
			state, entry.CreatedAt)
		if db.IsUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "postgres: log entry for %s exists", ev.ID)
		}
		return eris.Wrapf(err, "postgres: insert log entry for %s", ev.ID)
	})
}

func (s *PostgresStore) GetEvaluation(ctx context.Context, id string) (*model.Evaluation, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM evaluations WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "evaluation %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get evaluation %s", id)
	}
	var ev model.Evaluation
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal evaluation %s", id)
	}
	return &ev, nil
}

const pgLogQuery = `SELECT l.id, l.evaluation_id, l.entity_id, l.class, l.score, l.reason, l.gate_state, l.created_at,
	o.class, o.reason, o.actor, o.created_at,
	r.outcome, r.moic, r.milestone, r.observed_at, r.recorded_at
FROM recommendation_log l
LEFT JOIN recommendation_overrides o ON o.evaluation_id = l.evaluation_id
LEFT JOIN evaluation_outcomes r ON r.evaluation_id = l.evaluation_id`

func (s *PostgresStore) GetLogEntry(ctx context.Context, evaluationID string) (*model.LogEntry, error) {
	e, err := scanPgLogEntry(s.pool.QueryRow(ctx, pgLogQuery+` WHERE l.evaluation_id = $1`, evaluationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "log entry %s", evaluationID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get log entry %s", evaluationID)
	}
	return e, nil
}

func (s *PostgresStore) ListLogEntries(ctx context.Context, from, to time.Time) ([]model.LogEntry, error) {
	rows, err := s.pool.Query(ctx,
		pgLogQuery+` WHERE l.created_at >= $1 AND l.created_at < $2 ORDER BY l.created_at`, from, to)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list log entries")
	}
	defer rows.Close()

	var out []model.LogEntry
	for rows.Next() {
		e, err := scanPgLogEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan log entry")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list log entries iterate")
}

func scanPgLogEntry(row pgx.Row) (*model.LogEntry, error) {
	var (
		e                       model.LogEntry
		class                   string
		state                   []byte
		oClass, oReason, oActor *string
		oCreated                *time.Time
		rOutcome                *string
		rMOIC                   *float64
		rMilestone              *bool
		rObserved, rRecorded    *time.Time
	)
	if err := row.Scan(&e.ID, &e.EvaluationID, &e.EntityID, &class, &e.Score, &e.Reason, &state, &e.CreatedAt,
		&oClass, &oReason, &oActor, &oCreated,
		&rOutcome, &rMOIC, &rMilestone, &rObserved, &rRecorded); err != nil {
		return nil, err
	}
	e.Class = model.Class(class)

	var gs gateState
	if err := json.Unmarshal(state, &gs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal gate state")
	}
	e.Gates, e.Kills = gs.Gates, gs.Kills

	if oClass != nil {
		o := &model.Override{Class: model.Class(*oClass)}
		if oReason != nil {
			o.Reason = *oReason
		}
		if oActor != nil {
			o.Actor = *oActor
		}
		if oCreated != nil {
			o.At = *oCreated
		}
		e.Override = o
	}
	if rOutcome != nil {
		r := &model.RealizedOutcome{Outcome: model.Outcome(*rOutcome), MOIC: rMOIC, Milestone: rMilestone}
		if rObserved != nil {
			r.ObservedAt = *rObserved
		}
		if rRecorded != nil {
			r.RecordedAt = *rRecorded
		}
		e.Outcome = r
	}
	return &e, nil
}

func (s *PostgresStore) InsertOverride(ctx context.Context, evaluationID string, o model.Override) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO recommendation_overrides (evaluation_id, class, reason, actor, created_at) VALUES ($1, $2, $3, $4, $5)`,
		evaluationID, string(o.Class), o.Reason, o.Actor, o.At)
	if db.IsUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "postgres: override for %s exists", evaluationID)
	}
	return eris.Wrapf(err, "postgres: insert override for %s", evaluationID)
}

func (s *PostgresStore) InsertOutcome(ctx context.Context, evaluationID string, o model.RealizedOutcome) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO evaluation_outcomes (evaluation_id, outcome, moic, milestone, observed_at, recorded_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		evaluationID, string(o.Outcome), o.MOIC, o.Milestone, o.ObservedAt, o.RecordedAt)
	if db.IsUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "postgres: outcome for %s exists", evaluationID)
	}
	return eris.Wrapf(err, "postgres: insert outcome for %s", evaluationID)
}

func (s *PostgresStore) ListResolvedEvaluations(ctx context.Context, artifactID string, since time.Time) ([]ResolvedEvaluation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT e.payload, r.outcome, r.moic, r.milestone, r.observed_at, r.recorded_at
		 FROM evaluations e JOIN evaluation_outcomes r ON r.evaluation_id = e.id
		 WHERE (e.survival_artifact_id = $1 OR e.progress_artifact_id = $1) AND r.observed_at >= $2
		 ORDER BY e.created_at`,
		artifactID, since)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list resolved evaluations")
	}
	defer rows.Close()

	var out []ResolvedEvaluation
	for rows.Next() {
		var (
			re      ResolvedEvaluation
			payload []byte
			outcome string
		)
		if err := rows.Scan(&payload, &outcome, &re.Outcome.MOIC, &re.Outcome.Milestone,
			&re.Outcome.ObservedAt, &re.Outcome.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan resolved evaluation")
		}
		if err := json.Unmarshal(payload, &re.Evaluation); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal evaluation")
		}
		re.Outcome.Outcome = model.Outcome(outcome)
		out = append(out, re)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list resolved evaluations iterate")
}

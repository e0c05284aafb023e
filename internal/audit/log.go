// Package audit is the append-only recommendation log: one entry per
// evaluation, at most one override and one realized outcome per entry.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/store"
)

var (
	// ErrReasonRequired is returned for an override without a reason.
	ErrReasonRequired = eris.New("audit: override reason is required")
	// ErrOverrideExists is returned for a second override of the same entry.
	ErrOverrideExists = eris.New("audit: entry already overridden")
	// ErrOutcomeAlreadySet is returned when attaching a second outcome.
	ErrOutcomeAlreadySet = eris.New("audit: outcome already attached")
	// ErrInvalidClass is returned for an override to an unknown class.
	ErrInvalidClass = eris.New("audit: invalid class")
)

// Log writes and reads the recommendation log.
type Log struct {
	st       store.EvaluationStore
	entities store.EntityStore
	now      func() time.Time
	log      *zap.Logger
}

// New creates a log. entities may be nil; reports then omit entity names.
func New(st store.EvaluationStore, entities store.EntityStore) *Log {
	return &Log{
		st:       st,
		entities: entities,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "audit")),
	}
}

// Record writes the evaluation and its single log entry in one transaction.
func (l *Log) Record(ctx context.Context, ev *model.Evaluation) (*model.LogEntry, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now().UTC()
	}
	if !ev.Class.Valid() {
		return nil, eris.Wrapf(ErrInvalidClass, "audit: evaluation %s has class %q", ev.ID, ev.Class)
	}

	entry := &model.LogEntry{
		ID:           uuid.NewString(),
		EvaluationID: ev.ID,
		EntityID:     ev.EntityID,
		Class:        ev.Class,
		Score:        ev.Score,
		Reason:       ev.Reason,
		Gates:        ev.Gates,
		Kills:        ev.Kills,
		CreatedAt:    ev.CreatedAt,
	}
	if err := l.st.RecordEvaluation(ctx, ev, entry); err != nil {
		return nil, eris.Wrapf(err, "audit: record %s", ev.ID)
	}

	l.log.Info("audit: recorded evaluation",
		zap.String("evaluation_id", ev.ID),
		zap.String("entity_id", ev.EntityID),
		zap.String("class", string(ev.Class)),
		zap.Float64("score", ev.Score),
	)
	return entry, nil
}

// Override records a human decision against an entry. The original class
// and score are untouched.
func (l *Log) Override(ctx context.Context, evalID string, class model.Class, reason, actor string) (*model.LogEntry, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	if !class.Valid() {
		return nil, eris.Wrapf(ErrInvalidClass, "audit: override to %q", class)
	}
	if _, err := l.st.GetLogEntry(ctx, evalID); err != nil {
		return nil, eris.Wrapf(err, "audit: override %s", evalID)
	}

	o := model.Override{Class: class, Reason: reason, Actor: actor, At: l.now().UTC()}
	if err := l.st.InsertOverride(ctx, evalID, o); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, eris.Wrapf(ErrOverrideExists, "audit: %s", evalID)
		}
		return nil, eris.Wrapf(err, "audit: override %s", evalID)
	}

	l.log.Info("audit: override recorded",
		zap.String("evaluation_id", evalID),
		zap.String("class", string(class)),
		zap.String("actor", actor),
	)
	return l.st.GetLogEntry(ctx, evalID)
}

// AttachOutcome attaches the realized outcome of an evaluation once.
func (l *Log) AttachOutcome(ctx context.Context, evalID string, o model.RealizedOutcome) (*model.LogEntry, error) {
	if !o.Outcome.Valid() {
		return nil, eris.Errorf("audit: unknown outcome %q", o.Outcome)
	}
	if o.ObservedAt.IsZero() {
		o.ObservedAt = l.now().UTC()
	}
	o.RecordedAt = l.now().UTC()

	if _, err := l.st.GetLogEntry(ctx, evalID); err != nil {
		return nil, eris.Wrapf(err, "audit: attach outcome %s", evalID)
	}
	if err := l.st.InsertOutcome(ctx, evalID, o); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, eris.Wrapf(ErrOutcomeAlreadySet, "audit: %s", evalID)
		}
		return nil, eris.Wrapf(err, "audit: attach outcome %s", evalID)
	}

	l.log.Info("audit: outcome attached",
		zap.String("evaluation_id", evalID),
		zap.String("outcome", string(o.Outcome)),
	)
	return l.st.GetLogEntry(ctx, evalID)
}

// Entry returns the log entry of an evaluation.
func (l *Log) Entry(ctx context.Context, evalID string) (*model.LogEntry, error) {
	e, err := l.st.GetLogEntry(ctx, evalID)
	if err != nil {
		return nil, eris.Wrapf(err, "audit: entry %s", evalID)
	}
	return e, nil
}

// Evaluation returns a recorded evaluation.
func (l *Log) Evaluation(ctx context.Context, evalID string) (*model.Evaluation, error) {
	ev, err := l.st.GetEvaluation(ctx, evalID)
	if err != nil {
		return nil, eris.Wrapf(err, "audit: evaluation %s", evalID)
	}
	return ev, nil
}

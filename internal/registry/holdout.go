package registry

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/store"
)

// Holdout manages quarantined test sets. Once an entity is quarantined in a
// window it stays there; training never sees it.
type Holdout struct {
	st  store.BacktestStore
	now func() time.Time
	log *zap.Logger
}

// NewHoldout creates a holdout manager.
func NewHoldout(st store.BacktestStore) *Holdout {
	return &Holdout{
		st:  st,
		now: time.Now,
		log: zap.L().With(zap.String("component", "holdout")),
	}
}

// Quarantine adds entities to window and returns how many were new.
func (h *Holdout) Quarantine(ctx context.Context, window string, entityIDs []string) (int, error) {
	if window == "" {
		return 0, eris.New("registry: holdout window is required")
	}
	n, err := h.st.QuarantineHoldout(ctx, window, entityIDs, h.now().UTC())
	if err != nil {
		return 0, eris.Wrapf(err, "registry: quarantine %s", window)
	}
	h.log.Info("registry: quarantined holdout entities",
		zap.String("window", window),
		zap.Int("requested", len(entityIDs)),
		zap.Int("added", n),
	)
	return n, nil
}

// Entities returns the entity IDs held out in window.
func (h *Holdout) Entities(ctx context.Context, window string) ([]string, error) {
	ids, err := h.st.HoldoutEntities(ctx, window)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: holdout %s", window)
	}
	return ids, nil
}

// IsHeldOut reports whether an entity is quarantined in window.
func (h *Holdout) IsHeldOut(ctx context.Context, window, entityID string) (bool, error) {
	ids, err := h.Entities(ctx, window)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == entityID {
			return true, nil
		}
	}
	return false, nil
}

// Filter drops held-out entities from ids, keeping order.
func (h *Holdout) Filter(ctx context.Context, window string, ids []string) ([]string, error) {
	held, err := h.Entities(ctx, window)
	if err != nil {
		return nil, err
	}
	skip := make(map[string]bool, len(held))
	for _, id := range held {
		skip[id] = true
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// Summary lists every holdout window with its size.
func (h *Holdout) Summary(ctx context.Context) ([]model.HoldoutWindow, error) {
	out, err := h.st.HoldoutWindows(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "registry: holdout summary")
	}
	return out, nil
}

// Package registry trains, versions and serves the per-cohort survival and
// progress models. Released artifacts are immutable; the only way to change
// a released model is to promote a new candidate over it.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/store"
)

var (
	// ErrReleasedImmutable is returned on any attempt to overwrite a released artifact.
	ErrReleasedImmutable = eris.New("registry: released artifacts are immutable")
	// ErrNoModel is returned when neither the cohort nor the pooled family has a released model.
	ErrNoModel = eris.New("registry: no released model")
	// ErrGateFailed is returned when promoting a candidate that did not clear the release gate.
	ErrGateFailed = eris.New("registry: candidate failed the release gate")
)

// Registry is the artifact catalogue.
type Registry struct {
	st     store.ArtifactStore
	floors ReleaseFloors
	now    func() time.Time
	log    *zap.Logger

	mu    sync.RWMutex
	cache map[string]*Predictor
}

// New creates a registry over the artifact store. Promote re-checks every
// candidate against floors.
func New(st store.ArtifactStore, floors ReleaseFloors) *Registry {
	return &Registry{
		st:     st,
		floors: floors,
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "registry")),
		cache:  make(map[string]*Predictor),
	}
}

// Save stores a new candidate. An artifact ID that already exists is never
// overwritten.
func (r *Registry) Save(ctx context.Context, a *model.ModelArtifact) error {
	if a.ReleaseStatus == "" {
		a.ReleaseStatus = model.StatusCandidate
	}
	if a.ReleaseStatus != model.StatusCandidate {
		return eris.Wrapf(ErrReleasedImmutable, "registry: save %s with status %s", a.ID, a.ReleaseStatus)
	}

	existing, err := r.st.GetArtifact(ctx, a.ID)
	switch {
	case err == nil && existing.ReleaseStatus != model.StatusCandidate:
		return eris.Wrapf(ErrReleasedImmutable, "registry: artifact %s is %s", a.ID, existing.ReleaseStatus)
	case err == nil:
		return eris.Wrapf(store.ErrConflict, "registry: artifact %s exists", a.ID)
	case !errors.Is(err, store.ErrNotFound):
		return eris.Wrapf(err, "registry: check artifact %s", a.ID)
	}

	if err := r.st.SaveArtifact(ctx, a); err != nil {
		return eris.Wrapf(err, "registry: save %s", a.ID)
	}
	r.log.Info("registry: saved candidate",
		zap.String("artifact_id", a.ID),
		zap.String("cohort", a.Cohort.Key()),
		zap.String("model_type", string(a.ModelType)),
		zap.Int("version", a.Version),
		zap.Bool("gate_passed", a.Metrics.GatePassed),
	)
	return nil
}

// Promote releases a candidate that clears the release gate and retires
// the model it replaces, atomically. The gate is evaluated here over the
// stored metrics; the artifact's own gate flag is not trusted.
func (r *Registry) Promote(ctx context.Context, id string) (*model.ModelArtifact, error) {
	a, err := r.st.GetArtifact(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: promote %s", id)
	}
	if a.ReleaseStatus != model.StatusCandidate {
		return nil, eris.Wrapf(ErrReleasedImmutable, "registry: artifact %s is %s", id, a.ReleaseStatus)
	}
	if passed, failures := CheckRelease(a.ModelType, a.Metrics, r.floors); !passed {
		r.log.Warn("registry: promotion refused",
			zap.String("artifact_id", id),
			zap.Strings("failures", failures),
		)
		return nil, eris.Wrapf(ErrGateFailed, "registry: %s %v", id, failures)
	}

	if err := r.st.PromoteArtifact(ctx, id, r.now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotCandidate) {
			return nil, eris.Wrapf(ErrReleasedImmutable, "registry: artifact %s", id)
		}
		return nil, eris.Wrapf(err, "registry: promote %s", id)
	}

	released, err := r.st.GetArtifact(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: reload %s", id)
	}
	r.log.Info("registry: released artifact",
		zap.String("artifact_id", id),
		zap.String("cohort", a.Cohort.Key()),
		zap.String("model_type", string(a.ModelType)),
		zap.Int("version", a.Version),
	)
	return released, nil
}

// Resolve returns a predictor for the released model of a cohort, falling
// back to the released pooled model. Predictors are cached by artifact ID.
func (r *Registry) Resolve(ctx context.Context, cohort model.Cohort, mt model.ModelType) (*Predictor, error) {
	a, err := r.st.ReleasedArtifact(ctx, cohort.Normalize(), mt)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: resolve %s/%s", cohort.Key(), mt)
	}
	if a == nil && !cohort.IsPooled() {
		a, err = r.st.ReleasedArtifact(ctx, model.PooledCohort, mt)
		if err != nil {
			return nil, eris.Wrapf(err, "registry: resolve pooled/%s", mt)
		}
		if a != nil && a.ConfidenceDowngrade < 1 {
			a.ConfidenceDowngrade = 1
		}
	}
	if a == nil {
		return nil, eris.Wrapf(ErrNoModel, "registry: %s/%s", cohort.Key(), mt)
	}

	r.mu.RLock()
	p, ok := r.cache[a.ID]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	p = NewPredictor(a)
	r.mu.Lock()
	if cached, ok := r.cache[a.ID]; ok {
		p = cached
	} else {
		r.cache[a.ID] = p
	}
	r.mu.Unlock()
	return p, nil
}

// Get returns one artifact.
func (r *Registry) Get(ctx context.Context, id string) (*model.ModelArtifact, error) {
	a, err := r.st.GetArtifact(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: get %s", id)
	}
	return a, nil
}

// List returns artifacts with the given status, or all when status is empty.
func (r *Registry) List(ctx context.Context, status model.ReleaseStatus) ([]model.ModelArtifact, error) {
	out, err := r.st.ListArtifacts(ctx, status)
	if err != nil {
		return nil, eris.Wrap(err, "registry: list")
	}
	return out, nil
}

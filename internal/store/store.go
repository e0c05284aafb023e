package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decision-engine/internal/model"
)

var (
	// ErrNotFound is returned by Get methods when the row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when an append would violate a uniqueness rule.
	ErrConflict = eris.New("store: conflict")
	// ErrNotCandidate is returned when promoting an artifact that is not a candidate.
	ErrNotCandidate = eris.New("store: artifact is not a candidate")
)

// EntityStore persists canonical entities and their source links.
type EntityStore interface {
	CreateEntity(ctx context.Context, e *model.CanonicalEntity) error
	UpdateEntity(ctx context.Context, e *model.CanonicalEntity) error
	GetEntity(ctx context.Context, id string) (*model.CanonicalEntity, error)
	// FindEntityByRegistryID returns nil, nil when nothing matches.
	FindEntityByRegistryID(ctx context.Context, registryID string) (*model.CanonicalEntity, error)
	FindEntitiesByName(ctx context.Context, normalizedName, country string) ([]model.CanonicalEntity, error)
	ListEntityCandidates(ctx context.Context, country string, limit int) ([]model.CanonicalEntity, error)

	// CreateLink returns ErrConflict when a non-rejected link already exists
	// for the same (source, source_id).
	CreateLink(ctx context.Context, l *model.EntityLink) error
	GetLink(ctx context.Context, id string) (*model.EntityLink, error)
	// FindActiveLink returns nil, nil when no non-rejected link exists.
	FindActiveLink(ctx context.Context, source, sourceID string) (*model.EntityLink, error)
	ReviewLink(ctx context.Context, id string, status model.ReviewStatus, reviewer, reason string, at time.Time) error
	ListLinks(ctx context.Context, status model.ReviewStatus) ([]model.EntityLink, error)
}

// FeatureStore is the append-only fact table.
type FeatureStore interface {
	// AppendFeatures writes all records or none. A record that repeats an
	// existing (entity, as_of, family, name) yields ErrConflict.
	AppendFeatures(ctx context.Context, recs []model.FeatureRecord) error
	// FeaturesAsOf returns the most recent record per (family, name) whose
	// as_of is not after asOf.
	FeaturesAsOf(ctx context.Context, entityID string, asOf time.Time) ([]model.FeatureRecord, error)
	// FeaturesKnownAt is FeaturesAsOf restricted to records written no later
	// than knownAt.
	FeaturesKnownAt(ctx context.Context, entityID string, asOf, knownAt time.Time) ([]model.FeatureRecord, error)
	FeatureHistory(ctx context.Context, entityID string, family model.Family, name string) ([]model.FeatureRecord, error)
	ListLabelRecords(ctx context.Context, name string) ([]model.FeatureRecord, error)
}

// ArtifactStore persists model artifacts. Artifacts are inserted once and
// only their release status moves forward.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, a *model.ModelArtifact) error
	GetArtifact(ctx context.Context, id string) (*model.ModelArtifact, error)
	// ReleasedArtifact returns nil, nil when the cohort has no released model.
	ReleasedArtifact(ctx context.Context, cohort model.Cohort, mt model.ModelType) (*model.ModelArtifact, error)
	ListArtifacts(ctx context.Context, status model.ReleaseStatus) ([]model.ModelArtifact, error)
	NextArtifactVersion(ctx context.Context, cohort model.Cohort, mt model.ModelType) (int, error)
	// PromoteArtifact retires the released artifact of the same cohort and
	// type and releases id in one transaction.
	PromoteArtifact(ctx context.Context, id string, at time.Time) error
}

// CalibrationStore persists append-only calibration records.
type CalibrationStore interface {
	AppendCalibration(ctx context.Context, r *model.CalibrationRecord) error
	// LatestCalibration returns nil, nil when the artifact was never measured.
	LatestCalibration(ctx context.Context, artifactID string) (*model.CalibrationRecord, error)
	ListCalibrations(ctx context.Context, artifactID string, limit int) ([]model.CalibrationRecord, error)
}

// ResolvedEvaluation pairs a past evaluation with its realized outcome.
type ResolvedEvaluation struct {
	Evaluation model.Evaluation
	Outcome    model.RealizedOutcome
}

// EvaluationStore persists evaluations and the recommendation log.
type EvaluationStore interface {
	// RecordEvaluation writes the evaluation and its log entry atomically.
	RecordEvaluation(ctx context.Context, ev *model.Evaluation, entry *model.LogEntry) error
	GetEvaluation(ctx context.Context, id string) (*model.Evaluation, error)
	GetLogEntry(ctx context.Context, evaluationID string) (*model.LogEntry, error)
	ListLogEntries(ctx context.Context, from, to time.Time) ([]model.LogEntry, error)
	// InsertOverride and InsertOutcome return ErrConflict when one exists.
	InsertOverride(ctx context.Context, evaluationID string, o model.Override) error
	InsertOutcome(ctx context.Context, evaluationID string, o model.RealizedOutcome) error
	ListResolvedEvaluations(ctx context.Context, artifactID string, since time.Time) ([]ResolvedEvaluation, error)
}

// PolicyStore holds the per-period policy counters.
type PolicyStore interface {
	// ReserveCapacity increments the period total and the sector counter only
	// when both are below their caps. It reports false when either is full.
	ReserveCapacity(ctx context.Context, period, sector string, maxPeriod, maxSector int) (bool, error)
	// ReleaseCapacity returns a reserved slot. Counters never go below zero.
	ReleaseCapacity(ctx context.Context, period, sector string) error
	PolicyUsage(ctx context.Context, period string) (map[string]int, error)
}

// JobStore holds scheduler leases and the job run log.
type JobStore interface {
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
	StartJobRun(ctx context.Context, name string, at time.Time) (string, error)
	FinishJobRun(ctx context.Context, id string, at time.Time, runErr error) error
	// LastJobSuccess returns nil, nil when the job never completed.
	LastJobSuccess(ctx context.Context, name string) (*time.Time, error)
}

// BacktestStore holds the quarantined holdout sets and the backtest run
// log. Both are append-only.
type BacktestStore interface {
	// QuarantineHoldout adds entities to a holdout window and returns how
	// many were new. Entities already in the window are left untouched.
	QuarantineHoldout(ctx context.Context, window string, entityIDs []string, at time.Time) (int, error)
	HoldoutEntities(ctx context.Context, window string) ([]string, error)
	HoldoutWindows(ctx context.Context) ([]model.HoldoutWindow, error)

	AppendBacktestRun(ctx context.Context, r *model.BacktestRun) error
	GetBacktestRun(ctx context.Context, id string) (*model.BacktestRun, error)
	// ListBacktestRuns returns the newest runs first. An empty model type
	// matches every type; limit <= 0 means no limit.
	ListBacktestRuns(ctx context.Context, mt model.ModelType, passingOnly bool, limit int) ([]model.BacktestRun, error)
}

// Store is the full persistence surface of the decision engine.
type Store interface {
	EntityStore
	FeatureStore
	ArtifactStore
	CalibrationStore
	EvaluationStore
	PolicyStore
	JobStore
	BacktestStore

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// TotalScope is the policy counter scope holding the period total.
const TotalScope = "*"

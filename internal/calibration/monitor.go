package calibration

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/store"
)

// Store is the persistence the monitor reads and appends to.
type Store interface {
	store.ArtifactStore
	store.CalibrationStore
	store.EvaluationStore
}

// MonitorConfig tunes the rolling calibration check.
type MonitorConfig struct {
	Window     time.Duration `yaml:"window" mapstructure:"window"`
	Bins       int           `yaml:"bins" mapstructure:"bins"`
	Thresholds Thresholds    `yaml:"thresholds" mapstructure:"thresholds"`
}

// DefaultMonitorConfig returns a one-year window over ten bins.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{Window: 365 * 24 * time.Hour, Bins: 10, Thresholds: DefaultThresholds()}
}

// Monitor measures released models against realized outcomes.
type Monitor struct {
	st  Store
	cfg MonitorConfig
	now func() time.Time
	log *zap.Logger

	// OnAlert, when set, receives every recalibrate or kill record.
	OnAlert func(model.CalibrationRecord)
}

// NewMonitor creates a calibration monitor.
func NewMonitor(st Store, cfg MonitorConfig) *Monitor {
	if cfg.Bins <= 0 {
		cfg.Bins = 10
	}
	return &Monitor{
		st:  st,
		cfg: cfg,
		now: time.Now,
		log: zap.L().With(zap.String("component", "calibration")),
	}
}

// RunOnce measures every released artifact and appends one record each.
func (m *Monitor) RunOnce(ctx context.Context) ([]model.CalibrationRecord, error) {
	released, err := m.st.ListArtifacts(ctx, model.StatusReleased)
	if err != nil {
		return nil, eris.Wrap(err, "calibration: list released artifacts")
	}

	now := m.now().UTC()
	since := now.Add(-m.cfg.Window)
	var out []model.CalibrationRecord
	for i := range released {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rec, err := m.measure(ctx, &released[i], since, now)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	m.log.Info("calibration: run complete", zap.Int("artifacts", len(out)))
	return out, nil
}

func (m *Monitor) measure(ctx context.Context, a *model.ModelArtifact, since, now time.Time) (model.CalibrationRecord, error) {
	resolved, err := m.st.ListResolvedEvaluations(ctx, a.ID, since)
	if err != nil {
		return model.CalibrationRecord{}, eris.Wrapf(err, "calibration: outcomes for %s", a.ID)
	}
	probs, labels := Pairs(a, resolved)
	ece := ECE(probs, labels, m.cfg.Bins)

	rec := model.CalibrationRecord{
		ID:         uuid.NewString(),
		ArtifactID: a.ID,
		Cohort:     a.Cohort,
		ModelType:  a.ModelType,
		MeasuredAt: now,
		SampleSize: len(probs),
		ECE:        ece,
		Status:     Assess(ece, len(probs), m.cfg.Thresholds),
	}
	if err := m.st.AppendCalibration(ctx, &rec); err != nil {
		return model.CalibrationRecord{}, eris.Wrapf(err, "calibration: append record for %s", a.ID)
	}

	fields := []zap.Field{
		zap.String("artifact_id", a.ID),
		zap.String("cohort", a.Cohort.Key()),
		zap.String("model_type", string(a.ModelType)),
		zap.Int("sample_size", rec.SampleSize),
		zap.Float64("ece", ece),
		zap.String("status", string(rec.Status)),
	}
	switch rec.Status {
	case model.HealthKill:
		m.log.Error("calibration: kill switch tripped", fields...)
	case model.HealthRecalibrate:
		m.log.Warn("calibration: recalibration needed", fields...)
	default:
		m.log.Debug("calibration: measured", fields...)
	}
	if rec.Status.Alerting() && m.OnAlert != nil {
		m.OnAlert(rec)
	}
	return rec, nil
}

// Health returns the latest record of an artifact, or nil if never measured.
func (m *Monitor) Health(ctx context.Context, artifactID string) (*model.CalibrationRecord, error) {
	rec, err := m.st.LatestCalibration(ctx, artifactID)
	if err != nil {
		return nil, eris.Wrapf(err, "calibration: health of %s", artifactID)
	}
	return rec, nil
}

// Pairs extracts (predicted vector, realized class) pairs for one artifact
// from resolved evaluations. Evaluations scored by another artifact or
// missing the relevant outcome are skipped.
func Pairs(a *model.ModelArtifact, resolved []store.ResolvedEvaluation) ([][]float64, []int) {
	var (
		probs  [][]float64
		labels []int
	)
	for _, r := range resolved {
		ev := r.Evaluation
		switch a.ModelType {
		case model.ModelSurvival:
			if ev.SurvivalArtifactID != a.ID || len(ev.Survival) == 0 {
				continue
			}
			label := -1
			p := make([]float64, len(model.SurvivalClasses))
			for i, c := range model.SurvivalClasses {
				p[i] = ev.Survival[c]
				if r.Outcome.Outcome == c {
					label = i
				}
			}
			if label < 0 {
				continue
			}
			probs = append(probs, p)
			labels = append(labels, label)
		case model.ModelProgress:
			if ev.ProgressArtifactID != a.ID || ev.Progress == nil || r.Outcome.Milestone == nil {
				continue
			}
			label := 0
			if *r.Outcome.Milestone {
				label = 1
			}
			probs = append(probs, []float64{1 - *ev.Progress, *ev.Progress})
			labels = append(labels, label)
		}
	}
	return probs, labels
}

package model

import "time"

// HealthStatus is the reliability verdict for a deployed model.
type HealthStatus string

const (
	HealthHealthy       HealthStatus = "healthy"
	HealthRecalibrate   HealthStatus = "recalibrate"
	HealthKill          HealthStatus = "kill"
	HealthLowConfidence HealthStatus = "low_confidence"
)

// Alerting reports whether the status should raise an automated alert.
func (h HealthStatus) Alerting() bool {
	return h == HealthRecalibrate || h == HealthKill
}

// CalibrationRecord is one append-only reliability measurement.
type CalibrationRecord struct {
	ID         string       `json:"id"`
	ArtifactID string       `json:"artifact_id"`
	Cohort     Cohort       `json:"cohort"`
	ModelType  ModelType    `json:"model_type"`
	MeasuredAt time.Time    `json:"measured_at"`
	SampleSize int          `json:"sample_size"`
	ECE        float64      `json:"ece"`
	Status     HealthStatus `json:"status"`
}

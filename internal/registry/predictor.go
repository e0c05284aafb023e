package registry

import (
	"github.com/sells-group/decision-engine/internal/calibration"
	"github.com/sells-group/decision-engine/internal/featurestore"
	"github.com/sells-group/decision-engine/internal/model"
)

// Predictor scores snapshots with one artifact.
type Predictor struct {
	Artifact *model.ModelArtifact
	vec      *Vectorizer
}

// NewPredictor wraps an artifact for scoring.
func NewPredictor(a *model.ModelArtifact) *Predictor {
	return &Predictor{Artifact: a, vec: VectorizerFor(a)}
}

// Raw returns the uncalibrated class probabilities.
func (p *Predictor) Raw(s *featurestore.Snapshot, cohort model.Cohort) []float64 {
	return softmax(p.Artifact.Weights, p.vec.Transform(s, cohort))
}

// Predict returns calibrated class probabilities in artifact class order.
func (p *Predictor) Predict(s *featurestore.Snapshot, cohort model.Cohort) []float64 {
	return calibration.Apply(p.Artifact.Calibration, p.Raw(s, cohort))
}

// Survival returns the calibrated outcome distribution of a survival model.
func (p *Predictor) Survival(s *featurestore.Snapshot, cohort model.Cohort) map[model.Outcome]float64 {
	probs := p.Predict(s, cohort)
	out := make(map[model.Outcome]float64, len(probs))
	for i, c := range p.Artifact.Classes {
		if i < len(probs) {
			out[model.Outcome(c)] = probs[i]
		}
	}
	return out
}

// Progress returns the calibrated milestone probability of a progress model.
func (p *Predictor) Progress(s *featurestore.Snapshot, cohort model.Cohort) float64 {
	probs := p.Predict(s, cohort)
	if len(probs) < 2 {
		return 0
	}
	return probs[1]
}

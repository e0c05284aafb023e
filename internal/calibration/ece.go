package calibration

import (
	"math"

	"github.com/sells-group/decision-engine/internal/model"
)

// Bin is one bucket of a reliability curve.
type Bin struct {
	Count      int     `json:"count"`
	Confidence float64 `json:"confidence"`
	Accuracy   float64 `json:"accuracy"`
}

// Reliability buckets scores into equal-width bins over [0, 1] and reports
// the mean score and hit rate of each.
func Reliability(scores []float64, hits []bool, bins int) []Bin {
	if bins <= 0 {
		bins = 10
	}
	out := make([]Bin, bins)
	for i, s := range scores {
		b := int(s * float64(bins))
		if b >= bins {
			b = bins - 1
		}
		if b < 0 {
			b = 0
		}
		out[b].Count++
		out[b].Confidence += s
		if hits[i] {
			out[b].Accuracy++
		}
	}
	for i := range out {
		if out[i].Count > 0 {
			out[i].Confidence /= float64(out[i].Count)
			out[i].Accuracy /= float64(out[i].Count)
		}
	}
	return out
}

// Monotonic reports whether hit rates never fall across non-empty bins.
func Monotonic(curve []Bin) bool {
	last := -1.0
	for _, b := range curve {
		if b.Count == 0 {
			continue
		}
		if b.Accuracy < last {
			return false
		}
		last = b.Accuracy
	}
	return true
}

// ECE is the expected calibration error of probability vectors against
// class labels. Two-class vectors use the positive-class probability;
// larger vectors use top-class confidence. Returns 0 with no samples.
func ECE(probs [][]float64, labels []int, bins int) float64 {
	scores, hits := confidences(probs, labels)
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, b := range Reliability(scores, hits, bins) {
		if b.Count == 0 {
			continue
		}
		sum += math.Abs(b.Accuracy-b.Confidence) * float64(b.Count)
	}
	return sum / float64(len(scores))
}

func confidences(probs [][]float64, labels []int) ([]float64, []bool) {
	scores := make([]float64, 0, len(probs))
	hits := make([]bool, 0, len(probs))
	for i, p := range probs {
		if i >= len(labels) || len(p) == 0 {
			continue
		}
		if len(p) == 2 {
			scores = append(scores, p[1])
			hits = append(hits, labels[i] == 1)
			continue
		}
		top := argmax(p)
		scores = append(scores, p[top])
		hits = append(hits, labels[i] == top)
	}
	return scores, hits
}

func argmax(p []float64) int {
	best := 0
	for i, v := range p {
		if v > p[best] {
			best = i
		}
	}
	return best
}

// Thresholds turn ECE into a health status.
type Thresholds struct {
	MinOutcomes int     `yaml:"min_outcomes" mapstructure:"min_outcomes"`
	Recalibrate float64 `yaml:"recalibrate" mapstructure:"recalibrate"`
	Kill        float64 `yaml:"kill" mapstructure:"kill"`
}

// DefaultThresholds returns the production health thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{MinOutcomes: 100, Recalibrate: 0.10, Kill: 0.15}
}

// Assess classifies a measured ECE. Below MinOutcomes the measurement is
// low_confidence regardless of value.
func Assess(ece float64, n int, th Thresholds) model.HealthStatus {
	switch {
	case n < th.MinOutcomes:
		return model.HealthLowConfidence
	case ece > th.Kill:
		return model.HealthKill
	case ece > th.Recalibrate:
		return model.HealthRecalibrate
	}
	return model.HealthHealthy
}

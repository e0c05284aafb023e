package gate

import (
	"fmt"
	"math"
	"strings"

	"github.com/sells-group/decision-engine/internal/model"
)

// Gate names in evaluation order.
const (
	GateRequiredSignals   = "required_signals"
	GateEntityMatch       = "entity_match"
	GateDataCompleteness  = "data_completeness"
	GateModelConfidence   = "model_confidence"
	GateReturnSpread      = "return_spread"
	GateCalibrationHealth = "calibration_health"
	GateEvidenceQuality   = "evidence_quality"
)

// Predicate is one abstention gate.
type Predicate func(c Context, t Thresholds) model.GateResult

// Ordered is the fixed gate order. Every gate runs; none short-circuits.
var Ordered = []struct {
	Name  string
	Check Predicate
}{
	{GateRequiredSignals, requiredSignals},
	{GateEntityMatch, entityMatch},
	{GateDataCompleteness, dataCompleteness},
	{GateModelConfidence, modelConfidence},
	{GateReturnSpread, returnSpread},
	{GateCalibrationHealth, calibrationHealth},
	{GateEvidenceQuality, evidenceQuality},
}

// Gates evaluates every gate in order.
func (e *Engine) Gates(c Context) []model.GateResult {
	out := make([]model.GateResult, 0, len(Ordered))
	for _, g := range Ordered {
		r := g.Check(c, e.cfg.Thresholds)
		r.Name = g.Name
		out = append(out, r)
	}
	return out
}

// Gate evaluates a single named gate.
func (e *Engine) Gate(name string, c Context) (model.GateResult, bool) {
	for _, g := range Ordered {
		if g.Name == name {
			r := g.Check(c, e.cfg.Thresholds)
			r.Name = name
			return r, true
		}
	}
	return model.GateResult{}, false
}

// atLeast passes when value >= threshold, marginally within margin above it.
func atLeast(value, threshold, margin float64, route model.Class, what string) model.GateResult {
	r := model.GateResult{Value: value, Threshold: threshold}
	switch {
	case math.IsNaN(value) || value < threshold:
		r.Status = model.GateFail
		r.Route = route
		r.Reason = fmt.Sprintf("%s %.2f below %.2f", what, value, threshold)
	case value < threshold*(1+margin):
		r.Status = model.GateMarginal
		r.Reason = fmt.Sprintf("%s %.2f within %.0f%% of %.2f", what, value, margin*100, threshold)
	default:
		r.Status = model.GatePass
	}
	return r
}

// below passes when value < limit (or <= limit when inclusive), marginally
// within margin under it.
func below(value, limit, margin float64, inclusive bool, route model.Class, what string) model.GateResult {
	r := model.GateResult{Value: value, Threshold: limit}
	over := value >= limit
	if inclusive {
		over = value > limit
	}
	switch {
	case math.IsNaN(value) || over:
		r.Status = model.GateFail
		r.Route = route
		r.Reason = fmt.Sprintf("%s %.2f exceeds %.2f", what, value, limit)
	case value > limit*(1-margin):
		r.Status = model.GateMarginal
		r.Reason = fmt.Sprintf("%s %.2f within %.0f%% of %.2f", what, value, margin*100, limit)
	default:
		r.Status = model.GatePass
	}
	return r
}

func requiredSignals(c Context, _ Thresholds) model.GateResult {
	r := model.GateResult{Value: float64(len(c.RequiredFailures)), Status: model.GatePass}
	if len(c.RequiredFailures) > 0 {
		r.Status = model.GateFail
		r.Route = model.ClassAbstain
		r.Reason = "required signal unavailable: " + strings.Join(c.RequiredFailures, ", ")
	}
	return r
}

func entityMatch(c Context, t Thresholds) model.GateResult {
	if c.LinkStatus == model.ReviewNeedsReview || c.LinkStatus == model.ReviewRejected {
		return model.GateResult{
			Status:    model.GateFail,
			Value:     c.EntityConfidence,
			Threshold: t.EntityConfidence,
			Route:     model.ClassManualReview,
			Reason:    fmt.Sprintf("entity link is %s", c.LinkStatus),
		}
	}
	return atLeast(c.EntityConfidence, t.EntityConfidence, t.MarginalMargin, model.ClassManualReview, "entity confidence")
}

func dataCompleteness(c Context, t Thresholds) model.GateResult {
	return atLeast(c.Completeness, t.Completeness(c.Mode), t.MarginalMargin, model.ClassAbstain, "completeness")
}

func modelConfidence(c Context, t Thresholds) model.GateResult {
	if len(c.Survival) == 0 {
		return model.GateResult{
			Status: model.GateFail, Value: 1, Threshold: t.MaxEntropy,
			Route: model.ClassAbstain, Reason: "no survival prediction",
		}
	}
	return below(c.Entropy, t.MaxEntropy, t.MarginalMargin, false, model.ClassAbstain, "normalized entropy")
}

func returnSpread(c Context, t Thresholds) model.GateResult {
	if c.Returns == nil {
		return model.GateResult{
			Status: model.GateFail, Threshold: t.MaxSpread,
			Route: model.ClassAbstain, Reason: "no return distribution",
		}
	}
	return below(c.Returns.Spread, t.MaxSpread, t.MarginalMargin, true, model.ClassAbstain, "P90/P10 spread")
}

func calibrationHealth(c Context, _ Thresholds) model.GateResult {
	r := model.GateResult{Value: c.CalibrationECE, Status: model.GatePass}
	switch c.Calibration {
	case model.HealthKill:
		r.Status = model.GateFail
		r.Route = model.ClassWatch
		r.Reason = fmt.Sprintf("cohort calibration kill-switch, ece %.3f", c.CalibrationECE)
	case model.HealthRecalibrate:
		r.Status = model.GateMarginal
		r.Reason = fmt.Sprintf("cohort needs recalibration, ece %.3f", c.CalibrationECE)
	case model.HealthLowConfidence:
		r.Reason = "calibration measured on too few outcomes"
	case "":
		r.Reason = "calibration not yet measured"
	}
	return r
}

func evidenceQuality(c Context, t Thresholds) model.GateResult {
	return atLeast(float64(c.Sources), float64(t.MinSources), t.MarginalMargin, model.ClassAbstain, "corroborating sources")
}

// Entropy returns the normalized Shannon entropy of a survival
// distribution: 0 for a certain prediction, 1 for a uniform one.
func Entropy(probs map[model.Outcome]float64) float64 {
	var h float64
	for _, c := range model.SurvivalClasses {
		if p := probs[c]; p > 0 {
			h -= p * math.Log(p)
		}
	}
	return h / math.Log(float64(len(model.SurvivalClasses)))
}

package gate

import (
	"fmt"

	"github.com/sells-group/decision-engine/internal/model"
)

// PolicyState is the portfolio policy view at classification time.
type PolicyState struct {
	// Exhausted is true when the period or sector Invest cap is reached.
	Exhausted bool
	Reason    string
}

// Input is everything Classify looks at.
type Input struct {
	Score  float64
	Gates  []model.GateResult
	Kills  []model.KillResult
	Policy PolicyState
}

// Decision is the classification outcome. Score includes kill adjustments;
// Underlying is the class before the policy overlay.
type Decision struct {
	Class        model.Class `json:"class"`
	Underlying   model.Class `json:"underlying"`
	Score        float64     `json:"score"`
	Reason       string      `json:"reason"`
	PolicyCapped bool        `json:"policy_capped"`
}

// Classify assigns the recommendation class. It is a pure function of its
// input. Precedence: compliance kill, identity gates, abstention gates,
// score bands, distress and governance caps, the calibration kill-switch
// cap, then the policy overlay. Caps only ever lower a positive class to
// Watch; a score in the Watch or Pass band keeps its class.
func (e *Engine) Classify(in Input) Decision {
	score := in.Score
	for _, k := range in.Kills {
		if k.Fired && k.Effect == model.EffectPenalty {
			score += k.Adjustment
		}
	}
	d := Decision{Score: score}

	for _, k := range in.Kills {
		if k.Fired && k.Effect == model.EffectForcePass {
			return d.final(model.ClassPass, fmt.Sprintf("kill %s: %s", k.Name, k.Reason))
		}
	}
	if g, ok := firstFailure(in.Gates, model.ClassManualReview); ok {
		return d.final(model.ClassManualReview, gateReason(g))
	}
	if g, ok := firstFailure(in.Gates, model.ClassAbstain, ""); ok {
		return d.final(model.ClassAbstain, gateReason(g))
	}
	marginal := ""
	for _, g := range in.Gates {
		if g.Status == model.GateMarginal {
			marginal = g.Name
			break
		}
	}

	b := e.cfg.Bands
	var (
		class  model.Class
		reason string
	)
	switch {
	case score >= b.Invest && marginal != "":
		class, reason = model.ClassDeepDiligence, fmt.Sprintf("score %.1f in invest band but gate %s is marginal", score, marginal)
	case score >= b.Invest:
		class, reason = model.ClassInvest, fmt.Sprintf("score %.1f at or above %.0f", score, b.Invest)
	case score >= b.DeepDiligence:
		class, reason = model.ClassDeepDiligence, fmt.Sprintf("score %.1f at or above %.0f", score, b.DeepDiligence)
	case score >= b.Watch:
		class, reason = model.ClassWatch, fmt.Sprintf("score %.1f at or above %.0f", score, b.Watch)
	default:
		class, reason = model.ClassPass, fmt.Sprintf("score %.1f below %.0f", score, b.Watch)
	}

	if class.Positive() {
		for _, k := range in.Kills {
			if k.Fired && (k.Effect == model.EffectDowngrade || k.Effect == model.EffectPenalty) {
				class = model.ClassWatch
				reason = fmt.Sprintf("capped at Watch by kill %s: %s", k.Name, k.Reason)
				break
			}
		}
	}
	if g, ok := firstFailure(in.Gates, model.ClassWatch); ok && class.Positive() {
		class, reason = model.ClassWatch, "capped at Watch by "+gateReason(g)
	}

	if class == model.ClassInvest && in.Policy.Exhausted {
		d.Class = model.ClassPolicyCapped
		d.Underlying = model.ClassInvest
		d.PolicyCapped = true
		d.Reason = "policy cap reached: " + in.Policy.Reason
		return d
	}
	return d.final(class, reason)
}

func (d Decision) final(c model.Class, reason string) Decision {
	d.Class = c
	d.Underlying = c
	d.Reason = reason
	return d
}

// firstFailure returns the first failed gate routed to any of routes.
func firstFailure(gates []model.GateResult, routes ...model.Class) (model.GateResult, bool) {
	for _, g := range gates {
		if !g.Failed() {
			continue
		}
		for _, r := range routes {
			if g.Route == r {
				return g, true
			}
		}
	}
	return model.GateResult{}, false
}

func gateReason(g model.GateResult) string {
	return fmt.Sprintf("gate %s: %s", g.Name, g.Reason)
}

// Package calibration fits probability calibration maps, measures expected
// calibration error and turns it into a model health verdict.
package calibration

import (
	"math"
	"sort"

	"github.com/sells-group/decision-engine/internal/model"
)

// Calibration methods recorded on a map.
const (
	MethodIdentity = "identity"
	MethodPlatt    = "platt"
	MethodIsotonic = "isotonic"
)

const probEps = 1e-6

// FitOptions controls method selection.
type FitOptions struct {
	// IsotonicMinSamples is the slice size above which a non-monotonic
	// reliability curve switches the fit to isotonic regression.
	IsotonicMinSamples int `yaml:"isotonic_min_samples" mapstructure:"isotonic_min_samples"`
	Bins               int `yaml:"bins" mapstructure:"bins"`
}

// DefaultFitOptions returns the production fit settings.
func DefaultFitOptions() FitOptions {
	return FitOptions{IsotonicMinSamples: 500, Bins: 10}
}

// Fit learns a calibration map from raw probability vectors and class
// labels. Binary vectors calibrate the positive class only; multiclass
// vectors are calibrated one-vs-rest and renormalized on Apply.
func Fit(probs [][]float64, labels []int, opts FitOptions) model.CalibrationMap {
	n := len(probs)
	if n == 0 || n != len(labels) {
		return model.CalibrationMap{Method: MethodIdentity}
	}
	if opts.Bins <= 0 {
		opts.Bins = 10
	}
	k := len(probs[0])

	classes := []int{1}
	if k > 2 {
		classes = make([]int, k)
		for c := range classes {
			classes[c] = c
		}
	}

	method := MethodPlatt
	if n > opts.IsotonicMinSamples {
		for _, c := range classes {
			scores, hits := oneVsRest(probs, labels, c)
			if !Monotonic(Reliability(scores, hits, opts.Bins)) {
				method = MethodIsotonic
				break
			}
		}
	}

	m := model.CalibrationMap{Method: method, SampleSize: n}
	for _, c := range classes {
		scores, hits := oneVsRest(probs, labels, c)
		if method == MethodIsotonic {
			x, y := fitIsotonic(scores, hits)
			m.Classes = append(m.Classes, model.ClassCalibration{X: x, Y: y})
			continue
		}
		a, b := fitPlatt(scores, hits)
		m.Classes = append(m.Classes, model.ClassCalibration{A: a, B: b})
	}
	return m
}

// Apply maps a raw probability vector through the calibration map. The
// result always sums to one.
func Apply(m model.CalibrationMap, probs []float64) []float64 {
	out := make([]float64, len(probs))
	copy(out, probs)
	if m.Method == "" || m.Method == MethodIdentity || len(m.Classes) == 0 {
		return normalize(out)
	}

	if len(probs) == 2 && len(m.Classes) == 1 {
		p := applyClass(m.Method, m.Classes[0], probs[1])
		out[0], out[1] = 1-p, p
		return out
	}
	for c := range out {
		if c < len(m.Classes) {
			out[c] = applyClass(m.Method, m.Classes[c], probs[c])
		}
	}
	return normalize(out)
}

func applyClass(method string, cc model.ClassCalibration, p float64) float64 {
	switch method {
	case MethodPlatt:
		return sigmoid(cc.A*logit(p) + cc.B)
	case MethodIsotonic:
		return interpolate(cc.X, cc.Y, p)
	}
	return p
}

func oneVsRest(probs [][]float64, labels []int, class int) ([]float64, []bool) {
	scores := make([]float64, len(probs))
	hits := make([]bool, len(probs))
	for i, p := range probs {
		if class < len(p) {
			scores[i] = p[class]
		}
		hits[i] = labels[i] == class
	}
	return scores, hits
}

// fitPlatt fits p' = sigmoid(a*logit(p) + b) by Newton's method on the
// smoothed targets. a is clamped at zero so the map never reverses order.
func fitPlatt(scores []float64, hits []bool) (float64, float64) {
	var pos, neg float64
	for _, h := range hits {
		if h {
			pos++
		} else {
			neg++
		}
	}
	hiT := (pos + 1) / (pos + 2)
	loT := 1 / (neg + 2)

	x := make([]float64, len(scores))
	t := make([]float64, len(scores))
	for i, s := range scores {
		x[i] = logit(s)
		if hits[i] {
			t[i] = hiT
		} else {
			t[i] = loT
		}
	}

	var mean, sq float64
	for _, v := range x {
		mean += v
	}
	mean /= float64(len(x))
	for _, v := range x {
		sq += (v - mean) * (v - mean)
	}
	if sq < 1e-12 {
		return 0, logit((pos + 1) / (pos + neg + 2))
	}

	a, b := 1.0, 0.0
	const ridge = 1e-9
	for iter := 0; iter < 100; iter++ {
		var ga, gb, haa, hab, hbb float64
		for i := range x {
			p := sigmoid(a*x[i] + b)
			d := p - t[i]
			w := p * (1 - p)
			ga += d * x[i]
			gb += d
			haa += w * x[i] * x[i]
			hab += w * x[i]
			hbb += w
		}
		haa += ridge
		hbb += ridge
		det := haa*hbb - hab*hab
		if math.Abs(det) < 1e-12 {
			break
		}
		da := (hbb*ga - hab*gb) / det
		db := (haa*gb - hab*ga) / det

		// Halve the Newton step until the loss stops increasing.
		base := plattLoss(x, t, a, b)
		step := 1.0
		for half := 0; half < 30; half++ {
			if plattLoss(x, t, a-step*da, b-step*db) <= base {
				break
			}
			step /= 2
		}
		a -= step * da
		b -= step * db
		if math.Abs(step*da) < 1e-10 && math.Abs(step*db) < 1e-10 {
			break
		}
	}
	if a < 0 || math.IsNaN(a) || math.IsNaN(b) {
		a = 0
		b = logit((pos + 1) / (pos + neg + 2))
	}
	return a, b
}

func plattLoss(x, t []float64, a, b float64) float64 {
	var loss float64
	for i := range x {
		p := math.Min(math.Max(sigmoid(a*x[i]+b), 1e-15), 1-1e-15)
		loss -= t[i]*math.Log(p) + (1-t[i])*math.Log(1-p)
	}
	return loss
}

// fitIsotonic runs pool-adjacent-violators and returns the block knots.
func fitIsotonic(scores []float64, hits []bool) ([]float64, []float64) {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return scores[idx[i]] < scores[idx[j]] })

	type block struct {
		sumX, sumY, w float64
	}
	var blocks []block
	for _, i := range idx {
		y := 0.0
		if hits[i] {
			y = 1
		}
		blocks = append(blocks, block{sumX: scores[i], sumY: y, w: 1})
		for len(blocks) > 1 {
			last, prev := blocks[len(blocks)-1], blocks[len(blocks)-2]
			if prev.sumY/prev.w <= last.sumY/last.w {
				break
			}
			blocks = blocks[:len(blocks)-2]
			blocks = append(blocks, block{sumX: prev.sumX + last.sumX, sumY: prev.sumY + last.sumY, w: prev.w + last.w})
		}
	}

	x := make([]float64, len(blocks))
	y := make([]float64, len(blocks))
	for i, b := range blocks {
		x[i] = b.sumX / b.w
		y[i] = b.sumY / b.w
	}
	return x, y
}

func interpolate(xs, ys []float64, p float64) float64 {
	if len(xs) == 0 {
		return p
	}
	if p <= xs[0] {
		return ys[0]
	}
	if p >= xs[len(xs)-1] {
		return ys[len(ys)-1]
	}
	i := sort.SearchFloat64s(xs, p)
	x0, x1 := xs[i-1], xs[i]
	if x1 == x0 {
		return ys[i]
	}
	f := (p - x0) / (x1 - x0)
	return ys[i-1] + f*(ys[i]-ys[i-1])
}

func normalize(p []float64) []float64 {
	var sum float64
	for i, v := range p {
		if v < 0 || math.IsNaN(v) {
			p[i] = 0
		}
		sum += p[i]
	}
	if sum <= 0 {
		for i := range p {
			p[i] = 1 / float64(len(p))
		}
		return p
	}
	for i := range p {
		p[i] /= sum
	}
	return p
}

func logit(p float64) float64 {
	p = math.Min(math.Max(p, probEps), 1-probEps)
	return math.Log(p / (1 - p))
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

package registry

import (
	"math"

	"github.com/sells-group/decision-engine/internal/model"
)

// classWeights returns n / (k * n_c) per class; absent classes get zero.
func classWeights(y []int, k int) []float64 {
	counts := make([]float64, k)
	for _, c := range y {
		counts[c]++
	}
	w := make([]float64, k)
	for c, n := range counts {
		if n > 0 {
			w[c] = float64(len(y)) / (float64(k) * n)
		}
	}
	return w
}

// trainSoftmax fits multinomial logistic regression by full-batch gradient
// descent from zero weights. The same inputs always give the same weights.
func trainSoftmax(x [][]float64, y []int, k int, hp model.Hyperparams) [][]float64 {
	if len(x) == 0 {
		return nil
	}
	d := len(x[0])
	w := make([][]float64, k)
	for c := range w {
		w[c] = make([]float64, d)
	}
	cw := classWeights(y, k)
	n := float64(len(x))
	grad := make([][]float64, k)
	for c := range grad {
		grad[c] = make([]float64, d)
	}

	for epoch := 0; epoch < hp.Epochs; epoch++ {
		for c := range grad {
			for j := range grad[c] {
				grad[c][j] = 0
			}
		}
		for i, xi := range x {
			p := softmax(w, xi)
			for c := 0; c < k; c++ {
				diff := p[c]
				if c == y[i] {
					diff--
				}
				diff *= cw[y[i]]
				for j, v := range xi {
					grad[c][j] += diff * v
				}
			}
		}
		for c := 0; c < k; c++ {
			for j := 0; j < d; j++ {
				g := grad[c][j] / n
				if j > 0 {
					g += hp.L2 * w[c][j]
				}
				w[c][j] -= hp.LearningRate * g
			}
		}
	}
	return w
}

// softmax returns the class probabilities of one encoded vector.
func softmax(w [][]float64, x []float64) []float64 {
	z := make([]float64, len(w))
	maxZ := math.Inf(-1)
	for c, wc := range w {
		var s float64
		for j, v := range x {
			if j < len(wc) {
				s += wc[j] * v
			}
		}
		z[c] = s
		if s > maxZ {
			maxZ = s
		}
	}
	var sum float64
	for c := range z {
		z[c] = math.Exp(z[c] - maxZ)
		sum += z[c]
	}
	for c := range z {
		z[c] /= sum
	}
	return z
}

package registry

import "sort"

// AUC is the probability that a random positive outranks a random
// negative, with ties counted half. It returns 0.5 when either class is
// absent.
func AUC(scores []float64, positive []bool) float64 {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return scores[idx[i]] < scores[idx[j]] })

	ranks := make([]float64, len(scores))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && scores[idx[j+1]] == scores[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for r := i; r <= j; r++ {
			ranks[idx[r]] = avg
		}
		i = j + 1
	}

	var nPos, nNeg, sumPos float64
	for i, p := range positive {
		if p {
			nPos++
			sumPos += ranks[i]
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return 0.5
	}
	return (sumPos - nPos*(nPos+1)/2) / (nPos * nNeg)
}

// MacroAUC averages one-vs-rest AUC over classes present in labels. For two
// classes it is the positive-class AUC.
func MacroAUC(probs [][]float64, labels []int, k int) float64 {
	if k == 2 {
		scores := make([]float64, len(probs))
		pos := make([]bool, len(probs))
		for i, p := range probs {
			scores[i], pos[i] = p[1], labels[i] == 1
		}
		return AUC(scores, pos)
	}
	var sum float64
	used := 0
	for c := 0; c < k; c++ {
		scores := make([]float64, len(probs))
		pos := make([]bool, len(probs))
		var hasPos, hasNeg bool
		for i, p := range probs {
			scores[i] = p[c]
			pos[i] = labels[i] == c
			hasPos = hasPos || pos[i]
			hasNeg = hasNeg || !pos[i]
		}
		if !hasPos || !hasNeg {
			continue
		}
		sum += AUC(scores, pos)
		used++
	}
	if used == 0 {
		return 0.5
	}
	return sum / float64(used)
}

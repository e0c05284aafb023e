package registry

// Split holds index ranges into chronologically ordered rows.
type Split struct {
	Train []int
	Val   []int
	Test  []int
}

func span(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

// ChronologicalSplit assigns the oldest trainFrac of n rows to training,
// the next valFrac to validation and the rest to test. Rows are never
// shuffled.
func ChronologicalSplit(n int, trainFrac, valFrac float64) Split {
	trainEnd := int(float64(n) * trainFrac)
	valEnd := int(float64(n) * (trainFrac + valFrac))
	if valEnd > n {
		valEnd = n
	}
	return Split{
		Train: span(0, trainEnd),
		Val:   span(trainEnd, valEnd),
		Test:  span(valEnd, n),
	}
}

// Window is one walk-forward fold: train on everything before Test.
type Window struct {
	Train []int
	Test  []int
}

// WalkForward splits n ordered rows into folds of expanding training
// windows, each tested on the following block. Folds with fewer than
// minTrain training rows are dropped.
func WalkForward(n, folds, minTrain int) []Window {
	if folds <= 0 || n == 0 {
		return nil
	}
	block := n / (folds + 1)
	if block == 0 {
		return nil
	}
	var out []Window
	for f := 1; f <= folds; f++ {
		trainEnd := f * block
		testEnd := trainEnd + block
		if f == folds {
			testEnd = n
		}
		if trainEnd < minTrain {
			continue
		}
		out = append(out, Window{Train: span(0, trainEnd), Test: span(trainEnd, testEnd)})
	}
	return out
}

package resolve

// LabeledPair is a hand-labeled (reference, reference) pair used to validate
// the matcher.
type LabeledPair struct {
	Left      string `json:"left"`
	Right     string `json:"right"`
	SameFirm  bool   `json:"same_firm"`
	Predicted bool   `json:"predicted"`
}

// Metrics summarize matcher quality over labeled pairs.
type Metrics struct {
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
	TrueNegatives  int     `json:"true_negatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
}

// Evaluate computes precision, recall and F1 of predicted matches.
func Evaluate(pairs []LabeledPair) Metrics {
	var m Metrics
	for _, p := range pairs {
		switch {
		case p.Predicted && p.SameFirm:
			m.TruePositives++
		case p.Predicted && !p.SameFirm:
			m.FalsePositives++
		case !p.Predicted && p.SameFirm:
			m.FalseNegatives++
		default:
			m.TrueNegatives++
		}
	}
	if d := m.TruePositives + m.FalsePositives; d > 0 {
		m.Precision = float64(m.TruePositives) / float64(d)
	}
	if d := m.TruePositives + m.FalseNegatives; d > 0 {
		m.Recall = float64(m.TruePositives) / float64(d)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

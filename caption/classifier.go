package caption

import "math"

// logGaussian returns the log density of x under N(mean, std^2).
// std must be positive; trained models floor it at MinStd.
func logGaussian(x, mean, std float64) float64 {
	z := (x - mean) / std
	return -0.5*z*z - math.Log(std) - 0.5*math.Log(2*math.Pi)
}

// Classify scores a feature vector against the model with naive Bayes:
// per-class log prior plus the sum of per-feature log densities. When the
// model carries Fisher importance, each feature's log density is scaled by
// its weight, so features that separate the classes dominate the score.
// Confidence is the winning class posterior, always in [0.5, 1].
func (m *Model) Classify(features FeatureVector) (Prediction, error) {
	if len(features) != m.NumFeatures {
		return Prediction{}, &DimensionError{Op: "classify", Want: m.NumFeatures, Got: len(features)}
	}

	weights := m.ImportanceWeights()

	logIn := math.Log(m.PriorIn)
	logOut := math.Log(m.PriorOut)
	for i := 0; i < m.NumFeatures; i++ {
		w := 1.0
		if weights != nil {
			w = weights[i]
			if w == 0 {
				continue
			}
		}
		logIn += w * logGaussian(features[i], m.InParams[i].Mean, m.InParams[i].Std)
		logOut += w * logGaussian(features[i], m.OutParams[i].Mean, m.OutParams[i].Std)
	}

	// Posterior computed against the winner so the exponent never overflows.
	label := LabelIn
	winner, loser := logIn, logOut
	if logOut > logIn {
		label = LabelOut
		winner, loser = logOut, logIn
	}
	confidence := 1.0 / (1.0 + math.Exp(loser-winner))

	return Prediction{Label: label, Confidence: confidence}, nil
}

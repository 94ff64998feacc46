package caption

import "math"

// ClassSamples collects the feature vectors of every annotation carrying one
// label. All vectors must have the same length as the engine's feature count.
type ClassSamples struct {
	Label    Label
	Features []FeatureVector
}

// Count returns the number of samples in the class.
func (s ClassSamples) Count() int {
	return len(s.Features)
}

// ClassMeans computes the per-feature mean of a class.
// Returns a zero vector for an empty class.
func ClassMeans(s ClassSamples, n int) []float64 {
	means := make([]float64, n)
	if s.Count() == 0 {
		return means
	}
	for _, f := range s.Features {
		for i := 0; i < n; i++ {
			means[i] += f[i]
		}
	}
	cnt := float64(s.Count())
	for i := range means {
		means[i] /= cnt
	}
	return means
}

// ClassCovariance computes the unbiased covariance matrix of a class
// (row-major n x n, normalized by count-1).
// Returns identity when the class has fewer than 2 samples, since covariance
// is undefined there and identity keeps Mahalanobis distances Euclidean.
func ClassCovariance(s ClassSamples, n int) []float64 {
	if s.Count() < 2 {
		return IdentityMatrix(n)
	}

	means := ClassMeans(s, n)
	cov := make([]float64, n*n)
	for _, f := range s.Features {
		for i := 0; i < n; i++ {
			di := f[i] - means[i]
			for j := i; j < n; j++ {
				cov[i*n+j] += di * (f[j] - means[j])
			}
		}
	}

	norm := 1.0 / float64(s.Count()-1)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := cov[i*n+j] * norm
			cov[i*n+j] = v
			cov[j*n+i] = v
		}
	}
	return cov
}

// PooledCovariance combines both class covariances weighted by class size:
// (nIn*covIn + nOut*covOut) / (nIn + nOut).
// Returns identity when the combined sample count is below 2.
func PooledCovariance(in, out ClassSamples, n int) []float64 {
	total := in.Count() + out.Count()
	if total < 2 {
		return IdentityMatrix(n)
	}

	covIn := ClassCovariance(in, n)
	covOut := ClassCovariance(out, n)
	wIn := float64(in.Count())
	wOut := float64(out.Count())

	pooled := make([]float64, n*n)
	for i := range pooled {
		pooled[i] = (wIn*covIn[i] + wOut*covOut[i]) / float64(total)
	}
	return pooled
}

// EstimateGaussians fits an independent normal distribution to each feature
// of a class. Standard deviations are floored at minStd so a feature that is
// constant in the training set cannot collapse to a zero-width distribution.
// With fewer than 2 samples the std is minStd and the mean is whatever the
// samples average to.
func EstimateGaussians(s ClassSamples, n int, minStd float64) []GaussianParams {
	params := make([]GaussianParams, n)
	means := ClassMeans(s, n)
	cnt := s.Count()

	for i := 0; i < n; i++ {
		std := minStd
		if cnt >= 2 {
			var ss float64
			for _, f := range s.Features {
				d := f[i] - means[i]
				ss += d * d
			}
			std = math.Sqrt(ss / float64(cnt-1))
			if std < minStd {
				std = minStd
			}
		}
		params[i] = GaussianParams{Mean: means[i], Std: std}
	}
	return params
}

// ComputeFeatureImportance ranks features by Fisher score:
// (meanIn - meanOut)^2 / (varIn + varOut).
// Weights normalize the raw scores against the maximum so the most
// class-separating feature gets weight 1.0 and the rest land in [0, 1].
func ComputeFeatureImportance(inParams, outParams []GaussianParams, names []string) []FisherScore {
	n := len(inParams)
	scores := make([]FisherScore, n)

	maxScore := 0.0
	for i := 0; i < n; i++ {
		d := inParams[i].Mean - outParams[i].Mean
		denom := inParams[i].Std*inParams[i].Std + outParams[i].Std*outParams[i].Std
		score := 0.0
		if denom > 0 {
			score = d * d / denom
		}
		name := ""
		if i < len(names) {
			name = names[i]
		}
		scores[i] = FisherScore{Index: i, Name: name, Score: score}
		if score > maxScore {
			maxScore = score
		}
	}

	if maxScore > 0 {
		for i := range scores {
			scores[i].Weight = scores[i].Score / maxScore
		}
	}
	return scores
}

package caption

import "math"

// IdentityMatrix returns the n x n identity matrix in row-major order.
func IdentityMatrix(n int) []float64 {
	m := make([]float64, n*n)
	for i := 0; i < n; i++ {
		m[i*n+i] = 1
	}
	return m
}

// Cholesky computes the lower-triangular factor L with A = L * L^T for a
// symmetric positive-definite matrix A (row-major n x n).
// Returns NotPositiveDefiniteError naming the failing row when A is not
// positive definite.
func Cholesky(a []float64, n int) ([]float64, error) {
	if len(a) != n*n {
		return nil, &DimensionError{Op: "cholesky", Want: n * n, Got: len(a)}
	}

	l := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := a[i*n+j]
			for k := 0; k < j; k++ {
				sum -= l[i*n+k] * l[j*n+k]
			}
			if i == j {
				if sum <= 0 {
					return nil, &NotPositiveDefiniteError{Row: i}
				}
				l[i*n+i] = math.Sqrt(sum)
			} else {
				l[i*n+j] = sum / l[j*n+j]
			}
		}
	}
	return l, nil
}

// InvertLowerTriangular inverts a lower-triangular matrix by forward
// substitution. An exact-zero pivot is replaced by 1.0 so a degenerate
// factor still yields a usable inverse; factors produced by Cholesky have
// strictly positive diagonals and never hit that path.
// The caller must pass a row-major n x n matrix.
func InvertLowerTriangular(l []float64, n int) []float64 {
	inv := make([]float64, n*n)
	for i := 0; i < n; i++ {
		pivot := l[i*n+i]
		if pivot == 0 {
			pivot = 1.0
		}
		inv[i*n+i] = 1.0 / pivot
		for j := 0; j < i; j++ {
			sum := 0.0
			for k := j; k < i; k++ {
				sum += l[i*n+k] * inv[k*n+j]
			}
			inv[i*n+j] = -sum / pivot
		}
	}
	return inv
}

// Inversion is the tagged result of a symmetric matrix inversion.
// Degraded marks the diagonal-only fallback used when full inversion was
// impossible; Reason records what went wrong.
type Inversion struct {
	Inverse  []float64 `json:"inverse"`
	Degraded bool      `json:"degraded"`
	Reason   string    `json:"reason,omitempty"`
}

// InvertSymmetric inverts a symmetric positive-definite matrix via Cholesky:
// A = L * L^T, so inv(A) = inv(L)^T * inv(L). When decomposition fails (near-collinear
// features make the covariance singular) the result degrades to inverting
// the diagonal alone, with non-positive diagonal entries inverting to 1.0.
// It never fails: similarity scoring stays available on degenerate inputs.
func InvertSymmetric(a []float64, n int) Inversion {
	if len(a) != n*n {
		return Inversion{
			Inverse:  IdentityMatrix(n),
			Degraded: true,
			Reason:   (&DimensionError{Op: "invert", Want: n * n, Got: len(a)}).Error(),
		}
	}

	l, err := Cholesky(a, n)
	if err != nil {
		inv := make([]float64, n*n)
		for i := 0; i < n; i++ {
			if d := a[i*n+i]; d > 0 {
				inv[i*n+i] = 1.0 / d
			} else {
				inv[i*n+i] = 1.0
			}
		}
		return Inversion{Inverse: inv, Degraded: true, Reason: err.Error()}
	}

	linv := InvertLowerTriangular(l, n)

	// inv(A)[i][j] = sum over k of inv(L)[k][i] * inv(L)[k][j]; inv(L) is
	// lower triangular so the sum starts at max(i, j), and the result is
	// symmetric.
	inv := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := 0.0
			for k := i; k < n; k++ {
				sum += linv[k*n+i] * linv[k*n+j]
			}
			inv[i*n+j] = sum
			inv[j*n+i] = sum
		}
	}
	return Inversion{Inverse: inv}
}

// Mahalanobis computes sqrt((x-y)^T * covInv * (x-y)) for two feature
// vectors of length n and a row-major n x n inverse covariance.
// The quadratic form is clamped at zero before the square root because a
// degraded inverse can push it slightly negative.
func Mahalanobis(x, y FeatureVector, covInv []float64, n int) (float64, error) {
	if len(x) != n {
		return 0, &DimensionError{Op: "mahalanobis x", Want: n, Got: len(x)}
	}
	if len(y) != n {
		return 0, &DimensionError{Op: "mahalanobis y", Want: n, Got: len(y)}
	}
	if len(covInv) != n*n {
		return 0, &DimensionError{Op: "mahalanobis covInv", Want: n * n, Got: len(covInv)}
	}

	diff := make([]float64, n)
	for i := 0; i < n; i++ {
		diff[i] = x[i] - y[i]
	}

	var d2 float64
	for i := 0; i < n; i++ {
		var row float64
		for j := 0; j < n; j++ {
			row += covInv[i*n+j] * diff[j]
		}
		d2 += diff[i] * row
	}

	if d2 < 0 {
		d2 = 0
	}
	return math.Sqrt(d2), nil
}

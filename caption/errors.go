package caption

import (
	"errors"
	"fmt"
)

// InsufficientDataError reports that training was skipped because the
// annotation set is too small. It is recoverable: the caller keeps serving
// the current model, or reverts to the seed model when StaleModel is set.
type InsufficientDataError struct {
	Total    int
	InCount  int
	OutCount int
	Required int

	// StaleModel is true when a non-seed model exists but the annotation set
	// has shrunk below the retrain threshold, so that model no longer
	// reflects the data it was trained on.
	StaleModel bool
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient annotations: have %d (in=%d out=%d), need %d",
		e.Total, e.InCount, e.OutCount, e.Required)
}

// IsInsufficientData reports whether err is an InsufficientDataError.
func IsInsufficientData(err error) bool {
	var ide *InsufficientDataError
	return errors.As(err, &ide)
}

// DimensionError reports a feature-vector or matrix size mismatch.
// These indicate a programming error, not bad input data.
type DimensionError struct {
	Op   string
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("%s: dimension mismatch: want %d, got %d", e.Op, e.Want, e.Got)
}

// NotPositiveDefiniteError reports that Cholesky decomposition failed.
// Row is the zero-based row where the diagonal term went non-positive.
type NotPositiveDefiniteError struct {
	Row int
}

func (e *NotPositiveDefiniteError) Error() string {
	return fmt.Sprintf("matrix is not positive definite (row %d)", e.Row)
}

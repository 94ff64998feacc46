package caption

import (
	"math"
	"sort"
)

// Estimator scores how likely a new annotation is to flip each box's
// current prediction. The score combines three signals: how unsure the
// model already is about the box, how close the box sits to the annotated
// box in feature space, and how near its confidence is to the decision
// boundary.
type Estimator struct {
	cfg EngineConfig
}

// NewEstimator creates an estimator with the given engine tunables.
func NewEstimator(cfg EngineConfig) *Estimator {
	return &Estimator{cfg: cfg}
}

// ChangeProbability scores one box against one annotation. covInv is the
// model's pooled inverse covariance (row-major n x n); similarity uses a
// Gaussian kernel over the Mahalanobis distance with sigma set to
// MaxMahalanobisDistance. The weighted sum is clamped to [0, 1].
func (e *Estimator) ChangeProbability(box BoxWithPrediction, ann Annotation, covInv []float64) (float64, error) {
	uncertainty := 1 - box.Confidence

	d, err := Mahalanobis(box.Features, ann.Features, covInv, e.cfg.NumFeatures)
	if err != nil {
		return 0, err
	}
	sigma := e.cfg.MaxMahalanobisDistance
	similarity := math.Exp(-(d * d) / (2 * sigma * sigma))

	boundary := 1 - 2*math.Abs(box.Confidence-0.5)

	score := e.cfg.UncertaintyWeight*uncertainty +
		e.cfg.SimilarityWeight*similarity +
		e.cfg.BoundaryWeight*boundary
	return clamp01(score), nil
}

// IdentifyAffectedBoxes scores every candidate against the annotation,
// drops scores below MinChangeProbability, and returns the rest ordered by
// score, highest first. The sort is stable, so equal scores keep their
// input order and re-scoring order is deterministic. The annotated box
// itself must not appear among the candidates; the store's candidate query
// excludes annotated boxes.
func (e *Estimator) IdentifyAffectedBoxes(ann Annotation, boxes []BoxWithPrediction, covInv []float64) ([]ScoredBox, error) {
	scored := make([]ScoredBox, 0, len(boxes))
	for _, box := range boxes {
		p, err := e.ChangeProbability(box, ann, covInv)
		if err != nil {
			return nil, err
		}
		if p >= e.cfg.MinChangeProbability {
			scored = append(scored, ScoredBox{Box: box, ChangeProbability: p})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].ChangeProbability > scored[j].ChangeProbability
	})
	return scored, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

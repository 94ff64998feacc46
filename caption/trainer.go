package caption

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
)

// AnnotationSource provides the labeled boxes for one video.
type AnnotationSource interface {
	LoadAnnotations(videoID string) ([]Annotation, error)
}

// LayoutSource provides the optional frame layout for one video.
// A nil layout with a nil error means none is configured.
type LayoutSource interface {
	LoadLayoutConfig(videoID string) (*LayoutConfig, error)
}

// BoxResolver maps a box ID to its geometry and frame siblings.
type BoxResolver interface {
	ResolveBox(videoID string, boxID int64) (BoxRef, FrameContext, error)
}

// ModelStore persists model snapshots. SaveModel must replace the current
// model atomically: a concurrent reader sees either the previous snapshot
// or the new one, never a mix.
type ModelStore interface {
	SaveModel(videoID string, m *Model) error
	LoadCurrentModel(videoID string) (*Model, error)
}

// TrainerStore bundles the persistence a Trainer needs.
// *Store implements it.
type TrainerStore interface {
	AnnotationSource
	LayoutSource
	BoxResolver
	ModelStore
}

// Trainer builds Gaussian naive Bayes snapshots from human annotations.
// Training a handful of annotations is fast enough to run inline on every
// annotation event; the expensive part of an update is the recalculation
// that follows, not this.
type Trainer struct {
	cfg       EngineConfig
	store     TrainerStore
	extractor FeatureExtractor
}

// NewTrainer creates a trainer. extractor may be nil when every annotation
// arrives with its feature vector already attached; annotations without
// features are then skipped with a warning.
func NewTrainer(cfg EngineConfig, store TrainerStore, extractor FeatureExtractor) *Trainer {
	return &Trainer{cfg: cfg, store: store, extractor: extractor}
}

// Train fits a new model from the video's human annotations and stores it
// as the current snapshot. Returns InsufficientDataError when the
// annotation set is below the retrain threshold or either class has fewer
// than 2 samples; the previous model stays current in that case.
// Persistence failures propagate and are never reported as success.
func (t *Trainer) Train(videoID string) (*Model, error) {
	anns, err := t.store.LoadAnnotations(videoID)
	if err != nil {
		return nil, fmt.Errorf("loading annotations: %w", err)
	}

	human := make([]Annotation, 0, len(anns))
	inCount, outCount := 0, 0
	for _, ann := range anns {
		if ann.Source != "" && ann.Source != SourceHuman {
			continue
		}
		human = append(human, ann)
		if ann.Label == LabelIn {
			inCount++
		} else {
			outCount++
		}
	}

	prev, prevErr := t.store.LoadCurrentModel(videoID)
	if prevErr != nil {
		log.Printf("[TRAIN] warning: loading current model for %s: %v", videoID, prevErr)
	}
	// Any non-seed model was trained on a full-size annotation set, so a
	// shortfall now means annotations were deleted out from under it.
	stale := prev != nil && !prev.Seed

	if len(human) < t.cfg.MinAnnotationsForRetrain {
		return nil, &InsufficientDataError{
			Total:      len(human),
			InCount:    inCount,
			OutCount:   outCount,
			Required:   t.cfg.MinAnnotationsForRetrain,
			StaleModel: stale,
		}
	}

	layout, err := t.store.LoadLayoutConfig(videoID)
	if err != nil {
		return nil, fmt.Errorf("loading layout config: %w", err)
	}

	n := t.cfg.NumFeatures
	in := ClassSamples{Label: LabelIn}
	out := ClassSamples{Label: LabelOut}
	for _, ann := range human {
		features := ann.Features
		if len(features) != n {
			if t.extractor == nil {
				log.Printf("[TRAIN] skipping annotation %d: no feature vector", ann.ID)
				continue
			}
			box, frame, err := t.store.ResolveBox(videoID, ann.BoxID)
			if err != nil {
				return nil, fmt.Errorf("resolving box %d: %w", ann.BoxID, err)
			}
			features = t.extractor.Extract(box, frame, layout)
		}
		switch ann.Label {
		case LabelIn:
			in.Features = append(in.Features, features)
		case LabelOut:
			out.Features = append(out.Features, features)
		}
	}

	if in.Count() < 2 || out.Count() < 2 {
		return nil, &InsufficientDataError{
			Total:      in.Count() + out.Count(),
			InCount:    in.Count(),
			OutCount:   out.Count(),
			Required:   t.cfg.MinAnnotationsForRetrain,
			StaleModel: stale,
		}
	}

	total := in.Count() + out.Count()
	inParams := EstimateGaussians(in, n, t.cfg.MinStd)
	outParams := EstimateGaussians(out, n, t.cfg.MinStd)

	model := &Model{
		Version:         nextVersion(prev),
		TrainedAt:       time.Now().Unix(),
		NumFeatures:     n,
		InParams:        inParams,
		OutParams:       outParams,
		PriorIn:         float64(in.Count()) / float64(total),
		PriorOut:        float64(out.Count()) / float64(total),
		TrainingSamples: total,
		InCount:         in.Count(),
		OutCount:        out.Count(),
	}

	if total >= t.cfg.MinSamplesForImportance {
		model.Importance = ComputeFeatureImportance(inParams, outParams, featureNamesFor(n))
	}

	model.Covariance = PooledCovariance(in, out, n)
	inv := InvertSymmetric(model.Covariance, n)
	model.CovarianceInv = inv.Inverse
	model.DegradedInverse = inv.Degraded
	model.DegradedReason = inv.Reason
	if inv.Degraded {
		log.Printf("[TRAIN] covariance inversion degraded for %s: %s", videoID, inv.Reason)
	}

	if err := t.store.SaveModel(videoID, model); err != nil {
		return nil, fmt.Errorf("saving model: %w", err)
	}

	log.Printf("[TRAIN] model %s trained for %s: %d samples (in=%d out=%d), importance=%v",
		model.Version, videoID, total, in.Count(), out.Count(), model.Importance != nil)
	return model, nil
}

// InitializeSeedModel stores the seed model for a video that has none.
// Idempotent: an existing model, seed or trained, is left untouched.
func (t *Trainer) InitializeSeedModel(videoID string) (*Model, error) {
	existing, err := t.store.LoadCurrentModel(videoID)
	if err != nil {
		return nil, fmt.Errorf("loading current model: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	seed := SeedModel(t.cfg)
	seed.TrainedAt = time.Now().Unix()
	if err := t.store.SaveModel(videoID, seed); err != nil {
		return nil, fmt.Errorf("saving seed model: %w", err)
	}
	log.Printf("[TRAIN] seed model initialized for %s", videoID)
	return seed, nil
}

// RevertToSeed replaces the current model with a fresh seed snapshot.
// Used when the annotation set has shrunk below the retrain threshold and
// the stored model no longer reflects the data it was trained on. The seed
// snapshot takes the next version number so versions keep increasing
// across the revert.
func (t *Trainer) RevertToSeed(videoID string) (*Model, error) {
	prev, err := t.store.LoadCurrentModel(videoID)
	if err != nil {
		return nil, fmt.Errorf("loading current model: %w", err)
	}

	seed := SeedModel(t.cfg)
	seed.TrainedAt = time.Now().Unix()
	if prev != nil {
		seed.Version = nextVersion(prev)
	}
	if err := t.store.SaveModel(videoID, seed); err != nil {
		return nil, fmt.Errorf("saving seed model: %w", err)
	}
	log.Printf("[TRAIN] reverted %s to seed model %s", videoID, seed.Version)
	return seed, nil
}

// nextVersion increments the numeric part of a "v<N>" version string.
// Unparseable versions fall back to a millisecond timestamp, which stays
// monotonic against any hand-assigned value.
func nextVersion(prev *Model) string {
	if prev == nil {
		return "v1"
	}
	if num := strings.TrimPrefix(prev.Version, "v"); num != prev.Version {
		if k, err := strconv.Atoi(num); err == nil {
			return fmt.Sprintf("v%d", k+1)
		}
	}
	return fmt.Sprintf("v%d", time.Now().UnixMilli())
}

func featureNamesFor(n int) []string {
	if n == NumFeatures {
		return FeatureNames()
	}
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("f%d", i)
	}
	return names
}

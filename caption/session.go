package caption

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// SessionStatus is what the annotation UI sees between events.
type SessionStatus struct {
	VideoID      string `json:"videoId"`
	ModelVersion string `json:"modelVersion,omitempty"`
	// ModelPending means the annotation set is still below the retrain
	// threshold and predictions come from the seed model.
	ModelPending bool `json:"modelPending"`
	Annotations  int  `json:"annotations"`
	// PredictionsStale means the last recalculation hit the per-update cap,
	// so some predictions may predate the current model.
	PredictionsStale bool          `json:"predictionsStale"`
	LastRecalc       *RecalcResult `json:"lastRecalc,omitempty"`
	UpdatedAt        int64         `json:"updatedAt"`
}

// SessionNotifier receives session lifecycle events. The WebSocket hub and
// the MQTT publisher both implement it.
type SessionNotifier interface {
	ModelUpdated(videoID string, m *Model)
	ModelPending(videoID string, have, need int)
	RecalcProgress(videoID string, p RecalcProgress)
	RecalcCompleted(videoID string, r RecalcResult)
}

// Session orchestrates the annotation loop: persist the label, retrain,
// select affected boxes, and re-score them in batches. One event runs at a
// time per Session; concurrent annotation events queue on the mutex.
type Session struct {
	cfg       EngineConfig
	store     *Store
	trainer   *Trainer
	estimator *Estimator
	recalc    *Coordinator
	extractor FeatureExtractor
	notifiers []SessionNotifier

	mu sync.Mutex

	statusMu sync.RWMutex
	status   map[string]*SessionStatus
}

// NewSession wires a session over the given store. Notifiers are optional.
func NewSession(cfg EngineConfig, store *Store, extractor FeatureExtractor, notifiers ...SessionNotifier) *Session {
	return &Session{
		cfg:       cfg,
		store:     store,
		trainer:   NewTrainer(cfg, store, extractor),
		estimator: NewEstimator(cfg),
		recalc:    NewCoordinator(cfg),
		extractor: extractor,
		notifiers: notifiers,
		status:    make(map[string]*SessionStatus),
	}
}

// Trainer exposes the session's trainer for startup tasks (seed
// initialization, one-shot training from the CLI).
func (s *Session) Trainer() *Trainer {
	return s.trainer
}

// OnAnnotation handles one annotation event end to end. It is safe to call
// from any goroutine; events are serialized. The context is checked between
// re-scoring batches: a cancelled event leaves already-written batches in
// place but records no result.
func (s *Session) OnAnnotation(ctx context.Context, ann Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("[SESSION] %s: box %d annotated %q", ann.VideoID, ann.BoxID, ann.Label)

	// --- Step 1: attach features and persist the annotation ---
	if len(ann.Features) != s.cfg.NumFeatures {
		box, frame, err := s.store.ResolveBox(ann.VideoID, ann.BoxID)
		if err != nil {
			return fmt.Errorf("resolving annotated box: %w", err)
		}
		layout, err := s.store.LoadLayoutConfig(ann.VideoID)
		if err != nil {
			return err
		}
		ann.Features = s.extractor.Extract(box, frame, layout)
	}
	if err := s.store.SaveAnnotation(&ann); err != nil {
		return err
	}

	// --- Step 2: retrain ---
	model, err := s.trainer.Train(ann.VideoID)
	if err != nil {
		var ide *InsufficientDataError
		if errors.As(err, &ide) {
			return s.handleInsufficientData(ann.VideoID, ide)
		}
		return err
	}
	s.setStatus(ann.VideoID, func(st *SessionStatus) {
		st.ModelVersion = model.Version
		st.ModelPending = false
		st.Annotations = model.TrainingSamples
	})
	s.notifyModelUpdated(ann.VideoID, model)

	// --- Step 3: select the boxes this annotation can flip ---
	boxes, err := s.store.LoadScoredBoxes(ann.VideoID)
	if err != nil {
		return err
	}
	candidates, err := s.estimator.IdentifyAffectedBoxes(ann, boxes, model.CovarianceInv)
	if err != nil {
		return err
	}
	log.Printf("[SESSION] %s: %d of %d boxes selected for re-scoring",
		ann.VideoID, len(candidates), len(boxes))

	// --- Step 4: re-score in batches, streaming progress ---
	result, err := s.recalc.RunCooperative(ctx, candidates, s.rescoreBatch(ann.VideoID, model),
		func(p RecalcProgress) error {
			s.notifyRecalcProgress(ann.VideoID, p)
			return nil
		})
	if err != nil {
		return err
	}

	s.setStatus(ann.VideoID, func(st *SessionStatus) {
		st.PredictionsStale = result.Reason == StopMaxBoxes
		st.LastRecalc = &result
	})
	s.notifyRecalcCompleted(ann.VideoID, result)
	return nil
}

// OnAnnotationRemoved handles a label deletion: drop the row and retrain.
// No re-scoring follows, because there is no new annotation to estimate
// change probabilities against; predictions refresh on the next annotation.
// A deletion that drops the set below the retrain threshold reverts the
// model to seed.
func (s *Session) OnAnnotationRemoved(videoID string, boxID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("[SESSION] %s: annotation removed from box %d", videoID, boxID)
	if err := s.store.DeleteAnnotation(videoID, boxID); err != nil {
		return err
	}

	model, err := s.trainer.Train(videoID)
	if err != nil {
		var ide *InsufficientDataError
		if errors.As(err, &ide) {
			return s.handleInsufficientData(videoID, ide)
		}
		return err
	}

	s.setStatus(videoID, func(st *SessionStatus) {
		st.ModelVersion = model.Version
		st.ModelPending = false
		st.Annotations = model.TrainingSamples
	})
	s.notifyModelUpdated(videoID, model)
	return nil
}

// ScoreVideo predicts every box of a video under the current model,
// initializing the seed model first if none exists. Run once after
// importing boxes; afterwards incremental recalculation keeps predictions
// fresh. The context is checked between frames.
func (s *Session) ScoreVideo(ctx context.Context, videoID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	model, err := s.currentOrSeed(videoID)
	if err != nil {
		return 0, err
	}
	layout, err := s.store.LoadLayoutConfig(videoID)
	if err != nil {
		return 0, err
	}
	frames, err := s.store.ListFrames(videoID)
	if err != nil {
		return 0, err
	}

	scored := 0
	for _, frame := range frames {
		if err := ctx.Err(); err != nil {
			return scored, err
		}
		boxes, err := s.store.LoadFrameBoxes(videoID, frame)
		if err != nil {
			return scored, err
		}
		frameCtx := FrameContext{Boxes: boxes}
		for _, box := range boxes {
			features := s.extractor.Extract(box, frameCtx, layout)
			pred, err := model.Classify(features)
			if err != nil {
				return scored, err
			}
			if err := s.store.UpdateBoxPrediction(videoID, box.ID, pred, features); err != nil {
				return scored, err
			}
			scored++
		}
	}

	log.Printf("[SESSION] %s: scored %d boxes across %d frames under model %s",
		videoID, scored, len(frames), model.Version)
	return scored, nil
}

// Status returns a copy of the session status for one video.
func (s *Session) Status(videoID string) SessionStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	if st, ok := s.status[videoID]; ok {
		out := *st
		if st.LastRecalc != nil {
			r := *st.LastRecalc
			out.LastRecalc = &r
		}
		return out
	}
	return SessionStatus{VideoID: videoID}
}

func (s *Session) handleInsufficientData(videoID string, ide *InsufficientDataError) error {
	version := ""
	if ide.StaleModel {
		log.Printf("[SESSION] %s: %v; stored model is stale, reverting to seed", videoID, ide)
		seed, err := s.trainer.RevertToSeed(videoID)
		if err != nil {
			return err
		}
		version = seed.Version
		s.notifyModelUpdated(videoID, seed)
	} else {
		log.Printf("[SESSION] %s: %v; keeping current model", videoID, ide)
	}

	s.setStatus(videoID, func(st *SessionStatus) {
		st.ModelPending = true
		st.Annotations = ide.Total
		if version != "" {
			st.ModelVersion = version
		}
	})
	s.notifyModelPending(videoID, ide.Total, ide.Required)
	return nil
}

// rescoreBatch builds the batch callback for one run: classify each box
// under the new model and persist the updated prediction. A persistence
// failure aborts the whole run.
func (s *Session) rescoreBatch(videoID string, model *Model) PredictAndUpdateFunc {
	return func(batch []ScoredBox) ([]RescoreOutcome, error) {
		outcomes := make([]RescoreOutcome, 0, len(batch))
		for _, sb := range batch {
			pred, err := model.Classify(sb.Box.Features)
			if err != nil {
				return nil, err
			}
			if err := s.store.UpdateBoxPrediction(videoID, sb.Box.Box.ID, pred, sb.Box.Features); err != nil {
				return nil, err
			}
			outcomes = append(outcomes, RescoreOutcome{
				BoxID:      sb.Box.Box.ID,
				OldLabel:   sb.Box.Label,
				NewLabel:   pred.Label,
				Confidence: pred.Confidence,
			})
		}
		return outcomes, nil
	}
}

func (s *Session) currentOrSeed(videoID string) (*Model, error) {
	model, err := s.store.LoadCurrentModel(videoID)
	if err != nil {
		return nil, err
	}
	if model == nil {
		return s.trainer.InitializeSeedModel(videoID)
	}
	return model, nil
}

func (s *Session) setStatus(videoID string, update func(*SessionStatus)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st, ok := s.status[videoID]
	if !ok {
		st = &SessionStatus{VideoID: videoID}
		s.status[videoID] = st
	}
	update(st)
	st.UpdatedAt = time.Now().Unix()
}

func (s *Session) notifyModelUpdated(videoID string, m *Model) {
	for _, n := range s.notifiers {
		n.ModelUpdated(videoID, m)
	}
}

func (s *Session) notifyModelPending(videoID string, have, need int) {
	for _, n := range s.notifiers {
		n.ModelPending(videoID, have, need)
	}
}

func (s *Session) notifyRecalcProgress(videoID string, p RecalcProgress) {
	for _, n := range s.notifiers {
		n.RecalcProgress(videoID, p)
	}
}

func (s *Session) notifyRecalcCompleted(videoID string, r RecalcResult) {
	for _, n := range s.notifiers {
		n.RecalcCompleted(videoID, r)
	}
}

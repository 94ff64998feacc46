package caption

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// recordingNotifier captures session events for assertions.
type recordingNotifier struct {
	mu        sync.Mutex
	updated   []string
	pending   [][2]int
	progress  []RecalcProgress
	completed []RecalcResult
}

func (n *recordingNotifier) ModelUpdated(videoID string, m *Model) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updated = append(n.updated, m.Version)
}

func (n *recordingNotifier) ModelPending(videoID string, have, need int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, [2]int{have, need})
}

func (n *recordingNotifier) RecalcProgress(videoID string, p RecalcProgress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, p)
}

func (n *recordingNotifier) RecalcCompleted(videoID string, r RecalcResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, r)
}

const sessionVideo = "vid-session"

func sessionConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.MinAnnotationsForRetrain = 4
	cfg.MinSamplesForImportance = 1000
	cfg.BatchSize = 2
	cfg.MinChangeProbability = 0
	return cfg
}

// newAnnotationSession builds a session over a video with a four-character
// caption row in the band plus assorted non-caption boxes, and returns the
// box IDs by role.
func newAnnotationSession(t *testing.T) (*Session, *Store, *recordingNotifier, map[string]int64) {
	t.Helper()
	s := newMemStore(t)

	if err := s.SaveLayoutConfig(&LayoutConfig{
		VideoID:     sessionVideo,
		FrameWidth:  1280,
		FrameHeight: 720,
		Band:        &CaptionBand{Top: 0.8, Bottom: 0.95},
	}); err != nil {
		t.Fatalf("SaveLayoutConfig() error = %v", err)
	}

	ids := importTestBoxes(t, s, sessionVideo,
		BoxRef{FrameIdx: 0, X0: 100, Y0: 590, X1: 130, Y1: 620, Text: "字", OCRConfidence: 0.95, Persistence: 0.8, Stability: 0.85},
		BoxRef{FrameIdx: 0, X0: 140, Y0: 590, X1: 170, Y1: 620, Text: "幕", OCRConfidence: 0.92, Persistence: 0.8, Stability: 0.85},
		BoxRef{FrameIdx: 0, X0: 180, Y0: 590, X1: 210, Y1: 620, Text: "文", OCRConfidence: 0.9, Persistence: 0.75, Stability: 0.8},
		BoxRef{FrameIdx: 0, X0: 220, Y0: 590, X1: 250, Y1: 620, Text: "本", OCRConfidence: 0.9, Persistence: 0.75, Stability: 0.8},
		BoxRef{FrameIdx: 0, X0: 300, Y0: 50, X1: 700, Y1: 120, Text: "LOGO", OCRConfidence: 0.4, Persistence: 0.2, Stability: 0.3},
		BoxRef{FrameIdx: 0, X0: 500, Y0: 200, X1: 560, Y1: 320, OCRConfidence: 0.1, Persistence: 0.1, Stability: 0.2},
		BoxRef{FrameIdx: 1, X0: 900, Y0: 400, X1: 1000, Y1: 430, Text: "x", OCRConfidence: 0.5, Persistence: 0.3, Stability: 0.4},
		BoxRef{FrameIdx: 1, X0: 60, Y0: 60, X1: 110, Y1: 100, OCRConfidence: 0.3, Persistence: 0.2, Stability: 0.3},
	)
	named := map[string]int64{
		"cap1": ids[0], "cap2": ids[1], "cap3": ids[2], "cap4": ids[3],
		"banner": ids[4], "pillar": ids[5], "floater": ids[6], "corner": ids[7],
	}

	notifier := &recordingNotifier{}
	session := NewSession(sessionConfig(), s, NewExtractor(256), notifier)
	return session, s, notifier, named
}

func TestScoreVideo(t *testing.T) {
	session, s, _, boxes := newAnnotationSession(t)

	n, err := session.ScoreVideo(context.Background(), sessionVideo)
	if err != nil {
		t.Fatalf("ScoreVideo() error = %v", err)
	}
	if n != 8 {
		t.Errorf("scored %d boxes, want 8", n)
	}

	// Scoring a fresh video initializes the seed model.
	m, err := s.LoadCurrentModel(sessionVideo)
	if err != nil || m == nil || !m.Seed {
		t.Fatalf("current model = %+v, %v, want the seed", m, err)
	}

	preds, err := s.LoadFramePredictions(sessionVideo, 0)
	if err != nil {
		t.Fatalf("LoadFramePredictions() error = %v", err)
	}
	byID := make(map[int64]BoxWithPrediction, len(preds))
	for _, p := range preds {
		if p.Label == "" {
			t.Errorf("box %d left unscored", p.Box.ID)
		}
		if p.Confidence < 0.5 || p.Confidence > 1 {
			t.Errorf("box %d confidence = %v, want [0.5, 1]", p.Box.ID, p.Confidence)
		}
		if len(p.Features) != NumFeatures {
			t.Errorf("box %d stored %d features, want %d", p.Box.ID, len(p.Features), NumFeatures)
		}
		byID[p.Box.ID] = p
	}

	// Interior caption characters sit squarely in the seed's in-class;
	// the banner and the tall mid-frame box are far outside it.
	for _, name := range []string{"cap2", "cap3"} {
		if got := byID[boxes[name]].Label; got != LabelIn {
			t.Errorf("%s = %s under seed, want in", name, got)
		}
	}
	for _, name := range []string{"banner", "pillar"} {
		if got := byID[boxes[name]].Label; got != LabelOut {
			t.Errorf("%s = %s under seed, want out", name, got)
		}
	}
}

func TestScoreVideo_Cancelled(t *testing.T) {
	session, _, _, _ := newAnnotationSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := session.ScoreVideo(ctx, sessionVideo)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ScoreVideo(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestOnAnnotation_PendingBelowThreshold(t *testing.T) {
	session, _, notifier, boxes := newAnnotationSession(t)
	if _, err := session.ScoreVideo(context.Background(), sessionVideo); err != nil {
		t.Fatalf("ScoreVideo() error = %v", err)
	}

	err := session.OnAnnotation(context.Background(), Annotation{
		VideoID: sessionVideo, BoxID: boxes["cap2"], Label: LabelIn,
	})
	if err != nil {
		t.Fatalf("OnAnnotation() error = %v", err)
	}

	if len(notifier.pending) != 1 || notifier.pending[0] != [2]int{1, 4} {
		t.Errorf("pending events = %v, want [{1 4}]", notifier.pending)
	}
	if len(notifier.updated) != 0 {
		t.Errorf("model updates = %v, want none below threshold", notifier.updated)
	}
	if len(notifier.completed) != 0 {
		t.Errorf("recalc completions = %v, want none", notifier.completed)
	}

	st := session.Status(sessionVideo)
	if !st.ModelPending || st.Annotations != 1 {
		t.Errorf("status = %+v, want pending with 1 annotation", st)
	}
	if st.ModelVersion != "" {
		t.Errorf("ModelVersion = %q, want empty while the seed stays current", st.ModelVersion)
	}
}

func TestOnAnnotation_TrainsAndRescoresAtThreshold(t *testing.T) {
	session, s, notifier, boxes := newAnnotationSession(t)
	ctx := context.Background()
	if _, err := session.ScoreVideo(ctx, sessionVideo); err != nil {
		t.Fatalf("ScoreVideo() error = %v", err)
	}

	before := make(map[int64]Prediction)
	for _, frame := range []int{0, 1} {
		preds, err := s.LoadFramePredictions(sessionVideo, frame)
		if err != nil {
			t.Fatalf("LoadFramePredictions() error = %v", err)
		}
		for _, p := range preds {
			before[p.Box.ID] = Prediction{Label: p.Label, Confidence: p.Confidence}
		}
	}

	labels := []struct {
		role  string
		label Label
	}{
		{"cap2", LabelIn}, {"cap3", LabelIn}, {"banner", LabelOut}, {"pillar", LabelOut},
	}
	for _, l := range labels {
		err := session.OnAnnotation(ctx, Annotation{
			VideoID: sessionVideo, BoxID: boxes[l.role], Label: l.label,
		})
		if err != nil {
			t.Fatalf("OnAnnotation(%s) error = %v", l.role, err)
		}
	}

	if len(notifier.pending) != 3 {
		t.Errorf("pending events = %v, want 3 before the threshold", notifier.pending)
	}
	if len(notifier.updated) != 1 || notifier.updated[0] != "v1" {
		t.Fatalf("model updates = %v, want [v1]", notifier.updated)
	}

	m, err := s.LoadCurrentModel(sessionVideo)
	if err != nil || m == nil {
		t.Fatalf("LoadCurrentModel() = %v, %v", m, err)
	}
	if m.Version != "v1" || m.Seed {
		t.Errorf("current model = %s/seed=%v, want trained v1", m.Version, m.Seed)
	}
	if !almostEqual(m.PriorIn, 0.5) || m.TrainingSamples != 4 {
		t.Errorf("model priors/samples = %v/%d, want 0.5/4", m.PriorIn, m.TrainingSamples)
	}

	// The four unannotated boxes are exactly the re-scoring candidates.
	if len(notifier.completed) != 1 {
		t.Fatalf("completions = %v, want one", notifier.completed)
	}
	result := notifier.completed[0]
	if result.TotalProcessed != 4 {
		t.Errorf("TotalProcessed = %d, want 4", result.TotalProcessed)
	}
	if result.Reason != StopExhausted || result.StoppedEarly {
		t.Errorf("result = %+v, want exhausted without early stop", result)
	}
	if len(notifier.progress) != 2 {
		t.Errorf("progress events = %d, want 2 (two batches of two)", len(notifier.progress))
	}

	// Human labels are never overwritten: annotated boxes keep the
	// predictions they had before the retrain.
	for _, l := range labels {
		id := boxes[l.role]
		preds, err := s.LoadFramePredictions(sessionVideo, frameOfRole(l.role))
		if err != nil {
			t.Fatalf("LoadFramePredictions() error = %v", err)
		}
		for _, p := range preds {
			if p.Box.ID != id {
				continue
			}
			if p.Label != before[id].Label || !almostEqual(p.Confidence, before[id].Confidence) {
				t.Errorf("%s prediction changed after rescore: %s/%v, had %s/%v",
					l.role, p.Label, p.Confidence, before[id].Label, before[id].Confidence)
			}
		}
	}

	st := session.Status(sessionVideo)
	if st.ModelPending || st.ModelVersion != "v1" || st.Annotations != 4 {
		t.Errorf("status = %+v, want v1 with 4 annotations", st)
	}
	if st.PredictionsStale {
		t.Error("PredictionsStale = true after an exhausted run")
	}
	if st.LastRecalc == nil || st.LastRecalc.TotalProcessed != 4 {
		t.Errorf("LastRecalc = %+v, want the completed run", st.LastRecalc)
	}
}

// frameOfRole maps the fixture roles to their frame index.
func frameOfRole(role string) int {
	switch role {
	case "floater", "corner":
		return 1
	}
	return 0
}

func TestOnAnnotationRemoved_RevertsStaleModel(t *testing.T) {
	session, s, notifier, boxes := newAnnotationSession(t)
	ctx := context.Background()
	if _, err := session.ScoreVideo(ctx, sessionVideo); err != nil {
		t.Fatalf("ScoreVideo() error = %v", err)
	}
	for _, l := range []struct {
		role  string
		label Label
	}{{"cap2", LabelIn}, {"cap3", LabelIn}, {"banner", LabelOut}, {"pillar", LabelOut}} {
		if err := session.OnAnnotation(ctx, Annotation{
			VideoID: sessionVideo, BoxID: boxes[l.role], Label: l.label,
		}); err != nil {
			t.Fatalf("OnAnnotation(%s) error = %v", l.role, err)
		}
	}

	if err := session.OnAnnotationRemoved(sessionVideo, boxes["cap2"]); err != nil {
		t.Fatalf("OnAnnotationRemoved() error = %v", err)
	}

	m, err := s.LoadCurrentModel(sessionVideo)
	if err != nil || m == nil {
		t.Fatalf("LoadCurrentModel() = %v, %v", m, err)
	}
	if !m.Seed || m.Version != "v2" {
		t.Errorf("current model = %s/seed=%v, want seed v2 after the revert", m.Version, m.Seed)
	}

	if len(notifier.updated) != 2 || notifier.updated[1] != "v2" {
		t.Errorf("model updates = %v, want [v1 v2]", notifier.updated)
	}

	st := session.Status(sessionVideo)
	if !st.ModelPending || st.Annotations != 3 || st.ModelVersion != "v2" {
		t.Errorf("status = %+v, want pending on seed v2 with 3 annotations", st)
	}
}

func TestOnAnnotationRemoved_RetrainsWhenStillAboveThreshold(t *testing.T) {
	session, s, _, boxes := newAnnotationSession(t)
	ctx := context.Background()
	if _, err := session.ScoreVideo(ctx, sessionVideo); err != nil {
		t.Fatalf("ScoreVideo() error = %v", err)
	}
	for _, l := range []struct {
		role  string
		label Label
	}{
		{"cap1", LabelIn}, {"cap2", LabelIn}, {"banner", LabelOut},
		{"pillar", LabelOut}, {"cap3", LabelIn},
	} {
		if err := session.OnAnnotation(ctx, Annotation{
			VideoID: sessionVideo, BoxID: boxes[l.role], Label: l.label,
		}); err != nil {
			t.Fatalf("OnAnnotation(%s) error = %v", l.role, err)
		}
	}

	// Five labels train v1 and v2; dropping one leaves four, still enough.
	if err := session.OnAnnotationRemoved(sessionVideo, boxes["cap1"]); err != nil {
		t.Fatalf("OnAnnotationRemoved() error = %v", err)
	}

	m, err := s.LoadCurrentModel(sessionVideo)
	if err != nil || m == nil {
		t.Fatalf("LoadCurrentModel() = %v, %v", m, err)
	}
	if m.Seed {
		t.Error("model reverted to seed despite enough annotations")
	}
	if m.Version != "v3" || m.TrainingSamples != 4 {
		t.Errorf("model = %s over %d samples, want v3 over 4", m.Version, m.TrainingSamples)
	}
}

func TestOnAnnotation_MissingBox(t *testing.T) {
	session, _, _, _ := newAnnotationSession(t)

	err := session.OnAnnotation(context.Background(), Annotation{
		VideoID: sessionVideo, BoxID: 9999, Label: LabelIn,
	})
	if err == nil || !strings.Contains(err.Error(), "resolving annotated box") {
		t.Errorf("OnAnnotation(missing box) error = %v, want resolve failure", err)
	}
}

func TestOnAnnotation_CancelledBeforeRescore(t *testing.T) {
	session, _, notifier, boxes := newAnnotationSession(t)
	ctx := context.Background()
	if _, err := session.ScoreVideo(ctx, sessionVideo); err != nil {
		t.Fatalf("ScoreVideo() error = %v", err)
	}
	for _, l := range []struct {
		role  string
		label Label
	}{{"cap2", LabelIn}, {"cap3", LabelIn}, {"banner", LabelOut}} {
		if err := session.OnAnnotation(ctx, Annotation{
			VideoID: sessionVideo, BoxID: boxes[l.role], Label: l.label,
		}); err != nil {
			t.Fatalf("OnAnnotation(%s) error = %v", l.role, err)
		}
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := session.OnAnnotation(cancelled, Annotation{
		VideoID: sessionVideo, BoxID: boxes["pillar"], Label: LabelOut,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("OnAnnotation(cancelled) error = %v, want context.Canceled", err)
	}

	// Training completed before the cancellation point, re-scoring did not.
	if len(notifier.updated) != 1 || notifier.updated[0] != "v1" {
		t.Errorf("model updates = %v, want [v1]", notifier.updated)
	}
	if len(notifier.completed) != 0 {
		t.Errorf("completions = %v, want none", notifier.completed)
	}
	st := session.Status(sessionVideo)
	if st.ModelVersion != "v1" || st.LastRecalc != nil {
		t.Errorf("status = %+v, want v1 with no recorded recalc", st)
	}
}

func TestStatus_UnknownVideo(t *testing.T) {
	session, _, _, _ := newAnnotationSession(t)

	st := session.Status("never-seen")
	if st.VideoID != "never-seen" || st.ModelVersion != "" || st.LastRecalc != nil {
		t.Errorf("Status(unknown) = %+v, want zero status with the ID filled", st)
	}
}

func TestStatus_ReturnsCopy(t *testing.T) {
	session, _, _, boxes := newAnnotationSession(t)
	ctx := context.Background()
	if _, err := session.ScoreVideo(ctx, sessionVideo); err != nil {
		t.Fatalf("ScoreVideo() error = %v", err)
	}
	for _, l := range []struct {
		role  string
		label Label
	}{{"cap2", LabelIn}, {"cap3", LabelIn}, {"banner", LabelOut}, {"pillar", LabelOut}} {
		if err := session.OnAnnotation(ctx, Annotation{
			VideoID: sessionVideo, BoxID: boxes[l.role], Label: l.label,
		}); err != nil {
			t.Fatalf("OnAnnotation(%s) error = %v", l.role, err)
		}
	}

	st := session.Status(sessionVideo)
	if st.LastRecalc == nil {
		t.Fatal("LastRecalc = nil, want the completed run")
	}
	st.LastRecalc.TotalProcessed = 999
	st.ModelVersion = "hacked"

	again := session.Status(sessionVideo)
	if again.LastRecalc.TotalProcessed == 999 || again.ModelVersion == "hacked" {
		t.Error("Status() leaked internal state to the caller")
	}
}

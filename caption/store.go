package caption

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/text/unicode/norm"
)

const schema = `
CREATE TABLE IF NOT EXISTS boxes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    video_id TEXT NOT NULL,
    frame_idx INTEGER NOT NULL,
    x0 REAL NOT NULL,
    y0 REAL NOT NULL,
    x1 REAL NOT NULL,
    y1 REAL NOT NULL,
    text TEXT NOT NULL DEFAULT '',
    ocr_confidence REAL NOT NULL DEFAULT 0,
    persistence REAL NOT NULL DEFAULT 0,
    stability REAL NOT NULL DEFAULT 0,
    predicted_label TEXT NOT NULL DEFAULT '',
    confidence REAL NOT NULL DEFAULT 0,
    features TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_boxes_video_frame ON boxes(video_id, frame_idx);
CREATE TABLE IF NOT EXISTS annotations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    video_id TEXT NOT NULL,
    box_id INTEGER NOT NULL,
    label TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT 'human',
    features TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    UNIQUE(video_id, box_id)
);
CREATE TABLE IF NOT EXISTS models (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    video_id TEXT NOT NULL,
    version TEXT NOT NULL,
    payload TEXT NOT NULL,
    trained_at INTEGER NOT NULL,
    samples INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_models_video ON models(video_id, id);
CREATE TABLE IF NOT EXISTS layouts (
    video_id TEXT PRIMARY KEY,
    payload TEXT NOT NULL,
    revision INTEGER NOT NULL
);
`

// Store persists boxes, annotations, layouts, and model snapshots in
// SQLite. It implements TrainerStore plus the candidate queries the
// session's re-scoring callback uses. The current model per video is also
// cached in memory behind a read lock, so snapshot reads during
// classification never touch the database; SaveModel swaps the cached
// pointer only after its transaction commits, which is what makes model
// replacement atomic for readers.
type Store struct {
	db *sql.DB

	mu      sync.RWMutex
	current map[string]*Model
}

// NewStore opens (creating if needed) the SQLite database at path and
// ensures the schema exists. Use ":memory:" for throwaway stores in tests.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases coherent (each pool
	// connection would otherwise see its own empty database) and sidesteps
	// SQLITE_BUSY between concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &Store{db: db, current: make(map[string]*Model)}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NormalizeCaptionText folds OCR text to NFKC form so fullwidth
// compatibility variants of the same glyph always compare equal, and trims
// surrounding whitespace. Applied to every box text on import.
func NormalizeCaptionText(s string) string {
	return strings.TrimSpace(norm.NFKC.String(s))
}

// ImportBoxes inserts a batch of boxes for a video and returns their
// assigned IDs in input order. Box text is normalized on the way in.
func (s *Store) ImportBoxes(videoID string, boxes []BoxRef) ([]int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning import: %w", err)
	}

	stmt, err := tx.Prepare(`
        INSERT INTO boxes (video_id, frame_idx, x0, y0, x1, y1, text,
                           ocr_confidence, persistence, stability, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("preparing import: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	ids := make([]int64, 0, len(boxes))
	for _, b := range boxes {
		res, err := stmt.Exec(videoID, b.FrameIdx, b.X0, b.Y0, b.X1, b.Y1,
			NormalizeCaptionText(b.Text), b.OCRConfidence, b.Persistence, b.Stability, now)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("inserting box: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("reading box id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing import: %w", err)
	}
	return ids, nil
}

// ListFrames returns the distinct frame indices of a video in order.
func (s *Store) ListFrames(videoID string) ([]int, error) {
	rows, err := s.db.Query(`
        SELECT DISTINCT frame_idx FROM boxes
        WHERE video_id = ? ORDER BY frame_idx`, videoID)
	if err != nil {
		return nil, fmt.Errorf("listing frames: %w", err)
	}
	defer rows.Close()

	var frames []int
	for rows.Next() {
		var f int
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("scanning frame: %w", err)
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// LoadFrameBoxes returns all boxes of one frame ordered by x position.
func (s *Store) LoadFrameBoxes(videoID string, frameIdx int) ([]BoxRef, error) {
	rows, err := s.db.Query(`
        SELECT id, frame_idx, x0, y0, x1, y1, text, ocr_confidence, persistence, stability
        FROM boxes WHERE video_id = ? AND frame_idx = ? ORDER BY x0, id`, videoID, frameIdx)
	if err != nil {
		return nil, fmt.Errorf("loading frame boxes: %w", err)
	}
	defer rows.Close()

	var boxes []BoxRef
	for rows.Next() {
		b := BoxRef{VideoID: videoID}
		if err := rows.Scan(&b.ID, &b.FrameIdx, &b.X0, &b.Y0, &b.X1, &b.Y1,
			&b.Text, &b.OCRConfidence, &b.Persistence, &b.Stability); err != nil {
			return nil, fmt.Errorf("scanning box: %w", err)
		}
		boxes = append(boxes, b)
	}
	return boxes, rows.Err()
}

// ResolveBox returns one box plus its frame siblings (the box included).
func (s *Store) ResolveBox(videoID string, boxID int64) (BoxRef, FrameContext, error) {
	var frameIdx int
	err := s.db.QueryRow(`
        SELECT frame_idx FROM boxes WHERE video_id = ? AND id = ?`,
		videoID, boxID).Scan(&frameIdx)
	if err == sql.ErrNoRows {
		return BoxRef{}, FrameContext{}, fmt.Errorf("box %d not found in %s", boxID, videoID)
	}
	if err != nil {
		return BoxRef{}, FrameContext{}, fmt.Errorf("resolving box %d: %w", boxID, err)
	}

	siblings, err := s.LoadFrameBoxes(videoID, frameIdx)
	if err != nil {
		return BoxRef{}, FrameContext{}, err
	}
	for _, b := range siblings {
		if b.ID == boxID {
			return b, FrameContext{Boxes: siblings}, nil
		}
	}
	return BoxRef{}, FrameContext{}, fmt.Errorf("box %d vanished from frame %d", boxID, frameIdx)
}

// SaveAnnotation stores one annotation, replacing any previous annotation
// of the same box (annotators can change their minds). The annotation's ID
// is filled in on success.
func (s *Store) SaveAnnotation(ann *Annotation) error {
	features, err := marshalFeatures(ann.Features)
	if err != nil {
		return fmt.Errorf("encoding annotation features: %w", err)
	}
	if ann.Source == "" {
		ann.Source = SourceHuman
	}
	if ann.CreatedAt == 0 {
		ann.CreatedAt = time.Now().Unix()
	}

	res, err := s.db.Exec(`
        INSERT OR REPLACE INTO annotations (video_id, box_id, label, source, features, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		ann.VideoID, ann.BoxID, string(ann.Label), ann.Source, features, ann.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving annotation: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ann.ID = id
	}
	return nil
}

// DeleteAnnotation removes the annotation of one box, if any.
func (s *Store) DeleteAnnotation(videoID string, boxID int64) error {
	if _, err := s.db.Exec(`
        DELETE FROM annotations WHERE video_id = ? AND box_id = ?`, videoID, boxID); err != nil {
		return fmt.Errorf("deleting annotation: %w", err)
	}
	return nil
}

// LoadAnnotations returns all annotations of a video, oldest first.
func (s *Store) LoadAnnotations(videoID string) ([]Annotation, error) {
	rows, err := s.db.Query(`
        SELECT id, box_id, label, source, features, created_at
        FROM annotations WHERE video_id = ? ORDER BY id`, videoID)
	if err != nil {
		return nil, fmt.Errorf("loading annotations: %w", err)
	}
	defer rows.Close()

	var anns []Annotation
	for rows.Next() {
		ann := Annotation{VideoID: videoID}
		var label, features string
		if err := rows.Scan(&ann.ID, &ann.BoxID, &label, &ann.Source, &features, &ann.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning annotation: %w", err)
		}
		ann.Label = Label(label)
		if ann.Features, err = unmarshalFeatures(features); err != nil {
			return nil, fmt.Errorf("decoding annotation %d features: %w", ann.ID, err)
		}
		anns = append(anns, ann)
	}
	return anns, rows.Err()
}

// AnnotationCounts returns total, in, and out counts of a video's
// human-sourced annotations.
func (s *Store) AnnotationCounts(videoID string) (total, in, out int, err error) {
	rows, err := s.db.Query(`
        SELECT label, COUNT(*) FROM annotations
        WHERE video_id = ? AND source = ? GROUP BY label`, videoID, SourceHuman)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("counting annotations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var label string
		var count int
		if err := rows.Scan(&label, &count); err != nil {
			return 0, 0, 0, fmt.Errorf("scanning count: %w", err)
		}
		total += count
		switch Label(label) {
		case LabelIn:
			in = count
		case LabelOut:
			out = count
		}
	}
	return total, in, out, rows.Err()
}

// UpdateBoxPrediction stores a box's new prediction together with the
// feature vector it was scored on.
func (s *Store) UpdateBoxPrediction(videoID string, boxID int64, p Prediction, features FeatureVector) error {
	encoded, err := marshalFeatures(features)
	if err != nil {
		return fmt.Errorf("encoding box features: %w", err)
	}
	res, err := s.db.Exec(`
        UPDATE boxes SET predicted_label = ?, confidence = ?, features = ?, updated_at = ?
        WHERE video_id = ? AND id = ?`,
		string(p.Label), p.Confidence, encoded, time.Now().Unix(), videoID, boxID)
	if err != nil {
		return fmt.Errorf("updating prediction for box %d: %w", boxID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("box %d not found in %s", boxID, videoID)
	}
	return nil
}

// LoadScoredBoxes returns every predicted, unannotated box of a video:
// the candidate set for recalculation. Annotated boxes are excluded
// because human labels are never overwritten by the model.
func (s *Store) LoadScoredBoxes(videoID string) ([]BoxWithPrediction, error) {
	rows, err := s.db.Query(`
        SELECT id, frame_idx, x0, y0, x1, y1, text, ocr_confidence, persistence, stability,
               predicted_label, confidence, features
        FROM boxes
        WHERE video_id = ? AND predicted_label != ''
          AND id NOT IN (SELECT box_id FROM annotations WHERE video_id = ?)
        ORDER BY frame_idx, x0, id`, videoID, videoID)
	if err != nil {
		return nil, fmt.Errorf("loading scored boxes: %w", err)
	}
	defer rows.Close()

	var boxes []BoxWithPrediction
	for rows.Next() {
		b := BoxRef{VideoID: videoID}
		var label, features string
		var confidence float64
		if err := rows.Scan(&b.ID, &b.FrameIdx, &b.X0, &b.Y0, &b.X1, &b.Y1,
			&b.Text, &b.OCRConfidence, &b.Persistence, &b.Stability,
			&label, &confidence, &features); err != nil {
			return nil, fmt.Errorf("scanning scored box: %w", err)
		}
		fv, err := unmarshalFeatures(features)
		if err != nil {
			return nil, fmt.Errorf("decoding box %d features: %w", b.ID, err)
		}
		boxes = append(boxes, BoxWithPrediction{
			Box:        b,
			Features:   fv,
			Label:      Label(label),
			Confidence: confidence,
		})
	}
	return boxes, rows.Err()
}

// LoadFramePredictions returns one frame's boxes with their current
// predictions, annotated boxes included. Boxes never scored come back with
// an empty label and zero confidence.
func (s *Store) LoadFramePredictions(videoID string, frameIdx int) ([]BoxWithPrediction, error) {
	rows, err := s.db.Query(`
        SELECT id, frame_idx, x0, y0, x1, y1, text, ocr_confidence, persistence, stability,
               predicted_label, confidence, features
        FROM boxes WHERE video_id = ? AND frame_idx = ? ORDER BY x0, id`, videoID, frameIdx)
	if err != nil {
		return nil, fmt.Errorf("loading frame predictions: %w", err)
	}
	defer rows.Close()

	var boxes []BoxWithPrediction
	for rows.Next() {
		b := BoxRef{VideoID: videoID}
		var label, features string
		var confidence float64
		if err := rows.Scan(&b.ID, &b.FrameIdx, &b.X0, &b.Y0, &b.X1, &b.Y1,
			&b.Text, &b.OCRConfidence, &b.Persistence, &b.Stability,
			&label, &confidence, &features); err != nil {
			return nil, fmt.Errorf("scanning frame prediction: %w", err)
		}
		fv, err := unmarshalFeatures(features)
		if err != nil {
			return nil, fmt.Errorf("decoding box %d features: %w", b.ID, err)
		}
		boxes = append(boxes, BoxWithPrediction{
			Box:        b,
			Features:   fv,
			Label:      Label(label),
			Confidence: confidence,
		})
	}
	return boxes, rows.Err()
}

// SaveModel appends a model snapshot and makes it current. The in-memory
// pointer swaps only after the insert commits, so concurrent readers see
// the old snapshot right up to the moment the new one is fully persisted.
func (s *Store) SaveModel(videoID string, m *Model) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding model: %w", err)
	}

	if _, err := s.db.Exec(`
        INSERT INTO models (video_id, version, payload, trained_at, samples)
        VALUES (?, ?, ?, ?, ?)`,
		videoID, m.Version, string(payload), m.TrainedAt, m.TrainingSamples); err != nil {
		return fmt.Errorf("saving model %s: %w", m.Version, err)
	}

	s.mu.Lock()
	s.current[videoID] = m
	s.mu.Unlock()
	return nil
}

// LoadCurrentModel returns the most recent model snapshot for a video, or
// nil when none has been stored yet.
func (s *Store) LoadCurrentModel(videoID string) (*Model, error) {
	s.mu.RLock()
	cached := s.current[videoID]
	s.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	var payload string
	err := s.db.QueryRow(`
        SELECT payload FROM models WHERE video_id = ?
        ORDER BY id DESC LIMIT 1`, videoID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading current model: %w", err)
	}

	var m Model
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("decoding model payload: %w", err)
	}

	s.mu.Lock()
	s.current[videoID] = &m
	s.mu.Unlock()
	return &m, nil
}

// ModelVersion is one row of a video's model history.
type ModelVersion struct {
	Version   string `json:"version"`
	TrainedAt int64  `json:"trainedAt"`
	Samples   int    `json:"samples"`
}

// ModelHistory returns the most recent model versions, newest first.
func (s *Store) ModelHistory(videoID string, limit int) ([]ModelVersion, error) {
	rows, err := s.db.Query(`
        SELECT version, trained_at, samples FROM models
        WHERE video_id = ? ORDER BY id DESC LIMIT ?`, videoID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading model history: %w", err)
	}
	defer rows.Close()

	var history []ModelVersion
	for rows.Next() {
		var v ModelVersion
		if err := rows.Scan(&v.Version, &v.TrainedAt, &v.Samples); err != nil {
			return nil, fmt.Errorf("scanning model version: %w", err)
		}
		history = append(history, v)
	}
	return history, rows.Err()
}

// SaveLayoutConfig stores a video's layout, bumping its revision so cached
// feature vectors keyed on the old revision are not reused.
func (s *Store) SaveLayoutConfig(lc *LayoutConfig) error {
	var revision int
	err := s.db.QueryRow(`
        SELECT revision FROM layouts WHERE video_id = ?`, lc.VideoID).Scan(&revision)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("reading layout revision: %w", err)
	}
	lc.Revision = revision + 1

	payload, err := json.Marshal(lc)
	if err != nil {
		return fmt.Errorf("encoding layout: %w", err)
	}
	if _, err := s.db.Exec(`
        INSERT OR REPLACE INTO layouts (video_id, payload, revision)
        VALUES (?, ?, ?)`, lc.VideoID, string(payload), lc.Revision); err != nil {
		return fmt.Errorf("saving layout: %w", err)
	}
	return nil
}

// LoadLayoutConfig returns a video's layout, or nil when none is stored.
func (s *Store) LoadLayoutConfig(videoID string) (*LayoutConfig, error) {
	var payload string
	err := s.db.QueryRow(`
        SELECT payload FROM layouts WHERE video_id = ?`, videoID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading layout: %w", err)
	}

	var lc LayoutConfig
	if err := json.Unmarshal([]byte(payload), &lc); err != nil {
		return nil, fmt.Errorf("decoding layout: %w", err)
	}
	return &lc, nil
}

func marshalFeatures(f FeatureVector) (string, error) {
	if len(f) == 0 {
		return "", nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalFeatures(s string) (FeatureVector, error) {
	if s == "" {
		return nil, nil
	}
	var f FeatureVector
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return nil, err
	}
	return f, nil
}

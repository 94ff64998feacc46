package caption

import (
	"math"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// NumFeatures is the length of every feature vector this extractor produces.
const NumFeatures = 26

// Feature indices into a FeatureVector. Order is part of the model format:
// trained models store per-index Gaussians, so reordering invalidates them.
const (
	FeatCenterX = iota // box center x / frame width
	FeatCenterY
	FeatWidth
	FeatHeight
	FeatArea
	FeatAspect // width / height, capped at 10
	FeatDistLeft
	FeatDistRight
	FeatDistTop
	FeatDistBottom
	FeatEdgeMargin   // min of the four edge distances
	FeatCenterOffset // horizontal offset from frame center, in half-widths
	FeatBandOffset   // |center y - band center|, frame units; 0.5 without a band
	FeatBandMember   // 1 inside the caption band, 0 outside; 0.5 without a band
	FeatRowAlign
	FeatRowHeightRatio
	FeatRowSpan
	FeatNeighborGapLeft  // gap to nearest row neighbor, in box heights, capped at 5
	FeatNeighborGapRight
	FeatNeighborCount // row members besides the box itself, fraction of 20
	FeatSizeRatioMedian
	FeatHeightZScore // z-score of height among frame boxes, clamped to ±5
	FeatCenterDist   // distance from frame center, in half-diagonals
	FeatOCRConfidence
	FeatPersistence
	FeatStability
)

var featureNames = [NumFeatures]string{
	"center_x", "center_y", "width", "height", "area", "aspect",
	"dist_left", "dist_right", "dist_top", "dist_bottom",
	"edge_margin", "center_offset", "band_offset", "band_member",
	"row_align", "row_height_ratio", "row_span",
	"neighbor_gap_left", "neighbor_gap_right", "neighbor_count",
	"size_ratio_median", "height_zscore", "center_dist",
	"ocr_confidence", "persistence", "stability",
}

// FeatureNames returns the canonical ordered feature names.
func FeatureNames() []string {
	names := make([]string, NumFeatures)
	copy(names, featureNames[:])
	return names
}

// FrameContext carries all boxes of one frame, including the subject box.
// The relational features (rows, neighbors, size statistics) are computed
// against these siblings.
type FrameContext struct {
	Boxes []BoxRef
}

// FeatureExtractor computes a feature vector for a box within its frame.
// Extraction must be deterministic: identical box, context, and layout
// revision always produce the identical vector.
type FeatureExtractor interface {
	Extract(box BoxRef, frame FrameContext, layout *LayoutConfig) FeatureVector
}

type featureKey struct {
	videoID  string
	boxID    int64
	revision int
	siblings int
}

// Extractor is the default FeatureExtractor. Results are memoized in an LRU
// cache; determinism makes the cached vectors safe to reuse. The key folds
// in the layout revision and the frame's box count, which together cover
// band edits and box imports, the only events that change a box's vector.
type Extractor struct {
	cache *lru.Cache[featureKey, FeatureVector]
}

// NewExtractor creates an extractor with the given cache capacity.
// A non-positive capacity falls back to 4096 entries.
func NewExtractor(cacheSize int) *Extractor {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, _ := lru.New[featureKey, FeatureVector](cacheSize)
	return &Extractor{cache: cache}
}

// Extract computes the feature vector for one box. layout may be nil; frame
// dimensions then derive from the context boxes and band features fall back
// to the neutral 0.5.
func (e *Extractor) Extract(box BoxRef, frame FrameContext, layout *LayoutConfig) FeatureVector {
	key := featureKey{
		videoID:  box.VideoID,
		boxID:    box.ID,
		siblings: len(frame.Boxes),
	}
	if layout != nil {
		key.revision = layout.Revision
	} else {
		key.revision = -1
	}
	if cached, ok := e.cache.Get(key); ok {
		out := make(FeatureVector, NumFeatures)
		copy(out, cached)
		return out
	}

	f := extractFeatures(box, frame, layout)
	e.cache.Add(key, f)

	out := make(FeatureVector, NumFeatures)
	copy(out, f)
	return out
}

func extractFeatures(box BoxRef, frame FrameContext, layout *LayoutConfig) FeatureVector {
	f := make(FeatureVector, NumFeatures)

	frameW, frameH := frameSize(frame, layout)
	b := boxBound(box)
	center := b.Center()
	w := b.Max[0] - b.Min[0]
	h := b.Max[1] - b.Min[1]
	safeH := math.Max(h, 1e-9)

	f[FeatCenterX] = center[0] / frameW
	f[FeatCenterY] = center[1] / frameH
	f[FeatWidth] = w / frameW
	f[FeatHeight] = h / frameH
	f[FeatArea] = planar.Area(b.ToRing()) / (frameW * frameH)
	f[FeatAspect] = math.Min(w/safeH, 10)

	f[FeatDistLeft] = b.Min[0] / frameW
	f[FeatDistRight] = (frameW - b.Max[0]) / frameW
	f[FeatDistTop] = b.Min[1] / frameH
	f[FeatDistBottom] = (frameH - b.Max[1]) / frameH
	f[FeatEdgeMargin] = math.Min(
		math.Min(f[FeatDistLeft], f[FeatDistRight]),
		math.Min(f[FeatDistTop], f[FeatDistBottom]),
	)
	f[FeatCenterOffset] = math.Abs(center[0]-frameW/2) / (frameW / 2)

	cyNorm := center[1] / frameH
	if layout != nil && layout.Band != nil {
		f[FeatBandOffset] = math.Abs(cyNorm - layout.Band.Center())
		if layout.Band.Contains(cyNorm) {
			f[FeatBandMember] = 1
		}
	} else {
		f[FeatBandOffset] = 0.5
		f[FeatBandMember] = 0.5
	}

	row := rowMembers(box, frame)
	rowCy, rowH := center[1], h
	rowMinX, rowMaxX := b.Min[0], b.Max[0]
	if len(row) > 0 {
		var sumCy, sumH float64
		for _, other := range row {
			ob := boxBound(other)
			sumCy += ob.Center()[1]
			sumH += ob.Max[1] - ob.Min[1]
			rowMinX = math.Min(rowMinX, ob.Min[0])
			rowMaxX = math.Max(rowMaxX, ob.Max[0])
		}
		rowCy = (sumCy + center[1]) / float64(len(row)+1)
		rowH = (sumH + h) / float64(len(row)+1)
	}
	f[FeatRowAlign] = 1 - math.Min(1, math.Abs(center[1]-rowCy)/safeH)
	f[FeatRowHeightRatio] = math.Min(h/math.Max(rowH, 1e-9), 3)
	f[FeatRowSpan] = (rowMaxX - rowMinX) / frameW

	gapLeft, gapRight := neighborGaps(b, row)
	f[FeatNeighborGapLeft] = math.Min(gapLeft/safeH, 5)
	f[FeatNeighborGapRight] = math.Min(gapRight/safeH, 5)
	f[FeatNeighborCount] = math.Min(float64(len(row))/20, 1)

	f[FeatSizeRatioMedian] = sizeRatioMedian(w*h, frame)
	f[FeatHeightZScore] = heightZScore(h, frame)

	frameCenter := orb.Point{frameW / 2, frameH / 2}
	halfDiag := math.Sqrt(frameW*frameW+frameH*frameH) / 2
	f[FeatCenterDist] = planar.Distance(center, frameCenter) / halfDiag

	f[FeatOCRConfidence] = box.OCRConfidence
	f[FeatPersistence] = box.Persistence
	f[FeatStability] = box.Stability

	return f
}

func boxBound(box BoxRef) orb.Bound {
	return orb.Bound{
		Min: orb.Point{box.X0, box.Y0},
		Max: orb.Point{box.X1, box.Y1},
	}
}

// frameSize returns the frame dimensions from the layout, or the extent of
// the context boxes when no layout is configured.
func frameSize(frame FrameContext, layout *LayoutConfig) (float64, float64) {
	if layout != nil && layout.FrameWidth > 0 && layout.FrameHeight > 0 {
		return layout.FrameWidth, layout.FrameHeight
	}
	w, h := 1.0, 1.0
	for _, b := range frame.Boxes {
		w = math.Max(w, b.X1)
		h = math.Max(h, b.Y1)
	}
	return w, h
}

// rowMembers returns the context boxes sharing a text row with the subject:
// vertical overlap of at least half the shorter box.
func rowMembers(box BoxRef, frame FrameContext) []BoxRef {
	var row []BoxRef
	h := box.Y1 - box.Y0
	for _, other := range frame.Boxes {
		if other.ID == box.ID {
			continue
		}
		oh := other.Y1 - other.Y0
		overlap := math.Min(box.Y1, other.Y1) - math.Max(box.Y0, other.Y0)
		if overlap >= 0.5*math.Min(h, oh) && overlap > 0 {
			row = append(row, other)
		}
	}
	return row
}

// neighborGaps returns the horizontal gap to the nearest row member on each
// side. Overlapping neighbors count as gap 0; a missing neighbor counts as
// infinite and is capped by the caller.
func neighborGaps(b orb.Bound, row []BoxRef) (left, right float64) {
	left, right = math.Inf(1), math.Inf(1)
	for _, other := range row {
		ob := boxBound(other)
		if ob.Center()[0] < b.Center()[0] {
			left = math.Min(left, math.Max(0, b.Min[0]-ob.Max[0]))
		} else {
			right = math.Min(right, math.Max(0, ob.Min[0]-b.Max[0]))
		}
	}
	return left, right
}

func sizeRatioMedian(area float64, frame FrameContext) float64 {
	if len(frame.Boxes) == 0 {
		return 1
	}
	areas := make([]float64, 0, len(frame.Boxes))
	for _, b := range frame.Boxes {
		areas = append(areas, (b.X1-b.X0)*(b.Y1-b.Y0))
	}
	sort.Float64s(areas)
	var median float64
	mid := len(areas) / 2
	if len(areas)%2 == 1 {
		median = areas[mid]
	} else {
		median = (areas[mid-1] + areas[mid]) / 2
	}
	if median <= 0 {
		return 1
	}
	return math.Min(area/median, 4)
}

func heightZScore(h float64, frame FrameContext) float64 {
	if len(frame.Boxes) < 2 {
		return 0
	}
	var sum float64
	for _, b := range frame.Boxes {
		sum += b.Y1 - b.Y0
	}
	mean := sum / float64(len(frame.Boxes))

	var ss float64
	for _, b := range frame.Boxes {
		d := (b.Y1 - b.Y0) - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(len(frame.Boxes)-1))
	if std <= 0 {
		return 0
	}
	z := (h - mean) / std
	return math.Max(-5, math.Min(5, z))
}

package caption

// Label classifies a box as caption text or not.
type Label string

const (
	// LabelIn marks a box that is part of the caption text.
	LabelIn Label = "in"
	// LabelOut marks a box that is not part of the caption text.
	LabelOut Label = "out"
)

// Annotation sources. Only human-sourced annotations train the model.
const (
	SourceHuman    = "human"
	SourceImported = "imported"
	SourceModel    = "model"
)

// FeatureVector is the fixed-length numeric descriptor of one box.
// Its length always equals the engine's configured feature count.
type FeatureVector []float64

// BoxRef identifies one detected box in one video frame along with the raw
// measurements feature extraction works from. Geometry is in frame pixels.
type BoxRef struct {
	ID       int64  `json:"id"`
	VideoID  string `json:"videoId"`
	FrameIdx int    `json:"frameIdx"`

	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`

	Text          string  `json:"text,omitempty"`
	OCRConfidence float64 `json:"ocrConfidence"`
	// Persistence is the fraction of adjacent frames in which a box with
	// matching geometry appears. Stability is inverse positional jitter
	// across those frames. Both are produced upstream and ride along here.
	Persistence float64 `json:"persistence"`
	Stability   float64 `json:"stability"`
}

// Annotation is one label applied to one box.
type Annotation struct {
	ID        int64         `json:"id"`
	VideoID   string        `json:"videoId"`
	BoxID     int64         `json:"boxId"`
	Label     Label         `json:"label"`
	Source    string        `json:"source"`
	Features  FeatureVector `json:"features,omitempty"`
	CreatedAt int64         `json:"createdAt"`
}

// Prediction is the model's current opinion about one box.
type Prediction struct {
	Label      Label   `json:"label"`
	Confidence float64 `json:"confidence"`
}

// BoxWithPrediction pairs a box's features with its current prediction.
type BoxWithPrediction struct {
	Box        BoxRef        `json:"box"`
	Features   FeatureVector `json:"features"`
	Label      Label         `json:"label"`
	Confidence float64       `json:"confidence"`
}

// ScoredBox is a box selected for re-scoring, ordered by how likely the
// latest annotation is to flip its prediction.
type ScoredBox struct {
	Box               BoxWithPrediction `json:"box"`
	ChangeProbability float64           `json:"changeProbability"`
}

// GaussianParams holds the per-feature normal distribution for one class.
type GaussianParams struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// FisherScore ranks one feature's class-separating power.
// Weight is the raw score normalized against the maximum, in [0, 1].
type FisherScore struct {
	Index  int     `json:"index"`
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
}

// Model is one immutable trained snapshot. Replacing the current model is
// atomic: readers see either the previous snapshot or this one, never a mix.
type Model struct {
	Version     string `json:"version"`
	TrainedAt   int64  `json:"trainedAt"`
	NumFeatures int    `json:"numFeatures"`
	Seed        bool   `json:"seed,omitempty"`

	InParams  []GaussianParams `json:"inParams"`
	OutParams []GaussianParams `json:"outParams"`
	PriorIn   float64          `json:"priorIn"`
	PriorOut  float64          `json:"priorOut"`

	TrainingSamples int `json:"trainingSamples"`
	InCount         int `json:"inCount"`
	OutCount        int `json:"outCount"`

	// Importance is present once training has seen enough samples.
	Importance []FisherScore `json:"importance,omitempty"`

	// Covariance is the pooled class covariance (row-major NumFeatures^2)
	// and CovarianceInv its inverse, used for Mahalanobis similarity.
	// DegradedInverse marks a diagonal-fallback inverse.
	Covariance      []float64 `json:"covariance,omitempty"`
	CovarianceInv   []float64 `json:"covarianceInv,omitempty"`
	DegradedInverse bool      `json:"degradedInverse,omitempty"`
	DegradedReason  string    `json:"degradedReason,omitempty"`
}

// ImportanceWeights returns per-feature weights from the model's Fisher
// scores, or nil when the model carries no importance data.
func (m *Model) ImportanceWeights() []float64 {
	if len(m.Importance) == 0 {
		return nil
	}
	w := make([]float64, m.NumFeatures)
	for _, fs := range m.Importance {
		if fs.Index >= 0 && fs.Index < m.NumFeatures {
			w[fs.Index] = fs.Weight
		}
	}
	return w
}

// CaptionBand is the horizontal strip of the frame where captions appear,
// expressed as fractions of frame height.
type CaptionBand struct {
	Top    float64 `yaml:"top" json:"top"`
	Bottom float64 `yaml:"bottom" json:"bottom"`
}

// Contains reports whether the normalized y coordinate falls inside the band.
func (b CaptionBand) Contains(yNorm float64) bool {
	return yNorm >= b.Top && yNorm <= b.Bottom
}

// Center returns the band's vertical center as a fraction of frame height.
func (b CaptionBand) Center() float64 {
	return (b.Top + b.Bottom) / 2
}

// LayoutConfig describes the frame geometry boxes are judged against.
// Band is optional; without it, band features fall back to neutral values.
// Revision increments whenever the layout is edited so cached feature
// vectors derived from an older layout are not reused.
type LayoutConfig struct {
	VideoID     string       `yaml:"videoId" json:"videoId"`
	FrameWidth  float64      `yaml:"frameWidth" json:"frameWidth"`
	FrameHeight float64      `yaml:"frameHeight" json:"frameHeight"`
	Band        *CaptionBand `yaml:"band,omitempty" json:"band,omitempty"`
	Revision    int          `yaml:"revision" json:"revision"`
}

package caption

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds the tunables of the reclassification engine.
// Probabilities, rates, and weights are in [0, 1]; counts are absolute.
type EngineConfig struct {
	MinAnnotationsForRetrain int     `yaml:"minAnnotationsForRetrain" json:"minAnnotationsForRetrain"` // Retrain only at or above this many human annotations
	MinStd                   float64 `yaml:"minStd" json:"minStd"`                                     // Floor for per-feature standard deviations
	NumFeatures              int     `yaml:"numFeatures" json:"numFeatures"`                           // Feature vector length
	MinSamplesForImportance  int     `yaml:"minSamplesForImportance" json:"minSamplesForImportance"`   // Fisher importance needs this many total samples
	MaxMahalanobisDistance   float64 `yaml:"maxMahalanobisDistance" json:"maxMahalanobisDistance"`     // Kernel width sigma for similarity scoring
	UncertaintyWeight        float64 `yaml:"uncertaintyWeight" json:"uncertaintyWeight"`               // Weight of (1 - confidence)
	SimilarityWeight         float64 `yaml:"similarityWeight" json:"similarityWeight"`                 // Weight of Mahalanobis similarity to the annotation
	BoundaryWeight           float64 `yaml:"boundaryWeight" json:"boundaryWeight"`                     // Weight of decision-boundary proximity
	MinChangeProbability     float64 `yaml:"minChangeProbability" json:"minChangeProbability"`         // Boxes scoring below this are not re-scored
	BatchSize                int     `yaml:"batchSize" json:"batchSize"`                               // Boxes re-scored per batch
	MaxBoxesPerUpdate        int     `yaml:"maxBoxesPerUpdate" json:"maxBoxesPerUpdate"`               // Hard cap on boxes per recalculation run
	ReversalWindowSize       int     `yaml:"reversalWindowSize" json:"reversalWindowSize"`             // Sliding window length for the reversal rate
	MinBoxesBeforeCheck      int     `yaml:"minBoxesBeforeCheck" json:"minBoxesBeforeCheck"`           // No early stop before this many boxes
	TargetReversalRate       float64 `yaml:"targetReversalRate" json:"targetReversalRate"`             // Stop early when the windowed rate drops below this
}

// DefaultEngineConfig returns the production defaults for the engine.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MinAnnotationsForRetrain: 10,
		MinStd:                   0.01,
		NumFeatures:              NumFeatures,
		MinSamplesForImportance:  20,
		MaxMahalanobisDistance:   5.0, // distances beyond ~5 sigma contribute essentially zero similarity
		UncertaintyWeight:        0.4,
		SimilarityWeight:         0.4,
		BoundaryWeight:           0.2,
		MinChangeProbability:     0.3,
		BatchSize:                10,
		MaxBoxesPerUpdate:        500, // keeps one annotation's ripple bounded on long videos
		ReversalWindowSize:       20,
		MinBoxesBeforeCheck:      10,
		TargetReversalRate:       0.05,
	}
}

// Normalize fills unset (zero) fields from DefaultEngineConfig and scales
// the three change-probability weights down proportionally when their sum
// exceeds 1, so combined scores stay in [0, 1]. A config with all three
// weights zero is treated as unset and gets the default weights.
func (c *EngineConfig) Normalize() {
	def := DefaultEngineConfig()
	if c.MinAnnotationsForRetrain <= 0 {
		c.MinAnnotationsForRetrain = def.MinAnnotationsForRetrain
	}
	if c.MinStd <= 0 {
		c.MinStd = def.MinStd
	}
	if c.NumFeatures <= 0 {
		c.NumFeatures = def.NumFeatures
	}
	if c.MinSamplesForImportance <= 0 {
		c.MinSamplesForImportance = def.MinSamplesForImportance
	}
	if c.MaxMahalanobisDistance <= 0 {
		c.MaxMahalanobisDistance = def.MaxMahalanobisDistance
	}
	if c.UncertaintyWeight == 0 && c.SimilarityWeight == 0 && c.BoundaryWeight == 0 {
		c.UncertaintyWeight = def.UncertaintyWeight
		c.SimilarityWeight = def.SimilarityWeight
		c.BoundaryWeight = def.BoundaryWeight
	}
	if sum := c.UncertaintyWeight + c.SimilarityWeight + c.BoundaryWeight; sum > 1 {
		c.UncertaintyWeight /= sum
		c.SimilarityWeight /= sum
		c.BoundaryWeight /= sum
	}
	if c.MinChangeProbability <= 0 {
		c.MinChangeProbability = def.MinChangeProbability
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxBoxesPerUpdate <= 0 {
		c.MaxBoxesPerUpdate = def.MaxBoxesPerUpdate
	}
	if c.ReversalWindowSize <= 0 {
		c.ReversalWindowSize = def.ReversalWindowSize
	}
	if c.MinBoxesBeforeCheck <= 0 {
		c.MinBoxesBeforeCheck = def.MinBoxesBeforeCheck
	}
	if c.TargetReversalRate <= 0 {
		c.TargetReversalRate = def.TargetReversalRate
	}
}

// Validate checks the ranges Normalize cannot repair.
func (c *EngineConfig) Validate() error {
	if c.NumFeatures <= 0 {
		return fmt.Errorf("engine.numFeatures must be positive, got %d", c.NumFeatures)
	}
	if c.MinStd <= 0 {
		return fmt.Errorf("engine.minStd must be positive, got %g", c.MinStd)
	}
	for name, w := range map[string]float64{
		"uncertaintyWeight": c.UncertaintyWeight,
		"similarityWeight":  c.SimilarityWeight,
		"boundaryWeight":    c.BoundaryWeight,
	} {
		if w < 0 || w > 1 {
			return fmt.Errorf("engine.%s must be in [0,1], got %g", name, w)
		}
	}
	if c.MinChangeProbability < 0 || c.MinChangeProbability > 1 {
		return fmt.Errorf("engine.minChangeProbability must be in [0,1], got %g", c.MinChangeProbability)
	}
	if c.TargetReversalRate < 0 || c.TargetReversalRate > 1 {
		return fmt.Errorf("engine.targetReversalRate must be in [0,1], got %g", c.TargetReversalRate)
	}
	if c.BatchSize <= 0 || c.MaxBoxesPerUpdate <= 0 || c.ReversalWindowSize <= 0 {
		return fmt.Errorf("engine batch, cap, and window sizes must be positive")
	}
	return nil
}

// MQTTConfig holds MQTT connection settings.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// VideoConfig declares one video whose boxes this instance serves.
// Layout is optional; without it, layout-relative features use neutral
// fallbacks until a layout row is stored.
type VideoConfig struct {
	ID     string        `yaml:"id" json:"id"`
	Layout *LayoutConfig `yaml:"layout,omitempty" json:"layout,omitempty"`
}

// Config is the full service configuration file.
type Config struct {
	DBPath string        `yaml:"dbPath" json:"dbPath"`
	MQTT   MQTTConfig    `yaml:"mqtt" json:"mqtt"`
	Engine EngineConfig  `yaml:"engine" json:"engine"`
	Videos []VideoConfig `yaml:"videos,omitempty" json:"videos,omitempty"`
}

// GetVideoByID returns the video config for the given ID, or nil.
func (c *Config) GetVideoByID(id string) *VideoConfig {
	for i := range c.Videos {
		if c.Videos[i].ID == id {
			return &c.Videos[i]
		}
	}
	return nil
}

// LoadConfig loads the service configuration from a YAML file, applies
// engine defaults for unset fields, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if config.DBPath == "" {
		return nil, fmt.Errorf("dbPath is required")
	}
	for i, vc := range config.Videos {
		if vc.ID == "" {
			return nil, fmt.Errorf("videos[%d].id is required", i)
		}
		if vc.Layout != nil && (vc.Layout.FrameWidth <= 0 || vc.Layout.FrameHeight <= 0) {
			return nil, fmt.Errorf("videos[%d].layout frame size must be positive for %s", i, vc.ID)
		}
	}

	config.Engine.Normalize()
	if err := config.Engine.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

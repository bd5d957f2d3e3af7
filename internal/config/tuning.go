package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for the vitals pipeline.
// Every field is optional; the Get* accessors supply the built-in default
// when a field is omitted, so partial files are safe.
type TuningConfig struct {
	// Capture and estimation cadence
	TargetFPS       *int    `json:"target_fps,omitempty"`
	DefaultFPS      *int    `json:"default_fps,omitempty"`
	HRWindowSeconds *int    `json:"hr_window_seconds,omitempty"`
	BRWindowSeconds *int    `json:"br_window_seconds,omitempty"`
	RPPGInterval    *string `json:"rppg_interval,omitempty"`   // duration string like "1s"
	RescanInterval  *string `json:"rescan_interval,omitempty"` // duration string like "1s"

	// Face detector params
	DetectorMinSize     *int     `json:"detector_min_size,omitempty"`
	DetectorMaxSize     *int     `json:"detector_max_size,omitempty"`
	DetectorShiftFactor *float64 `json:"detector_shift_factor,omitempty"`
	DetectorScaleFactor *float64 `json:"detector_scale_factor,omitempty"`
	DetectorMinQuality  *float64 `json:"detector_min_quality,omitempty"`

	// Feature tracking params
	MinCorners             *int     `json:"min_corners,omitempty"`
	MaxCorners             *int     `json:"max_corners,omitempty"`
	FeatureQuality         *float64 `json:"feature_quality,omitempty"`
	FeatureMinDistance     *float64 `json:"feature_min_distance,omitempty"`
	FlowWindow             *int     `json:"flow_window,omitempty"`
	FlowPyramidLevels      *int     `json:"flow_pyramid_levels,omitempty"`
	FlowMaxIterations      *int     `json:"flow_max_iterations,omitempty"`
	FlowEpsilon            *float64 `json:"flow_epsilon,omitempty"`
	FlowBacktrackThreshold *float64 `json:"flow_backtrack_threshold,omitempty"`

	// Background model and movement params
	BgHistory         *int     `json:"bg_history,omitempty"`
	BgVarThreshold    *float64 `json:"bg_var_threshold,omitempty"`
	MovementThreshold *float64 `json:"movement_threshold,omitempty"`
	MovementAlpha     *float64 `json:"movement_alpha,omitempty"`
	MovementScale     *float64 `json:"movement_scale,omitempty"`
	MovementHistory   *int     `json:"movement_history,omitempty"`
	MovementWindow    *string  `json:"movement_window,omitempty"` // duration string like "5s"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/vitals/pipeline/
		"../../../../" + DefaultConfigPath, // from internal/vitals/storage/sqlite/
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	positiveInts := []struct {
		name string
		v    *int
	}{
		{"target_fps", c.TargetFPS},
		{"default_fps", c.DefaultFPS},
		{"hr_window_seconds", c.HRWindowSeconds},
		{"br_window_seconds", c.BRWindowSeconds},
		{"min_corners", c.MinCorners},
		{"max_corners", c.MaxCorners},
		{"flow_window", c.FlowWindow},
		{"flow_max_iterations", c.FlowMaxIterations},
		{"bg_history", c.BgHistory},
		{"movement_history", c.MovementHistory},
	}
	for _, p := range positiveInts {
		if p.v != nil && *p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, *p.v)
		}
	}

	if c.MinCorners != nil && c.MaxCorners != nil && *c.MinCorners > *c.MaxCorners {
		return fmt.Errorf("min_corners (%d) must not exceed max_corners (%d)", *c.MinCorners, *c.MaxCorners)
	}
	if c.FlowPyramidLevels != nil && (*c.FlowPyramidLevels < 0 || *c.FlowPyramidLevels > 6) {
		return fmt.Errorf("flow_pyramid_levels must be in [0, 6], got %d", *c.FlowPyramidLevels)
	}
	if c.FeatureQuality != nil && (*c.FeatureQuality <= 0 || *c.FeatureQuality >= 1) {
		return fmt.Errorf("feature_quality must be in (0, 1), got %f", *c.FeatureQuality)
	}
	if c.FlowBacktrackThreshold != nil && *c.FlowBacktrackThreshold < 0 {
		return fmt.Errorf("flow_backtrack_threshold must be non-negative, got %f", *c.FlowBacktrackThreshold)
	}
	if c.DetectorScaleFactor != nil && *c.DetectorScaleFactor <= 1 {
		return fmt.Errorf("detector_scale_factor must be greater than 1, got %f", *c.DetectorScaleFactor)
	}
	if c.DetectorMinSize != nil && c.DetectorMaxSize != nil && *c.DetectorMinSize > *c.DetectorMaxSize {
		return fmt.Errorf("detector_min_size (%d) must not exceed detector_max_size (%d)", *c.DetectorMinSize, *c.DetectorMaxSize)
	}
	if c.MovementAlpha != nil && (*c.MovementAlpha <= 0 || *c.MovementAlpha > 1) {
		return fmt.Errorf("movement_alpha must be in (0, 1], got %f", *c.MovementAlpha)
	}
	if c.MovementThreshold != nil && (*c.MovementThreshold < 0 || *c.MovementThreshold > 1) {
		return fmt.Errorf("movement_threshold must be between 0 and 1, got %f", *c.MovementThreshold)
	}
	if c.BgVarThreshold != nil && (*c.BgVarThreshold <= 0 || math.IsNaN(*c.BgVarThreshold)) {
		return fmt.Errorf("bg_var_threshold must be positive, got %f", *c.BgVarThreshold)
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"rppg_interval", c.RPPGInterval},
		{"rescan_interval", c.RescanInterval},
		{"movement_window", c.MovementWindow},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.v)
		}
	}

	return nil
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def // default on parse error
	}
	return d
}

// GetTargetFPS returns the capture rate the frame cycle is scheduled at.
func (c *TuningConfig) GetTargetFPS() int {
	if c.TargetFPS == nil {
		return 30
	}
	return *c.TargetFPS
}

// GetDefaultFPS returns the fallback frame rate used when fewer than two
// samples (or an unusable time span) are available for an fps estimate.
func (c *TuningConfig) GetDefaultFPS() int {
	if c.DefaultFPS == nil {
		return 30
	}
	return *c.DefaultFPS
}

// GetHRWindowSeconds returns the heart-rate analysis window.
func (c *TuningConfig) GetHRWindowSeconds() int {
	if c.HRWindowSeconds == nil {
		return 10
	}
	return *c.HRWindowSeconds
}

// GetBRWindowSeconds returns the breathing-rate analysis window.
func (c *TuningConfig) GetBRWindowSeconds() int {
	if c.BRWindowSeconds == nil {
		return 30
	}
	return *c.BRWindowSeconds
}

// GetRPPGInterval parses and returns the rate-estimation cadence.
func (c *TuningConfig) GetRPPGInterval() time.Duration {
	return parseDurationOr(c.RPPGInterval, time.Second)
}

// GetRescanInterval parses and returns the mandatory face re-detection interval.
func (c *TuningConfig) GetRescanInterval() time.Duration {
	return parseDurationOr(c.RescanInterval, time.Second)
}

// GetDetectorMinSize returns the smallest face size (pixels) the cascade scans for.
func (c *TuningConfig) GetDetectorMinSize() int {
	if c.DetectorMinSize == nil {
		return 60
	}
	return *c.DetectorMinSize
}

// GetDetectorMaxSize returns the largest face size (pixels) the cascade scans for.
func (c *TuningConfig) GetDetectorMaxSize() int {
	if c.DetectorMaxSize == nil {
		return 1000
	}
	return *c.DetectorMaxSize
}

// GetDetectorShiftFactor returns the sliding-window step as a fraction of the window size.
func (c *TuningConfig) GetDetectorShiftFactor() float64 {
	if c.DetectorShiftFactor == nil {
		return 0.1
	}
	return *c.DetectorShiftFactor
}

// GetDetectorScaleFactor returns the multiplicative scale step between cascade passes.
func (c *TuningConfig) GetDetectorScaleFactor() float64 {
	if c.DetectorScaleFactor == nil {
		return 1.1
	}
	return *c.DetectorScaleFactor
}

// GetDetectorMinQuality returns the minimum detection score kept.
func (c *TuningConfig) GetDetectorMinQuality() float64 {
	if c.DetectorMinQuality == nil {
		return 5.0
	}
	return *c.DetectorMinQuality
}

// GetMinCorners returns the fewest matched feature points that keep tracking alive.
func (c *TuningConfig) GetMinCorners() int {
	if c.MinCorners == nil {
		return 5
	}
	return *c.MinCorners
}

// GetMaxCorners returns the most feature points selected per tracked update.
func (c *TuningConfig) GetMaxCorners() int {
	if c.MaxCorners == nil {
		return 10
	}
	return *c.MaxCorners
}

// GetFeatureQuality returns the corner response cut-off relative to the strongest corner.
func (c *TuningConfig) GetFeatureQuality() float64 {
	if c.FeatureQuality == nil {
		return 0.01
	}
	return *c.FeatureQuality
}

// GetFeatureMinDistance returns the minimum pixel spacing between selected corners.
func (c *TuningConfig) GetFeatureMinDistance() float64 {
	if c.FeatureMinDistance == nil {
		return 10
	}
	return *c.FeatureMinDistance
}

// GetFlowWindow returns the Lucas-Kanade integration window side (pixels).
func (c *TuningConfig) GetFlowWindow() int {
	if c.FlowWindow == nil {
		return 15
	}
	return *c.FlowWindow
}

// GetFlowPyramidLevels returns the number of pyramid levels above the base image.
func (c *TuningConfig) GetFlowPyramidLevels() int {
	if c.FlowPyramidLevels == nil {
		return 2
	}
	return *c.FlowPyramidLevels
}

// GetFlowMaxIterations returns the per-level iteration cap for flow refinement.
func (c *TuningConfig) GetFlowMaxIterations() int {
	if c.FlowMaxIterations == nil {
		return 10
	}
	return *c.FlowMaxIterations
}

// GetFlowEpsilon returns the per-level convergence threshold (pixels).
func (c *TuningConfig) GetFlowEpsilon() float64 {
	if c.FlowEpsilon == nil {
		return 0.03
	}
	return *c.FlowEpsilon
}

// GetFlowBacktrackThreshold returns the maximum forward-backward round-trip
// error (pixels) a tracked point may have. Zero disables the check.
func (c *TuningConfig) GetFlowBacktrackThreshold() float64 {
	if c.FlowBacktrackThreshold == nil {
		return 2.0
	}
	return *c.FlowBacktrackThreshold
}

// GetBgHistory returns the background model history length in frames.
func (c *TuningConfig) GetBgHistory() int {
	if c.BgHistory == nil {
		return 500
	}
	return *c.BgHistory
}

// GetBgVarThreshold returns the squared Mahalanobis distance above which a
// pixel is classified as foreground.
func (c *TuningConfig) GetBgVarThreshold() float64 {
	if c.BgVarThreshold == nil {
		return 16
	}
	return *c.BgVarThreshold
}

// GetMovementThreshold returns the raw foreground ratio above which the
// smoothed score attacks towards the new value.
func (c *TuningConfig) GetMovementThreshold() float64 {
	if c.MovementThreshold == nil {
		return 0.01
	}
	return *c.MovementThreshold
}

// GetMovementAlpha returns the exponential smoothing factor.
func (c *TuningConfig) GetMovementAlpha() float64 {
	if c.MovementAlpha == nil {
		return 0.5
	}
	return *c.MovementAlpha
}

// GetMovementScale returns the factor mapping the smoothed ratio onto 0-100.
func (c *TuningConfig) GetMovementScale() float64 {
	if c.MovementScale == nil {
		return 1000
	}
	return *c.MovementScale
}

// GetMovementHistory returns the rolling movement history capacity.
func (c *TuningConfig) GetMovementHistory() int {
	if c.MovementHistory == nil {
		return 30
	}
	return *c.MovementHistory
}

// GetMovementWindow returns the averaging window for the reported movement.
func (c *TuningConfig) GetMovementWindow() time.Duration {
	return parseDurationOr(c.MovementWindow, 5*time.Second)
}

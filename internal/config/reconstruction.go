package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical reconstruction defaults file.
const DefaultConfigPath = "config/reconstruction.defaults.json"

// Accepted values for the enumerated string options.
const (
	ProjDistanceCart  = "cart"
	ProjDistanceWGS84 = "wgs84"

	StepFailReturnInvalid = "return_invalid"
	StepFailReinit        = "reinit"

	SmoothFailStop       = "stop"
	SmoothFailSetInvalid = "set_invalid"

	InterpModeHalf   = "half"
	InterpModeLinear = "linear"
	InterpModeStdDev = "stddev"
	InterpModeVar    = "var"
)

// ReconstructionConfig is the root configuration for trajectory
// reconstruction. Every field is optional; the Get* methods supply the
// defaults for anything the file leaves out.
type ReconstructionConfig struct {
	// Filter noise
	QVar               *float64 `json:"q_var,omitempty"`
	RVarUndef          *float64 `json:"r_var_undef,omitempty"`
	UseMeasurementQVar *bool    `json:"use_measurement_q_var,omitempty"`

	// Default measurement uncertainty (stddev)
	DefaultPosStdDev   *float64 `json:"default_pos_stddev,omitempty"`
	DefaultSpeedStdDev *float64 `json:"default_speed_stddev,omitempty"`
	DefaultAccStdDev   *float64 `json:"default_acc_stddev,omitempty"`

	// Step / reinit
	MinDt               *float64 `json:"min_dt,omitempty"`
	MaxDt               *float64 `json:"max_dt,omitempty"`
	MinPredDt           *float64 `json:"min_pred_dt,omitempty"`
	MaxDistanceCart     *float64 `json:"max_distance_cart,omitempty"`
	ReinitCheckTime     *bool    `json:"reinit_check_time,omitempty"`
	ReinitCheckDistance *bool    `json:"reinit_check_distance,omitempty"`
	StepFailStrategy    *string  `json:"step_fail_strategy,omitempty"`

	// Projection maintenance
	ProjDistanceCheck    *string  `json:"proj_distance_check,omitempty"`
	MaxProjDistanceCart  *float64 `json:"max_proj_distance_cart,omitempty"`
	MaxProjDistanceWGS84 *float64 `json:"max_proj_distance_wgs84,omitempty"`

	// Smoothing
	Smooth             *bool    `json:"smooth,omitempty"`
	SmoothingScale     *float64 `json:"smoothing_scale,omitempty"`
	SmoothFailStrategy *string  `json:"smooth_fail_strategy,omitempty"`

	// Resampling
	Resample             *bool    `json:"resample,omitempty"`
	ResampleDt           *float64 `json:"resample_dt,omitempty"`
	ResampleQVar         *float64 `json:"resample_q_var,omitempty"`
	ResampleInterpMode   *string  `json:"resample_interp_mode,omitempty"`
	FixPredictions       *bool    `json:"fix_predictions,omitempty"`
	FixPredictionsInterp *bool    `json:"fix_predictions_interp,omitempty"`

	// Measurement interpolation before filtering
	InterpMeasurements             *bool    `json:"interp_measurements,omitempty"`
	InterpSampleDt                 *float64 `json:"interp_sample_dt,omitempty"`
	InterpMaxDt                    *float64 `json:"interp_max_dt,omitempty"`
	InterpMinLen                   *float64 `json:"interp_min_len,omitempty"`
	InterpCheckFishySegments       *bool    `json:"interp_check_fishy_segments,omitempty"`
	InterpMaxSegmentDistanceFactor *float64 `json:"interp_max_segment_distance_factor,omitempty"`

	// Chain
	MaxPredictionTDiff   *float64 `json:"max_prediction_tdiff,omitempty"`
	MaxReestimUpdates    *int     `json:"max_reestim_updates,omitempty"`
	MaxReestimDuration   *float64 `json:"max_reestim_duration,omitempty"`
	ReestimResidualState *float64 `json:"reestim_residual_state,omitempty"`
	ReestimResidualCov   *float64 `json:"reestim_residual_cov,omitempty"`

	// Runtime
	Verbosity *int `json:"verbosity,omitempty"`
	Workers   *int `json:"workers,omitempty"`
}

// EmptyConfig returns a ReconstructionConfig with all fields nil.
func EmptyConfig() *ReconstructionConfig {
	return &ReconstructionConfig{}
}

// LoadConfig loads a ReconstructionConfig from a JSON file.
// Fields omitted from the file fall back to their defaults, so partial
// configs are safe.
func LoadConfig(path string) (*ReconstructionConfig, error) {
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
	return ParseConfig(data)
}

// ParseConfig decodes and validates a JSON document.
func ParseConfig(data []byte) (*ReconstructionConfig, error) {
	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents up to the repository
// root. Panics if the file cannot be loaded; intended for tests and tools.
func MustLoadDefaultConfig() *ReconstructionConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/reconstruct/
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run from repository root")
}

// Validate checks that the configuration values are valid.
func (c *ReconstructionConfig) Validate() error {
	positive := []struct {
		name string
		v    *float64
	}{
		{"q_var", c.QVar},
		{"r_var_undef", c.RVarUndef},
		{"default_pos_stddev", c.DefaultPosStdDev},
		{"default_speed_stddev", c.DefaultSpeedStdDev},
		{"default_acc_stddev", c.DefaultAccStdDev},
		{"min_dt", c.MinDt},
		{"max_dt", c.MaxDt},
		{"min_pred_dt", c.MinPredDt},
		{"max_distance_cart", c.MaxDistanceCart},
		{"max_proj_distance_cart", c.MaxProjDistanceCart},
		{"max_proj_distance_wgs84", c.MaxProjDistanceWGS84},
		{"resample_dt", c.ResampleDt},
		{"resample_q_var", c.ResampleQVar},
		{"max_prediction_tdiff", c.MaxPredictionTDiff},
		{"interp_sample_dt", c.InterpSampleDt},
		{"interp_max_dt", c.InterpMaxDt},
		{"interp_max_segment_distance_factor", c.InterpMaxSegmentDistanceFactor},
		{"max_reestim_duration", c.MaxReestimDuration},
	}
	for _, p := range positive {
		if p.v != nil && *p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", p.name, *p.v)
		}
	}

	if c.SmoothingScale != nil && (*c.SmoothingScale <= 0 || *c.SmoothingScale > 1) {
		return fmt.Errorf("smoothing_scale must be in (0, 1], got %f", *c.SmoothingScale)
	}
	if c.MinDt != nil && c.MaxDt != nil && *c.MinDt >= *c.MaxDt {
		return fmt.Errorf("min_dt (%f) must be smaller than max_dt (%f)", *c.MinDt, *c.MaxDt)
	}
	if c.GetResampleDt() <= c.GetMinDt() {
		return fmt.Errorf("resample_dt (%f) must be larger than min_dt (%f)", c.GetResampleDt(), c.GetMinDt())
	}
	if c.InterpMinLen != nil && *c.InterpMinLen < 0 {
		return fmt.Errorf("interp_min_len must be non-negative, got %f", *c.InterpMinLen)
	}
	if c.ReestimResidualState != nil && *c.ReestimResidualState < 0 {
		return fmt.Errorf("reestim_residual_state must be non-negative, got %f", *c.ReestimResidualState)
	}
	if c.ReestimResidualCov != nil && *c.ReestimResidualCov < 0 {
		return fmt.Errorf("reestim_residual_cov must be non-negative, got %f", *c.ReestimResidualCov)
	}
	if c.MaxReestimUpdates != nil && *c.MaxReestimUpdates < 0 {
		return fmt.Errorf("max_reestim_updates must be non-negative, got %d", *c.MaxReestimUpdates)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}

	if err := oneOf("proj_distance_check", c.ProjDistanceCheck, ProjDistanceCart, ProjDistanceWGS84); err != nil {
		return err
	}
	if err := oneOf("step_fail_strategy", c.StepFailStrategy, StepFailReturnInvalid, StepFailReinit); err != nil {
		return err
	}
	if err := oneOf("smooth_fail_strategy", c.SmoothFailStrategy, SmoothFailStop, SmoothFailSetInvalid); err != nil {
		return err
	}
	return oneOf("resample_interp_mode", c.ResampleInterpMode,
		InterpModeHalf, InterpModeLinear, InterpModeStdDev, InterpModeVar)
}

func oneOf(name string, v *string, allowed ...string) error {
	if v == nil {
		return nil
	}
	for _, a := range allowed {
		if *v == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q (allowed: %v)", name, *v, allowed)
}

func getFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func getBool(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func getInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func getString(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

// GetQVar returns the process noise variance or the default.
func (c *ReconstructionConfig) GetQVar() float64 { return getFloat(c.QVar, 900) }

// GetRVarUndef returns the variance used for unobserved state components.
func (c *ReconstructionConfig) GetRVarUndef() float64 { return getFloat(c.RVarUndef, 1000*1000) }

// GetUseMeasurementQVar reports whether per-measurement process noise overrides q_var.
func (c *ReconstructionConfig) GetUseMeasurementQVar() bool {
	return getBool(c.UseMeasurementQVar, false)
}

// GetDefaultPosStdDev returns the fallback position stddev in metres.
func (c *ReconstructionConfig) GetDefaultPosStdDev() float64 { return getFloat(c.DefaultPosStdDev, 30) }

// GetDefaultSpeedStdDev returns the fallback speed stddev in m/s.
func (c *ReconstructionConfig) GetDefaultSpeedStdDev() float64 {
	return getFloat(c.DefaultSpeedStdDev, 10)
}

// GetDefaultAccStdDev returns the fallback acceleration stddev in m/s².
func (c *ReconstructionConfig) GetDefaultAccStdDev() float64 { return getFloat(c.DefaultAccStdDev, 10) }

func (c *ReconstructionConfig) GetMinDt() float64     { return getFloat(c.MinDt, 0.001) }
func (c *ReconstructionConfig) GetMaxDt() float64     { return getFloat(c.MaxDt, 11) }
func (c *ReconstructionConfig) GetMinPredDt() float64 { return getFloat(c.MinPredDt, 0.001) }

// GetMaxDistanceCart returns the reinit distance threshold in metres.
func (c *ReconstructionConfig) GetMaxDistanceCart() float64 {
	return getFloat(c.MaxDistanceCart, 50000)
}

func (c *ReconstructionConfig) GetReinitCheckTime() bool { return getBool(c.ReinitCheckTime, true) }
func (c *ReconstructionConfig) GetReinitCheckDistance() bool {
	return getBool(c.ReinitCheckDistance, false)
}

// GetStepFailStrategy returns "return_invalid" or "reinit".
func (c *ReconstructionConfig) GetStepFailStrategy() string {
	return getString(c.StepFailStrategy, StepFailReturnInvalid)
}

// GetProjDistanceCheck returns "cart" or "wgs84".
func (c *ReconstructionConfig) GetProjDistanceCheck() string {
	return getString(c.ProjDistanceCheck, ProjDistanceCart)
}

func (c *ReconstructionConfig) GetMaxProjDistanceCart() float64 {
	return getFloat(c.MaxProjDistanceCart, 20000)
}

func (c *ReconstructionConfig) GetMaxProjDistanceWGS84() float64 {
	return getFloat(c.MaxProjDistanceWGS84, 0.2)
}

func (c *ReconstructionConfig) GetSmooth() bool            { return getBool(c.Smooth, true) }
func (c *ReconstructionConfig) GetSmoothingScale() float64 { return getFloat(c.SmoothingScale, 1.0) }

// GetSmoothFailStrategy returns "stop" or "set_invalid".
func (c *ReconstructionConfig) GetSmoothFailStrategy() string {
	return getString(c.SmoothFailStrategy, SmoothFailSetInvalid)
}

func (c *ReconstructionConfig) GetResample() bool           { return getBool(c.Resample, false) }
func (c *ReconstructionConfig) GetResampleDt() float64      { return getFloat(c.ResampleDt, 2) }
func (c *ReconstructionConfig) GetResampleQVar() float64    { return getFloat(c.ResampleQVar, 100) }
func (c *ReconstructionConfig) GetFixPredictions() bool     { return getBool(c.FixPredictions, true) }
func (c *ReconstructionConfig) GetFixPredictionsInterp() bool {
	return getBool(c.FixPredictionsInterp, false)
}

// GetResampleInterpMode returns the blend policy used when resampling.
func (c *ReconstructionConfig) GetResampleInterpMode() string {
	return getString(c.ResampleInterpMode, InterpModeVar)
}

// GetInterpMeasurements reports whether measurements are resampled along a
// spline before filtering.
func (c *ReconstructionConfig) GetInterpMeasurements() bool {
	return getBool(c.InterpMeasurements, false)
}

func (c *ReconstructionConfig) GetInterpSampleDt() float64 { return getFloat(c.InterpSampleDt, 1) }

// GetInterpMaxDt returns the gap in seconds that splits measurements into
// independently interpolated parts.
func (c *ReconstructionConfig) GetInterpMaxDt() float64 { return getFloat(c.InterpMaxDt, 30) }

// GetInterpMinLen returns the smallest move, in degrees, that makes a
// measurement a spline knot.
func (c *ReconstructionConfig) GetInterpMinLen() float64 { return getFloat(c.InterpMinLen, 0) }

func (c *ReconstructionConfig) GetInterpCheckFishySegments() bool {
	return getBool(c.InterpCheckFishySegments, true)
}

func (c *ReconstructionConfig) GetInterpMaxSegmentDistanceFactor() float64 {
	return getFloat(c.InterpMaxSegmentDistanceFactor, 1)
}

// GetMaxPredictionTDiff returns the largest time gap a chain will predict across.
func (c *ReconstructionConfig) GetMaxPredictionTDiff() float64 {
	return getFloat(c.MaxPredictionTDiff, 10)
}

func (c *ReconstructionConfig) GetMaxReestimUpdates() int { return getInt(c.MaxReestimUpdates, 10) }
func (c *ReconstructionConfig) GetMaxReestimDuration() float64 {
	return getFloat(c.MaxReestimDuration, 30)
}
func (c *ReconstructionConfig) GetReestimResidualState() float64 {
	return getFloat(c.ReestimResidualState, 1e-3)
}
func (c *ReconstructionConfig) GetReestimResidualCov() float64 {
	return getFloat(c.ReestimResidualCov, 1e-3)
}

func (c *ReconstructionConfig) GetVerbosity() int { return getInt(c.Verbosity, 0) }

// GetWorkers returns the worker count; 0 means use GOMAXPROCS.
func (c *ReconstructionConfig) GetWorkers() int { return getInt(c.Workers, 0) }

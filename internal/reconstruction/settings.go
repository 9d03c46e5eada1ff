package reconstruction

import (
	"errors"

	"github.com/banshee-data/trajectory/internal/config"
	"github.com/banshee-data/trajectory/internal/kalman"
)

// ErrNotInitialized is returned when an estimator or tracker is used before
// it has been initialised from a measurement or update.
var ErrNotInitialized = errors.New("reconstruction: not initialized")

// StepResult is the outcome of Estimator.KalmanStep.
type StepResult int

const (
	StepSuccess StepResult = iota
	StepFailStepTooSmall
	StepFailKalmanError
)

func (r StepResult) String() string {
	switch r {
	case StepSuccess:
		return "success"
	case StepFailStepTooSmall:
		return "step too small"
	case StepFailKalmanError:
		return "kalman error"
	}
	return "unknown"
}

// ReinitState tells why a measurement forces a reinitialisation.
type ReinitState int

const (
	ReinitNotNeeded ReinitState = iota
	ReinitTime
	ReinitDistance
)

// ReinitCheck enables the reinitialisation criteria.
type ReinitCheck uint8

const (
	ReinitCheckTime ReinitCheck = 1 << iota
	ReinitCheckDistance
)

// StepFailStrategy decides what happens when a filter step fails.
type StepFailStrategy int

const (
	StepFailReturnInvalid StepFailStrategy = iota
	StepFailReinit
)

// SmoothFailStrategy decides what happens when a smoothing step fails.
type SmoothFailStrategy int

const (
	SmoothFailStop SmoothFailStrategy = iota
	SmoothFailSetInvalid
)

// StateInterpMode selects the blend factor between two one-sided
// predictions during resampling.
type StateInterpMode int

const (
	InterpHalf StateInterpMode = iota
	InterpLinear
	InterpStdDev
	InterpVar
)

// CovMatInterpMode selects how covariances are blended.
type CovMatInterpMode int

const (
	CovInterpLinear CovMatInterpMode = iota
	CovInterpNearestNeighbor
	CovInterpWasserstein
)

// ProjDistanceCheck selects the metric deciding when the projection
// origin must move.
type ProjDistanceCheck int

const (
	ProjCheckCart ProjDistanceCheck = iota
	ProjCheckWGS84
)

// StepInfo describes the last estimator step.
type StepInfo struct {
	Result StepResult
	// KalmanErr is the filter error of a failed step, including one that
	// was recovered by reinitialising.
	KalmanErr       error
	ReinitAfterFail bool
	ProjChanged     bool
	Reinit          ReinitState
}

// Reset clears the step info.
func (s *StepInfo) Reset() { *s = StepInfo{} }

// EstimatorSettings configures an Estimator.
type EstimatorSettings struct {
	QVar               float64
	RVarUndef          float64
	UseMeasurementQVar bool
	DefaultUncert      Uncertainty

	MinDt           float64
	MaxDt           float64
	MinPredDt       float64
	MaxDistanceCart float64
	ReinitCheck     ReinitCheck

	StepFailStrategy StepFailStrategy

	ProjDistanceCheck    ProjDistanceCheck
	MaxProjDistanceCart  float64
	MaxProjDistanceWGS84 float64

	SmoothScale        float64
	SmoothFailStrategy SmoothFailStrategy

	ResampleDt         float64
	ResampleQVar       float64
	ResampleInterpMode StateInterpMode
	ResampleCovMode    CovMatInterpMode

	FixPredictions       bool
	FixPredictionsInterp bool

	Verbosity int
}

// DefaultEstimatorSettings returns settings built from an empty config,
// i.e. every built-in default.
func DefaultEstimatorSettings() EstimatorSettings {
	return EstimatorSettingsFromConfig(config.EmptyConfig())
}

// EstimatorSettingsFromConfig builds estimator settings from a loaded config.
func EstimatorSettingsFromConfig(cfg *config.ReconstructionConfig) EstimatorSettings {
	s := EstimatorSettings{
		QVar:               cfg.GetQVar(),
		RVarUndef:          cfg.GetRVarUndef(),
		UseMeasurementQVar: cfg.GetUseMeasurementQVar(),
		DefaultUncert: Uncertainty{
			PosVar:   sqr(cfg.GetDefaultPosStdDev()),
			SpeedVar: sqr(cfg.GetDefaultSpeedStdDev()),
			AccVar:   sqr(cfg.GetDefaultAccStdDev()),
		},
		MinDt:                cfg.GetMinDt(),
		MaxDt:                cfg.GetMaxDt(),
		MinPredDt:            cfg.GetMinPredDt(),
		MaxDistanceCart:      cfg.GetMaxDistanceCart(),
		MaxProjDistanceCart:  cfg.GetMaxProjDistanceCart(),
		MaxProjDistanceWGS84: cfg.GetMaxProjDistanceWGS84(),
		SmoothScale:          cfg.GetSmoothingScale(),
		ResampleDt:           cfg.GetResampleDt(),
		ResampleQVar:         cfg.GetResampleQVar(),
		ResampleCovMode:      CovInterpLinear,
		FixPredictions:       cfg.GetFixPredictions(),
		FixPredictionsInterp: cfg.GetFixPredictionsInterp(),
		Verbosity:            cfg.GetVerbosity(),
	}
	if cfg.GetReinitCheckTime() {
		s.ReinitCheck |= ReinitCheckTime
	}
	if cfg.GetReinitCheckDistance() {
		s.ReinitCheck |= ReinitCheckDistance
	}
	if cfg.GetStepFailStrategy() == config.StepFailReinit {
		s.StepFailStrategy = StepFailReinit
	}
	if cfg.GetProjDistanceCheck() == config.ProjDistanceWGS84 {
		s.ProjDistanceCheck = ProjCheckWGS84
	}
	if cfg.GetSmoothFailStrategy() == config.SmoothFailSetInvalid {
		s.SmoothFailStrategy = SmoothFailSetInvalid
	}
	switch cfg.GetResampleInterpMode() {
	case config.InterpModeLinear:
		s.ResampleInterpMode = InterpLinear
	case config.InterpModeStdDev:
		s.ResampleInterpMode = InterpStdDev
	case config.InterpModeVar:
		s.ResampleInterpMode = InterpVar
	default:
		s.ResampleInterpMode = InterpHalf
	}
	return s
}

// ChainSettings configures a Chain.
type ChainSettings struct {
	MaxPredictionTDiff float64
	MaxReestimUpdates  int
	MaxReestimDuration float64

	ReestimResidualState float64
	ReestimResidualCov   float64

	Verbosity int
}

// DefaultChainSettings returns the built-in chain defaults.
func DefaultChainSettings() ChainSettings {
	return ChainSettingsFromConfig(config.EmptyConfig())
}

// ChainSettingsFromConfig builds chain settings from a loaded config.
func ChainSettingsFromConfig(cfg *config.ReconstructionConfig) ChainSettings {
	return ChainSettings{
		MaxPredictionTDiff:   cfg.GetMaxPredictionTDiff(),
		MaxReestimUpdates:    cfg.GetMaxReestimUpdates(),
		MaxReestimDuration:   cfg.GetMaxReestimDuration(),
		ReestimResidualState: cfg.GetReestimResidualState(),
		ReestimResidualCov:   cfg.GetReestimResidualCov(),
		Verbosity:            cfg.GetVerbosity(),
	}
}

// SplineSettings configures a SplineInterpolator. Distances are in the
// units of CoordSystem: degrees for CoordWGS84, metres for CoordCart.
type SplineSettings struct {
	// SampleDt is the interval in seconds between generated measurements.
	SampleDt float64
	// MaxDt splits the input where consecutive measurements are further
	// apart; the parts are interpolated independently.
	MaxDt float64
	// MinDt and MinLen keep measurements closer than this to the previous
	// knot out of the spline.
	MinDt  float64
	MinLen float64

	CheckFishySegments       bool
	MaxSegmentDistanceFactor float64

	CoordSystem CoordSystem
	CovMode     CovMatInterpMode
}

// DefaultSplineSettings returns the built-in interpolation defaults.
func DefaultSplineSettings() SplineSettings {
	return SplineSettingsFromConfig(config.EmptyConfig())
}

// SplineSettingsFromConfig builds interpolation settings from a loaded
// config. Measurements are interpolated in WGS84 with linear covariance
// blending.
func SplineSettingsFromConfig(cfg *config.ReconstructionConfig) SplineSettings {
	return SplineSettings{
		SampleDt:                 cfg.GetInterpSampleDt(),
		MaxDt:                    cfg.GetInterpMaxDt(),
		MinDt:                    cfg.GetMinDt(),
		MinLen:                   cfg.GetInterpMinLen(),
		CheckFishySegments:       cfg.GetInterpCheckFishySegments(),
		MaxSegmentDistanceFactor: cfg.GetInterpMaxSegmentDistanceFactor(),
		CoordSystem:              CoordWGS84,
		CovMode:                  CovInterpLinear,
	}
}

// kalmanErrKind maps a filter error to a short label for logs and counters.
func kalmanErrKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, kalman.ErrNumeric):
		return "numeric"
	case errors.Is(err, kalman.ErrInvalidState):
		return "invalid state"
	}
	return "other"
}

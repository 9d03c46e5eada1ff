package reconstruction

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Reference is a reconstructed trajectory sample. The embedded measurement
// carries position, velocity and their standard deviations; the flags
// describe how the sample was produced.
type Reference struct {
	Measurement

	// ResetPos marks the first sample of a new filter chain.
	ResetPos bool `json:"reset_pos,omitempty"`
	// ProjChangePos marks samples where the projection origin moved.
	ProjChangePos bool `json:"projchange_pos,omitempty"`
	// RefInterp marks samples produced by resampling.
	RefInterp bool `json:"ref_interp,omitempty"`

	NoSpeedPos  bool `json:"nospeed_pos,omitempty"`
	NoAccelPos  bool `json:"noaccel_pos,omitempty"`
	NoStdDevPos bool `json:"nostddev_pos,omitempty"`

	// SpeedTipLat/SpeedTipLon is where the velocity vector ends after one
	// second, for drawing heading lines. Only set on request.
	SpeedTipLat *float64 `json:"speed_tip_lat,omitempty"`
	SpeedTipLon *float64 `json:"speed_tip_lon,omitempty"`

	Cov *mat.Dense `json:"-"`
}

// Speed returns the ground speed in m/s, or false if no velocity is set.
func (r *Reference) Speed() (float64, bool) {
	if r.VX == nil || r.VY == nil {
		return 0, false
	}
	return math.Hypot(*r.VX, *r.VY), true
}

// Uncertainty holds the variances used when a measurement does not report
// its own accuracy.
type Uncertainty struct {
	PosVar   float64
	SpeedVar float64
	AccVar   float64
}

// Package reconstruction turns per-target measurement sequences into
// filtered, smoothed and optionally resampled trajectories. It owns the
// measurement/reference data model, the map projection bookkeeping, the
// estimator that decides between reinitialising and stepping the filter,
// an online tracker and an accumulating update chain.
//
// Nothing in this package is safe for concurrent use. Independent targets
// may be processed in parallel as long as each goroutine owns its own
// Estimator, Chain and ProjectionHandler.
package reconstruction

import (
	"fmt"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"
)

// CoordSystem selects the coordinates used for distance computations.
type CoordSystem int

const (
	CoordCart CoordSystem = iota
	CoordWGS84
)

// CovMatFlags select the blocks of a measurement covariance.
type CovMatFlags uint8

const (
	CovMatPos CovMatFlags = 1 << iota
	CovMatVel
	CovMatAcc
	CovMatCov

	CovMatAll = CovMatPos | CovMatVel | CovMatAcc | CovMatCov
)

// Measurement is a single sensor observation. Optional quantities are
// pointers. Lat/Lon and X/Y always refer to the same projection origin,
// which is owned by whoever projected the measurement.
type Measurement struct {
	SourceID uint64    `json:"source_id"`
	T        time.Time `json:"t"`

	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`

	X float64  `json:"x,omitempty"`
	Y float64  `json:"y,omitempty"`
	Z *float64 `json:"z,omitempty"`

	VX *float64 `json:"vx,omitempty"`
	VY *float64 `json:"vy,omitempty"`
	VZ *float64 `json:"vz,omitempty"`

	AX *float64 `json:"ax,omitempty"`
	AY *float64 `json:"ay,omitempty"`
	AZ *float64 `json:"az,omitempty"`

	XStdDev *float64 `json:"x_stddev,omitempty"`
	YStdDev *float64 `json:"y_stddev,omitempty"`
	XYCov   *float64 `json:"xy_cov,omitempty"`

	VXStdDev *float64 `json:"vx_stddev,omitempty"`
	VYStdDev *float64 `json:"vy_stddev,omitempty"`

	AXStdDev *float64 `json:"ax_stddev,omitempty"`
	AYStdDev *float64 `json:"ay_stddev,omitempty"`

	// QVar overrides the process noise variance for the step into this
	// measurement; QVarInterp does the same for resampling.
	QVar       *float64 `json:"q_var,omitempty"`
	QVarInterp *float64 `json:"q_var_interp,omitempty"`

	// MMInterp marks measurements that were themselves interpolated.
	MMInterp bool `json:"mm_interp,omitempty"`
}

// Float returns a pointer to v, for filling optional fields.
func Float(v float64) *float64 { return &v }

// Position2D returns (lat, lon) or (x, y).
func (m *Measurement) Position2D(cs CoordSystem) (float64, float64) {
	if cs == CoordWGS84 {
		return m.Lat, m.Lon
	}
	return m.X, m.Y
}

// SetPosition2D sets (lat, lon) or (x, y).
func (m *Measurement) SetPosition2D(a, b float64, cs CoordSystem) {
	if cs == CoordWGS84 {
		m.Lat, m.Lon = a, b
		return
	}
	m.X, m.Y = a, b
}

// DistanceSqr returns the squared distance to other. Cartesian distances
// are 3D when both measurements carry a z coordinate.
func (m *Measurement) DistanceSqr(other *Measurement, cs CoordSystem) float64 {
	if cs == CoordWGS84 {
		dlat, dlon := m.Lat-other.Lat, m.Lon-other.Lon
		return dlat*dlat + dlon*dlon
	}
	dx, dy := m.X-other.X, m.Y-other.Y
	d := dx*dx + dy*dy
	if m.Z != nil && other.Z != nil {
		dz := *m.Z - *other.Z
		d += dz * dz
	}
	return d
}

// Distance returns the distance to other.
func (m *Measurement) Distance(other *Measurement, cs CoordSystem) float64 {
	return math.Sqrt(m.DistanceSqr(other, cs))
}

// HasVelocity reports whether vx and vy (and vz for 3D measurements) are set.
func (m *Measurement) HasVelocity() bool {
	if m.VX == nil || m.VY == nil {
		return false
	}
	return m.Z == nil || m.VZ != nil
}

// HasAcceleration reports whether ax and ay (and az for 3D measurements) are set.
func (m *Measurement) HasAcceleration() bool {
	if m.AX == nil || m.AY == nil {
		return false
	}
	return m.Z == nil || m.AZ != nil
}

func (m *Measurement) HasStdDevPosition() bool { return m.XStdDev != nil && m.YStdDev != nil }
func (m *Measurement) HasStdDevVelocity() bool { return m.VXStdDev != nil && m.VYStdDev != nil }
func (m *Measurement) HasStdDevAccel() bool    { return m.AXStdDev != nil && m.AYStdDev != nil }

// CovMatFlags reports which covariance blocks the measurement can provide.
func (m *Measurement) CovMatFlags() CovMatFlags {
	var flags CovMatFlags
	if m.HasStdDevPosition() {
		flags |= CovMatPos
	}
	if m.HasStdDevVelocity() {
		flags |= CovMatVel
	}
	if m.HasStdDevAccel() {
		flags |= CovMatAcc
	}
	if m.XYCov != nil {
		flags |= CovMatCov
	}
	return flags
}

// CovMat builds the measurement covariance in state order: 2x2 [x y],
// 4x4 [x vx y vy] or 6x6 [x vx ax y vy ay], depending on the requested
// flags and on which standard deviations are present. It returns nil if
// no position standard deviation is available.
func (m *Measurement) CovMat(flags CovMatFlags) *mat.Dense {
	if !m.HasStdDevPosition() || flags&CovMatPos == 0 {
		return nil
	}

	withVel := m.HasStdDevVelocity() && flags&CovMatVel != 0
	withAcc := withVel && m.HasStdDevAccel() && flags&CovMatAcc != 0

	var c *mat.Dense
	var ix, iy int
	switch {
	case withAcc:
		c = mat.NewDense(6, 6, nil)
		ix, iy = 0, 3
		c.Set(1, 1, sqr(*m.VXStdDev))
		c.Set(2, 2, sqr(*m.AXStdDev))
		c.Set(4, 4, sqr(*m.VYStdDev))
		c.Set(5, 5, sqr(*m.AYStdDev))
	case withVel:
		c = mat.NewDense(4, 4, nil)
		ix, iy = 0, 2
		c.Set(1, 1, sqr(*m.VXStdDev))
		c.Set(3, 3, sqr(*m.VYStdDev))
	default:
		c = mat.NewDense(2, 2, nil)
		ix, iy = 0, 1
	}
	c.Set(ix, ix, sqr(*m.XStdDev))
	c.Set(iy, iy, sqr(*m.YStdDev))
	if m.XYCov != nil && flags&CovMatCov != 0 {
		c.Set(ix, iy, *m.XYCov)
		c.Set(iy, ix, *m.XYCov)
	}
	return c
}

// SetFromCovMat sets the standard deviations selected by flags from a 2x2,
// 4x4 or 6x6 covariance laid out as CovMat produces it.
func (m *Measurement) SetFromCovMat(c mat.Matrix, flags CovMatFlags) error {
	r, cols := c.Dims()
	if r != cols {
		return fmt.Errorf("covariance %dx%d is not square", r, cols)
	}

	var ix, iy, ivx, ivy, iax, iay int
	switch r {
	case 2:
		ix, iy = 0, 1
		ivx, ivy, iax, iay = -1, -1, -1, -1
	case 4:
		ix, ivx, iy, ivy = 0, 1, 2, 3
		iax, iay = -1, -1
	case 6:
		ix, ivx, iax, iy, ivy, iay = 0, 1, 2, 3, 4, 5
	default:
		return fmt.Errorf("unsupported covariance size %d", r)
	}

	if flags&CovMatPos != 0 {
		m.XStdDev = Float(math.Sqrt(c.At(ix, ix)))
		m.YStdDev = Float(math.Sqrt(c.At(iy, iy)))
	}
	if flags&CovMatCov != 0 {
		m.XYCov = Float(c.At(ix, iy))
	}
	if flags&CovMatVel != 0 && ivx >= 0 {
		m.VXStdDev = Float(math.Sqrt(c.At(ivx, ivx)))
		m.VYStdDev = Float(math.Sqrt(c.At(ivy, ivy)))
	}
	if flags&CovMatAcc != 0 && iax >= 0 {
		m.AXStdDev = Float(math.Sqrt(c.At(iax, iax)))
		m.AYStdDev = Float(math.Sqrt(c.At(iay, iay)))
	}
	return nil
}

// String renders the measurement on several lines for debugging.
func (m *Measurement) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "source_id:    %d\n", m.SourceID)
	fmt.Fprintf(&b, "t:            %s\n", m.T.Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "interp:       %t\n", m.MMInterp)
	fmt.Fprintf(&b, "pos wgs84:    %.8f, %.8f\n", m.Lat, m.Lon)
	fmt.Fprintf(&b, "pos cart:     %.3f, %.3f, %s (%s, %s, %s)\n",
		m.X, m.Y, optStr(m.Z), optStr(m.XStdDev), optStr(m.YStdDev), optStr(m.XYCov))
	fmt.Fprintf(&b, "velocity:     %s, %s (%s, %s)\n",
		optStr(m.VX), optStr(m.VY), optStr(m.VXStdDev), optStr(m.VYStdDev))
	fmt.Fprintf(&b, "accel:        %s, %s (%s, %s)\n",
		optStr(m.AX), optStr(m.AY), optStr(m.AXStdDev), optStr(m.AYStdDev))
	fmt.Fprintf(&b, "q_var:        %s\n", optStr(m.QVar))
	fmt.Fprintf(&b, "q_var_interp: %s", optStr(m.QVarInterp))
	return b.String()
}

func optStr(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%g", *v)
}

func sqr(v float64) float64 { return v * v }

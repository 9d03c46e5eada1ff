package reconstruction

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/trajectory/internal/monitoring"
	"github.com/banshee-data/trajectory/internal/timeutil"
	"gonum.org/v1/gonum/interp"
)

// ErrBadSampleInterval is returned by Interpolate for a sample interval
// that does not advance time.
var ErrBadSampleInterval = errors.New("reconstruction: bad sample interval")

// SplineInterpolator resamples a measurement sequence at a fixed interval
// along a natural cubic spline through the measured positions. Parts with
// fewer than four usable knots, and segments where the spline strays too
// far from the straight connection, are interpolated linearly instead.
type SplineInterpolator struct {
	settings SplineSettings
}

// NewSplineInterpolator creates an interpolator.
func NewSplineInterpolator(s SplineSettings) *SplineInterpolator {
	return &SplineInterpolator{settings: s}
}

// Interpolate resamples mms, which must be sorted by time. The first and
// last measurement of every part are kept unchanged; generated
// measurements are flagged MMInterp and carry the source ID of the earlier
// of the two measurements they were blended from.
func (si *SplineInterpolator) Interpolate(mms []Measurement) ([]Measurement, error) {
	incr := timeutil.FromSeconds(si.settings.SampleDt)
	if incr <= 0 {
		return nil, fmt.Errorf("sample dt %g: %w", si.settings.SampleDt, ErrBadSampleInterval)
	}

	var out []Measurement
	for _, part := range SplitMeasurements(mms, si.settings.MaxDt) {
		out = append(out, si.interpolatePart(part, incr)...)
	}
	return out, nil
}

// SplitMeasurements cuts mms wherever consecutive measurements are more
// than maxDt seconds apart. The parts share mms' backing array.
func SplitMeasurements(mms []Measurement, maxDt float64) [][]Measurement {
	if len(mms) == 0 {
		return nil
	}
	var parts [][]Measurement
	start := 0
	for i := 1; i < len(mms); i++ {
		if timeutil.SecondsBetween(mms[i-1].T, mms[i].T) > maxDt {
			parts = append(parts, mms[start:i])
			start = i
		}
	}
	return append(parts, mms[start:])
}

func (si *SplineInterpolator) interpolatePart(mms []Measurement, incr time.Duration) []Measurement {
	n := len(mms)
	if n < 4 {
		return si.interpolateLinear(mms, incr)
	}

	cs := si.settings.CoordSystem
	ox, oy := mms[0].Position2D(cs)

	var params, xs, ys []float64
	var knots []int
	addKnot := func(idx int, p float64) {
		x, y := mms[idx].Position2D(cs)
		xs = append(xs, x-ox)
		ys = append(ys, y-oy)
		params = append(params, p)
		knots = append(knots, idx)
	}

	addKnot(0, 0)
	total := 0.0
	for i := 1; i < n; i++ {
		last := &mms[knots[len(knots)-1]]
		d := last.Distance(&mms[i], cs)
		dt := timeutil.SecondsBetween(last.T, mms[i].T)
		if d <= si.settings.MinLen || dt < si.settings.MinDt {
			continue
		}
		total += d
		addKnot(i, total)
	}
	if len(knots) < 4 {
		return si.interpolateLinear(mms, incr)
	}
	for i := range params {
		params[i] /= total
	}

	var sx, sy interp.NaturalCubic
	if err := sx.Fit(params, xs); err != nil {
		monitoring.Debugf(1, "spline: fit failed, interpolating linearly: %v", err)
		return si.interpolateLinear(mms, incr)
	}
	if err := sy.Fit(params, ys); err != nil {
		monitoring.Debugf(1, "spline: fit failed, interpolating linearly: %v", err)
		return si.interpolateLinear(mms, incr)
	}

	out := []Measurement{mms[0]}
	tcur := mms[0].T.Add(incr)
	var seg []Measurement
	corrected := 0

	for k := 1; k < len(knots); k++ {
		mm0, mm1 := &mms[knots[k-1]], &mms[knots[k]]
		dt01 := timeutil.SecondsBetween(mm0.T, mm1.T)

		seg = seg[:0]
		tseg := tcur
		for !tseg.Before(mm0.T) && tseg.Before(mm1.T) {
			f := timeutil.SecondsBetween(mm0.T, tseg) / dt01
			p := lerp(params[k-1], params[k], f)
			seg = append(seg, InterpMeasurement(ox+sx.Predict(p), oy+sy.Predict(p), tseg, mm0, mm1, f, cs, si.settings.CovMode))
			tseg = tseg.Add(incr)
		}

		if si.settings.CheckFishySegments && si.isFishySegment(mm0, mm1, seg) {
			corrected++
			seg = seg[:0]
			tseg = tcur
			x0, y0 := mm0.Position2D(cs)
			x1, y1 := mm1.Position2D(cs)
			for !tseg.Before(mm0.T) && tseg.Before(mm1.T) {
				f := timeutil.SecondsBetween(mm0.T, tseg) / dt01
				seg = append(seg, InterpMeasurement(lerp(x0, x1, f), lerp(y0, y1, f), tseg, mm0, mm1, f, cs, si.settings.CovMode))
				tseg = tseg.Add(incr)
			}
		}

		tcur = tseg
		out = append(out, seg...)
	}

	if corrected > 0 {
		monitoring.Debugf(1, "spline: %d segment(s) interpolated linearly", corrected)
	}
	return si.finalize(out, &mms[n-1])
}

func (si *SplineInterpolator) interpolateLinear(mms []Measurement, incr time.Duration) []Measurement {
	n := len(mms)
	if n == 0 {
		return nil
	}
	out := []Measurement{mms[0]}
	if n == 1 {
		return out
	}

	cs := si.settings.CoordSystem
	tcur := mms[0].T.Add(incr)
	for i := 1; i < n; i++ {
		mm0, mm1 := &mms[i-1], &mms[i]
		dt01 := timeutil.SecondsBetween(mm0.T, mm1.T)
		if dt01 <= 0 || dt01 < si.settings.MinDt {
			continue
		}
		x0, y0 := mm0.Position2D(cs)
		x1, y1 := mm1.Position2D(cs)

		for tcur.Before(mm0.T) {
			tcur = tcur.Add(incr)
		}
		for tcur.Before(mm1.T) {
			f := timeutil.SecondsBetween(mm0.T, tcur) / dt01
			out = append(out, InterpMeasurement(lerp(x0, x1, f), lerp(y0, y1, f), tcur, mm0, mm1, f, cs, si.settings.CovMode))
			tcur = tcur.Add(incr)
		}
	}
	return si.finalize(out, &mms[n-1])
}

// finalize ends out on last, dropping generated samples that lie within
// MinDt of it.
func (si *SplineInterpolator) finalize(out []Measurement, last *Measurement) []Measurement {
	for len(out) >= 2 && timeutil.SecondsBetween(out[len(out)-1].T, last.T) < si.settings.MinDt {
		out = out[:len(out)-1]
	}
	return append(out, *last)
}

// isFishySegment reports whether any sample of seg lies further from the
// midpoint of mm0 and mm1 than MaxSegmentDistanceFactor times their
// distance.
func (si *SplineInterpolator) isFishySegment(mm0, mm1 *Measurement, seg []Measurement) bool {
	cs := si.settings.CoordSystem
	x0, y0 := mm0.Position2D(cs)
	x1, y1 := mm1.Position2D(cs)
	dMax := math.Hypot(x1-x0, y1-y0) * si.settings.MaxSegmentDistanceFactor
	mx, my := (x0+x1)/2, (y0+y1)/2
	for i := range seg {
		x, y := seg[i].Position2D(cs)
		if math.Hypot(x-mx, y-my) > dMax {
			return true
		}
	}
	return false
}

// InterpMeasurement returns the measurement at fraction f between mm0 and
// mm1, placed at (x, y) in cs and stamped t. Velocity and acceleration
// are blended in speed and heading. Standard deviations are only set when
// both inputs carry them. f of 0 or 1 returns mm0 or mm1.
func InterpMeasurement(x, y float64, t time.Time, mm0, mm1 *Measurement, f float64, cs CoordSystem, mode CovMatInterpMode) Measurement {
	if f == 0 {
		return *mm0
	}
	if f == 1 {
		return *mm1
	}

	mm := Measurement{SourceID: mm0.SourceID, T: t, MMInterp: true}
	mm.SetPosition2D(x, y, cs)

	if mm0.HasVelocity() && mm1.HasVelocity() {
		mm.VX, mm.VY = interpVector2D(*mm0.VX, *mm0.VY, *mm1.VX, *mm1.VY, f)
	}
	if mm0.HasAcceleration() && mm1.HasAcceleration() {
		mm.AX, mm.AY = interpVector2D(*mm0.AX, *mm0.AY, *mm1.AX, *mm1.AY, f)
	}
	mm.Z = interpOptional(mm0.Z, mm1.Z, f)
	mm.VZ = interpOptional(mm0.VZ, mm1.VZ, f)
	mm.AZ = interpOptional(mm0.AZ, mm1.AZ, f)
	interpMeasurementCov(&mm, mm0, mm1, f, mode)

	mm.QVar = interpQVar(mm0.QVar, mm1.QVar, f)
	mm.QVarInterp = interpQVar(mm0.QVarInterp, mm1.QVarInterp, f)
	return mm
}

// interpVector2D blends speed and heading separately, or the components
// when either vector is close to zero.
func interpVector2D(vx0, vy0, vx1, vy1, f float64) (*float64, *float64) {
	s0, s1 := math.Hypot(vx0, vy0), math.Hypot(vx1, vy1)
	if s0 < 1e-7 || s1 < 1e-7 {
		return Float(lerp(vx0, vx1, f)), Float(lerp(vy0, vy1, f))
	}
	a0 := math.Atan2(vy0, vx0)
	da := math.Remainder(math.Atan2(vy1, vx1)-a0, 2*math.Pi)
	speed, heading := lerp(s0, s1, f), a0+f*da
	return Float(speed * math.Cos(heading)), Float(speed * math.Sin(heading))
}

func interpMeasurementCov(mm, mm0, mm1 *Measurement, f float64, mode CovMatInterpMode) {
	if mode == CovInterpWasserstein {
		flags := mm0.CovMatFlags() & mm1.CovMatFlags()
		c0, c1 := mm0.CovMat(flags), mm1.CovMat(flags)
		if c0 != nil && c1 != nil {
			c, err := InterpCovarianceMat(c0, c1, f, mode)
			if err == nil && mm.SetFromCovMat(c, flags) == nil {
				return
			}
		}
		mode = CovInterpLinear
	}

	nearest := mode == CovInterpNearestNeighbor
	stddev := func(s0, s1 *float64) *float64 {
		if nearest {
			if f <= 0.5 {
				return Float(*s0)
			}
			return Float(*s1)
		}
		return Float(math.Sqrt(lerp(sqr(*s0), sqr(*s1), f)))
	}

	if mm0.HasStdDevPosition() && mm1.HasStdDevPosition() {
		mm.XStdDev = stddev(mm0.XStdDev, mm1.XStdDev)
		mm.YStdDev = stddev(mm0.YStdDev, mm1.YStdDev)
	}
	if mm0.XYCov != nil && mm1.XYCov != nil {
		switch {
		case !nearest:
			mm.XYCov = Float(lerp(*mm0.XYCov, *mm1.XYCov, f))
		case f <= 0.5:
			mm.XYCov = Float(*mm0.XYCov)
		default:
			mm.XYCov = Float(*mm1.XYCov)
		}
	}
	if mm0.HasStdDevVelocity() && mm1.HasStdDevVelocity() {
		mm.VXStdDev = stddev(mm0.VXStdDev, mm1.VXStdDev)
		mm.VYStdDev = stddev(mm0.VYStdDev, mm1.VYStdDev)
	}
	if mm0.HasStdDevAccel() && mm1.HasStdDevAccel() {
		mm.AXStdDev = stddev(mm0.AXStdDev, mm1.AXStdDev)
		mm.AYStdDev = stddev(mm0.AYStdDev, mm1.AYStdDev)
	}
}

func interpOptional(v0, v1 *float64, f float64) *float64 {
	if v0 == nil || v1 == nil {
		return nil
	}
	return Float(lerp(*v0, *v1, f))
}

// interpQVar takes the one value that is set, or blends the standard
// deviations when both are.
func interpQVar(q0, q1 *float64, f float64) *float64 {
	switch {
	case q0 == nil && q1 == nil:
		return nil
	case q1 == nil:
		return Float(*q0)
	case q0 == nil:
		return Float(*q1)
	}
	return Float(sqr(lerp(math.Sqrt(*q0), math.Sqrt(*q1), f)))
}

func lerp(v0, v1, f float64) float64 { return (1-f)*v0 + f*v1 }

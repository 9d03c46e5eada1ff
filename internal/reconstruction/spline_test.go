package reconstruction

import (
	"math"
	"testing"

	"github.com/banshee-data/trajectory/internal/config"
	"github.com/banshee-data/trajectory/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cartSplineSettings() SplineSettings {
	s := DefaultSplineSettings()
	s.CoordSystem = CoordCart
	return s
}

// cartMeasurements places one measurement per (t, x, y) triple.
func cartMeasurements(pts [][3]float64) []Measurement {
	out := make([]Measurement, len(pts))
	for i, p := range pts {
		out[i] = Measurement{
			SourceID: uint64(i + 1),
			T:        testutil.At(p[0]),
			X:        p[1],
			Y:        p[2],
			XStdDev:  Float(2),
			YStdDev:  Float(2),
		}
	}
	return out
}

func seconds(mms []Measurement) []float64 {
	out := make([]float64, len(mms))
	for i := range mms {
		out[i] = mms[i].T.Sub(testutil.Epoch).Seconds()
	}
	return out
}

func TestSplineSettingsFromConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.ParseConfig([]byte(`{"interp_sample_dt": 0.5, "interp_max_dt": 10, "interp_check_fishy_segments": false}`))
	require.NoError(t, err)

	s := SplineSettingsFromConfig(cfg)
	assert.Equal(t, 0.5, s.SampleDt)
	assert.Equal(t, 10.0, s.MaxDt)
	assert.Equal(t, cfg.GetMinDt(), s.MinDt)
	assert.False(t, s.CheckFishySegments)
	assert.Equal(t, CoordWGS84, s.CoordSystem)
	assert.Equal(t, CovInterpLinear, s.CovMode)
}

func TestSplitMeasurements(t *testing.T) {
	t.Parallel()

	mms := cartMeasurements([][3]float64{{0, 0, 0}, {1, 1, 0}, {2, 2, 0}, {40, 3, 0}, {41, 4, 0}})
	parts := SplitMeasurements(mms, 30)
	require.Len(t, parts, 2)
	assert.Equal(t, []float64{0, 1, 2}, seconds(parts[0]))
	assert.Equal(t, []float64{40, 41}, seconds(parts[1]))

	assert.Nil(t, SplitMeasurements(nil, 30))
}

func TestSplineInterpolator_BadSampleDt(t *testing.T) {
	t.Parallel()

	s := cartSplineSettings()
	s.SampleDt = 0
	_, err := NewSplineInterpolator(s).Interpolate(cartMeasurements([][3]float64{{0, 0, 0}, {1, 1, 0}}))
	assert.ErrorIs(t, err, ErrBadSampleInterval)
}

func TestSplineInterpolator_LinearForFewPoints(t *testing.T) {
	t.Parallel()

	mms := cartMeasurements([][3]float64{{0, 0, 0}, {2, 20, 10}, {4, 40, 0}})
	out, err := NewSplineInterpolator(cartSplineSettings()).Interpolate(mms)
	require.NoError(t, err)

	assert.Equal(t, []float64{0, 1, 2, 3, 4}, seconds(out))
	wantInterp := []bool{false, true, false, true, false}
	for i := range out {
		assert.Equal(t, wantInterp[i], out[i].MMInterp, "sample %d", i)
	}

	assert.InDelta(t, 10, out[1].X, 1e-9)
	assert.InDelta(t, 5, out[1].Y, 1e-9)
	assert.InDelta(t, 30, out[3].X, 1e-9)
	assert.InDelta(t, 5, out[3].Y, 1e-9)
	assert.Equal(t, uint64(1), out[1].SourceID, "source of the earlier measurement")
	assert.Equal(t, uint64(2), out[3].SourceID)
	assert.Equal(t, mms[1], out[2])
}

func TestSplineInterpolator_StraightLine(t *testing.T) {
	t.Parallel()

	var pts [][3]float64
	for i := 0; i < 10; i++ {
		ts := float64(2 * i)
		pts = append(pts, [3]float64{ts, 10 * ts, 5 * ts})
	}
	s := cartSplineSettings()
	s.SampleDt = 0.5
	out, err := NewSplineInterpolator(s).Interpolate(cartMeasurements(pts))
	require.NoError(t, err)

	require.Len(t, out, 37)
	for i := range out {
		ts := out[i].T.Sub(testutil.Epoch).Seconds()
		assert.InDelta(t, 0.5*float64(i), ts, 1e-9)
		assert.InDelta(t, 10*ts, out[i].X, 1e-6, "x at %g", ts)
		assert.InDelta(t, 5*ts, out[i].Y, 1e-6, "y at %g", ts)
	}
	assert.False(t, out[0].MMInterp)
	assert.True(t, out[1].MMInterp)
	assert.False(t, out[len(out)-1].MMInterp)
}

func TestSplineInterpolator_SkipsCloseKnots(t *testing.T) {
	t.Parallel()

	pts := [][3]float64{{0, 0, 0}, {2, 20, 0}, {2.0001, 20, 0}, {4, 40, 0}, {6, 60, 0}, {8, 80, 0}}
	out, err := NewSplineInterpolator(cartSplineSettings()).Interpolate(cartMeasurements(pts))
	require.NoError(t, err)

	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8}, seconds(out))
	for i := range out {
		ts := out[i].T.Sub(testutil.Epoch).Seconds()
		assert.InDelta(t, 10*ts, out[i].X, 1e-6, "x at %g", ts)
		assert.InDelta(t, 0, out[i].Y, 1e-6, "y at %g", ts)
	}
}

func TestSplineInterpolator_Gap(t *testing.T) {
	t.Parallel()

	pts := [][3]float64{{0, 0, 0}, {1, 10, 0}, {2, 20, 0}, {100, 30, 0}, {101, 40, 0}}
	s := cartSplineSettings()
	s.MaxDt = 30
	out, err := NewSplineInterpolator(s).Interpolate(cartMeasurements(pts))
	require.NoError(t, err)

	assert.Equal(t, []float64{0, 1, 2, 100, 101}, seconds(out))
	for i := range out {
		assert.False(t, out[i].MMInterp, "sample %d", i)
	}
}

func TestSplineInterpolator_FishySegment(t *testing.T) {
	t.Parallel()

	// Points on a circle of radius 100 m, 0.5 rad apart.
	var pts [][3]float64
	for i := 0; i < 6; i++ {
		a := 0.5 * float64(i)
		pts = append(pts, [3]float64{4 * float64(i), 100 * math.Cos(a), 100 * math.Sin(a)})
	}
	mms := cartMeasurements(pts)
	chordX, chordY := (pts[2][1]+pts[3][1])/2, (pts[2][2]+pts[3][2])/2

	curved := cartSplineSettings()
	curved.CheckFishySegments = false
	out, err := NewSplineInterpolator(curved).Interpolate(mms)
	require.NoError(t, err)
	mid := out[10]
	require.InDelta(t, 10, mid.T.Sub(testutil.Epoch).Seconds(), 1e-9)
	assert.Greater(t, math.Hypot(mid.X-chordX, mid.Y-chordY), 1.0, "spline follows the arc")

	strict := cartSplineSettings()
	strict.MaxSegmentDistanceFactor = 0.1
	out, err = NewSplineInterpolator(strict).Interpolate(mms)
	require.NoError(t, err)
	mid = out[10]
	assert.InDelta(t, chordX, mid.X, 1e-9, "segment redone linearly")
	assert.InDelta(t, chordY, mid.Y, 1e-9)
	assert.True(t, mid.MMInterp)
}

func TestInterpMeasurement_Endpoints(t *testing.T) {
	t.Parallel()

	mms := cartMeasurements([][3]float64{{0, 0, 0}, {2, 20, 0}})
	assert.Equal(t, mms[0], InterpMeasurement(5, 5, testutil.At(0), &mms[0], &mms[1], 0, CoordCart, CovInterpLinear))
	assert.Equal(t, mms[1], InterpMeasurement(5, 5, testutil.At(2), &mms[0], &mms[1], 1, CoordCart, CovInterpLinear))
}

func TestInterpMeasurement_Velocity(t *testing.T) {
	t.Parallel()

	mm0 := Measurement{SourceID: 7, T: testutil.At(0), VX: Float(10), VY: Float(0), AX: Float(1), AY: Float(0)}
	mm1 := Measurement{SourceID: 8, T: testutil.At(2), VX: Float(0), VY: Float(10)}

	mm := InterpMeasurement(47.5, 11.25, testutil.At(1), &mm0, &mm1, 0.5, CoordWGS84, CovInterpLinear)
	assert.Equal(t, uint64(7), mm.SourceID)
	assert.True(t, mm.MMInterp)
	assert.Equal(t, 47.5, mm.Lat)
	assert.Equal(t, 11.25, mm.Lon)
	require.True(t, mm.HasVelocity())
	assert.InDelta(t, 10/math.Sqrt2, *mm.VX, 1e-9, "speed and heading blended")
	assert.InDelta(t, 10/math.Sqrt2, *mm.VY, 1e-9)
	assert.False(t, mm.HasAcceleration(), "only one side has acceleration")

	// Headings 170 and -170 degrees meet at 180.
	a0, a1 := 170*math.Pi/180, -170*math.Pi/180
	mm0.VX, mm0.VY = Float(5*math.Cos(a0)), Float(5*math.Sin(a0))
	mm1.VX, mm1.VY = Float(5*math.Cos(a1)), Float(5*math.Sin(a1))
	mm = InterpMeasurement(0, 0, testutil.At(1), &mm0, &mm1, 0.5, CoordCart, CovInterpLinear)
	assert.InDelta(t, -5, *mm.VX, 1e-9)
	assert.InDelta(t, 0, *mm.VY, 1e-9)

	mm0.VX, mm0.VY = Float(0), Float(0)
	mm = InterpMeasurement(0, 0, testutil.At(1), &mm0, &mm1, 0.5, CoordCart, CovInterpLinear)
	assert.InDelta(t, 2.5*math.Cos(a1), *mm.VX, 1e-9, "near-zero speed blends components")
}

func TestInterpMeasurement_StdDev(t *testing.T) {
	t.Parallel()

	mm0 := Measurement{XStdDev: Float(3), YStdDev: Float(3), XYCov: Float(1), VXStdDev: Float(1), VYStdDev: Float(1)}
	mm1 := Measurement{XStdDev: Float(5), YStdDev: Float(5), XYCov: Float(3)}

	mm := InterpMeasurement(0, 0, testutil.At(1), &mm0, &mm1, 0.5, CoordCart, CovInterpLinear)
	require.True(t, mm.HasStdDevPosition())
	assert.InDelta(t, math.Sqrt(17), *mm.XStdDev, 1e-9, "variances blended")
	assert.InDelta(t, 2, *mm.XYCov, 1e-9)
	assert.False(t, mm.HasStdDevVelocity())

	mm = InterpMeasurement(0, 0, testutil.At(1), &mm0, &mm1, 0.25, CoordCart, CovInterpNearestNeighbor)
	assert.Equal(t, 3.0, *mm.XStdDev)
	assert.Equal(t, 1.0, *mm.XYCov)
	mm = InterpMeasurement(0, 0, testutil.At(1), &mm0, &mm1, 0.75, CoordCart, CovInterpNearestNeighbor)
	assert.Equal(t, 5.0, *mm.YStdDev)

	mm1.XYCov = nil
	mm = InterpMeasurement(0, 0, testutil.At(1), &mm0, &mm1, 0.5, CoordCart, CovInterpWasserstein)
	assert.InDelta(t, 4, *mm.XStdDev, 1e-6, "diagonal geodesic blends stddevs")
	assert.InDelta(t, 4, *mm.YStdDev, 1e-6)
	assert.Nil(t, mm.XYCov)
}

func TestInterpMeasurement_QVar(t *testing.T) {
	t.Parallel()

	mm0 := Measurement{QVar: Float(4), QVarInterp: Float(9)}
	mm1 := Measurement{QVar: Float(16)}

	mm := InterpMeasurement(0, 0, testutil.At(1), &mm0, &mm1, 0.5, CoordCart, CovInterpLinear)
	require.NotNil(t, mm.QVar)
	assert.InDelta(t, 9, *mm.QVar, 1e-9, "stddev blended then squared")
	require.NotNil(t, mm.QVarInterp)
	assert.Equal(t, 9.0, *mm.QVarInterp, "one-sided value carried over")

	mm0.QVar, mm0.QVarInterp = nil, nil
	mm = InterpMeasurement(0, 0, testutil.At(1), &mm0, &mm1, 0.5, CoordCart, CovInterpLinear)
	assert.Equal(t, 16.0, *mm.QVar)
	assert.Nil(t, mm.QVarInterp)
}

package reconstruction

import (
	"testing"

	"github.com/banshee-data/trajectory/internal/geo"
	"github.com/banshee-data/trajectory/internal/kalman"
	"github.com/banshee-data/trajectory/internal/testutil"
	"github.com/stretchr/testify/require"
)

// toMeasurements converts ground truth samples into position-only
// measurements that report the given standard deviation.
func toMeasurements(samples []testutil.Sample, stddev float64) []Measurement {
	out := make([]Measurement, len(samples))
	for i, s := range samples {
		out[i] = Measurement{
			SourceID: uint64(i + 1),
			T:        s.T,
			Lat:      s.Lat,
			Lon:      s.Lon,
			XStdDev:  Float(stddev),
			YStdDev:  Float(stddev),
		}
	}
	return out
}

// runEstimator feeds mms through a fresh estimator and returns the valid
// updates.
func runEstimator(t *testing.T, s EstimatorSettings, mms []Measurement) (*Estimator, []kalman.Update) {
	t.Helper()
	est := NewEstimator(s)
	u, err := est.KalmanInit(mms[0])
	require.NoError(t, err)
	updates := []kalman.Update{u}
	for _, mm := range mms[1:] {
		u, res := est.KalmanStep(mm)
		if res == StepSuccess {
			updates = append(updates, u)
		}
	}
	return est, updates
}

// localOffset returns the position of (lat, lon) relative to origin in metres.
func localOffset(origin geo.Origin, lat, lon float64) (float64, float64) {
	return geo.NewProjector(origin.Lat, origin.Lon).Project(lat, lon)
}

// assertNearTruth checks that (lat, lon) lies within tol metres of s.
func assertNearTruth(t *testing.T, s testutil.Sample, lat, lon, tol float64) {
	t.Helper()
	x, y := localOffset(testutil.DefaultOrigin, lat, lon)
	testutil.AssertClose(t, x, s.X, tol, "x")
	testutil.AssertClose(t, y, s.Y, tol, "y")
}

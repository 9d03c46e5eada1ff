// Package testutil provides shared test utilities and fixtures.
//
// The trajectory fixtures generate targets moving on straight lines in a
// local frame and convert them to geodetic positions, so tests in every
// layer can work from the same ground truth.
package testutil

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/banshee-data/trajectory/internal/geo"
)

// Epoch is the start time of generated trajectories.
var Epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// DefaultOrigin is a reference point used by most fixtures.
var DefaultOrigin = geo.Origin{Lat: 47.5, Lon: 11.25}

// Sample is a ground truth point of a generated trajectory. X/Y are
// relative to the origin the trajectory was generated around.
type Sample struct {
	T        time.Time
	Lat, Lon float64
	X, Y     float64
	VX, VY   float64
}

// Times returns n offsets in seconds spaced by dt, starting at 0.
func Times(n int, dt float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i) * dt
	}
	return out
}

// At returns Epoch plus s seconds.
func At(s float64) time.Time {
	return Epoch.Add(time.Duration(math.Round(s * float64(time.Second))))
}

// StraightLine samples a constant velocity target that starts at (x0, y0)
// relative to origin at the given second offsets.
func StraightLine(origin geo.Origin, x0, y0, vx, vy float64, times []float64) []Sample {
	proj := geo.NewProjector(origin.Lat, origin.Lon)
	out := make([]Sample, len(times))
	for i, ts := range times {
		x, y := x0+vx*ts, y0+vy*ts
		lat, lon := proj.Unproject(x, y)
		out[i] = Sample{T: At(ts), Lat: lat, Lon: lon, X: x, Y: y, VX: vx, VY: vy}
	}
	return out
}

// AddNoise returns a copy of samples with Gaussian position noise of the
// given standard deviation. The same seed gives the same noise.
func AddNoise(origin geo.Origin, samples []Sample, stddev float64, seed uint64) []Sample {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	proj := geo.NewProjector(origin.Lat, origin.Lon)
	out := make([]Sample, len(samples))
	for i, s := range samples {
		s.X += rng.NormFloat64() * stddev
		s.Y += rng.NormFloat64() * stddev
		s.Lat, s.Lon = proj.Unproject(s.X, s.Y)
		out[i] = s
	}
	return out
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertClose fails the test if |got - want| > tol.
func AssertClose(t testing.TB, got, want, tol float64, what string) {
	t.Helper()
	if math.IsNaN(got) || math.Abs(got-want) > tol {
		t.Errorf("%s = %g, want %g ± %g", what, got, want, tol)
	}
}

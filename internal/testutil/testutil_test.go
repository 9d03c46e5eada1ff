package testutil

import (
	"errors"
	"testing"

	"github.com/banshee-data/trajectory/internal/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssertNoError(t *testing.T) {
	t.Parallel()

	fakeT := &testing.T{}
	AssertNoError(fakeT, nil)
	assert.False(t, fakeT.Failed())
}

func TestAssertError_WithErr(t *testing.T) {
	t.Parallel()

	fakeT := &testing.T{}
	AssertError(fakeT, errors.New("something wrong"))
	assert.False(t, fakeT.Failed())
}

func TestAssertClose(t *testing.T) {
	t.Parallel()

	fakeT := &testing.T{}
	AssertClose(fakeT, 1.0005, 1, 1e-3, "value")
	assert.False(t, fakeT.Failed())
}

func TestTimes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []float64{0, 0.5, 1, 1.5}, Times(4, 0.5))
	assert.Empty(t, Times(0, 1))
}

func TestStraightLine(t *testing.T) {
	t.Parallel()

	samples := StraightLine(DefaultOrigin, 100, -50, 10, 5, Times(5, 1))
	require.Len(t, samples, 5)

	proj := geo.NewProjector(DefaultOrigin.Lat, DefaultOrigin.Lon)
	for i, s := range samples {
		assert.InDelta(t, 100+10*float64(i), s.X, 1e-9)
		assert.InDelta(t, -50+5*float64(i), s.Y, 1e-9)
		x, y := proj.Project(s.Lat, s.Lon)
		assert.InDelta(t, s.X, x, 1e-6)
		assert.InDelta(t, s.Y, y, 1e-6)
		assert.Equal(t, At(float64(i)), s.T)
	}
}

func TestAddNoise_Deterministic(t *testing.T) {
	t.Parallel()

	clean := StraightLine(DefaultOrigin, 0, 0, 10, 0, Times(20, 1))
	a := AddNoise(DefaultOrigin, clean, 5, 42)
	b := AddNoise(DefaultOrigin, clean, 5, 42)
	c := AddNoise(DefaultOrigin, clean, 5, 7)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, 0.0, clean[3].Y, "input must not be modified")
}

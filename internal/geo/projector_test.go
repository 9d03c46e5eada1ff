package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjector_OriginMapsToZero(t *testing.T) {
	p := NewProjector(47.5, 11.25)
	require.True(t, p.Valid())

	x, y := p.Project(47.5, 11.25)
	assert.InDelta(t, 0, x, 1e-9)
	assert.InDelta(t, 0, y, 1e-9)

	lat, lon := p.Unproject(0, 0)
	assert.Equal(t, 47.5, lat)
	assert.Equal(t, 11.25, lon)
}

func TestProjector_Axes(t *testing.T) {
	p := NewProjector(0, 0)

	// One degree of latitude along the meridian.
	x, y := p.Project(1, 0)
	assert.InDelta(t, 0, x, 1e-6)
	assert.InDelta(t, EarthRadius*deg2rad, y, 1e-6)

	// One degree of longitude along the equator.
	x, y = p.Project(0, 1)
	assert.InDelta(t, EarthRadius*deg2rad, x, 1e-6)
	assert.InDelta(t, 0, y, 1e-6)
}

func TestProjector_RoundTrip(t *testing.T) {
	origins := []Origin{{48.1, 16.3}, {-33.9, 151.2}, {64.0, -21.9}, {0, 179.9}}
	offsets := []struct{ dLat, dLon float64 }{
		{0.01, 0.02}, {-0.3, 0.4}, {0.2, -0.2}, {-0.45, -0.1},
	}

	for _, o := range origins {
		p := NewProjector(o.Lat, o.Lon)
		for _, d := range offsets {
			lat := o.Lat + d.dLat
			lon := normalizeLon(o.Lon + d.dLon)

			x, y := p.Project(lat, lon)
			gotLat, gotLon := p.Unproject(x, y)
			assert.InDelta(t, lat, gotLat, 1e-9, "origin %v", o)
			assert.InDelta(t, lon, gotLon, 1e-9, "origin %v", o)
		}
	}
}

func TestProjector_ReprojectionRoundTrip(t *testing.T) {
	a := NewProjector(50.0, 8.0)
	b := NewProjector(50.15, 8.2)

	lat, lon := 50.08, 8.11
	xa, ya := a.Project(lat, lon)

	// A -> geodetic -> B -> geodetic
	midLat, midLon := a.Unproject(xa, ya)
	xb, yb := b.Project(midLat, midLon)
	gotLat, gotLon := b.Unproject(xb, yb)

	assert.InDelta(t, lat, gotLat, 1e-6)
	assert.InDelta(t, lon, gotLon, 1e-6)
}

func TestProjector_DistancePreserved(t *testing.T) {
	p := NewProjector(45, 7)
	x, y := p.Project(45.1, 7.1)

	// Great-circle distance via haversine.
	phi1, phi2 := 45*deg2rad, 45.1*deg2rad
	dPhi, dLam := 0.1*deg2rad, 0.1*deg2rad
	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) + math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLam/2)*math.Sin(dLam/2)
	want := 2 * EarthRadius * math.Asin(math.Sqrt(h))

	assert.InDelta(t, want, math.Hypot(x, y), 1e-3)
}

func TestProjector_UpdateSameOriginNoop(t *testing.T) {
	var p Projector
	assert.False(t, p.Valid())

	p.Update(10, 20)
	before := p
	p.Update(10, 20)
	assert.Equal(t, before, p)
	assert.Equal(t, Origin{Lat: 10, Lon: 20}, p.Origin())
}

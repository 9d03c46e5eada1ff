// Package geo converts between geodetic coordinates and a local Cartesian
// frame tangent to the earth at a movable origin.
//
// The projection is azimuthal equidistant on a sphere: distances and
// bearings from the origin are preserved exactly, which keeps the error of
// the flat-earth motion models small within a few tens of kilometres.
package geo

import (
	"fmt"
	"math"
)

// EarthRadius is the mean earth radius in metres.
const EarthRadius = 6371008.8

const deg2rad = math.Pi / 180.0

// Origin is a projection center in degrees.
type Origin struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// String formats the origin as "lat,lon".
func (o Origin) String() string {
	return fmt.Sprintf("%.8f,%.8f", o.Lat, o.Lon)
}

// Projector projects around a single origin. The zero value is invalid
// until Update is called.
type Projector struct {
	origin Origin
	valid  bool

	sinLat0 float64
	cosLat0 float64
}

// NewProjector returns a projector centered at (lat, lon).
func NewProjector(lat, lon float64) *Projector {
	p := &Projector{}
	p.Update(lat, lon)
	return p
}

// Valid reports whether an origin has been set.
func (p *Projector) Valid() bool { return p.valid }

// Origin returns the current projection center.
func (p *Projector) Origin() Origin { return p.origin }

// Update moves the projection center. Setting the current origin again
// is a no-op.
func (p *Projector) Update(lat, lon float64) {
	if p.valid && p.origin.Lat == lat && p.origin.Lon == lon {
		return
	}
	p.origin = Origin{Lat: lat, Lon: lon}
	p.sinLat0, p.cosLat0 = math.Sincos(lat * deg2rad)
	p.valid = true
}

// Project converts geodetic degrees to local x (east) and y (north) in metres.
func (p *Projector) Project(lat, lon float64) (x, y float64) {
	phi := lat * deg2rad
	dLambda := (lon - p.origin.Lon) * deg2rad

	sinPhi, cosPhi := math.Sincos(phi)
	sinDL, cosDL := math.Sincos(dLambda)

	cosC := p.sinLat0*sinPhi + p.cosLat0*cosPhi*cosDL
	cosC = math.Max(-1, math.Min(1, cosC))
	c := math.Acos(cosC)

	k := 1.0
	if s := math.Sin(c); s > 1e-12 {
		k = c / s
	}

	x = EarthRadius * k * cosPhi * sinDL
	y = EarthRadius * k * (p.cosLat0*sinPhi - p.sinLat0*cosPhi*cosDL)
	return x, y
}

// Unproject converts local Cartesian metres back to geodetic degrees.
func (p *Projector) Unproject(x, y float64) (lat, lon float64) {
	rho := math.Hypot(x, y)
	if rho < 1e-9 {
		return p.origin.Lat, p.origin.Lon
	}

	c := rho / EarthRadius
	sinC, cosC := math.Sincos(c)

	arg := cosC*p.sinLat0 + y*sinC*p.cosLat0/rho
	phi := math.Asin(math.Max(-1, math.Min(1, arg)))
	lambda := math.Atan2(x*sinC, rho*p.cosLat0*cosC-y*p.sinLat0*sinC)

	lat = phi / deg2rad
	lon = normalizeLon(p.origin.Lon + lambda/deg2rad)
	return lat, lon
}

func normalizeLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}

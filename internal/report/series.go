// Package report renders reconstruction results: a PNG/SVG track plot of
// measured against reconstructed positions, and an HTML speed chart.
package report

import (
	"errors"
	"time"

	"github.com/banshee-data/trajectory/internal/geo"
	"github.com/banshee-data/trajectory/internal/reference"
)

// ErrNoData is returned when there is nothing to draw.
var ErrNoData = errors.New("report: no data")

// Point is a position in the shared local frame, in metres.
type Point struct {
	X, Y float64
}

// SpeedSample is a reconstructed ground speed in m/s.
type SpeedSample struct {
	T     time.Time
	Speed float64
}

// Series holds one target's data in a local frame shared by all series.
type Series struct {
	Name          string
	Measured      []Point
	Reconstructed []Point
	Speeds        []SpeedSample
}

// BuildSeries projects the measurements and references of a run into a
// frame centred on the first measurement of the first target. Targets
// without a result are skipped; results are matched to targets by ID.
func BuildSeries(targets []reference.Target, run *reference.Run) ([]Series, geo.Origin, error) {
	var proj *geo.Projector
	for _, tg := range targets {
		if len(tg.Measurements) > 0 {
			proj = geo.NewProjector(tg.Measurements[0].Lat, tg.Measurements[0].Lon)
			break
		}
	}
	if proj == nil {
		return nil, geo.Origin{}, ErrNoData
	}

	byID := make(map[string]*reference.Result, len(run.Results))
	for i := range run.Results {
		byID[run.Results[i].TargetID] = &run.Results[i]
	}

	var out []Series
	for _, tg := range targets {
		res, ok := byID[tg.ID]
		if !ok || res.Err != nil {
			continue
		}
		s := Series{Name: tg.ID}
		for _, mm := range tg.Measurements {
			x, y := proj.Project(mm.Lat, mm.Lon)
			s.Measured = append(s.Measured, Point{X: x, Y: y})
		}
		for i := range res.References {
			ref := &res.References[i]
			x, y := proj.Project(ref.Lat, ref.Lon)
			s.Reconstructed = append(s.Reconstructed, Point{X: x, Y: y})
			if v, ok := ref.Speed(); ok {
				s.Speeds = append(s.Speeds, SpeedSample{T: ref.T, Speed: v})
			}
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, proj.Origin(), ErrNoData
	}
	return out, proj.Origin(), nil
}

package reconstruction

import (
	"math"

	"github.com/banshee-data/trajectory/internal/geo"
	"github.com/banshee-data/trajectory/internal/kalman"
	"gonum.org/v1/gonum/mat"
)

// PositionModel reads and writes the Cartesian position inside a state
// vector. kalman.UniformMotion2D implements it.
type PositionModel interface {
	XPos(x mat.Vector) (float64, float64)
	SetXPos(x *mat.VecDense, px, py float64)
}

// ProjectionHandler owns the current local projection origin of one target
// and moves it when the state drifts too far away.
type ProjectionHandler struct {
	proj    *geo.Projector
	scratch *geo.Projector

	check          ProjDistanceCheck
	maxDistCartSqr float64
	maxDistWGS84   float64
}

// NewProjectionHandler creates a handler without an origin.
func NewProjectionHandler(s EstimatorSettings) *ProjectionHandler {
	return &ProjectionHandler{
		proj:           &geo.Projector{},
		scratch:        &geo.Projector{},
		check:          s.ProjDistanceCheck,
		maxDistCartSqr: s.MaxProjDistanceCart * s.MaxProjDistanceCart,
		maxDistWGS84:   s.MaxProjDistanceWGS84,
	}
}

// Valid reports whether an origin has been set.
func (h *ProjectionHandler) Valid() bool { return h.proj.Valid() }

// InitProjection centers the projection at (lat, lon).
func (h *ProjectionHandler) InitProjection(lat, lon float64) {
	h.proj.Update(lat, lon)
}

// Center returns the current origin, or the zero origin if none is set.
func (h *ProjectionHandler) Center() geo.Origin {
	if !h.proj.Valid() {
		return geo.Origin{}
	}
	return h.proj.Origin()
}

// Project converts to Cartesian using the current origin.
func (h *ProjectionHandler) Project(lat, lon float64) (x, y float64) {
	return h.proj.Project(lat, lon)
}

// Unproject converts to geodetic using the current origin.
func (h *ProjectionHandler) Unproject(x, y float64) (lat, lon float64) {
	return h.proj.Unproject(x, y)
}

// UnprojectFrom converts (x, y), expressed around center, to geodetic.
// The current origin is left untouched.
func (h *ProjectionHandler) UnprojectFrom(x, y float64, center geo.Origin) (lat, lon float64) {
	h.scratch.Update(center.Lat, center.Lon)
	return h.scratch.Unproject(x, y)
}

// ProjectTo converts (lat, lon) to Cartesian around center. The current
// origin is left untouched.
func (h *ProjectionHandler) ProjectTo(lat, lon float64, center geo.Origin) (x, y float64) {
	h.scratch.Update(center.Lat, center.Lon)
	return h.scratch.Project(lat, lon)
}

// InRangeCart reports whether (x, y) is close enough to the origin.
func (h *ProjectionHandler) InRangeCart(x, y float64) bool {
	return x*x+y*y <= h.maxDistCartSqr
}

// InRangeWGS84 reports whether (lat, lon) is within the configured degree
// distance of the origin on both axes.
func (h *ProjectionHandler) InRangeWGS84(lat, lon float64) bool {
	c := h.proj.Origin()
	return math.Abs(c.Lat-lat) <= h.maxDistWGS84 && math.Abs(c.Lon-lon) <= h.maxDistWGS84
}

// NeedsReprojectionChange reports whether the position held by update's
// state has left the valid range of the current origin.
func (h *ProjectionHandler) NeedsReprojectionChange(update *kalman.Update, model PositionModel) bool {
	px, py := model.XPos(update.State.X)
	if h.check == ProjCheckWGS84 {
		lat, lon := h.Unproject(px, py)
		return !h.InRangeWGS84(lat, lon)
	}
	return !h.InRangeCart(px, py)
}

// ChangeProjection re-centers the projection on the position of update's
// state and moves that position to (0, 0). Velocities and their
// uncertainties are kept as they are; the rotation between two nearby
// tangent planes is negligible.
func (h *ProjectionHandler) ChangeProjection(update *kalman.Update, model PositionModel) {
	px, py := model.XPos(update.State.X)
	lat, lon := h.Unproject(px, py)
	h.InitProjection(lat, lon)
	model.SetXPos(update.State.X, 0, 0)
}

// ChangeProjectionIfNeeded moves the origin if required and reports whether
// it did.
func (h *ProjectionHandler) ChangeProjectionIfNeeded(update *kalman.Update, model PositionModel) bool {
	if !h.NeedsReprojectionChange(update, model) {
		return false
	}
	h.ChangeProjection(update, model)
	return true
}

// XReprojected re-expresses the position in state vector x from the frame
// centered at from into the frame centered at to. Other components are
// copied unchanged.
func (h *ProjectionHandler) XReprojected(x mat.Vector, model PositionModel, from, to geo.Origin) *mat.VecDense {
	xr := mat.VecDenseCopyOf(x)
	if from == to {
		return xr
	}
	px, py := model.XPos(x)
	lat, lon := h.UnprojectFrom(px, py, from)
	nx, ny := h.ProjectTo(lat, lon, to)
	model.SetXPos(xr, nx, ny)
	return xr
}

// ReprojectionTransform returns a transfer function for smoothing or
// interpolating updates[offset:], mapping state vectors between the
// projection origins of the referenced updates.
func (h *ProjectionHandler) ReprojectionTransform(updates []kalman.Update, model PositionModel, offset int) kalman.XTransferFunc {
	return func(x *mat.VecDense, idxOld, idxNew int) *mat.VecDense {
		return h.XReprojected(x, model,
			updates[offset+idxOld].ProjectionCenter,
			updates[offset+idxNew].ProjectionCenter)
	}
}

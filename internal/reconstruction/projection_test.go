package reconstruction

import (
	"testing"

	"github.com/banshee-data/trajectory/internal/geo"
	"github.com/banshee-data/trajectory/internal/kalman"
	"github.com/banshee-data/trajectory/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func projectionSettings(maxCart float64) EstimatorSettings {
	s := DefaultEstimatorSettings()
	s.MaxProjDistanceCart = maxCart
	return s
}

func updateAt(x, y float64, center geo.Origin) *kalman.Update {
	return &kalman.Update{
		State: &kalman.State{
			X: mat.NewVecDense(4, []float64{x, 1, y, 2}),
			P: mat.NewDense(4, 4, []float64{
				1, 0, 0, 0,
				0, 1, 0, 0,
				0, 0, 1, 0,
				0, 0, 0, 1,
			}),
		},
		ProjectionCenter: center,
		Valid:            true,
	}
}

func TestProjectionHandler_Center(t *testing.T) {
	t.Parallel()

	h := NewProjectionHandler(DefaultEstimatorSettings())
	assert.False(t, h.Valid())
	assert.Equal(t, geo.Origin{}, h.Center())

	h.InitProjection(testutil.DefaultOrigin.Lat, testutil.DefaultOrigin.Lon)
	assert.True(t, h.Valid())
	assert.Equal(t, testutil.DefaultOrigin, h.Center())

	x, y := h.Project(testutil.DefaultOrigin.Lat, testutil.DefaultOrigin.Lon)
	assert.InDelta(t, 0, x, 1e-9)
	assert.InDelta(t, 0, y, 1e-9)
}

func TestProjectionHandler_InRangeCart(t *testing.T) {
	t.Parallel()

	h := NewProjectionHandler(projectionSettings(1000))
	assert.True(t, h.InRangeCart(600, 800), "boundary is inclusive")
	assert.True(t, h.InRangeCart(-999, 0))
	assert.False(t, h.InRangeCart(600, 801))
}

func TestProjectionHandler_InRangeWGS84(t *testing.T) {
	t.Parallel()

	s := DefaultEstimatorSettings()
	s.MaxProjDistanceWGS84 = 0.1
	h := NewProjectionHandler(s)
	h.InitProjection(10, 20)

	assert.True(t, h.InRangeWGS84(10.05, 19.95))
	assert.False(t, h.InRangeWGS84(10.15, 20))
	assert.False(t, h.InRangeWGS84(10, 20.11))
}

func TestProjectionHandler_ChangeProjectionIfNeeded(t *testing.T) {
	t.Parallel()

	h := NewProjectionHandler(projectionSettings(20000))
	origin := testutil.DefaultOrigin
	h.InitProjection(origin.Lat, origin.Lon)
	model := kalman.NewUniformMotion2D(false)

	near := updateAt(1000, 0, origin)
	assert.False(t, h.ChangeProjectionIfNeeded(near, model))
	assert.Equal(t, origin, h.Center())

	far := updateAt(30000, 0, origin)
	wantLat, wantLon := geo.NewProjector(origin.Lat, origin.Lon).Unproject(30000, 0)

	require.True(t, h.ChangeProjectionIfNeeded(far, model))
	c := h.Center()
	assert.InDelta(t, wantLat, c.Lat, 1e-12)
	assert.InDelta(t, wantLon, c.Lon, 1e-12)

	px, py := model.XPos(far.State.X)
	assert.Equal(t, 0.0, px)
	assert.Equal(t, 0.0, py)
	vx, vy := model.XVel(far.State.X)
	assert.Equal(t, 1.0, vx, "velocity is kept")
	assert.Equal(t, 2.0, vy)
}

func TestProjectionHandler_WGS84Check(t *testing.T) {
	t.Parallel()

	s := DefaultEstimatorSettings()
	s.ProjDistanceCheck = ProjCheckWGS84
	s.MaxProjDistanceWGS84 = 0.05
	h := NewProjectionHandler(s)
	h.InitProjection(testutil.DefaultOrigin.Lat, testutil.DefaultOrigin.Lon)
	model := kalman.NewUniformMotion2D(false)

	// 0.05 degrees of latitude are about 5.5 km.
	assert.False(t, h.NeedsReprojectionChange(updateAt(0, 4000, testutil.DefaultOrigin), model))
	assert.True(t, h.NeedsReprojectionChange(updateAt(0, 7000, testutil.DefaultOrigin), model))
}

func TestProjectionHandler_XReprojected(t *testing.T) {
	t.Parallel()

	h := NewProjectionHandler(DefaultEstimatorSettings())
	model := kalman.NewUniformMotion2D(false)
	from := testutil.DefaultOrigin
	toLat, toLon := geo.NewProjector(from.Lat, from.Lon).Unproject(15000, -8000)
	to := geo.Origin{Lat: toLat, Lon: toLon}

	x := mat.NewVecDense(4, []float64{15100, 3, -7900, 4})

	t.Run("same origin copies", func(t *testing.T) {
		xr := h.XReprojected(x, model, from, from)
		assert.True(t, mat.Equal(x, xr))
		xr.SetVec(0, 0)
		assert.Equal(t, 15100.0, x.AtVec(0), "input must not alias the result")
	})

	t.Run("round trip", func(t *testing.T) {
		xr := h.XReprojected(x, model, from, to)
		px, py := model.XPos(xr)
		assert.InDelta(t, 100, px, 1)
		assert.InDelta(t, 100, py, 1)
		assert.Equal(t, 3.0, xr.AtVec(kalman.IdxVX))

		back := h.XReprojected(xr, model, to, from)
		bx, by := model.XPos(back)
		assert.InDelta(t, 15100, bx, 1e-6)
		assert.InDelta(t, -7900, by, 1e-6)
	})

	t.Run("current origin untouched", func(t *testing.T) {
		h.InitProjection(from.Lat, from.Lon)
		h.XReprojected(x, model, from, to)
		assert.Equal(t, from, h.Center())
	})
}

func TestProjectionHandler_ReprojectionTransform(t *testing.T) {
	t.Parallel()

	h := NewProjectionHandler(DefaultEstimatorSettings())
	model := kalman.NewUniformMotion2D(false)
	o0 := testutil.DefaultOrigin
	lat, lon := geo.NewProjector(o0.Lat, o0.Lon).Unproject(5000, 0)
	o1 := geo.Origin{Lat: lat, Lon: lon}

	updates := []kalman.Update{
		*updateAt(0, 0, o0),
		*updateAt(4990, 0, o0),
		*updateAt(10, 0, o1),
	}

	transfer := h.ReprojectionTransform(updates, model, 1)
	xr := transfer(updates[2].State.X, 1, 0)
	px, py := model.XPos(xr)
	assert.InDelta(t, 5010, px, 0.05)
	assert.InDelta(t, 0, py, 0.05)
}

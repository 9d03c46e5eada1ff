package reconstruction

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/trajectory/internal/kalman"
	"github.com/banshee-data/trajectory/internal/timeutil"
	"gonum.org/v1/gonum/mat"
)

// motionFilter binds a kalman.Filter running the uniform motion model to
// measurements, timestamps and references.
type motionFilter struct {
	model  *kalman.UniformMotion2D
	kf     *kalman.Filter
	t      time.Time
	dt     float64
	isInit bool

	hPos    *mat.Dense
	hPosVel *mat.Dense
}

func newMotionFilter() *motionFilter {
	model := kalman.NewUniformMotion2D(false)
	return &motionFilter{
		model:   model,
		kf:      kalman.NewFilter(model),
		hPos:    kalman.PosMeasurementMatrix(),
		hPosVel: kalman.PosVelMeasurementMatrix(),
	}
}

// initFromMeasurement seeds the filter directly from mm.
func (m *motionFilter) initFromMeasurement(mm *Measurement, uncert Uncertainty, qVar float64) (*kalman.State, error) {
	x := mat.NewVecDense(4, nil)
	x.SetVec(kalman.IdxX, mm.X)
	x.SetVec(kalman.IdxY, mm.Y)
	if mm.HasVelocity() {
		x.SetVec(kalman.IdxVX, *mm.VX)
		x.SetVec(kalman.IdxVY, *mm.VY)
	}

	posVarX, posVarY, xyCov := m.posVariances(mm, uncert)
	velVarX, velVarY := m.velVariances(mm, uncert)

	p := mat.NewDense(4, 4, nil)
	p.Set(kalman.IdxX, kalman.IdxX, posVarX)
	p.Set(kalman.IdxY, kalman.IdxY, posVarY)
	p.Set(kalman.IdxX, kalman.IdxY, xyCov)
	p.Set(kalman.IdxY, kalman.IdxX, xyCov)
	p.Set(kalman.IdxVX, kalman.IdxVX, velVarX)
	p.Set(kalman.IdxVY, kalman.IdxVY, velVarY)

	if err := m.kf.InitWithDt(x, p, 0, qVar); err != nil {
		return nil, err
	}
	m.t = mm.T
	m.dt = 0
	m.isInit = true
	return m.state(), nil
}

// initFromState resets the filter to s at time t.
func (m *motionFilter) initFromState(s *kalman.State, t time.Time) error {
	xPOnly := s.F == nil || s.Q == nil
	if err := m.kf.InitState(s, xPOnly); err != nil {
		return err
	}
	m.t = t
	m.dt = s.Dt
	m.isInit = true
	return nil
}

// setState replaces x and P while keeping F and Q.
func (m *motionFilter) setState(s *kalman.State) error {
	cur := m.kf.State()
	cur.X = s.X
	cur.P = s.P
	return m.kf.InitState(cur, false)
}

func (m *motionFilter) state() *kalman.State {
	s := m.kf.State()
	s.Dt = m.dt
	return s
}

func (m *motionFilter) timestep(mm *Measurement) float64 {
	return timeutil.SecondsBetween(m.t, mm.T)
}

func (m *motionFilter) distanceSqr(mm *Measurement) float64 {
	px, py := m.model.XPos(m.kf.X())
	dx, dy := px-mm.X, py-mm.Y
	return dx*dx + dy*dy
}

func (m *motionFilter) posVariances(mm *Measurement, uncert Uncertainty) (vx, vy, cov float64) {
	if !mm.HasStdDevPosition() {
		return uncert.PosVar, uncert.PosVar, 0
	}
	vx, vy = sqr(*mm.XStdDev), sqr(*mm.YStdDev)
	if mm.XYCov != nil {
		cov = *mm.XYCov
	}
	return vx, vy, cov
}

func (m *motionFilter) velVariances(mm *Measurement, uncert Uncertainty) (float64, float64) {
	if mm.HasVelocity() && mm.HasStdDevVelocity() {
		return sqr(*mm.VXStdDev), sqr(*mm.VYStdDev)
	}
	return uncert.SpeedVar, uncert.SpeedVar
}

// measurementModel returns z, R and H for mm. Velocity is observed when
// the measurement carries it.
func (m *motionFilter) measurementModel(mm *Measurement, uncert Uncertainty) (*mat.VecDense, *mat.Dense, *mat.Dense) {
	posVarX, posVarY, xyCov := m.posVariances(mm, uncert)

	if !mm.HasVelocity() {
		z := mat.NewVecDense(2, []float64{mm.X, mm.Y})
		r := mat.NewDense(2, 2, []float64{
			posVarX, xyCov,
			xyCov, posVarY,
		})
		return z, r, m.hPos
	}

	velVarX, velVarY := m.velVariances(mm, uncert)
	z := mat.NewVecDense(4, []float64{mm.X, *mm.VX, mm.Y, *mm.VY})
	r := mat.NewDense(4, 4, nil)
	r.Set(kalman.IdxX, kalman.IdxX, posVarX)
	r.Set(kalman.IdxY, kalman.IdxY, posVarY)
	r.Set(kalman.IdxX, kalman.IdxY, xyCov)
	r.Set(kalman.IdxY, kalman.IdxX, xyCov)
	r.Set(kalman.IdxVX, kalman.IdxVX, velVarX)
	r.Set(kalman.IdxVY, kalman.IdxVY, velVarY)
	return z, r, m.hPosVel
}

// step predicts to mm.T and integrates mm. On failure the filter keeps its
// previous state.
func (m *motionFilter) step(mm *Measurement, uncert Uncertainty, qVar float64) (*kalman.State, error) {
	dt := m.timestep(mm)
	z, r, h := m.measurementModel(mm, uncert)
	if err := m.kf.PredictAndUpdateWith(dt, qVar, z, r, h, nil); err != nil {
		return nil, fmt.Errorf("step dt=%.3f: %w", dt, err)
	}
	m.t = mm.T
	m.dt = dt
	return m.state(), nil
}

// predict predicts the current state by dt seconds without changing it.
func (m *motionFilter) predict(dt, qVar float64, fix bool) (*kalman.State, bool, error) {
	return m.kf.PredictState(dt, qVar, fix, nil)
}

// predictFrom predicts an external state by dt seconds.
func (m *motionFilter) predictFrom(s *kalman.State, dt, qVar float64, fix bool) (*kalman.State, bool, error) {
	return m.kf.PredictStateFrom(s.X, s.P, dt, qVar, fix, nil)
}

// storeState writes position, velocity and their accuracies from s into ref.
func (m *motionFilter) storeState(ref *Reference, s *kalman.State) {
	px, py := m.model.XPos(s.X)
	vx, vy := m.model.XVel(s.X)
	ref.X, ref.Y = px, py
	ref.VX, ref.VY = Float(vx), Float(vy)

	varX, varY := m.model.XVar(s.P), m.model.YVar(s.P)
	velVarX, velVarY := m.model.VelVar(s.P)
	ref.XStdDev = Float(math.Sqrt(math.Max(varX, 0)))
	ref.YStdDev = Float(math.Sqrt(math.Max(varY, 0)))
	ref.XYCov = Float(m.model.XYCov(s.P))
	ref.VXStdDev = Float(math.Sqrt(math.Max(velVarX, 0)))
	ref.VYStdDev = Float(math.Sqrt(math.Max(velVarY, 0)))
	ref.Cov = mat.DenseCopyOf(s.P)
}

func (m *motionFilter) xVar(p mat.Matrix) float64 { return m.model.XVar(p) }
func (m *motionFilter) yVar(p mat.Matrix) float64 { return m.model.YVar(p) }

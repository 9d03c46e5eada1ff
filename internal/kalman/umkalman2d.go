package kalman

import "gonum.org/v1/gonum/mat"

// State vector layout of UniformMotion2D.
const (
	IdxX  = 0
	IdxVX = 1
	IdxY  = 2
	IdxVY = 3
)

// UniformMotion2D is a constant-velocity model with state [x, vx, y, vy].
type UniformMotion2D struct {
	observeVelocity bool
	h               *mat.Dense
}

var _ MotionModel = (*UniformMotion2D)(nil)

// NewUniformMotion2D returns the model. With observeVelocity the default
// measurement is [x, vx, y, vy], otherwise [x, y].
func NewUniformMotion2D(observeVelocity bool) *UniformMotion2D {
	m := &UniformMotion2D{observeVelocity: observeVelocity}
	if observeVelocity {
		m.h = PosVelMeasurementMatrix()
	} else {
		m.h = PosMeasurementMatrix()
	}
	return m
}

// PosMeasurementMatrix observes [x, y].
func PosMeasurementMatrix() *mat.Dense {
	h := mat.NewDense(2, 4, nil)
	h.Set(0, IdxX, 1)
	h.Set(1, IdxY, 1)
	return h
}

// PosVelMeasurementMatrix observes [x, vx, y, vy].
func PosVelMeasurementMatrix() *mat.Dense {
	return identity(4)
}

func (m *UniformMotion2D) DimX() int { return 4 }

func (m *UniformMotion2D) DimZ() int {
	if m.observeVelocity {
		return 4
	}
	return 2
}

// ObservesVelocity reports whether the default H includes velocity.
func (m *UniformMotion2D) ObservesVelocity() bool { return m.observeVelocity }

func (m *UniformMotion2D) Transition(f *mat.Dense, dt float64) {
	setIdentity(f)
	f.Set(IdxX, IdxVX, dt)
	f.Set(IdxY, IdxVY, dt)
}

// ProcessNoise is a continuous white noise block per axis.
func (m *UniformMotion2D) ProcessNoise(q *mat.Dense, dt, qVar float64) {
	// dims are fixed, so the constructor cannot fail
	cwn, _ := ContinuousWhiteNoise(2, dt, qVar, 2)
	q.Copy(cwn)
}

func (m *UniformMotion2D) MeasurementMatrix() *mat.Dense { return m.h }

// InvertState negates both velocity components.
func (m *UniformMotion2D) InvertState(x *mat.VecDense) {
	x.SetVec(IdxVX, -x.AtVec(IdxVX))
	x.SetVec(IdxVY, -x.AtVec(IdxVY))
}

// XPos returns the position components of x.
func (m *UniformMotion2D) XPos(x mat.Vector) (float64, float64) {
	return x.AtVec(IdxX), x.AtVec(IdxY)
}

// SetXPos writes the position components of x.
func (m *UniformMotion2D) SetXPos(x *mat.VecDense, px, py float64) {
	x.SetVec(IdxX, px)
	x.SetVec(IdxY, py)
}

// XVel returns the velocity components of x.
func (m *UniformMotion2D) XVel(x mat.Vector) (float64, float64) {
	return x.AtVec(IdxVX), x.AtVec(IdxVY)
}

// SetXVel writes the velocity components of x.
func (m *UniformMotion2D) SetXVel(x *mat.VecDense, vx, vy float64) {
	x.SetVec(IdxVX, vx)
	x.SetVec(IdxVY, vy)
}

func (m *UniformMotion2D) XVar(p mat.Matrix) float64  { return p.At(IdxX, IdxX) }
func (m *UniformMotion2D) YVar(p mat.Matrix) float64  { return p.At(IdxY, IdxY) }
func (m *UniformMotion2D) XYCov(p mat.Matrix) float64 { return p.At(IdxX, IdxY) }

// VelVar returns the variances of vx and vy.
func (m *UniformMotion2D) VelVar(p mat.Matrix) (float64, float64) {
	return p.At(IdxVX, IdxVX), p.At(IdxVY, IdxVY)
}

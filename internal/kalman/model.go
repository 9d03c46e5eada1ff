package kalman

import "gonum.org/v1/gonum/mat"

// MotionModel supplies the model-specific matrices to a Filter.
type MotionModel interface {
	// DimX is the state dimension.
	DimX() int
	// DimZ is the default measurement dimension.
	DimZ() int
	// Transition writes F(dt) into f.
	Transition(f *mat.Dense, dt float64)
	// ProcessNoise writes Q(dt, qVar) into q.
	ProcessNoise(q *mat.Dense, dt, qVar float64)
	// MeasurementMatrix returns H (DimZ x DimX).
	MeasurementMatrix() *mat.Dense
	// InvertState reverses the direction of motion encoded in x.
	InvertState(x *mat.VecDense)
}

// FMatFunc writes a state transition matrix for timestep dt.
type FMatFunc func(f *mat.Dense, dt float64)

// QMatFunc writes a process noise matrix for timestep dt and variance qVar.
type QMatFunc func(q *mat.Dense, dt, qVar float64)

// InvertFunc reverses the motion direction of a state vector in place.
type InvertFunc func(x *mat.VecDense)

// LinearModel builds a MotionModel from plain functions.
type LinearModel struct {
	NX     int
	NZ     int
	FFunc  FMatFunc
	QFunc  QMatFunc
	H      *mat.Dense
	Invert InvertFunc
}

var _ MotionModel = (*LinearModel)(nil)

func (m *LinearModel) DimX() int { return m.NX }
func (m *LinearModel) DimZ() int { return m.NZ }

func (m *LinearModel) Transition(f *mat.Dense, dt float64) {
	setIdentity(f)
	if m.FFunc != nil {
		m.FFunc(f, dt)
	}
}

func (m *LinearModel) ProcessNoise(q *mat.Dense, dt, qVar float64) {
	q.Zero()
	if m.QFunc != nil {
		m.QFunc(q, dt, qVar)
	}
}

func (m *LinearModel) MeasurementMatrix() *mat.Dense { return m.H }

// InvertState is a no-op when no Invert function is set.
func (m *LinearModel) InvertState(x *mat.VecDense) {
	if m.Invert != nil {
		m.Invert(x)
	}
}

func setIdentity(m *mat.Dense) {
	m.Zero()
	r, c := m.Dims()
	for i := 0; i < r && i < c; i++ {
		m.Set(i, i, 1)
	}
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	setIdentity(m)
	return m
}

package kalman

import (
	"time"

	"github.com/banshee-data/trajectory/internal/geo"
	"gonum.org/v1/gonum/mat"
)

// State is a filter snapshot. F and Q are the matrices that produced
// this state from its predecessor; the smoother needs both.
type State struct {
	X  *mat.VecDense
	P  *mat.Dense
	Q  *mat.Dense
	F  *mat.Dense
	Dt float64
}

// Clone returns a deep copy. Nil matrices stay nil.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := &State{Dt: s.Dt}
	if s.X != nil {
		c.X = mat.VecDenseCopyOf(s.X)
	}
	if s.P != nil {
		c.P = mat.DenseCopyOf(s.P)
	}
	if s.Q != nil {
		c.Q = mat.DenseCopyOf(s.Q)
	}
	if s.F != nil {
		c.F = mat.DenseCopyOf(s.F)
	}
	return c
}

// Dim returns the state dimension, or 0 for an empty state.
func (s *State) Dim() int {
	if s == nil || s.X == nil {
		return 0
	}
	return s.X.Len()
}

// Update is a persisted filter result tied to the projection origin it
// was computed in. Two updates can only be blended directly when their
// ProjectionCenter values match.
type Update struct {
	State            *State
	ProjectionCenter geo.Origin
	Lat              float64
	Lon              float64
	T                time.Time
	Valid            bool
	Reinit           bool

	// SourceID identifies the measurement that produced the update.
	SourceID uint64
	// Interp marks updates produced by resampling.
	Interp bool

	// QVarInterp overrides the resampling process noise in the interval
	// that starts at this update.
	QVarInterp *float64

	// Provenance of the source measurement.
	MMInterp   bool
	NoVelocity bool
	NoAccel    bool
	NoStdDev   bool
}

// ResetFlags clears Valid and Reinit.
func (u *Update) ResetFlags() {
	u.Valid = false
	u.Reinit = false
}

// Clone returns a deep copy of the update.
func (u Update) Clone() Update {
	u.State = u.State.Clone()
	return u
}

package kalman

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// XTransferFunc re-expresses state vector x, recorded at sequence index
// idxOld, in the frame of sequence index idxNew. The smoother uses it to
// bring the next smoothed state into the current sample's frame.
type XTransferFunc func(x *mat.VecDense, idxOld, idxNew int) *mat.VecDense

// SmoothOptions configures an RTS pass.
type SmoothOptions struct {
	// Scale damps the smoother gain; values outside (0, 1] mean 1.
	Scale float64
	// StopOnFail aborts the pass on the first sample that cannot be
	// smoothed. Otherwise such samples are flagged in SmoothResult.Valid.
	StopOnFail bool
	// Transfer is optional.
	Transfer XTransferFunc
	// CollectInfo records an RTSStepInfo per backward step.
	CollectInfo bool
}

// RTSStepInfo describes one backward smoothing step.
type RTSStepInfo struct {
	Index   int
	XBefore *mat.VecDense
	PBefore *mat.Dense
	XAfter  *mat.VecDense
	PAfter  *mat.Dense
	Gain    *mat.Dense
	Valid   bool
}

// SmoothResult holds the smoothed sequence.
type SmoothResult struct {
	X     []*mat.VecDense
	P     []*mat.Dense
	Valid []bool
	Steps []RTSStepInfo
}

// Smooth runs a Rauch-Tung-Striebel pass over forward-filtered states.
// Each state must carry the F and Q that produced it from its predecessor.
// With StopOnFail a non-invertible predicted covariance aborts the pass
// with ErrNumeric and the partial result is returned alongside the error.
// Without it the sample keeps its forward state, is flagged invalid, and
// the recursion continues from that forward state.
func Smooth(states []*State, opts SmoothOptions) (*SmoothResult, error) {
	n := len(states)
	res := &SmoothResult{
		X:     make([]*mat.VecDense, n),
		P:     make([]*mat.Dense, n),
		Valid: make([]bool, n),
	}
	if n == 0 {
		return res, nil
	}

	dim := states[0].Dim()
	for i, s := range states {
		if s.Dim() != dim || s.P == nil {
			return res, fmt.Errorf("smooth: state %d: %w", i, ErrDimension)
		}
		if i > 0 && (s.F == nil || s.Q == nil) {
			return res, fmt.Errorf("smooth: state %d lacks F or Q: %w", i, ErrDimension)
		}
		res.X[i] = mat.VecDenseCopyOf(s.X)
		res.P[i] = mat.DenseCopyOf(s.P)
		res.Valid[i] = true
	}

	scale := opts.Scale
	if scale <= 0 || scale > 1 {
		scale = 1
	}

	for k := n - 2; k >= 0; k-- {
		x1 := res.X[k+1]
		if opts.Transfer != nil {
			x1 = opts.Transfer(x1, k+1, k)
		}

		var info RTSStepInfo
		if opts.CollectInfo {
			info.Index = k
			info.XBefore = mat.VecDenseCopyOf(res.X[k])
			info.PBefore = mat.DenseCopyOf(res.P[k])
		}

		step, err := SmoothingStep(res.X[k], res.P[k], x1, res.P[k+1], states[k+1], scale)
		if err != nil {
			if opts.StopOnFail || !errors.Is(err, ErrNumeric) {
				return res, fmt.Errorf("smooth: step %d: %w", k, err)
			}
			res.Valid[k] = false
			if opts.CollectInfo {
				info.Valid = false
				res.Steps = append(res.Steps, info)
			}
			continue
		}
		res.X[k], res.P[k] = step.X0, step.P0

		ok := CheckState(res.X[k], res.P[k])
		res.Valid[k] = ok

		if opts.CollectInfo {
			info.XAfter = mat.VecDenseCopyOf(step.X0)
			info.PAfter = mat.DenseCopyOf(step.P0)
			info.Gain = step.Gain
			info.Valid = ok
			res.Steps = append(res.Steps, info)
		}

		if !ok && opts.StopOnFail {
			return res, fmt.Errorf("smooth: step %d: %w", k, ErrInvalidState)
		}
	}
	return res, nil
}

// SmoothedStep is the outcome of one backward step.
type SmoothedStep struct {
	X0     *mat.VecDense
	P0     *mat.Dense
	X1Pred *mat.VecDense
	P1Pred *mat.Dense
	Gain   *mat.Dense
}

// SmoothingStep smooths sample 0 given the smoothed successor (x1, p1),
// already expressed in sample 0's frame, and the successor's forward
// state1 (its F and Q).
func SmoothingStep(x0 *mat.VecDense, p0 *mat.Dense, x1 *mat.VecDense, p1 *mat.Dense, state1 *State, scale float64) (*SmoothedStep, error) {
	n := x0.Len()
	if state1 == nil || state1.F == nil || state1.Q == nil || x1.Len() != n {
		return nil, ErrDimension
	}
	f1, q1 := state1.F, state1.Q

	x1Pred := mat.NewVecDense(n, nil)
	x1Pred.MulVec(f1, x0)

	var fp mat.Dense
	fp.Mul(f1, p0)
	p1Pred := mat.NewDense(n, n, nil)
	p1Pred.Mul(&fp, f1.T())
	p1Pred.Add(p1Pred, q1)

	p1Inv, ok := Invert(p1Pred)
	if !ok {
		return nil, fmt.Errorf("predicted covariance: %w", ErrNumeric)
	}

	// K = P0 F1ᵀ (F1 P0 F1ᵀ + Q1)⁻¹
	var pft mat.Dense
	pft.Mul(p0, f1.T())
	gain := mat.NewDense(n, n, nil)
	gain.Mul(&pft, p1Inv)
	gain.Scale(scale, gain)

	dx := mat.NewVecDense(n, nil)
	dx.SubVec(x1, x1Pred)
	kdx := mat.NewVecDense(n, nil)
	kdx.MulVec(gain, dx)
	xs := mat.NewVecDense(n, nil)
	xs.AddVec(x0, kdx)

	var dp, kdp, kdpk mat.Dense
	dp.Sub(p1, p1Pred)
	kdp.Mul(gain, &dp)
	kdpk.Mul(&kdp, gain.T())
	ps := mat.NewDense(n, n, nil)
	ps.Add(p0, &kdpk)

	return &SmoothedStep{X0: xs, P0: ps, X1Pred: x1Pred, P1Pred: p1Pred, Gain: gain}, nil
}

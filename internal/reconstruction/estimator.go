package reconstruction

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/trajectory/internal/geo"
	"github.com/banshee-data/trajectory/internal/kalman"
	"github.com/banshee-data/trajectory/internal/monitoring"
	"github.com/banshee-data/trajectory/internal/timeutil"
	"gonum.org/v1/gonum/mat"
)

// Estimator runs the filter lifecycle of a single target: it decides
// between reinitialising and stepping, keeps the projection origin close
// to the state, and smooths or resamples accumulated update sequences.
type Estimator struct {
	settings   EstimatorSettings
	filter     *motionFilter
	proj       *ProjectionHandler
	stepInfo   StepInfo
	maxDistSqr float64
}

// NewEstimator returns an uninitialised estimator.
func NewEstimator(s EstimatorSettings) *Estimator {
	return &Estimator{
		settings:   s,
		filter:     newMotionFilter(),
		proj:       NewProjectionHandler(s),
		maxDistSqr: s.MaxDistanceCart * s.MaxDistanceCart,
	}
}

func (e *Estimator) Settings() EstimatorSettings { return e.settings }

// IsInit reports whether the estimator holds a state.
func (e *Estimator) IsInit() bool { return e.filter.isInit && e.proj.Valid() }

// CurrentTime returns the time of the current state.
func (e *Estimator) CurrentTime() time.Time { return e.filter.t }

// StepInfo describes the last KalmanStep.
func (e *Estimator) StepInfo() StepInfo { return e.stepInfo }

// ProjectionCenter returns the current projection origin.
func (e *Estimator) ProjectionCenter() geo.Origin { return e.proj.Center() }

// CurrentState returns a copy of the current filter state.
func (e *Estimator) CurrentState() (*kalman.State, error) {
	if !e.IsInit() {
		return nil, ErrNotInitialized
	}
	return e.filter.state(), nil
}

// CurrentPosition returns the geodetic position of the current state.
func (e *Estimator) CurrentPosition() (lat, lon float64, err error) {
	if !e.IsInit() {
		return 0, 0, ErrNotInitialized
	}
	px, py := e.filter.model.XPos(e.filter.kf.X())
	lat, lon = e.proj.Unproject(px, py)
	return lat, lon, nil
}

// Describe dumps the filter state for debugging.
func (e *Estimator) Describe() string {
	return e.filter.kf.Describe(kalman.InfoState, "  ")
}

// project fills mm.X/mm.Y from mm.Lat/mm.Lon in the current frame.
func (e *Estimator) project(mm *Measurement) {
	mm.X, mm.Y = e.proj.Project(mm.Lat, mm.Lon)
}

func (e *Estimator) newUpdate(mm *Measurement) kalman.Update {
	return updateFor(mm)
}

// updateFor returns an empty update carrying mm's time, source and
// provenance.
func updateFor(mm *Measurement) kalman.Update {
	return kalman.Update{
		T:          mm.T,
		SourceID:   mm.SourceID,
		QVarInterp: mm.QVarInterp,
		MMInterp:   mm.MMInterp,
		NoVelocity: !mm.HasVelocity(),
		NoAccel:    !mm.HasAcceleration(),
		NoStdDev:   !mm.HasStdDevPosition(),
	}
}

// KalmanInit reinitialises the estimator from mm, centering the
// projection on it. The returned update is flagged Reinit.
func (e *Estimator) KalmanInit(mm Measurement) (kalman.Update, error) {
	e.stepInfo.Reset()
	e.proj.InitProjection(mm.Lat, mm.Lon)
	e.project(&mm)

	u := e.newUpdate(&mm)
	if err := e.reinit(&u, &mm); err != nil {
		return u, err
	}
	u.ProjectionCenter = e.proj.Center()
	e.setGeodetic(&u)
	u.Valid = true
	return u, nil
}

// KalmanInitFromUpdate restores the estimator to a previously produced
// valid update, including its projection origin.
func (e *Estimator) KalmanInitFromUpdate(u *kalman.Update) error {
	if u == nil || !u.Valid {
		return fmt.Errorf("init from update: %w", kalman.ErrInvalidState)
	}
	e.stepInfo.Reset()
	e.proj.InitProjection(u.ProjectionCenter.Lat, u.ProjectionCenter.Lon)
	return e.filter.initFromState(u.State, u.T)
}

// needsReinit checks the reinitialisation criteria for a projected mm.
func (e *Estimator) needsReinit(mm *Measurement) ReinitState {
	if e.settings.ReinitCheck&ReinitCheckDistance != 0 && e.settings.MaxDistanceCart > 0 {
		if e.filter.distanceSqr(mm) > e.maxDistSqr {
			return ReinitDistance
		}
	}
	if e.settings.ReinitCheck&ReinitCheckTime != 0 && e.settings.MaxDt > 0 {
		if e.filter.timestep(mm) > e.settings.MaxDt {
			return ReinitTime
		}
	}
	return ReinitNotNeeded
}

// defaultUncert returns the fallback uncertainties for mm. Missing
// velocity or acceleration gets the undefined-value variance.
func (e *Estimator) defaultUncert(mm *Measurement) Uncertainty {
	u := e.settings.DefaultUncert
	if !mm.HasVelocity() {
		u.SpeedVar = e.settings.RVarUndef
	}
	if !mm.HasAcceleration() {
		u.AccVar = e.settings.RVarUndef
	}
	return u
}

func (e *Estimator) qVar(mm *Measurement) float64 {
	if e.settings.UseMeasurementQVar && mm.QVar != nil {
		return *mm.QVar
	}
	return e.settings.QVar
}

func (e *Estimator) reinit(u *kalman.Update, mm *Measurement) error {
	monitoring.Debugf(1, "estimator: reinitializing at t=%s", mm.T.Format(time.RFC3339Nano))
	s, err := e.filter.initFromMeasurement(mm, e.defaultUncert(mm), e.qVar(mm))
	if err != nil {
		return err
	}
	u.State = s
	u.Reinit = true
	return nil
}

func (e *Estimator) step(u *kalman.Update, mm *Measurement) error {
	s, err := e.filter.step(mm, e.defaultUncert(mm), e.qVar(mm))
	if err != nil {
		return err
	}
	u.State = s
	return nil
}

// checkProjection moves the origin if the state left its valid range and
// writes the repositioned state back into the filter.
func (e *Estimator) checkProjection(u *kalman.Update) error {
	if e.proj.ChangeProjectionIfNeeded(u, e.filter.model) {
		if err := e.filter.setState(u.State); err != nil {
			return err
		}
		e.stepInfo.ProjChanged = true
		monitoring.Debugf(2, "estimator: projection moved to %s at t=%s", e.proj.Center(), u.T.Format(time.RFC3339Nano))
	}
	u.ProjectionCenter = e.proj.Center()
	return nil
}

// setGeodetic stores the geodetic position implied by u's state.
func (e *Estimator) setGeodetic(u *kalman.Update) {
	px, py := e.filter.model.XPos(u.State.X)
	u.Lat, u.Lon = e.proj.UnprojectFrom(px, py, u.ProjectionCenter)
}

// KalmanStep integrates mm. Steps shorter than the minimum dt are
// rejected. A failed filter step either reinitialises or is reported as
// StepFailKalmanError, depending on the step fail strategy; in both cases
// the previous state stays intact.
func (e *Estimator) KalmanStep(mm Measurement) (kalman.Update, StepResult) {
	e.stepInfo.Reset()
	u := e.newUpdate(&mm)

	if !e.IsInit() {
		e.stepInfo.Result = StepFailKalmanError
		e.stepInfo.KalmanErr = ErrNotInitialized
		return u, StepFailKalmanError
	}

	e.project(&mm)

	dt := e.filter.timestep(&mm)
	if dt < e.settings.MinDt {
		monitoring.Debugf(1, "estimator: step %.4fs too small (< %.4fs), skipping", dt, e.settings.MinDt)
		e.stepInfo.Result = StepFailStepTooSmall
		return u, StepFailStepTooSmall
	}

	if rs := e.needsReinit(&mm); rs != ReinitNotNeeded {
		e.stepInfo.Reinit = rs
		if err := e.reinit(&u, &mm); err != nil {
			e.stepInfo.Result = StepFailKalmanError
			e.stepInfo.KalmanErr = err
			return u, StepFailKalmanError
		}
	} else if err := e.step(&u, &mm); err != nil {
		e.stepInfo.KalmanErr = err
		monitoring.Warnf("estimator: kalman step failed at t=%s: %v", mm.T.Format(time.RFC3339Nano), err)

		if e.settings.StepFailStrategy != StepFailReinit {
			e.stepInfo.Result = StepFailKalmanError
			return u, StepFailKalmanError
		}
		if err := e.reinit(&u, &mm); err != nil {
			e.stepInfo.Result = StepFailKalmanError
			return u, StepFailKalmanError
		}
		e.stepInfo.ReinitAfterFail = true
	}

	if err := e.checkProjection(&u); err != nil {
		e.stepInfo.Result = StepFailKalmanError
		e.stepInfo.KalmanErr = err
		u.ResetFlags()
		return u, StepFailKalmanError
	}
	e.setGeodetic(&u)
	u.Valid = true
	e.stepInfo.Result = StepSuccess
	return u, StepSuccess
}

// PredictDt predicts the current state dt seconds ahead (or back, for
// negative dt) without changing it.
func (e *Estimator) PredictDt(dt float64) (*Reference, error) {
	if !e.IsInit() {
		return nil, ErrNotInitialized
	}
	var s *kalman.State
	if math.Abs(dt) < e.settings.MinPredDt {
		s = e.filter.state()
		dt = 0
	} else {
		var err error
		if s, _, err = e.filter.predict(dt, e.settings.QVar, e.settings.FixPredictions); err != nil {
			return nil, fmt.Errorf("predict dt=%.3f: %w", dt, err)
		}
	}
	ref := &Reference{}
	ref.T = e.filter.t.Add(timeutil.FromSeconds(dt))
	e.filter.storeState(ref, s)
	ref.Lat, ref.Lon = e.proj.Unproject(ref.X, ref.Y)
	return ref, nil
}

// PredictAt predicts the current state to ts.
func (e *Estimator) PredictAt(ts time.Time) (*Reference, error) {
	if !e.IsInit() {
		return nil, ErrNotInitialized
	}
	ref, err := e.PredictDt(timeutil.SecondsBetween(e.filter.t, ts))
	if err != nil {
		return nil, err
	}
	ref.T = ts
	return ref, nil
}

// PredictFrom reinitialises the estimator to u and predicts to ts.
func (e *Estimator) PredictFrom(u *kalman.Update, ts time.Time) (*Reference, error) {
	if err := e.KalmanInitFromUpdate(u); err != nil {
		return nil, err
	}
	return e.PredictAt(ts)
}

// PredictBetween predicts u0 forward and u1 backward to ts and blends the
// two predictions with mode. The result is expressed in u0's frame. The
// estimator's own state is not touched.
func (e *Estimator) PredictBetween(u0, u1 *kalman.Update, ts time.Time, mode StateInterpMode) (*Reference, error) {
	s0 := u0.State
	s1 := u1.State.Clone()
	s1.X = e.proj.XReprojected(u1.State.X, e.filter.model, u1.ProjectionCenter, u0.ProjectionCenter)

	dt := timeutil.SecondsBetween(u0.T, u1.T)
	dt0 := timeutil.SecondsBetween(u0.T, ts)
	dt1 := timeutil.SecondsBetween(ts, u1.T)

	p0, _, err := e.filter.predictFrom(s0, dt0, e.settings.QVar, e.settings.FixPredictions)
	if err != nil {
		return nil, fmt.Errorf("predict between: forward: %w", err)
	}
	p1, _, err := e.filter.predictFrom(s1, -dt1, e.settings.QVar, e.settings.FixPredictions)
	if err != nil {
		return nil, fmt.Errorf("predict between: backward: %w", err)
	}

	f := blendFactor(mode, dt0, dt, p0.P, p1.P, e.filter.xVar, e.filter.yVar)
	p, err := InterpCovarianceMat(p0.P, p1.P, f, e.settings.ResampleCovMode)
	if err != nil {
		return nil, err
	}
	blended := &kalman.State{X: InterpStateVector(p0.X, p1.X, f), P: p}

	ref := &Reference{RefInterp: true}
	ref.T = ts
	e.filter.storeState(ref, blended)
	ref.Lat, ref.Lon = e.proj.UnprojectFrom(ref.X, ref.Y, u0.ProjectionCenter)
	return ref, nil
}

// StoreUpdate converts u into a Reference, unprojecting with u's own origin.
func (e *Estimator) StoreUpdate(u *kalman.Update) Reference {
	return e.storeUpdate(u, false)
}

func (e *Estimator) storeUpdate(u *kalman.Update, speedTip bool) Reference {
	var ref Reference
	ref.SourceID = u.SourceID
	ref.T = u.T
	ref.ResetPos = u.Reinit
	ref.RefInterp = u.Interp
	ref.MMInterp = u.MMInterp
	ref.NoSpeedPos = u.NoVelocity
	ref.NoAccelPos = u.NoAccel
	ref.NoStdDevPos = u.NoStdDev
	e.filter.storeState(&ref, u.State)
	ref.Lat, ref.Lon = e.proj.UnprojectFrom(ref.X, ref.Y, u.ProjectionCenter)
	if speedTip {
		lat, lon := e.proj.UnprojectFrom(ref.X+*ref.VX, ref.Y+*ref.VY, u.ProjectionCenter)
		ref.SpeedTipLat, ref.SpeedTipLon = Float(lat), Float(lon)
	}
	return ref
}

// StoreUpdates converts updates into references. Invalid updates are
// skipped. ProjChangePos is set where the origin differs from the
// previous update's.
func (e *Estimator) StoreUpdates(updates []kalman.Update, speedTip bool) []Reference {
	refs := make([]Reference, 0, len(updates))
	for i := range updates {
		u := &updates[i]
		if !u.Valid || u.State == nil {
			continue
		}
		ref := e.storeUpdate(u, speedTip)
		if i > 0 && updates[i-1].ProjectionCenter != u.ProjectionCenter {
			ref.ProjChangePos = true
		}
		refs = append(refs, ref)
	}
	return refs
}

// forEachChain calls fn for every [idx0, idx1] range of updates that is
// not interrupted by a reinit marker.
func forEachChain(updates []kalman.Update, fn func(idx0, idx1 int) error) error {
	n := len(updates)
	if n == 0 {
		return nil
	}
	idx0 := 0
	for i := 1; i < n; i++ {
		if updates[i].Reinit {
			if err := fn(idx0, i-1); err != nil {
				return err
			}
			idx0 = i
		}
	}
	return fn(idx0, n-1)
}

// SmoothUpdates runs an RTS pass over every chain of updates and returns
// the smoothed copy; the input is not modified. With SmoothFailSetInvalid
// samples that cannot be smoothed, either because the predicted covariance
// is singular or the smoothed state is invalid, are flagged instead of
// aborting the pass.
func (e *Estimator) SmoothUpdates(updates []kalman.Update, strategy SmoothFailStrategy) ([]kalman.Update, error) {
	out := make([]kalman.Update, len(updates))
	for i := range updates {
		out[i] = updates[i].Clone()
	}

	phandler := NewProjectionHandler(e.settings)
	err := forEachChain(out, func(idx0, idx1 int) error {
		if idx1 <= idx0 {
			return nil
		}
		states := make([]*kalman.State, 0, idx1-idx0+1)
		for i := idx0; i <= idx1; i++ {
			states = append(states, out[i].State)
		}
		res, err := kalman.Smooth(states, kalman.SmoothOptions{
			Scale:      e.settings.SmoothScale,
			StopOnFail: strategy == SmoothFailStop,
			Transfer:   phandler.ReprojectionTransform(out, e.filter.model, idx0),
		})
		if err != nil {
			return fmt.Errorf("smooth chain [%d,%d]: %w", idx0, idx1, err)
		}
		for k := range states {
			u := &out[idx0+k]
			u.State.X = res.X[k]
			u.State.P = res.P[k]
			u.Valid = u.Valid && res.Valid[k]
			px, py := e.filter.model.XPos(u.State.X)
			u.Lat, u.Lon = phandler.UnprojectFrom(px, py, u.ProjectionCenter)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// errInterpStep marks a failed one-sided prediction during resampling.
var errInterpStep = errors.New("interpolation step failed")

// InterpUpdates resamples every chain of updates at the configured
// resample interval. The first and last update of each chain are kept.
// It returns the resampled updates and the number of chains whose
// resampling failed; failed chains contribute their original updates.
func (e *Estimator) InterpUpdates(updates []kalman.Update) ([]kalman.Update, int) {
	var out []kalman.Update
	failed := 0
	phandler := NewProjectionHandler(e.settings)
	_ = forEachChain(updates, func(idx0, idx1 int) error {
		chain, err := e.interpChain(updates, idx0, idx1, phandler)
		if err != nil {
			monitoring.Warnf("estimator: resampling chain [%d,%d] failed: %v", idx0, idx1, err)
			failed++
			for i := idx0; i <= idx1; i++ {
				out = append(out, updates[i].Clone())
			}
			return nil
		}
		out = append(out, chain...)
		return nil
	})
	return out, failed
}

func (e *Estimator) interpChain(updates []kalman.Update, idx0, idx1 int, phandler *ProjectionHandler) ([]kalman.Update, error) {
	if idx1 < idx0 {
		return nil, nil
	}
	first, last := &updates[idx0], &updates[idx1]
	if idx1 == idx0 {
		return []kalman.Update{first.Clone()}, nil
	}

	dtSec := e.settings.ResampleDt
	if dtSec <= 0 {
		return nil, fmt.Errorf("resample dt %g: %w", dtSec, errInterpStep)
	}
	minDt := e.settings.MinDt
	incr := timeutil.FromSeconds(dtSec)
	// Small-interval handling restarts at t0+incr, which must clear minDt.
	if incr.Seconds() <= minDt {
		return nil, fmt.Errorf("resample dt %g not above min dt %g: %w", dtSec, minDt, errInterpStep)
	}
	qVar := e.settings.ResampleQVar

	total := timeutil.SecondsBetween(first.T, last.T)
	out := make([]kalman.Update, 0, int(math.Ceil(total/dtSec))+2)

	// add appends state s at time t, taking origin, source and provenance
	// from src.
	add := func(s *kalman.State, src *kalman.Update, t time.Time, interp bool) {
		u := *src
		u.State = s.Clone()
		u.T = t
		u.Valid = true
		u.Reinit = false
		u.Interp = interp
		px, py := e.filter.model.XPos(u.State.X)
		u.Lat, u.Lon = phandler.UnprojectFrom(px, py, u.ProjectionCenter)
		out = append(out, u)
	}

	add(first.State, first, first.T, false)
	out[0].Reinit = first.Reinit

	tcur := first.T.Add(incr)
	small := 0
	transfer := phandler.ReprojectionTransform(updates, e.filter.model, 0)

	for i := idx0 + 1; i <= idx1; i++ {
		u0, u1 := &updates[i-1], &updates[i]
		t0, t1 := u0.T, u1.T
		if tcur.Before(t0) || !tcur.Before(t1) {
			continue
		}

		qv := qVar
		if e.settings.UseMeasurementQVar && u0.QVarInterp != nil {
			qv = *u0.QVarInterp
		}
		state0 := u0.State
		state1 := u1.State.Clone()
		state1.X = transfer(u1.State.X, i, i-1)
		dt := timeutil.SecondsBetween(t0, t1)

		for !tcur.Before(t0) && tcur.Before(t1) {
			dt0 := timeutil.SecondsBetween(t0, tcur)
			dt1 := timeutil.SecondsBetween(tcur, t1)
			if dt0 <= minDt {
				add(state0, u0, t0, false)
				small++
				tcur = t0.Add(incr)
				continue
			}
			if dt1 <= minDt {
				add(u1.State, u1, t1, false)
				small++
				tcur = t1.Add(incr)
				continue
			}

			fix := e.settings.FixPredictionsInterp
			new0, _, err := e.filter.predictFrom(state0, dt0, qv, fix)
			if err != nil {
				return nil, fmt.Errorf("forward from t=%s: %w", t0.Format(time.RFC3339Nano), errors.Join(errInterpStep, err))
			}
			new1, _, err := e.filter.predictFrom(state1, -dt1, qv, fix)
			if err != nil {
				return nil, fmt.Errorf("backward from t=%s: %w", t1.Format(time.RFC3339Nano), errors.Join(errInterpStep, err))
			}

			f := blendFactor(e.settings.ResampleInterpMode, dt0, dt, new0.P, new1.P, e.filter.xVar, e.filter.yVar)
			p, err := InterpCovarianceMat(new0.P, new1.P, f, e.settings.ResampleCovMode)
			if err != nil {
				return nil, errors.Join(errInterpStep, err)
			}
			blended := &kalman.State{
				X:  InterpStateVector(new0.X, new1.X, f),
				P:  p,
				F:  new0.F,
				Q:  new0.Q,
				Dt: dt0,
			}
			add(blended, u0, tcur, true)
			tcur = tcur.Add(incr)
		}
	}

	if small > 0 {
		monitoring.Debugf(1, "estimator: %d small interval(s) during resampling", small)
	}

	// The chain always ends on its last update.
	if n := len(out); n >= 2 && !out[n-1].T.Before(last.T) {
		out = out[:n-1]
	}
	add(last.State, last, last.T, false)
	return out, nil
}

// stateDiff returns |x0 - x1|² and the squared norm of the difference of
// the covariance diagonals.
func stateDiff(s0, s1 *kalman.State) (dState, dCov float64) {
	var dx mat.VecDense
	dx.SubVec(s0.X, s1.X)
	dState = mat.Dot(&dx, &dx)
	n := s0.X.Len()
	for i := 0; i < n; i++ {
		d := s0.P.At(i, i) - s1.P.At(i, i)
		dCov += d * d
	}
	return dState, dCov
}

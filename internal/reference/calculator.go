// Package reference turns the measurements of many independent targets
// into reference trajectories. Each target is filtered, optionally RTS
// smoothed and optionally resampled by its own estimator; targets are
// processed in parallel.
package reference

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"time"

	"github.com/banshee-data/trajectory/internal/config"
	"github.com/banshee-data/trajectory/internal/kalman"
	"github.com/banshee-data/trajectory/internal/monitoring"
	"github.com/banshee-data/trajectory/internal/reconstruction"
	"github.com/banshee-data/trajectory/internal/timeutil"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoMeasurements is reported for targets without measurements.
	ErrNoMeasurements = errors.New("reference: target has no measurements")
	// ErrDuplicateTarget is reported for every target whose ID was already
	// used by an earlier target of the same run.
	ErrDuplicateTarget = errors.New("reference: duplicate target id")
)

// Target is the measurement sequence of one target.
type Target struct {
	ID           string                       `json:"id"`
	Measurements []reconstruction.Measurement `json:"measurements"`
}

// Counts collects per-target step statistics.
type Counts struct {
	Updates int `json:"updates"`
	Valid   int `json:"valid"`
	Skipped int `json:"skipped"`

	Failed         int `json:"failed"`
	FailedNumeric  int `json:"failed_numeric"`
	FailedBadState int `json:"failed_bad_state"`
	FailedOther    int `json:"failed_other"`

	// ReinitAfterFail counts steps that failed and were recovered by a
	// reinitialisation.
	ReinitAfterFail int `json:"reinit_after_fail"`
	RAFNumeric      int `json:"raf_numeric"`
	RAFBadState     int `json:"raf_bad_state"`
	RAFOther        int `json:"raf_other"`

	SmoothStepsFailed int `json:"smooth_steps_failed"`
	SmoothingFailed   int `json:"smoothing_failed"`
	InterpFailed      int `json:"interp_failed"`
}

// Add accumulates o into c.
func (c *Counts) Add(o Counts) {
	c.Updates += o.Updates
	c.Valid += o.Valid
	c.Skipped += o.Skipped
	c.Failed += o.Failed
	c.FailedNumeric += o.FailedNumeric
	c.FailedBadState += o.FailedBadState
	c.FailedOther += o.FailedOther
	c.ReinitAfterFail += o.ReinitAfterFail
	c.RAFNumeric += o.RAFNumeric
	c.RAFBadState += o.RAFBadState
	c.RAFOther += o.RAFOther
	c.SmoothStepsFailed += o.SmoothStepsFailed
	c.SmoothingFailed += o.SmoothingFailed
	c.InterpFailed += o.InterpFailed
}

// Result is the reconstruction of one target.
type Result struct {
	TargetID   string                     `json:"target_id"`
	References []reconstruction.Reference `json:"references"`
	Counts     Counts                     `json:"counts"`

	// Updates are the final filter updates the references were built from.
	Updates []kalman.Update `json:"-"`
	// Err is set if the target could not be reconstructed; Error is its
	// message for JSON output.
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// Run is the outcome of ComputeAll.
type Run struct {
	ID       uuid.UUID     `json:"id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Results  []Result      `json:"results"`
	Totals   Counts        `json:"totals"`
}

// NumReferences returns the number of references over all targets.
func (r *Run) NumReferences() int {
	n := 0
	for i := range r.Results {
		n += len(r.Results[i].References)
	}
	return n
}

// Settings configures a Calculator.
type Settings struct {
	Estimator reconstruction.EstimatorSettings

	// InterpMeasurements resamples each target's measurements along a
	// spline before filtering.
	InterpMeasurements bool
	Interp             reconstruction.SplineSettings

	Smooth   bool
	Resample bool
	// SpeedTip adds the geodetic tip of the one second speed vector to
	// every reference.
	SpeedTip bool
	// Workers bounds the number of targets processed at once; 0 means
	// GOMAXPROCS.
	Workers int
}

// SettingsFromConfig builds calculator settings from a loaded config.
func SettingsFromConfig(cfg *config.ReconstructionConfig) Settings {
	return Settings{
		Estimator:          reconstruction.EstimatorSettingsFromConfig(cfg),
		InterpMeasurements: cfg.GetInterpMeasurements(),
		Interp:             reconstruction.SplineSettingsFromConfig(cfg),
		Smooth:             cfg.GetSmooth(),
		Resample:           cfg.GetResample(),
		Workers:            cfg.GetWorkers(),
	}
}

// Calculator reconstructs reference trajectories. It is safe for
// concurrent use; every Compute call owns its estimator.
type Calculator struct {
	settings Settings
	clock    timeutil.Clock
}

// NewCalculator creates a calculator. A nil clock uses the wall clock.
func NewCalculator(s Settings, clock timeutil.Clock) *Calculator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Calculator{settings: s, clock: clock}
}

func (c *Calculator) Settings() Settings { return c.settings }

// sortMeasurements orders by time, then by source.
func sortMeasurements(mms []reconstruction.Measurement) []reconstruction.Measurement {
	out := slices.Clone(mms)
	slices.SortStableFunc(out, func(a, b reconstruction.Measurement) int {
		if c := a.T.Compare(b.T); c != 0 {
			return c
		}
		return cmp.Compare(a.SourceID, b.SourceID)
	})
	return out
}

// Compute reconstructs a single target.
func (c *Calculator) Compute(target Target) (Result, error) {
	res := Result{TargetID: target.ID}
	if len(target.Measurements) == 0 {
		return res, fmt.Errorf("target %q: %w", target.ID, ErrNoMeasurements)
	}
	mms := sortMeasurements(target.Measurements)
	if c.settings.InterpMeasurements {
		interpolated, err := reconstruction.NewSplineInterpolator(c.settings.Interp).Interpolate(mms)
		if err != nil {
			return res, fmt.Errorf("target %q: interpolate measurements: %w", target.ID, err)
		}
		monitoring.Debugf(1, "reference: target %q: %d measurement(s) interpolated to %d", target.ID, len(mms), len(interpolated))
		mms = interpolated
	}
	monitoring.Debugf(1, "reference: target %q: reconstructing %d measurement(s)", target.ID, len(mms))

	est := reconstruction.NewEstimator(c.settings.Estimator)
	first, err := est.KalmanInit(mms[0])
	if err != nil {
		return res, fmt.Errorf("target %q: init: %w", target.ID, err)
	}
	updates := []kalman.Update{first}

	for _, mm := range mms[1:] {
		u, sr := est.KalmanStep(mm)
		countStep(&res.Counts, sr, est.StepInfo())
		if u.Valid {
			updates = append(updates, u)
		}
	}
	monitoring.Debugf(1, "reference: target %q: %d update(s)", target.ID, len(updates))

	if c.settings.Smooth {
		updates = c.smooth(est, target.ID, updates, &res.Counts)
	}
	if c.settings.Resample {
		resampled, failed := est.InterpUpdates(updates)
		res.Counts.InterpFailed += failed
		updates = resampled
		monitoring.Debugf(1, "reference: target %q: %d update(s) after resampling", target.ID, len(updates))
	}

	res.Updates = updates
	res.References = est.StoreUpdates(updates, c.settings.SpeedTip)
	return res, nil
}

// smooth runs the RTS pass, keeping the unsmoothed updates if the pass
// fails. Samples whose smoothed state is invalid are dropped; a dropped
// chain start moves its reinit marker to the next kept update.
func (c *Calculator) smooth(est *reconstruction.Estimator, id string, updates []kalman.Update, counts *Counts) []kalman.Update {
	smoothed, err := est.SmoothUpdates(updates, c.settings.Estimator.SmoothFailStrategy)
	if err != nil {
		monitoring.Warnf("reference: target %q: smoothing failed, keeping filtered updates: %v", id, err)
		counts.SmoothingFailed++
		smoothed = updates
	}

	out := make([]kalman.Update, 0, len(smoothed))
	reinit := false
	for _, u := range smoothed {
		if !u.Valid {
			counts.SmoothStepsFailed++
			reinit = reinit || u.Reinit
			continue
		}
		if reinit {
			u.Reinit = true
			reinit = false
		}
		out = append(out, u)
	}
	return out
}

func countStep(c *Counts, sr reconstruction.StepResult, info reconstruction.StepInfo) {
	c.Updates++
	switch sr {
	case reconstruction.StepSuccess:
		c.Valid++
		if info.ReinitAfterFail {
			c.ReinitAfterFail++
			switch {
			case errors.Is(info.KalmanErr, kalman.ErrNumeric):
				c.RAFNumeric++
			case errors.Is(info.KalmanErr, kalman.ErrInvalidState):
				c.RAFBadState++
			default:
				c.RAFOther++
			}
		}
	case reconstruction.StepFailStepTooSmall:
		c.Skipped++
	default:
		c.Failed++
		switch {
		case errors.Is(info.KalmanErr, kalman.ErrNumeric):
			c.FailedNumeric++
		case errors.Is(info.KalmanErr, kalman.ErrInvalidState):
			c.FailedBadState++
		default:
			c.FailedOther++
		}
	}
}

func (c *Calculator) workers() int {
	if c.settings.Workers > 0 {
		return c.settings.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// ComputeAll reconstructs all targets in parallel. Results keep the order
// of targets. A target that cannot be reconstructed, including a repeat of
// an earlier target ID, is reported in its Result.Err and does not stop
// the others; only a cancelled context aborts the run.
func (c *Calculator) ComputeAll(ctx context.Context, targets []Target) (*Run, error) {
	run := &Run{
		ID:      uuid.New(),
		Started: c.clock.Now(),
		Results: make([]Result, len(targets)),
	}
	monitoring.Logf("reference: run %s: reconstructing %d target(s) with %d worker(s)", run.ID, len(targets), c.workers())

	seen := make(map[string]bool, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers())
	for i := range targets {
		id := targets[i].ID
		if seen[id] {
			err := fmt.Errorf("target %q: %w", id, ErrDuplicateTarget)
			monitoring.Warnf("reference: run %s: %v", run.ID, err)
			run.Results[i] = Result{TargetID: id, Err: err, Error: err.Error()}
			continue
		}
		seen[id] = true
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := c.Compute(targets[i])
			if err != nil {
				monitoring.Warnf("reference: run %s: %v", run.ID, err)
				res.Err = err
				res.Error = err.Error()
			}
			run.Results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("run %s: %w", run.ID, err)
	}

	for i := range run.Results {
		run.Totals.Add(run.Results[i].Counts)
	}
	run.Duration = c.clock.Since(run.Started)
	monitoring.Logf("reference: run %s: %d reference(s) in %s (valid=%d skipped=%d failed=%d)",
		run.ID, run.NumReferences(), run.Duration, run.Totals.Valid, run.Totals.Skipped, run.Totals.Failed)
	return run, nil
}

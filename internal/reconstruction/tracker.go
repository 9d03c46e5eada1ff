package reconstruction

import (
	"time"

	"github.com/banshee-data/trajectory/internal/kalman"
)

// OnlineTracker keeps a single current state for streaming use. Every
// successful Track call replaces the current update; failed calls leave it
// untouched.
type OnlineTracker struct {
	estimator *Estimator
	current   *kalman.Update
}

// NewOnlineTracker creates a tracker with its own estimator.
func NewOnlineTracker(s EstimatorSettings) *OnlineTracker {
	return &OnlineTracker{estimator: NewEstimator(s)}
}

// Estimator exposes the underlying estimator.
func (t *OnlineTracker) Estimator() *Estimator { return t.estimator }

// Reset drops the current state.
func (t *OnlineTracker) Reset() { t.current = nil }

// IsInit reports whether the tracker holds a state.
func (t *OnlineTracker) IsInit() bool { return t.current != nil }

// Track integrates mm, initialising from it if the tracker is empty.
func (t *OnlineTracker) Track(mm Measurement) (StepResult, error) {
	if t.current == nil {
		u, err := t.estimator.KalmanInit(mm)
		if err != nil {
			return StepFailKalmanError, err
		}
		t.current = &u
		return StepSuccess, nil
	}

	u, res := t.estimator.KalmanStep(mm)
	if res == StepSuccess {
		t.current = &u
		return res, nil
	}
	return res, t.estimator.StepInfo().KalmanErr
}

// TrackUpdate makes u the current state.
func (t *OnlineTracker) TrackUpdate(u kalman.Update) error {
	if err := t.estimator.KalmanInitFromUpdate(&u); err != nil {
		return err
	}
	c := u.Clone()
	t.current = &c
	return nil
}

// Predict predicts the current state to ts.
func (t *OnlineTracker) Predict(ts time.Time) (*Reference, error) {
	if t.current == nil {
		return nil, ErrNotInitialized
	}
	return t.estimator.PredictAt(ts)
}

// CurrentUpdate returns a copy of the current update.
func (t *OnlineTracker) CurrentUpdate() (kalman.Update, error) {
	if t.current == nil {
		return kalman.Update{}, ErrNotInitialized
	}
	return t.current.Clone(), nil
}

// CurrentState returns the current state as a reference.
func (t *OnlineTracker) CurrentState() (*Reference, error) {
	if t.current == nil {
		return nil, ErrNotInitialized
	}
	ref := t.estimator.StoreUpdate(t.current)
	return &ref, nil
}

// CurrentTime returns the time of the current state.
func (t *OnlineTracker) CurrentTime() (time.Time, error) {
	if t.current == nil {
		return time.Time{}, ErrNotInitialized
	}
	return t.current.T, nil
}

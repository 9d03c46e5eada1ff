package reconstruction

import (
	"testing"

	"github.com/banshee-data/trajectory/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnlineTracker(t *testing.T) {
	t.Parallel()

	truth, mms := straightTarget(5, 2)
	tr := NewOnlineTracker(DefaultEstimatorSettings())
	assert.False(t, tr.IsInit())

	_, err := tr.Predict(truth[0].T)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = tr.CurrentState()
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = tr.CurrentTime()
	assert.ErrorIs(t, err, ErrNotInitialized)

	for _, mm := range mms {
		res, err := tr.Track(mm)
		require.NoError(t, err)
		require.Equal(t, StepSuccess, res)
	}
	assert.True(t, tr.IsInit())

	ts, err := tr.CurrentTime()
	require.NoError(t, err)
	assert.Equal(t, truth[4].T, ts)

	ref, err := tr.CurrentState()
	require.NoError(t, err)
	assertNearTruth(t, truth[4], ref.Lat, ref.Lon, 1)

	t.Run("failed step keeps the state", func(t *testing.T) {
		before, err := tr.CurrentUpdate()
		require.NoError(t, err)

		res, err := tr.Track(mms[4])
		assert.Equal(t, StepFailStepTooSmall, res)
		assert.NoError(t, err, "too small steps carry no filter error")

		after, err := tr.CurrentUpdate()
		require.NoError(t, err)
		assert.Equal(t, before.T, after.T)
		assert.Equal(t, before.Lat, after.Lat)
	})

	t.Run("predict", func(t *testing.T) {
		next := testutil.StraightLine(testutil.DefaultOrigin, 0, 0, 10, 0, []float64{6})[0]
		ref, err := tr.Predict(next.T)
		require.NoError(t, err)
		assertNearTruth(t, next, ref.Lat, ref.Lon, 1)
	})

	t.Run("track update", func(t *testing.T) {
		u, err := tr.CurrentUpdate()
		require.NoError(t, err)

		other := NewOnlineTracker(DefaultEstimatorSettings())
		require.NoError(t, other.TrackUpdate(u))
		assert.True(t, other.IsInit())

		next := testutil.StraightLine(testutil.DefaultOrigin, 0, 0, 10, 0, []float64{5})
		res, err := other.Track(toMeasurements(next, 2)[0])
		require.NoError(t, err)
		assert.Equal(t, StepSuccess, res)

		// The copy handed in is independent of the tracker's state.
		u.State.X.SetVec(0, 1e6)
		cur, err := other.CurrentState()
		require.NoError(t, err)
		assertNearTruth(t, next[0], cur.Lat, cur.Lon, 1)
	})

	tr.Reset()
	assert.False(t, tr.IsInit())
}

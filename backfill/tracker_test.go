// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package backfill

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soothill/sensorpush-logger/pkg/errors"
)

func TestTracker_Lifecycle(t *testing.T) {
	tr, err := NewTracker(10)
	require.NoError(t, err)

	tr.Queued(testJob("job-1"))
	st, err := tr.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, st.State)
	assert.Nil(t, st.StartedAt)

	tr.Started("job-1")
	tr.Progress("job-1", 1, 4)
	st, _ = tr.Get("job-1")
	assert.Equal(t, StateRunning, st.State)
	assert.NotNil(t, st.StartedAt)
	assert.Equal(t, 1, st.ChunksDone)
	assert.Equal(t, 4, st.ChunksTotal)

	tr.Finished("job-1", StateFailed, 20, 10, fmt.Errorf("boom"))
	st, _ = tr.Get("job-1")
	assert.Equal(t, StateFailed, st.State)
	assert.True(t, st.State.Terminal())
	assert.Equal(t, "boom", st.Error)
	assert.Equal(t, 10, st.Written)
	assert.NotNil(t, st.FinishedAt)
}

func TestTracker_UnknownJob(t *testing.T) {
	tr, err := NewTracker(10)
	require.NoError(t, err)

	_, err = tr.Get("missing")
	assert.ErrorIs(t, err, errors.ErrJobNotFound)

	// Updates for unknown jobs are ignored.
	tr.Started("missing")
	tr.Finished("missing", StateSucceeded, 0, 0, nil)
	assert.Empty(t, tr.Recent())
}

func TestTracker_EvictsOldest(t *testing.T) {
	tr, err := NewTracker(3)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		tr.Queued(testJob(fmt.Sprintf("job-%d", i)))
	}
	// Updating an old job does not protect it from eviction order.
	tr.Started("job-3")

	recent := tr.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, "job-5", recent[0].Job.ID)
	assert.Equal(t, "job-4", recent[1].Job.ID)
	assert.Equal(t, "job-3", recent[2].Job.ID)

	_, err = tr.Get("job-1")
	assert.ErrorIs(t, err, errors.ErrJobNotFound)
}

func TestTracker_Forget(t *testing.T) {
	tr, err := NewTracker(0)
	require.NoError(t, err)

	tr.Queued(testJob("job-1"))
	tr.Forget("job-1")
	_, err = tr.Get("job-1")
	assert.ErrorIs(t, err, errors.ErrJobNotFound)
}

func TestTracker_SnapshotsAreCopies(t *testing.T) {
	tr, err := NewTracker(2)
	require.NoError(t, err)

	tr.Queued(testJob("job-1"))
	snap, _ := tr.Get("job-1")
	snap.State = StateSucceeded

	st, _ := tr.Get("job-1")
	assert.Equal(t, StateQueued, st.State)
}

package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStoreContract exercises the behaviour every Store backend must share.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("get missing returns nil", func(t *testing.T) {
		s := newStore(t)
		got, err := s.Get(context.Background(), "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("put then get round trips", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		now := time.Now().UTC().Truncate(time.Microsecond)
		j := makeJob("job-1", "S1", now)
		j.Priority = PriorityHigh
		require.NoError(t, s.Put(ctx, j))

		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "S1", got.SessionID)
		assert.Equal(t, PriorityHigh, got.Priority)
		assert.Equal(t, StatusPending, got.Status)
		assert.True(t, got.CreatedAt.Equal(now))
		assert.True(t, got.Options.IncludeAudio)
	})

	t.Run("second active job for a session is rejected", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		now := time.Now().UTC()
		require.NoError(t, s.Put(ctx, makeJob("job-1", "S1", now)))

		err := s.Put(ctx, makeJob("job-2", "S1", now))
		var dup *DuplicateJobError
		require.True(t, errors.As(err, &dup), "err = %v", err)
		assert.Equal(t, "S1", dup.SessionID)
	})

	t.Run("terminal job frees the session", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		now := time.Now().UTC()
		first := makeJob("job-1", "S1", now)
		require.NoError(t, s.Put(ctx, first))

		require.NoError(t, first.Transition("cancel", StatusCancelled, now))
		require.NoError(t, s.Update(ctx, first, 0))

		require.NoError(t, s.Put(ctx, makeJob("job-2", "S1", now.Add(time.Second))))
		jobs, err := s.ListBySession(ctx, "S1")
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, "job-2", jobs[0].ID, "newest first")
	})

	t.Run("stale update loses", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		j := makeJob("job-1", "S1", time.Now().UTC())
		require.NoError(t, s.Put(ctx, j))

		a, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		b, err := s.Get(ctx, "job-1")
		require.NoError(t, err)

		a.Progress = 40
		require.NoError(t, s.Update(ctx, a, a.Version))
		assert.Equal(t, int64(1), a.Version)

		b.Progress = 10
		assert.ErrorIs(t, s.Update(ctx, b, b.Version), ErrVersionConflict)

		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, 40, got.Progress)
	})

	t.Run("list by status is oldest first and counts match", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		base := time.Now().UTC()
		require.NoError(t, s.Put(ctx, makeJob("job-b", "S-b", base.Add(time.Second))))
		require.NoError(t, s.Put(ctx, makeJob("job-a", "S-a", base)))
		ready := makeJob("job-c", "S-c", base.Add(2*time.Second))
		ready.Status = StatusReady
		require.NoError(t, s.Put(ctx, ready))

		jobs, err := s.ListByStatus(ctx, StatusPending, StatusReady)
		require.NoError(t, err)
		assert.Equal(t, []string{"job-a", "job-b", "job-c"}, ids(jobs))

		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, counts[StatusPending])
		assert.Equal(t, 1, counts[StatusReady])
		assert.Equal(t, 0, counts[StatusFailed])
	})

	t.Run("retention removes old terminal jobs only", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		old := time.Now().UTC().Add(-72 * time.Hour)
		done := makeJob("job-old", "S-old", old)
		done.Status = StatusFailed
		done.CompletedAt = &old
		require.NoError(t, s.Put(ctx, done))
		require.NoError(t, s.Put(ctx, makeJob("job-live", "S-live", old)))

		n, err := s.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		gone, err := s.Get(ctx, "job-old")
		require.NoError(t, err)
		assert.Nil(t, gone)
		live, err := s.Get(ctx, "job-live")
		require.NoError(t, err)
		assert.NotNil(t, live)
	})
}

func TestSQLiteStoreContract(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		return newTestStore(t)
	})
}

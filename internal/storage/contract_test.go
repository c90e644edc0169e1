package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/storage"
)

// runStoreContract exercises the behaviour every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("AcquireGrantsFreePath", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		l, granted, err := s.AcquireLease(ctx, "a.go", "h1", now.Add(time.Minute), now)
		require.NoError(t, err)
		assert.True(t, granted)
		assert.Equal(t, "h1", l.Holder)
		assert.WithinDuration(t, now.Add(time.Minute), l.ExpiresAt, time.Second)
	})

	t.Run("AcquireBusyReportsHolder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		_, granted, err := s.AcquireLease(ctx, "b.go", "h1", now.Add(time.Minute), now)
		require.NoError(t, err)
		require.True(t, granted)

		l, granted, err := s.AcquireLease(ctx, "b.go", "h2", now.Add(time.Minute), now)
		require.NoError(t, err)
		assert.False(t, granted)
		assert.Equal(t, "h1", l.Holder)
	})

	t.Run("SameHolderRenews", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		_, _, err := s.AcquireLease(ctx, "c.go", "h1", now.Add(time.Second), now)
		require.NoError(t, err)
		l, granted, err := s.AcquireLease(ctx, "c.go", "h1", now.Add(time.Hour), now)
		require.NoError(t, err)
		assert.True(t, granted)
		assert.WithinDuration(t, now.Add(time.Hour), l.ExpiresAt, time.Second)
	})

	t.Run("ExpiredLeaseIsReclaimed", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		_, _, err := s.AcquireLease(ctx, "d.go", "h1", now.Add(-time.Second), now.Add(-time.Minute))
		require.NoError(t, err)

		l, granted, err := s.AcquireLease(ctx, "d.go", "h2", now.Add(time.Minute), now)
		require.NoError(t, err)
		assert.True(t, granted)
		assert.Equal(t, "h2", l.Holder)
	})

	t.Run("ReleaseOnlyByHolder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		_, _, err := s.AcquireLease(ctx, "e.go", "h1", now.Add(time.Minute), now)
		require.NoError(t, err)

		ok, err := s.ReleaseLease(ctx, "e.go", "h2")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.ReleaseLease(ctx, "e.go", "h1")
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = s.GetLease(ctx, "e.go")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		ok, err = s.ReleaseLease(ctx, "e.go", "h1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SweepRemovesOnlyExpired", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		_, _, err := s.AcquireLease(ctx, "old.go", "h1", now.Add(-time.Second), now.Add(-time.Minute))
		require.NoError(t, err)
		_, _, err = s.AcquireLease(ctx, "new.go", "h2", now.Add(time.Minute), now)
		require.NoError(t, err)

		n, err := s.SweepExpiredLeases(ctx, now)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		leases, err := s.ListLeases(ctx)
		require.NoError(t, err)
		require.Len(t, leases, 1)
		assert.Equal(t, "new.go", leases[0].FilePath)
	})

	t.Run("ConcurrentAcquireHasOneWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
		)
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				holder := fmt.Sprintf("h%d", i)
				_, granted, err := s.AcquireLease(ctx, "hot.go", holder, now.Add(time.Minute), now)
				assert.NoError(t, err)
				if granted {
					mu.Lock()
					winners = append(winners, holder)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Len(t, winners, 1)
	})

	t.Run("ActivityOrderedByTrace", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Millisecond)
		p := fmt.Sprintf("%d", base.UnixNano())
		t1, t2 := p+"-t1", p+"-t2"

		recs := []model.ActivityRecord{
			{ID: p + "-01", TraceID: t1, Actor: "orchestrator", Kind: model.KindRunStarted, Payload: json.RawMessage(`{"flow":{"id":"f"}}`), OccurredAt: base},
			{ID: p + "-02", TraceID: t2, Actor: "orchestrator", Kind: model.KindRunStarted, OccurredAt: base},
			{ID: p + "-03", TraceID: t1, Actor: "executor", Kind: model.KindStepAttempt, Payload: json.RawMessage(`{"step_id":"a","attempt":1}`), OccurredAt: base.Add(time.Millisecond)},
			{ID: p + "-04", TraceID: t1, Actor: "orchestrator", Kind: model.KindRunFinished, Payload: json.RawMessage(`{"status":"succeeded"}`), OccurredAt: base.Add(2 * time.Millisecond)},
		}
		for _, r := range recs {
			require.NoError(t, s.AppendActivity(ctx, r))
		}

		got, err := s.ActivityByTrace(ctx, t1)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, model.KindRunStarted, got[0].Kind)
		assert.Equal(t, model.KindStepAttempt, got[1].Kind)
		assert.Equal(t, model.KindRunFinished, got[2].Kind)
		assert.JSONEq(t, `{"step_id":"a","attempt":1}`, string(got[1].Payload))
		assert.True(t, got[0].OccurredAt.Equal(base))

		open, err := s.OpenTraces(ctx)
		require.NoError(t, err)
		assert.Contains(t, open, t2)
		assert.NotContains(t, open, t1)

		empty, err := s.ActivityByTrace(ctx, p+"-none")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("ActivityIDsAreUnique", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := fmt.Sprintf("dup-%d", time.Now().UnixNano())
		rec := model.ActivityRecord{ID: id, TraceID: id, Actor: "x", Kind: model.KindStepStarted, OccurredAt: time.Now()}
		require.NoError(t, s.AppendActivity(ctx, rec))
		assert.Error(t, s.AppendActivity(ctx, rec))
	})
}

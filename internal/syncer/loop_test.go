package syncer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baelib/baesync/internal/bucket"
)

func TestLoopRunsUntilCancelled(t *testing.T) {
	shared := bucket.NewMemBucket()
	a := newTestDevice(t, "dev-a", shared, 1_000_000)
	a.insertTrack(t, "t1", "Blue in Green")

	loop := NewLoop(a.engine, time.Hour) // only the initial cycle fires

	synced := make(chan struct{}, 1)
	loop.AfterSync = func(ctx context.Context) {
		select {
		case synced <- struct{}{}:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("initial cycle never ran")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop on cancel")
	}

	seq, err := a.state.LocalSeq()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq, "the initial cycle published the pending write")
}

func TestLoopSyncNowTriggersCycle(t *testing.T) {
	shared := bucket.NewMemBucket()
	a := newTestDevice(t, "dev-a", shared, 1_000_000)

	loop := NewLoop(a.engine, time.Hour)
	synced := make(chan struct{}, 4)
	loop.AfterSync = func(ctx context.Context) { synced <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	<-synced // initial cycle

	a.insertTrack(t, "t1", "Blue in Green")
	loop.SyncNow()

	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("SyncNow never triggered a cycle")
	}
	seq, err := a.state.LocalSeq()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestLoopSyncNowCoalesces(t *testing.T) {
	shared := bucket.NewMemBucket()
	a := newTestDevice(t, "dev-a", shared, 1_000_000)

	loop := NewLoop(a.engine, time.Hour)
	// Multiple requests while no cycle is draining collapse into one pending
	// signal instead of blocking the caller.
	for i := 0; i < 10; i++ {
		loop.SyncNow()
	}
	assert.Len(t, loop.syncNow, 1)
}

func TestLoopBacksOffOnFailure(t *testing.T) {
	shared := bucket.NewMemBucket()
	a := newTestDevice(t, "dev-a", shared, 1_000_000)
	a.insertTrack(t, "t1", "Blue in Green")
	shared.SetFailWrites(true, fmt.Errorf("bucket unreachable"))

	loop := NewLoop(a.engine, time.Hour)
	ctx := context.Background()

	loop.runCycle(ctx, "test")
	assert.Equal(t, 1, loop.failures)
	firstRetry := loop.retryAfter
	assert.True(t, firstRetry.After(time.Now()))

	loop.runCycle(ctx, "test")
	assert.Equal(t, 2, loop.failures)
	assert.True(t, loop.retryAfter.After(firstRetry), "backoff grows with consecutive failures")

	// Saturate; the delay must stay capped and positive.
	for i := 0; i < 20; i++ {
		loop.runCycle(ctx, "test")
	}
	assert.True(t, loop.retryAfter.After(time.Now()))
	assert.True(t, loop.retryAfter.Before(time.Now().Add(backoffMax+time.Minute)))

	// Recovery resets the backoff.
	shared.SetFailWrites(false, nil)
	loop.runCycle(ctx, "test")
	assert.Zero(t, loop.failures)
	assert.True(t, loop.retryAfter.IsZero())
}

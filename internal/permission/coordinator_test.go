// ABOUTME: Tests for the permission coordinator's correlation and deadline behavior.
// ABOUTME: Covers resolve/timeout races, idempotence, and quiesce denial.

package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDeliversOutcome(t *testing.T) {
	coord := NewCoordinator(nil)
	id, w := coord.Create()

	go coord.Resolve(id, Outcome{Approved: true})

	outcome, err := w.Await(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, outcome.Approved)

	coord.Release(id)
	assert.Equal(t, 0, coord.PendingCount())
}

func TestAwaitTimesOut(t *testing.T) {
	coord := NewCoordinator(nil)
	id, w := coord.Create()

	start := time.Now()
	_, err := w.Await(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimedOut)
	assert.Less(t, time.Since(start), time.Second)

	// Entry stays pending until the awaiting side releases it.
	assert.Equal(t, 1, coord.PendingCount())
	coord.Release(id)
	assert.Equal(t, 0, coord.PendingCount())
}

func TestLateResolveAfterTimeoutIsNoOp(t *testing.T) {
	coord := NewCoordinator(nil)
	id, w := coord.Create()

	_, err := w.Await(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimedOut)
	coord.Release(id)

	// Must not panic or error.
	coord.Resolve(id, Outcome{Approved: true})
	coord.Resolve(id, Outcome{Approved: true})
	assert.Equal(t, 0, coord.PendingCount())
}

func TestResolveIsIdempotent(t *testing.T) {
	coord := NewCoordinator(nil)
	id, w := coord.Create()

	coord.Resolve(id, Denied("user denied"))
	coord.Resolve(id, Outcome{Approved: true}) // second resolution ignored

	outcome, err := w.Await(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, outcome.Approved)
	assert.Equal(t, "user denied", outcome.Reason)
}

func TestResolveUnknownIDIsNoOp(t *testing.T) {
	coord := NewCoordinator(nil)
	coord.Resolve("never-existed", Outcome{Approved: true})
	assert.Equal(t, 0, coord.PendingCount())
}

func TestAwaitObservesContextCancel(t *testing.T) {
	coord := NewCoordinator(nil)
	id, w := coord.Create()

	ctx, cancel := context.WithCancel(context.Background())
	go cancel()

	_, err := w.Await(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	coord.Release(id)
}

func TestResolveAllDeniesPending(t *testing.T) {
	coord := NewCoordinator(nil)

	id1, w1 := coord.Create()
	id2, w2 := coord.Create()

	coord.ResolveAll([]string{id1, id2}, "connection lost")

	for _, w := range []*Waiter{w1, w2} {
		outcome, err := w.Await(context.Background(), time.Second)
		require.NoError(t, err)
		assert.False(t, outcome.Approved)
		assert.Equal(t, "connection lost", outcome.Reason)
	}
}

func TestConcurrentCreateResolve(t *testing.T) {
	coord := NewCoordinator(nil)

	const n = 50
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			id, w := coord.Create()
			go coord.Resolve(id, Outcome{Approved: true})
			outcome, err := w.Await(context.Background(), time.Second)
			assert.NoError(t, err)
			assert.True(t, outcome.Approved)
			coord.Release(id)
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	assert.Equal(t, 0, coord.PendingCount())
}

package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProvider = errors.New("smtp connection refused")

func newTestBreaker() (*Breaker, *time.Time) {
	breaker := NewBreaker(NewMemoryStateStore())
	now := time.Now()
	breaker.now = func() time.Time { return now }
	return breaker, &now
}

func failTimes(t *testing.T, b *Breaker, principal string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := b.Call(context.Background(), principal, func() error { return errProvider })
		require.ErrorIs(t, err, errProvider)
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	breaker, _ := newTestBreaker()
	ctx := context.Background()

	failTimes(t, breaker, "sender:1", 5)

	calls := 0
	err := breaker.Call(ctx, "sender:1", func() error { calls++; return nil })
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "sender:1", open.Principal)
	assert.Zero(t, calls, "an open circuit must fail fast without dispatching")

	state, err := breaker.Snapshot(ctx, "sender:1")
	require.NoError(t, err)
	assert.Equal(t, BreakerOpen, state.State)
	assert.Equal(t, 5, state.Failures)
}

func TestBreakerBelowThresholdStaysClosed(t *testing.T) {
	breaker, _ := newTestBreaker()
	ctx := context.Background()

	failTimes(t, breaker, "sender:1", 4)

	calls := 0
	err := breaker.Call(ctx, "sender:1", func() error { calls++; return nil })
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	breaker, _ := newTestBreaker()
	ctx := context.Background()

	failTimes(t, breaker, "sender:1", 4)
	require.NoError(t, breaker.Call(ctx, "sender:1", func() error { return nil }))

	// The counter is consecutive failures; four more must not trip it.
	failTimes(t, breaker, "sender:1", 4)

	state, err := breaker.Snapshot(ctx, "sender:1")
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, state.State)
	assert.Equal(t, 4, state.Failures)
}

func TestBreakerHalfOpenProbeSuccess(t *testing.T) {
	breaker, now := newTestBreaker()
	ctx := context.Background()

	failTimes(t, breaker, "sender:1", 5)
	*now = now.Add(breaker.OpenCooldown + time.Second)

	calls := 0
	require.NoError(t, breaker.Call(ctx, "sender:1", func() error { calls++; return nil }))
	assert.Equal(t, 1, calls, "the cooldown elapsing admits exactly one probe")

	state, err := breaker.Snapshot(ctx, "sender:1")
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, state.State)
	assert.Zero(t, state.Failures)
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	breaker, now := newTestBreaker()
	ctx := context.Background()

	failTimes(t, breaker, "sender:1", 5)
	*now = now.Add(breaker.OpenCooldown + time.Second)

	err := breaker.Call(ctx, "sender:1", func() error { return errProvider })
	require.ErrorIs(t, err, errProvider)

	// Reopened with a fresh cooldown: the next call fails fast again.
	calls := 0
	err = breaker.Call(ctx, "sender:1", func() error { calls++; return nil })
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Zero(t, calls)
	assert.Equal(t, now.Add(breaker.OpenCooldown), open.RetryAt)
}

func TestBreakerPrincipalsAreIndependent(t *testing.T) {
	breaker, _ := newTestBreaker()
	ctx := context.Background()

	failTimes(t, breaker, "sender:1", 5)

	calls := 0
	require.NoError(t, breaker.Call(ctx, "sender:2", func() error { calls++; return nil }))
	assert.Equal(t, 1, calls, "one failing sender must not block the others")
}

func TestBreakerConcurrentFailuresAllCount(t *testing.T) {
	breaker, _ := newTestBreaker()
	ctx := context.Background()

	// Hold all five calls in flight at once so every outcome lands after
	// every other caller has read the state.
	start := make(chan struct{})
	var inFlight, done sync.WaitGroup
	inFlight.Add(5)
	done.Add(5)
	for i := 0; i < 5; i++ {
		go func() {
			defer done.Done()
			breaker.Call(ctx, "sender:1", func() error {
				inFlight.Done()
				<-start
				return errProvider
			})
		}()
	}
	inFlight.Wait()
	close(start)
	done.Wait()

	state, err := breaker.Snapshot(ctx, "sender:1")
	require.NoError(t, err)
	assert.Equal(t, 5, state.Failures, "overlapping failures must not lose updates")
	assert.Equal(t, BreakerOpen, state.State)
}

func TestMemoryStateStoreTTL(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "sender:1", &BreakerState{State: BreakerOpen}, -time.Second))

	state, err := store.Get(ctx, "sender:1")
	require.NoError(t, err)
	assert.Nil(t, state, "expired entries read as absent")
}

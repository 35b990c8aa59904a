package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ghostmonday/synapse-gateway/internal/ledger"
)

var errDownstream = errors.New("store down")

func breakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureRatio:    0.5,
		MinSamples:      4,
		Window:          time.Minute,
		Cooldown:        30 * time.Second,
		AlertAfterTrips: 3,
	}
}

func newClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func tripBreaker(t *testing.T, b *Breaker) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		err := b.Do(ctx, func(context.Context) error { return errDownstream })
		require.ErrorIs(t, err, errDownstream)
	}
	require.Equal(t, StateOpen, b.State())
}

func TestBreakerTripsAtFailureRatio(t *testing.T) {
	b := NewBreaker("store", breakerConfig(), nil)
	ctx := context.Background()

	// Three failures out of three is over ratio but under min samples.
	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, func(context.Context) error { return errDownstream })
	}
	require.Equal(t, StateClosed, b.State())

	_ = b.Do(ctx, func(context.Context) error { return errDownstream })
	assert.Equal(t, StateOpen, b.State())
}

func TestOpenBreakerFailsFastWithoutCalling(t *testing.T) {
	b := NewBreaker("store", breakerConfig(), nil)
	tripBreaker(t, b)

	called := false
	err := b.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open breaker must not attempt the call")
}

func TestHalfOpenAllowsSingleProbeThenCloses(t *testing.T) {
	clock, nowFn := newClock(time.Unix(5000, 0))
	b := NewBreaker("store", breakerConfig(), nil)
	b.now = nowFn
	tripBreaker(t, b)

	*clock = clock.Add(31 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	// First call after cooldown is the probe; a concurrent second call
	// fails fast while the probe is in flight.
	probeStarted := make(chan struct{})
	release := make(chan struct{})
	probeErr := make(chan error, 1)
	go func() {
		probeErr <- b.Do(context.Background(), func(context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	err := b.Do(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrOpen, "only one probe is admitted in half-open")

	close(release)
	require.NoError(t, <-probeErr)
	assert.Equal(t, StateClosed, b.State())
}

func TestFailedProbeReopensAndResetsCooldown(t *testing.T) {
	clock, nowFn := newClock(time.Unix(5000, 0))
	b := NewBreaker("store", breakerConfig(), nil)
	b.now = nowFn
	tripBreaker(t, b)

	*clock = clock.Add(31 * time.Second)
	err := b.Do(context.Background(), func(context.Context) error { return errDownstream })
	require.ErrorIs(t, err, errDownstream)
	assert.Equal(t, StateOpen, b.State())

	// Cooldown restarted: still failing fast just before it elapses again.
	*clock = clock.Add(29 * time.Second)
	err = b.Do(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestSuccessfulProbeResetsWindow(t *testing.T) {
	clock, nowFn := newClock(time.Unix(5000, 0))
	b := NewBreaker("store", breakerConfig(), nil)
	b.now = nowFn
	tripBreaker(t, b)

	*clock = clock.Add(31 * time.Second)
	require.NoError(t, b.Do(context.Background(), func(context.Context) error { return nil }))
	require.Equal(t, StateClosed, b.State())

	// Old failures no longer count toward the ratio.
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Do(context.Background(), func(context.Context) error { return nil }))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestFailedProbesAccumulateTrips(t *testing.T) {
	store, err := ledger.OpenBadger("")
	require.NoError(t, err)
	audit, err := ledger.New(context.Background(), store)
	require.NoError(t, err)
	defer audit.Close()

	clock, nowFn := newClock(time.Unix(5000, 0))
	b := NewBreaker("store", breakerConfig(), audit)
	b.now = nowFn
	tripBreaker(t, b)

	// A dependency that stays down: every cooldown admits one probe,
	// every probe fails, and each failure counts toward the alert
	// threshold.
	for i := 0; i < 3; i++ {
		*clock = clock.Add(31 * time.Second)
		err := b.Do(context.Background(), func(context.Context) error { return errDownstream })
		require.ErrorIs(t, err, errDownstream)
		require.Equal(t, StateOpen, b.State())
	}

	b.mu.Lock()
	trips := b.trips
	b.mu.Unlock()
	assert.Equal(t, 4, trips, "initial trip plus three failed probes")
	assert.GreaterOrEqual(t, trips, breakerConfig().AlertAfterTrips,
		"sustained openness must reach the alert threshold")

	entries, err := audit.Export(context.Background(), "", 0, 100)
	require.NoError(t, err)
	var opens int
	for _, e := range entries {
		if e.EventType == ledger.EventCircuitOpen {
			opens++
		}
	}
	assert.Equal(t, 4, opens, "every open transition lands on the ledger")
}

func TestTripWritesCircuitOpenLedgerEntry(t *testing.T) {
	store, err := ledger.OpenBadger("")
	require.NoError(t, err)
	audit, err := ledger.New(context.Background(), store)
	require.NoError(t, err)
	defer audit.Close()

	b := NewBreaker("store", breakerConfig(), audit)
	tripBreaker(t, b)

	entries, err := audit.Export(context.Background(), "", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EventCircuitOpen, entries[0].EventType)
}

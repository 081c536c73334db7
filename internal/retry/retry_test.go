package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock replaces the package clock so backoff behavior can be verified
// without real sleeping. Sleeping advances the fake time.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func installFakeClock(t *testing.T) *fakeClock {
	c := &fakeClock{now: time.Unix(1700000000, 0)}

	prevNow, prevSleep := timeNow, sleep
	timeNow = func() time.Time { return c.now }
	sleep = func(d time.Duration) {
		c.sleeps = append(c.sleeps, d)
		c.now = c.now.Add(d)
	}
	t.Cleanup(func() {
		timeNow = prevNow
		sleep = prevSleep
	})
	return c
}

func TestDoSucceedsWithoutSleeping(t *testing.T) {
	clock := installFakeClock(t)
	p := Policy{Interval: 100 * time.Millisecond, IntervalCap: time.Second, Deadline: 10 * time.Second}

	calls := 0
	err := p.Do(context.Background(), func(seq int) error {
		calls++
		assert.Equal(t, 0, seq)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, clock.sleeps)
}

// TestDoBackoffCurve verifies sleeps start at Interval, are non-decreasing,
// and never exceed IntervalCap.
func TestDoBackoffCurve(t *testing.T) {
	clock := installFakeClock(t)
	p := Policy{Interval: 10 * time.Millisecond, IntervalCap: 40 * time.Millisecond, Deadline: 300 * time.Millisecond}

	attemptErr := errors.New("connection refused")
	err := p.Do(context.Background(), func(seq int) error { return attemptErr })
	require.Error(t, err)

	require.NotEmpty(t, clock.sleeps)
	assert.Equal(t, 10*time.Millisecond, clock.sleeps[0])
	for i, d := range clock.sleeps {
		assert.GreaterOrEqual(t, d, p.Interval, "sleep %d below floor", i)
		assert.LessOrEqual(t, d, p.IntervalCap, "sleep %d above cap", i)
		if i > 0 {
			assert.GreaterOrEqual(t, d, clock.sleeps[i-1], "sleep %d decreased", i)
		}
	}
	// 10, 20, 40, 40, ... growth stops at the cap.
	assert.Equal(t, 40*time.Millisecond, clock.sleeps[len(clock.sleeps)-1])
}

// TestDoDeadlineBound verifies total elapsed time stays within the deadline
// and that the last attempt error is what comes back, joined with the
// exhaustion sentinel.
func TestDoDeadlineBound(t *testing.T) {
	clock := installFakeClock(t)
	start := clock.now
	p := Policy{Interval: 10 * time.Millisecond, IntervalCap: 10 * time.Millisecond, Deadline: 100 * time.Millisecond}

	calls := 0
	first := errors.New("first failure")
	last := errors.New("last failure")
	err := p.Do(context.Background(), func(seq int) error {
		calls++
		if seq == 0 {
			return first
		}
		return last
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeadlineExceeded)
	assert.ErrorIs(t, err, last, "last attempt error must be preserved")
	assert.NotErrorIs(t, err, first, "earlier errors are superseded")
	assert.LessOrEqual(t, clock.now.Sub(start), p.Deadline)
	assert.Equal(t, 11, calls)
}

// TestDoToleratesViolatedInvariants covers policies that break the expected
// Interval <= IntervalCap <= Deadline ordering.
func TestDoToleratesViolatedInvariants(t *testing.T) {
	t.Run("cap below interval", func(t *testing.T) {
		clock := installFakeClock(t)
		p := Policy{Interval: 20 * time.Millisecond, IntervalCap: time.Millisecond, Deadline: 100 * time.Millisecond}

		err := p.Do(context.Background(), func(seq int) error { return errors.New("nope") })
		require.Error(t, err)
		for _, d := range clock.sleeps {
			assert.Equal(t, 20*time.Millisecond, d, "cap below floor must clamp to the floor")
		}
	})

	t.Run("zero deadline allows one attempt", func(t *testing.T) {
		clock := installFakeClock(t)
		p := Policy{Interval: 10 * time.Millisecond, IntervalCap: 100 * time.Millisecond}

		calls := 0
		err := p.Do(context.Background(), func(seq int) error {
			calls++
			return errors.New("nope")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.Empty(t, clock.sleeps)
	})

	t.Run("zero interval still makes progress", func(t *testing.T) {
		installFakeClock(t)
		p := Policy{Deadline: 10 * time.Millisecond}

		calls := 0
		err := p.Do(context.Background(), func(seq int) error {
			calls++
			return errors.New("nope")
		})
		require.Error(t, err)
		assert.Greater(t, calls, 1)
	})
}

func TestDoContextCanceled(t *testing.T) {
	installFakeClock(t)
	p := Policy{Interval: time.Millisecond, IntervalCap: time.Millisecond, Deadline: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Do(ctx, func(seq int) error {
		t.Fatal("attempt must not run with a canceled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExhausted(t *testing.T) {
	assert.True(t, Exhausted(errors.Join(ErrDeadlineExceeded, errors.New("x"))))
	assert.False(t, Exhausted(errors.New("x")))
	assert.False(t, Exhausted(nil))
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy(250*time.Millisecond, 30*time.Second)
	assert.Equal(t, 250*time.Millisecond, p.Interval)
	assert.Equal(t, 2500*time.Millisecond, p.IntervalCap)
	assert.Equal(t, 30*time.Second, p.Deadline)
}

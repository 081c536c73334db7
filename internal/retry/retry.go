// Package retry implements the bounded exponential-backoff driver used when
// establishing shuffle server connections.
//
// A Policy describes one retry budget: the initial sleep between attempts,
// a cap on sleep growth, and a hard deadline on the total time spent. The
// budget belongs to a single Do call, so two consecutive Do calls never share
// elapsed time: a caller that retries group N and then group N+1 gives each
// group a fresh budget.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrDeadlineExceeded marks errors returned by Do when the retry deadline
// elapses before any attempt succeeds. It is joined with the last attempt
// error, so errors.Is matches both the sentinel and the underlying cause.
var ErrDeadlineExceeded = errors.New("retry deadline exceeded")

// Indirection for tests, so backoff behavior can be verified without
// real sleeping.
var (
	timeNow = time.Now
	sleep   = time.Sleep
)

// Policy configures one retry budget.
//
// The expected ordering Interval <= IntervalCap <= Deadline is not enforced;
// Do behaves sanely when it is violated (a cap below the interval is raised
// to the interval, a non-positive deadline permits exactly one attempt).
type Policy struct {
	// Interval is the sleep before the second attempt. Subsequent sleeps
	// grow from here.
	Interval time.Duration

	// IntervalCap bounds sleep growth. Sleeps are non-decreasing, never
	// below Interval and never above IntervalCap.
	IntervalCap time.Duration

	// Deadline bounds the total elapsed time across all attempts,
	// measured from the first attempt.
	Deadline time.Duration
}

// DefaultPolicy derives a policy from a data-available poll interval and a
// total wait budget. The growth cap is fixed at ten times the initial
// interval, matching the connection retry behavior of the shuffle servers'
// other clients.
func DefaultPolicy(pollInterval, maxWait time.Duration) Policy {
	return Policy{
		Interval:    pollInterval,
		IntervalCap: pollInterval * 10,
		Deadline:    maxWait,
	}
}

// Do runs attempt until it returns nil, the policy deadline elapses, or ctx
// is done. Between attempts Do sleeps, starting at Interval and doubling up
// to IntervalCap.
//
// Only the most recent attempt error is retained; earlier errors are
// superseded. On exhaustion Do returns ErrDeadlineExceeded joined with that
// last error. On context cancellation the last attempt error is returned if
// there is one, otherwise ctx.Err().
func (p Policy) Do(ctx context.Context, attempt func(seq int) error) error {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Millisecond
	}
	maxSleep := p.IntervalCap
	if maxSleep < interval {
		maxSleep = interval
	}

	start := timeNow()
	var lastErr error

	for seq := 0; ; seq++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = attempt(seq)
		if lastErr == nil {
			return nil
		}

		elapsed := timeNow().Sub(start)
		if elapsed+interval > p.Deadline {
			return errors.Join(ErrDeadlineExceeded, lastErr)
		}

		sleep(interval)

		interval *= 2
		if interval > maxSleep {
			interval = maxSleep
		}
	}
}

// Exhausted reports whether err represents a spent retry budget rather than
// a terminal failure raised by the attempt itself.
func Exhausted(err error) bool {
	return errors.Is(err, ErrDeadlineExceeded)
}

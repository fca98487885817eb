package clients

import (
	"context"
	"errors"
	"time"
)

// ErrPollExhausted is returned when every poll attempt completed without a terminal status
var ErrPollExhausted = errors.New("poll attempts exhausted")

// PollPolicy bounds a long-running operation poll. Waits grow geometrically
// from InitialWait by Multiplier, capped at MaxWait.
type PollPolicy struct {
	Attempts    int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// DefaultPollPolicy polls up to 15 times starting at 1s, growing 1.5x to at most 4s
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{Attempts: 15, InitialWait: time.Second, MaxWait: 4 * time.Second, Multiplier: 1.5}
}

// Poll waits, then calls check, until check reports done or returns an error.
// Errors from check are returned as is and never retried. Returns the attempt
// number of the last check.
func (p PollPolicy) Poll(ctx context.Context, check func(ctx context.Context, attempt int) (bool, error)) (int, error) {
	wait := p.InitialWait
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := sleepContext(ctx, wait); err != nil {
			return attempt - 1, err
		}

		done, err := check(ctx, attempt)
		if err != nil || done {
			return attempt, err
		}

		wait = p.next(wait)
	}

	return p.Attempts, ErrPollExhausted
}

func (p PollPolicy) next(wait time.Duration) time.Duration {
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	next := time.Duration(float64(wait) * multiplier)
	if p.MaxWait > 0 && next > p.MaxWait {
		next = p.MaxWait
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

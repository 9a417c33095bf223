package gateway

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/empirekit/errs"
)

// RetryPolicy bounds how often an operation is attempted and how long to wait in between.
type RetryPolicy struct {
	MaxAttempts int
	// NewBackOff builds the wait schedule for one run. Defaults to exponential backoff.
	NewBackOff func() backoff.BackOff
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy attempts five times with exponential waits.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5}
}

// Run calls op until it succeeds, the attempts are used up, ctx ends or op
// fails with an error that retrying cannot fix. onRetry observes every failure
// that is followed by another attempt.
func (p RetryPolicy) Run(ctx context.Context, op func(ctx context.Context) error, onRetry func(attempt int, err error, wait time.Duration)) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	schedule := p.schedule()
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if permanent(err) || attempt == attempts {
			return err
		}
		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return err
		}
	}
	return err
}

func (p RetryPolicy) schedule() backoff.BackOff {
	if p.NewBackOff != nil {
		if b := p.NewBackOff(); b != nil {
			b.Reset()
			return b
		}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Second
	return b
}

// permanent reports failures where another attempt would present the same credentials again.
func permanent(err error) bool {
	return errs.Is(err, errs.CanonicalInvalidAPIKey) ||
		errs.Is(err, errs.CanonicalAPIKeyMissing) ||
		errs.CodeOf(err) == errs.CodeInvalid
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

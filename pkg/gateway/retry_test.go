package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/empirekit/errs"
)

func TestRetryPolicyWaitsBetweenAttempts(t *testing.T) {
	var waits []time.Duration
	policy := RetryPolicy{
		MaxAttempts: 4,
		NewBackOff:  func() backoff.BackOff { return backoff.NewConstantBackOff(time.Second) },
		Sleep: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	}

	calls := 0
	var retried []int
	err := policy.Run(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	}, func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) })

	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2}, retried)
	require.Equal(t, []time.Duration{time.Second, time.Second}, waits)
}

func TestRetryPolicyReturnsLastError(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 2,
		NewBackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
	last := errors.New("second")
	calls := 0
	err := policy.Run(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("first")
		}
		return last
	}, nil)
	require.ErrorIs(t, err, last)
	require.Equal(t, 2, calls)
}

func TestRetryPolicyStopsOnCancelledSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := RetryPolicy{MaxAttempts: 5}.Run(ctx, func(context.Context) error {
		calls++
		return errors.New("down")
	}, nil)
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryPolicySkipsPermanentErrors(t *testing.T) {
	calls := 0
	err := DefaultRetryPolicy().Run(context.Background(), func(context.Context) error {
		calls++
		return errs.New("rest/metadata", errs.CodeAuth, errs.WithCanonicalCode(errs.CanonicalAPIKeyMissing))
	}, nil)
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

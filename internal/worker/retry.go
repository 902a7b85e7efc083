package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cncaiprojem/projem-sub004/internal/metrics"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// Retry runs fn with capped exponential backoff and jitter. Faults
// that are not transient abort immediately; transient ones retry up to
// maxRetries times within the maxElapsed budget. Every retry bumps the
// retry counter under the fault's code.
func Retry(ctx context.Context, maxRetries int, maxElapsed time.Duration, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = maxElapsed

	var policy backoff.BackOff = bo
	if maxRetries >= 0 {
		policy = backoff.WithMaxRetries(policy, uint64(maxRetries))
	}
	policy = backoff.WithContext(policy, ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !types.Retriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, _ time.Duration) {
		metrics.JobRetry(types.CodeOf(err))
	})
}

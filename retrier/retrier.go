// Package retrier provides the one retry/resume policy shared by the direct,
// multipart and resumable upload paths: a bounded attempt budget for the whole
// operation, an error classifier, and an optional offset probe that asks the
// remote side how many bytes it has already confirmed before a retry.
package retrier

import (
	"context"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Strategy describes a bounded retry policy for a resumable operation.
type Strategy struct {
	// MaxAttempts is the total attempt budget for the whole operation,
	// including the first attempt. Minimum 1.
	MaxAttempts uint

	// Wait is the pause between attempts.
	Wait time.Duration

	// Retryable classifies errors. A nil classifier retries everything
	// except context cancellation.
	Retryable func(error) bool

	// ProbeOffset queries the number of bytes the remote side has durably
	// received. When set, it runs before every retry so the operation can
	// resume without re-sending accepted bytes. Optional.
	ProbeOffset func(ctx context.Context) (int64, error)

	Logger log.Logger
}

// Do runs op under the strategy. op receives the byte offset to resume from:
// zero on the first attempt, the probed offset on retries (or the previous
// offset if no probe is configured). The last error is returned once the
// attempt budget is spent.
func (s Strategy) Do(ctx context.Context, op func(ctx context.Context, offset int64) error) error {
	attempts := s.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	logger := s.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	var offset int64
	// retry.Times counts retries, not attempts
	return retry.Times(attempts - 1).Wait(s.Wait).TryWithAbort(func(attempt uint) (error, bool) {
		if ctx.Err() != nil {
			return ctx.Err(), true
		}

		if attempt > 0 && s.ProbeOffset != nil {
			probed, err := s.ProbeOffset(ctx)
			if err != nil {
				logger.Warnf("Offset probe failed, resuming from %d: %s", offset, err)
			} else {
				logger.Debugf("Remote side confirmed %d bytes", probed)
				offset = probed
			}
		}

		err := op(ctx, offset)
		if err == nil {
			return nil, true
		}
		if ctx.Err() != nil || (s.Retryable != nil && !s.Retryable(err)) {
			return err, true
		}

		logger.Warnf("Attempt %d/%d failed: %s", attempt+1, attempts, err)
		return err, false
	})
}

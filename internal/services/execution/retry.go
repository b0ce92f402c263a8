package execution

import (
	"context"
	"fmt"
	"time"

	"SignalDesk/internal/domain/models"
	applogger "SignalDesk/pkg/logger"
)

// RetryPolicy bounds connector calls. MaxAttempts counts every call,
// including the first.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Timeout     time.Duration
}

// DefaultRetryPolicy makes three attempts with a 10s per-attempt timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  5 * time.Second,
		Timeout:     10 * time.Second,
	}
}

// Backoff returns base * 2^retry capped at max.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if p.BackoffBase <= 0 {
		return 0
	}
	if retry < 0 {
		retry = 0
	}
	if retry > 30 {
		return p.BackoffMax
	}
	d := p.BackoffBase * time.Duration(1<<retry)
	if p.BackoffMax > 0 && d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

type sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs call until it succeeds, fails permanently or the attempt budget
// is spent. It returns the number of calls made.
func (d *Dispatcher) do(ctx context.Context, op, instrument string, call func(ctx context.Context) error) (int, error) {
	limit := d.policy.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	var last error
	for attempt := 1; attempt <= limit; attempt++ {
		actx, cancel := ctx, context.CancelFunc(func() {})
		if d.policy.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, d.policy.Timeout)
		}
		err := call(actx)
		cancel()
		if err == nil {
			return attempt, nil
		}
		last = err
		if ctx.Err() != nil {
			return attempt, models.NewError(models.KindTransientExecution, op, instrument, ctx.Err())
		}
		if !models.IsTransient(err) {
			if models.KindOf(err) == "" {
				err = models.NewError(models.KindPermanentExecution, op, instrument, err)
			}
			return attempt, err
		}
		if attempt == limit {
			break
		}
		d.metrics.RecordRetry(op)
		d.l.Warn("transient connector error, retrying",
			applogger.String("op", op),
			applogger.String("instrument", instrument),
			applogger.Int("attempt", attempt),
			applogger.Error(err),
		)
		if err := d.sleep(ctx, d.policy.Backoff(attempt-1)); err != nil {
			return attempt, models.NewError(models.KindTransientExecution, op, instrument, err)
		}
	}
	return limit, models.NewError(models.KindPermanentExecution, op, instrument,
		fmt.Errorf("%w after %d attempts: %w", models.ErrRetriesExhausted, limit, last))
}

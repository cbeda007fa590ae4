package backoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultMaxAttempts = 5
)

var (
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Delayer is implemented by errors that carry a server-requested retry delay.
type Delayer interface {
	RetryDelay() time.Duration
}

// Retrier runs an operation until it succeeds, fails permanently, or runs out
// of attempts. The zero value retries nothing; see New.
type Retrier struct {
	Clock       clockwork.Clock
	MaxAttempts int
	NewStrategy func() Strategy
	Retryable   func(error) bool
}

// New returns a Retrier with a real clock and doubling backoff.
func New(maxAttempts int, retryable func(error) bool) *Retrier {
	return &Retrier{
		Clock:       clockwork.NewRealClock(),
		MaxAttempts: maxAttempts,
		NewStrategy: func() Strategy { return NewSimple(DefaultInitial) },
		Retryable:   retryable,
	}
}

// Do calls fn until it returns nil or a non-retryable error. Each call gets a
// fresh Strategy. When attempts run out the last error is wrapped with
// ErrRetriesExhausted.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	strategy := r.strategy()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil || !r.retryable(err) {
			return err
		}

		if attempt >= r.maxAttempts() {
			return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrRetriesExhausted, attempt, err)
		}

		delay := strategy.Next()
		var hint Delayer
		if errors.As(err, &hint) && hint.RetryDelay() > delay {
			delay = hint.RetryDelay()
		}

		slog.Debug("retry", "op", op, "attempt", attempt, "delay", delay, "error", err)
		if err := r.Wait(ctx, delay); err != nil {
			return err
		}
	}
}

// Wait blocks for d, returning early with the context error on cancellation.
func (r *Retrier) Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	timer := r.clock().NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

func (r *Retrier) strategy() Strategy {
	if r.NewStrategy == nil {
		return NewSimple(DefaultInitial)
	}
	return r.NewStrategy()
}

func (r *Retrier) clock() clockwork.Clock {
	if r.Clock == nil {
		return clockwork.NewRealClock()
	}
	return r.Clock
}

func (r *Retrier) maxAttempts() int {
	if r.MaxAttempts <= 0 {
		return 1
	}
	return r.MaxAttempts
}

func (r *Retrier) retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return r.Retryable != nil && r.Retryable(err)
}

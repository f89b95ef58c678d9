package retry

import (
	"context"
	"errors"
	"time"
)

// Budget bounds the number of attempts a retry loop may make and supplies
// the backoff delay between them. spec.md §7 defines two budgets: a
// session-level budget (5 attempts) wrapping individual SSH operations, and
// a backup-level budget (2 attempts) wrapping an entire backup run.
type Budget struct {
	MaxAttempts int
	backoff     *Backoff
}

// NewSessionBudget returns the 5-attempt budget applied to individual SSH
// operations (connect, run, downloadFile).
func NewSessionBudget() *Budget {
	return &Budget{MaxAttempts: 5, backoff: NewBackoff()}
}

// NewBackupBudget returns the 2-attempt budget applied to an entire backup
// run (spec.md §4.6: a failed attempt may be retried once in full).
func NewBackupBudget() *Budget {
	return &Budget{MaxAttempts: 2, backoff: NewBackoff()}
}

// NewBudget builds a Budget with an arbitrary attempt count and backoff
// range, for callers (tests, custom policies) that need something other
// than the two spec-mandated budgets.
func NewBudget(maxAttempts int, start, cap time.Duration) *Budget {
	return &Budget{MaxAttempts: maxAttempts, backoff: &Backoff{Start: start, Cap: cap}}
}

// ErrBudgetExhausted is returned when Do's wrapped function has failed
// MaxAttempts times in a row with a transient error.
var ErrBudgetExhausted = errors.New("retry: budget exhausted")

// Do invokes fn up to MaxAttempts times, sleeping with backoff between
// attempts. It stops early — without consuming further attempts — if fn
// returns a nil error, a fatal (non-transient) *Error, or ctx is cancelled.
// On exhaustion it returns the last error, wrapped with ErrBudgetExhausted.
func (b *Budget) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b.backoff.Reset()

	var lastErr error
	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return New(KindCancelled, err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !ClassifyOf(err).Transient() {
			return err
		}
		if attempt == b.MaxAttempts {
			break
		}

		delay := b.backoff.Next()
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return New(KindCancelled, ctx.Err())
		}
	}
	return errors.Join(ErrBudgetExhausted, lastErr)
}

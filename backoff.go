package roomsync

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes jittered exponential delays for retry loops. The core
// never retries on its own; callers that want a retry policy layer a Backoff
// on top of Session.SelectConversation or RealtimeClient.Connect.
type Backoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // 0 means unlimited

	mu          sync.Mutex
	attempt     int
	connectedAt time.Time
}

// NewBackoff creates a Backoff. Zero delays fall back to 1s and 30s.
func NewBackoff(base, max time.Duration, maxAttempts int) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return &Backoff{BaseDelay: base, MaxDelay: max, MaxAttempts: maxAttempts}
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// MarkConnected records a success. A connection that stays up for a minute
// resets the attempt counter on the next failure.
func (b *Backoff) MarkConnected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectedAt = time.Now()
}

// Next returns the delay before the next attempt, or false once MaxAttempts
// is exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > 60*time.Second {
		b.attempt = 0
	}
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return 0, false
	}
	jitter := time.Duration(rand.Float64() * float64(b.BaseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.BaseDelay)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.MaxDelay),
	))
	b.attempt++
	return delay, true
}

// Reset clears the attempt counter.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
	b.connectedAt = time.Time{}
}

// Permanent wraps err so that Retry returns it without another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retry calls fn until it succeeds, attempts run out or ctx is done.
// onRetry, if set, is told about every failure that will be retried. An
// error wrapped with Permanent is returned unwrapped right away.
func (b *Backoff) Retry(ctx context.Context, fn func(context.Context) error, onRetry func(attempt int, delay time.Duration, err error)) error {
	for {
		err := fn(ctx)
		if err == nil {
			b.Reset()
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		delay, ok := b.Next()
		if !ok {
			return err
		}
		if onRetry != nil {
			onRetry(b.Attempt(), delay, err)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

package service

import (
	"math/rand"

	"github.com/newsky/colossus/api"
)

var (
	_ api.RetryPolicy = NoRetry{}
	_ api.RetryPolicy = FixedDelay(0)
	_ api.RetryPolicy = (*ExponentialBackoff)(nil)
)

// NoRetry never reconnects: the first disconnect is terminal.
type NoRetry struct{}

// NextDelay implements api.RetryPolicy.
func (NoRetry) NextDelay(attempt int) (int64, bool) { return 0, false }

// FixedDelay retries forever with the same delay (in nanoseconds)
// between every attempt.
type FixedDelay int64

// NextDelay implements api.RetryPolicy.
func (d FixedDelay) NextDelay(attempt int) (int64, bool) { return int64(d), true }

// ExponentialBackoff doubles its delay from Base up to Cap, adding up
// to Jitter nanoseconds of random slack to each attempt so a fleet of
// reconnecting clients doesn't thunder back in lockstep.
type ExponentialBackoff struct {
	Base   int64
	Cap    int64
	Jitter int64

	// MaxAttempts bounds how many reconnect attempts are made before
	// giving up; 0 means unbounded.
	MaxAttempts int
}

// NextDelay implements api.RetryPolicy.
func (b *ExponentialBackoff) NextDelay(attempt int) (int64, bool) {
	if b.MaxAttempts > 0 && attempt > b.MaxAttempts {
		return 0, false
	}
	delay := b.Base
	for i := 1; i < attempt && delay < b.Cap; i++ {
		delay *= 2
	}
	if delay > b.Cap {
		delay = b.Cap
	}
	if b.Jitter > 0 {
		delay += rand.Int63n(b.Jitter)
	}
	return delay, true
}

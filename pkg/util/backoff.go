package util

import "time"

// Backoff carries explicit reconnect state: attempt count and next delay.
// Delay after N consecutive failures is min(base * 2^N, cap); any success
// resets to base. Not safe for concurrent use; each supervised task owns
// its own Backoff.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	attempts int
}

func NewBackoff(base, cap time.Duration) *Backoff {
	return &Backoff{Base: base, Cap: cap}
}

// Next returns the delay for the current failure and advances the attempt
// counter.
func (b *Backoff) Next() time.Duration {
	d := b.Delay()
	b.attempts++
	return d
}

// Delay returns the delay for the current attempt without advancing.
func (b *Backoff) Delay() time.Duration {
	d := b.Base
	for i := 0; i < b.attempts; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// Reset returns the backoff to its base delay after a success or a new
// peer arrival.
func (b *Backoff) Reset() { b.attempts = 0 }

// Attempts reports the number of consecutive failures so far.
func (b *Backoff) Attempts() int { return b.attempts }

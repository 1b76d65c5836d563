package client

import "time"

// Backoff produces strictly increasing, capped reconnect delays with a
// bounded attempt count.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int

	attempts int
	next     time.Duration
}

// Next returns the delay before the next attempt, or false when the
// attempt budget is exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.MaxAttempts > 0 && b.attempts >= b.MaxAttempts {
		return 0, false
	}
	b.attempts++

	if b.next == 0 {
		b.next = b.Initial
	} else {
		b.next *= 2
	}
	if b.next > b.Max {
		b.next = b.Max
	}
	return b.next, true
}

// Reset restores the full attempt budget after a healthy connection.
func (b *Backoff) Reset() {
	b.attempts = 0
	b.next = 0
}

// Attempts returns how many attempts have been consumed.
func (b *Backoff) Attempts() int {
	return b.attempts
}

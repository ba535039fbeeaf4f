package client

import "time"

// backoff produces the delay before each reconnect attempt: the base delay
// doubling per failure up to a fixed ceiling, reset to base on any
// successful connect.
type backoff struct {
	base time.Duration
	max  time.Duration
	next time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &backoff{base: base, max: max, next: base}
}

// Next returns the delay to wait now and advances the schedule.
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

func (b *backoff) Reset() {
	b.next = b.base
}

package stream

import "time"

// Backoff computes reconnect delays: min(Base * 2^(attempt-1), Max).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is 5s doubling up to one minute.
var DefaultBackoff = Backoff{Base: 5 * time.Second, Max: 60 * time.Second}

// Delay returns the wait before reconnect attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	if max <= 0 {
		max = DefaultBackoff.Max
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

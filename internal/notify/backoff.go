package notify

import "time"

// Backoff is exponential: Base, 2*Base, 4*Base, ... capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before attempt n+1 after n failed attempts (n >= 1).
func (b Backoff) Delay(n int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	if n < 1 {
		n = 1
	}
	if b.Max <= 0 && n > 30 {
		n = 30
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

package realtime

import "time"

// Backoff produces exponential reconnect delays: Base doubling per attempt,
// capped at Cap. Explicit and stateless so tests can assert the schedule.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before reconnect attempt n (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 2 * time.Second
	}
	capd := b.Cap
	if capd <= 0 {
		capd = 30 * time.Second
	}

	if attempt < 0 {
		attempt = 0
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= capd {
			return capd
		}
	}
	if d > capd {
		return capd
	}
	return d
}

package supervisor

import "time"

// Backoff decides how long to wait before retrying after a crash.
// streak is the current consecutive-crash count, always >= 1 when called.
type Backoff interface {
	Delay(streak int) time.Duration
}

// FixedBackoff waits the same interval regardless of streak length.
// This is the historical default.
type FixedBackoff struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (b FixedBackoff) Delay(int) time.Duration { return b.Interval }

// LinearBackoff waits streak * Base, capped at Max.
type LinearBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the linear delay.
func (b LinearBackoff) Delay(streak int) time.Duration {
	if streak < 1 {
		streak = 1
	}
	d := time.Duration(streak) * b.Base
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// ExponentialBackoff doubles the delay per crash: Base * 2^(streak-1),
// capped at Max.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the exponential delay.
func (b ExponentialBackoff) Delay(streak int) time.Duration {
	if streak < 1 {
		streak = 1
	}
	d := b.Base
	for i := 1; i < streak; i++ {
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

// BackoffFor maps a policy name from config to an implementation.
// Unknown names fall back to fixed; config validation rejects them
// before this point.
func BackoffFor(policy string, crashSleep time.Duration) Backoff {
	switch policy {
	case "linear":
		return LinearBackoff{Base: crashSleep, Max: 10 * crashSleep}
	case "exponential":
		return ExponentialBackoff{Base: crashSleep, Max: 10 * crashSleep}
	default:
		return FixedBackoff{Interval: crashSleep}
	}
}

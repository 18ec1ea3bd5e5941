package signaling

import "time"

// Backoff decides how long to wait before reconnect attempt number attempt
// (0-based). ok=false means give up.
type Backoff interface {
	Delay(attempt int) (d time.Duration, ok bool)
}

// ExponentialBackoff waits min(Base*2^attempt, Max) and gives up once
// MaxAttempts consecutive attempts have failed. MaxAttempts <= 0 never gives up.
type ExponentialBackoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func (b ExponentialBackoff) Delay(attempt int) (time.Duration, bool) {
	if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
		return 0, false
	}
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d, true
}

// ConstantBackoff always waits Interval and never gives up
type ConstantBackoff struct {
	Interval time.Duration
}

func (b ConstantBackoff) Delay(int) (time.Duration, bool) {
	return b.Interval, true
}

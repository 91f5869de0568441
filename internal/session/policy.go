package session

import (
	"time"

	"provider/internal/config"
)

// DelayFunc returns the wait before reconnect attempt n (1-based).
type DelayFunc func(attempt int) time.Duration

// Fixed waits d before every attempt.
func Fixed(d time.Duration) DelayFunc {
	return func(int) time.Duration { return d }
}

// Linear waits base*attempt, capped at maxDelay when it is positive.
func Linear(base, maxDelay time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base * time.Duration(attempt)
		if maxDelay > 0 && d > maxDelay {
			return maxDelay
		}
		return d
	}
}

// ReconnectPolicy decides whether and when to reconnect after a lost or
// failed connection. MaxAttempts 0 means retry forever.
type ReconnectPolicy struct {
	Delay       DelayFunc
	MaxAttempts int
}

// Next returns the delay before attempt n, or false once attempts are exhausted.
func (p ReconnectPolicy) Next(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	if p.Delay == nil {
		return 5 * time.Second, true
	}
	return p.Delay(attempt), true
}

func PolicyFrom(cfg config.SessionConfig) ReconnectPolicy {
	delay := Fixed(cfg.ReconnectDelay)
	if cfg.ReconnectMode == config.ReconnectLinear {
		delay = Linear(cfg.ReconnectDelay, cfg.ReconnectMaxDelay)
	}
	return ReconnectPolicy{Delay: delay, MaxAttempts: cfg.ReconnectMaxAttempts}
}

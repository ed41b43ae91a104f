package scheduler

import (
	"math"
	"time"
)

// Policy defines retry behavior for failed tasks.
type Policy struct {
	MaxAttempts       int           // total attempts including the first (minimum 1)
	InitialDelay      time.Duration // delay before the first retry
	MaxDelay          time.Duration // cap on the backoff delay
	BackoffMultiplier float64       // exponential multiplier, e.g. 2.0
}

// DefaultPolicy returns the default retry policy for role tasks.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Delay returns the backoff delay after the given number of failed attempts.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts <= 1 {
		return p.InitialDelay
	}
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempts-1))
	if time.Duration(delay) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Exhausted reports whether no further attempts remain.
func (p Policy) Exhausted(attempts int) bool {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	return attempts >= max
}

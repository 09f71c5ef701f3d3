package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy bounds the retry budget and shapes the backoff curve.
type Policy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	JitterRatio    float64
	PressureShrink float64
}

// DefaultPolicy matches the shipped configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialDelay:   2 * time.Second,
		MaxDelay:       5 * time.Minute,
		BackoffFactor:  2.0,
		JitterRatio:    0.2,
		PressureShrink: 0.5,
	}
}

// Delay returns the backoff after the given failed attempt, without jitter:
// min(MaxDelay, InitialDelay * BackoffFactor^attempt). Attempts are
// zero-based, so the first retry waits InitialDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt))
	if d < 0 || math.IsInf(d, 1) || d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Jittered spreads d by up to ±JitterRatio to avoid synchronized retry
// storms. A zero ratio returns d unchanged, which tests rely on.
func (p Policy) Jittered(d time.Duration) time.Duration {
	if p.JitterRatio <= 0 || d <= 0 {
		return d
	}
	span := float64(d) * p.JitterRatio
	out := time.Duration(float64(d) + (rand.Float64()*2-1)*span)
	if out < 0 {
		return 0
	}
	return out
}

package syncer

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff decides how long a mutation waits before its next attempt.
type Backoff interface {
	// NextDelay returns the wait after the given number of failed attempts (1-based).
	NextDelay(attempt int) time.Duration
}

// Exponential grows the delay by Multiplier per attempt, capped at Max. Jitter in [0, 1]
// randomizes the delay downwards by up to that fraction.
type Exponential struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     float64       `mapstructure:"jitter"`
}

func DefaultBackoff() Exponential {
	return Exponential{
		Initial:    time.Second,
		Max:        5 * time.Minute,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

func (b Exponential) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if j := min(max(b.Jitter, 0), 1); j > 0 {
		d -= d * j * rand.Float64()
	}

	return time.Duration(d)
}

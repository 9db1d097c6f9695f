// Package clock provides the time source and network reachability signal every other
// engine component depends on.
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock abstracts time so countdowns and backoff can run on virtual time in tests.
type Clock = clockwork.Clock

// Timer is returned by Clock.AfterFunc and Clock.NewTimer.
type Timer = clockwork.Timer

// Fake is a Clock that only moves when told to.
type Fake interface {
	Clock
	Advance(d time.Duration)
	// BlockUntilContext waits until n timers or tickers are armed.
	BlockUntilContext(ctx context.Context, n int) error
}

func Real() Clock {
	return clockwork.NewRealClock()
}

func NewFake(at time.Time) Fake {
	return clockwork.NewFakeClockAt(at)
}

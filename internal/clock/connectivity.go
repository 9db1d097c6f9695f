package clock

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Connectivity tracks whether the remote backend is reachable. Subscribers are told about
// transitions only, never about repeated values.
type Connectivity struct {
	mu        sync.Mutex
	reachable bool
	nextID    int
	subs      map[int]chan bool
}

func NewConnectivity(reachable bool) *Connectivity {
	return &Connectivity{
		reachable: reachable,
		subs:      make(map[int]chan bool),
	}
}

func (c *Connectivity) Reachable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.reachable
}

// Set records the current reachability and notifies subscribers if it changed.
func (c *Connectivity) Set(reachable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reachable == reachable {
		return
	}
	c.reachable = reachable

	for _, ch := range c.subs {
		// Slow subscribers only ever see the latest value.
		select {
		case <-ch:
		default:
		}
		ch <- reachable
	}
}

// Subscribe returns a channel of reachability transitions and a func to stop receiving them.
func (c *Connectivity) Subscribe() (<-chan bool, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	ch := make(chan bool, 1)
	c.subs[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		delete(c.subs, id)
	}
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober feeds Connectivity by pinging the backend on an interval.
type Prober struct {
	conn     *Connectivity
	pinger   Pinger
	clock    Clock
	interval time.Duration
	timeout  time.Duration
}

func NewProber(conn *Connectivity, p Pinger, c Clock, interval time.Duration) *Prober {
	return &Prober{
		conn:     conn,
		pinger:   p,
		clock:    c,
		interval: interval,
		timeout:  interval / 2,
	}
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	t := p.clock.NewTicker(p.interval)
	defer t.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			p.Probe(ctx)
		}
	}
}

// Probe pings once and records the result.
func (p *Prober) Probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(ctx)
	if err != nil && p.conn.Reachable() {
		slog.WarnContext(ctx, "connectivity: backend unreachable", "error", err)
	}
	p.conn.Set(err == nil)
}

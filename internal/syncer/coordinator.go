// Package syncer replays the local mutation queue against the remote backend.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/fireprep/internal/clock"
	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/errors"
	"github.com/victornm/fireprep/internal/event"
	"github.com/victornm/fireprep/internal/remote"
)

// Queue is the part of queue.Queue the coordinator drives.
type Queue interface {
	Sessions() []string
	Drain(sessionID string) []domain.Mutation
	Remove(ctx context.Context, id string) bool
	MarkInFlight(ctx context.Context, id string) (domain.Mutation, bool)
	MarkRetry(ctx context.Context, id string, cause error, next time.Time) (domain.Mutation, bool)
	MarkAbandoned(ctx context.Context, id string, cause error) (domain.Mutation, bool)
	Status() domain.QueueStatus
}

type Config struct {
	Queue        Queue
	Backend      remote.Backend
	Connectivity *clock.Connectivity
	Clock        clock.Clock
	Backoff      Backoff
	EventBus     *event.Bus
	// Registerer receives the replay metrics. Nil disables them.
	Registerer prometheus.Registerer
	// Acknowledged runs after a mutation was removed from the queue, before the
	// acknowledgement is published.
	Acknowledged func(ctx context.Context, m domain.Mutation, result any)
}

type Coordinator struct {
	q       Queue
	backend remote.Backend
	conn    *clock.Connectivity
	clock   clock.Clock
	backoff Backoff
	eb      *event.Bus
	acked   func(ctx context.Context, m domain.Mutation, result any)
	metrics *metrics

	kick chan struct{}

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
	wake     clock.Timer
	wakeAt   time.Time
}

func NewCoordinator(c Config) *Coordinator {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff()
	}

	return &Coordinator{
		q:        c.Queue,
		backend:  c.Backend,
		conn:     c.Connectivity,
		clock:    c.Clock,
		backoff:  c.Backoff,
		eb:       c.EventBus,
		acked:    c.Acknowledged,
		metrics:  newMetrics(c.Registerer),
		kick:     make(chan struct{}, 1),
		sessions: make(map[string]*sync.Mutex),
	}
}

// Run replays the queue whenever it is kicked or connectivity comes back, until ctx is
// done.
func (c *Coordinator) Run(ctx context.Context) error {
	var reachable <-chan bool
	if c.conn != nil {
		ch, unsubscribe := c.conn.Subscribe()
		defer unsubscribe()
		reachable = ch
	}
	defer c.stopWake()

	c.sync(ctx, false)
	for {
		select {
		case <-ctx.Done():
			return nil
		case up := <-reachable:
			if up {
				slog.InfoContext(ctx, "syncer: connectivity restored")
				c.sync(ctx, false)
			}
		case <-c.kick:
			c.sync(ctx, false)
		}
	}
}

// Kick asks Run for a replay pass. It never blocks.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// ForceSync replays every session now, ignoring backoff delays and the connectivity
// state. Abandoned mutations still need an explicit retry.
func (c *Coordinator) ForceSync(ctx context.Context) domain.QueueStatus {
	c.sync(ctx, true)
	return c.q.Status()
}

func (c *Coordinator) sync(ctx context.Context, force bool) {
	if !force && c.conn != nil && !c.conn.Reachable() {
		return
	}

	var g errgroup.Group
	for _, id := range c.q.Sessions() {
		g.Go(func() error {
			c.replay(ctx, id, force)
			return nil
		})
	}
	_ = g.Wait()

	c.metrics.observe(c.q.Status())
}

func (c *Coordinator) sessionLock(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	mu, ok := c.sessions[id]
	if !ok {
		mu = &sync.Mutex{}
		c.sessions[id] = mu
	}
	return mu
}

// replay sends the mutations of one session in order, stopping at the first one that
// is not acknowledged.
func (c *Coordinator) replay(ctx context.Context, sessionID string, force bool) {
	mu := c.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	for ctx.Err() == nil {
		ms := c.q.Drain(sessionID)
		if len(ms) == 0 {
			return
		}

		head := ms[0]
		switch head.State {
		case domain.MutationAbandoned:
			return
		case domain.MutationRetrying:
			if !force && c.clock.Now().Before(head.NextAttemptAt) {
				c.scheduleWake(head.NextAttemptAt)
				return
			}
		}
		if !force && c.conn != nil && !c.conn.Reachable() {
			return
		}

		if !c.send(ctx, head) {
			return
		}
	}
}

// send makes one attempt and reports whether m was acknowledged.
func (c *Coordinator) send(ctx context.Context, m domain.Mutation) bool {
	// Queue bookkeeping must land even if ctx is cancelled mid-request.
	wctx := context.WithoutCancel(ctx)

	m, ok := c.q.MarkInFlight(wctx, m.MutationID)
	if !ok {
		return true
	}

	result, err := remote.Apply(ctx, c.backend, m)
	switch {
	case err == nil, errors.IsConflict(err):
		if err != nil {
			slog.InfoContext(ctx, "syncer: already applied remotely", "mutation", m.MutationID, "kind", m.Kind)
		}
		c.q.Remove(wctx, m.MutationID)
		c.metrics.result(m.Kind, "acknowledged")
		if c.acked != nil {
			c.acked(wctx, m, result)
		}
		c.publish(wctx, domain.EventMutationAcked{Mutation: m, Result: result})
		return true

	case errors.Retryable(err):
		next := c.clock.Now().Add(c.backoff.NextDelay(m.Attempts))
		c.q.MarkRetry(wctx, m.MutationID, err, next)
		c.metrics.result(m.Kind, "retrying")
		c.scheduleWake(next)
		slog.WarnContext(ctx, "syncer: replay failed, will retry",
			"mutation", m.MutationID,
			"kind", m.Kind,
			"attempts", m.Attempts,
			"next_attempt_at", next,
			"error", err,
		)
		return false

	default:
		am, _ := c.q.MarkAbandoned(wctx, m.MutationID, err)
		c.metrics.result(m.Kind, "abandoned")
		c.publish(wctx, domain.EventMutationAbandoned{Mutation: am})
		slog.ErrorContext(ctx, "syncer: mutation rejected",
			"mutation", m.MutationID,
			"kind", m.Kind,
			"session", m.SessionID,
			"error", err,
		)
		return false
	}
}

// scheduleWake arms a kick at t unless an earlier one is already armed.
func (c *Coordinator) scheduleWake(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wake != nil && !c.wakeAt.After(t) {
		return
	}
	if c.wake != nil {
		c.wake.Stop()
	}

	c.wakeAt = t
	c.wake = c.clock.AfterFunc(c.clock.Until(t), func() {
		c.mu.Lock()
		c.wake = nil
		c.mu.Unlock()

		c.Kick()
	})
}

func (c *Coordinator) stopWake() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wake != nil {
		c.wake.Stop()
		c.wake = nil
	}
}

func (c *Coordinator) publish(ctx context.Context, e event.Event) {
	if c.eb == nil {
		return
	}
	c.eb.Publish(ctx, e)
}

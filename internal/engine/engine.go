// Package engine assembles the client side: sessions, the durable queue, the sync
// coordinator and the points reconciler. The UI talks to one Engine built at start-up.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/fireprep/internal/clock"
	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/errors"
	"github.com/victornm/fireprep/internal/event"
	"github.com/victornm/fireprep/internal/queue"
	"github.com/victornm/fireprep/internal/ranking"
	"github.com/victornm/fireprep/internal/remote"
	"github.com/victornm/fireprep/internal/session"
	"github.com/victornm/fireprep/internal/syncer"
)

// Store is the durable local state. localstore.SQLite implements it.
type Store interface {
	queue.Store
	session.SnapshotStore
	ranking.Store
}

type Config struct {
	// UserID owns every session started through the engine.
	UserID  string
	Backend remote.Backend
	// Store defaults to an in-memory queue without snapshots.
	Store        Store
	Clock        clock.Clock
	Connectivity *clock.Connectivity
	Backoff      syncer.Backoff
	// StallAfter is the attempt count past which a retrying mutation is reported stalled.
	StallAfter int
	// Pinger and ProbeInterval enable active reachability probing in Run.
	Pinger        clock.Pinger
	ProbeInterval time.Duration
	Registerer    prometheus.Registerer
	EventBus      *event.Bus
}

type Engine struct {
	userID   string
	clock    clock.Clock
	conn     *clock.Connectivity
	eb       *event.Bus
	ownsBus  bool
	q        *queue.Queue
	sessions *session.Service
	recon    *ranking.Reconciler
	coord    *syncer.Coordinator
	prober   *clock.Prober
}

// New builds an engine and restores the sessions persisted by a previous run.
func New(ctx context.Context, c Config) (*Engine, error) {
	if c.UserID == "" {
		return nil, errors.Configuration("user id is required")
	}
	if c.Backend == nil {
		return nil, errors.Configuration("backend is required")
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Connectivity == nil {
		c.Connectivity = clock.NewConnectivity(true)
	}

	e := &Engine{
		userID: c.UserID,
		clock:  c.Clock,
		conn:   c.Connectivity,
		eb:     c.EventBus,
	}
	if e.eb == nil {
		e.eb = event.NewBus()
		e.ownsBus = true
	}

	var (
		qs        queue.Store = queue.NewMemoryStore()
		snapshots session.SnapshotStore
		standings ranking.Store
	)
	if c.Store != nil {
		qs, snapshots, standings = c.Store, c.Store, c.Store
	}

	q, err := queue.Open(ctx, queue.Config{
		Store:      qs,
		EventBus:   e.eb,
		Clock:      c.Clock,
		StallAfter: c.StallAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	e.q = q

	e.recon = ranking.NewReconciler(ranking.Config{
		Queue:    q,
		Store:    standings,
		EventBus: e.eb,
	})

	e.coord = syncer.NewCoordinator(syncer.Config{
		Queue:        q,
		Backend:      c.Backend,
		Connectivity: c.Connectivity,
		Clock:        c.Clock,
		Backoff:      c.Backoff,
		EventBus:     e.eb,
		Registerer:   c.Registerer,
		Acknowledged: e.recon.Acknowledged,
	})

	e.sessions = session.NewService(session.Config{
		Queue:     q,
		Snapshots: snapshots,
		Clock:     c.Clock,
		EventBus:  e.eb,
		Notify:    e.coord.Kick,
		Finalizing: func(ctx context.Context, ss domain.Session) {
			e.recon.Reconcile(ctx, ss)
		},
	})

	if c.Pinger != nil && c.ProbeInterval > 0 {
		e.prober = clock.NewProber(c.Connectivity, c.Pinger, c.Clock, c.ProbeInterval)
	}

	if _, err := e.sessions.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore sessions: %w", err)
	}

	return e, nil
}

// Run drives background sync until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.coord.Run(ctx)
	})
	if e.prober != nil {
		g.Go(func() error {
			e.prober.Run(ctx)
			return nil
		})
	}

	slog.InfoContext(ctx, "engine: running", "user", e.userID)
	return g.Wait()
}

// Close stops countdowns and waits for event handlers. Queued mutations stay durable.
func (e *Engine) Close() {
	e.sessions.Close()
	if e.ownsBus {
		e.eb.Stop()
	}
}

// Start begins a session and returns its id without waiting for the network.
func (e *Engine) Start(ctx context.Context, cfg domain.SessionConfig) (string, error) {
	sess, err := e.sessions.Start(ctx, session.StartRequest{OwnerID: e.userID, Config: cfg})
	if err != nil {
		return "", err
	}
	return sess.ID(), nil
}

func (e *Engine) RecordAnswer(ctx context.Context, sessionID string, req session.AnswerRequest) (domain.Answer, error) {
	sess, err := e.session(sessionID)
	if err != nil {
		return domain.Answer{}, err
	}
	return sess.RecordAnswer(ctx, req)
}

func (e *Engine) Pause(ctx context.Context, sessionID string) error {
	sess, err := e.session(sessionID)
	if err != nil {
		return err
	}
	return sess.Pause(ctx)
}

func (e *Engine) Resume(ctx context.Context, sessionID string) error {
	sess, err := e.session(sessionID)
	if err != nil {
		return err
	}
	return sess.Resume(ctx)
}

// FinalizeResult reports whether this call decided the outcome. A call that lost a race
// against another finalize or a timeout is not an error.
type FinalizeResult struct {
	Session domain.Session
	Applied bool
}

func (e *Engine) Finalize(ctx context.Context, sessionID string, outcome domain.Status) (FinalizeResult, error) {
	sess, err := e.session(sessionID)
	if err != nil {
		return FinalizeResult{}, err
	}

	ss, err := sess.Finalize(ctx, outcome)
	switch {
	case err == nil:
		return FinalizeResult{Session: ss, Applied: true}, nil
	case errors.IsSessionClosed(err):
		return FinalizeResult{Session: sess.Snapshot()}, nil
	default:
		return FinalizeResult{}, err
	}
}

// ForceSync replays the queue now, ignoring backoff and connectivity.
func (e *Engine) ForceSync(ctx context.Context) domain.QueueStatus {
	return e.coord.ForceSync(ctx)
}

// Background is called when the app leaves the foreground.
func (e *Engine) Background(ctx context.Context) {
	e.sessions.Backgrounded(ctx)
}

// Foreground re-checks deadlines and triggers a sync pass.
func (e *Engine) Foreground(ctx context.Context) {
	e.sessions.Foregrounded(ctx)
	e.coord.Kick()
}

func (e *Engine) Snapshot(sessionID string) (domain.Session, error) {
	sess, err := e.session(sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	return sess.Snapshot(), nil
}

// ActiveSessions returns the sessions in progress and not paused.
func (e *Engine) ActiveSessions() []domain.Session {
	return e.sessions.Active()
}

func (e *Engine) Sessions() []domain.Session {
	return e.sessions.Sessions()
}

func (e *Engine) QueueStatus() domain.QueueStatus {
	return e.q.Status()
}

// SubscribeQueue calls fn on every queue change until unsubscribed. Calls are serialized
// and carry the status read at delivery time, so the last call always reflects the
// current queue even when change events are dispatched out of order.
func (e *Engine) SubscribeQueue(fn func(domain.QueueStatus)) (unsubscribe func()) {
	var mu sync.Mutex
	return e.eb.Subscribe(domain.EventNameQueueChanged, func(context.Context, event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		fn(e.q.Status())
		return nil
	})
}

func (e *Engine) PendingMutations() []domain.Mutation {
	return e.q.List()
}

// RetryMutation re-arms an abandoned mutation and triggers a sync pass.
func (e *Engine) RetryMutation(ctx context.Context, id string) error {
	if err := e.q.Retry(ctx, id); err != nil {
		return err
	}
	e.coord.Kick()
	return nil
}

func (e *Engine) DismissMutation(ctx context.Context, id string) error {
	return e.q.Dismiss(ctx, id)
}

// Standing returns the user's last confirmed points and grade.
func (e *Engine) Standing(ctx context.Context) (domain.Standing, error) {
	return e.recon.Standing(ctx, e.userID)
}

func (e *Engine) session(id string) (*session.Session, error) {
	sess, ok := e.sessions.Get(id)
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: %s", id))
	}
	return sess, nil
}

// Package queue holds the mutations that still have to reach the remote backend.
// It is the only state shared between sessions and the sync coordinator.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/fireprep/internal/clock"
	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/errors"
	"github.com/victornm/fireprep/internal/event"
)

// Store persists queue entries across restarts.
type Store interface {
	LoadMutations(ctx context.Context) ([]domain.Mutation, error)
	SaveMutation(ctx context.Context, m domain.Mutation) error
	DeleteMutation(ctx context.Context, id string) error
}

type Config struct {
	Store    Store
	EventBus *event.Bus
	Clock    clock.Clock
	// StallAfter is the attempt count past which a retrying mutation is reported as stalled.
	// Zero disables the report.
	StallAfter int
}

type Queue struct {
	store      Store
	eb         *event.Bus
	clock      clock.Clock
	stallAfter int

	mu    sync.Mutex
	seq   int64
	items []domain.Mutation
	// writes that failed to reach the store and are retried on the next change
	unsaved   map[string]struct{}
	undeleted map[string]struct{}
}

// Open loads persisted mutations. Mutations found in flight belonged to a request that
// may or may not have landed; they go back to pending and rely on idempotent ids.
func Open(ctx context.Context, c Config) (*Queue, error) {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}

	q := &Queue{
		store:      c.Store,
		eb:         c.EventBus,
		clock:      c.Clock,
		stallAfter: c.StallAfter,
		unsaved:    make(map[string]struct{}),
		undeleted:  make(map[string]struct{}),
	}

	ms, err := q.store.LoadMutations(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: load: %w", err)
	}

	slices.SortFunc(ms, func(a, b domain.Mutation) int { return cmpSeq(a.Seq, b.Seq) })
	for _, m := range ms {
		if m.State == domain.MutationInFlight {
			m.State = domain.MutationPending
			q.unsaved[m.MutationID] = struct{}{}
		}
		q.seq = max(q.seq, m.Seq)
		q.items = append(q.items, m)
	}

	return q, nil
}

func cmpSeq(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Enqueue appends m behind every mutation already queued. It never fails: if the store
// rejects the write the entry is kept in memory and persisted on the next change.
func (q *Queue) Enqueue(ctx context.Context, m domain.Mutation) domain.Mutation {
	q.mu.Lock()

	if m.MutationID == "" {
		m.MutationID = newID()
	}
	q.seq++
	m.Seq = q.seq
	m.State = domain.MutationPending
	if m.CreatedAt.IsZero() {
		m.CreatedAt = q.clock.Now()
	}
	q.items = append(q.items, m)
	q.saveLocked(ctx, m)

	st := q.statusLocked()
	q.mu.Unlock()

	slog.DebugContext(ctx, "queue: enqueued", "mutation", m.MutationID, "kind", m.Kind, "session", m.SessionID)
	q.publish(ctx, st)
	return m
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Drain returns the queued mutations of one session in creation order.
func (q *Queue) Drain(sessionID string) []domain.Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []domain.Mutation
	for _, m := range q.items {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out
}

// Sessions returns the ids of sessions with queued mutations, oldest first.
func (q *Queue) Sessions() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []string
	for _, m := range q.items {
		if !slices.Contains(out, m.SessionID) {
			out = append(out, m.SessionID)
		}
	}
	return out
}

// List returns every queued mutation in creation order.
func (q *Queue) List() []domain.Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	return slices.Clone(q.items)
}

func (q *Queue) Get(id string) (domain.Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i := q.indexLocked(id); i >= 0 {
		return q.items[i], true
	}
	return domain.Mutation{}, false
}

// Remove deletes an acknowledged mutation. It reports whether the mutation was queued.
func (q *Queue) Remove(ctx context.Context, id string) bool {
	q.mu.Lock()

	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return false
	}
	q.items = slices.Delete(q.items, i, i+1)
	delete(q.unsaved, id)
	q.deleteLocked(ctx, id)

	st := q.statusLocked()
	q.mu.Unlock()

	q.publish(ctx, st)
	return true
}

// MarkInFlight records that a replay attempt for id has started.
func (q *Queue) MarkInFlight(ctx context.Context, id string) (domain.Mutation, bool) {
	return q.update(ctx, id, func(m *domain.Mutation) {
		m.State = domain.MutationInFlight
		m.Attempts++
	})
}

// MarkRetry puts id back to wait until next after a transient failure.
func (q *Queue) MarkRetry(ctx context.Context, id string, cause error, next time.Time) (domain.Mutation, bool) {
	return q.update(ctx, id, func(m *domain.Mutation) {
		m.State = domain.MutationRetrying
		m.LastError = cause.Error()
		m.NextAttemptAt = next
	})
}

// MarkAbandoned stops automatic replay of id after a definitive rejection.
func (q *Queue) MarkAbandoned(ctx context.Context, id string, cause error) (domain.Mutation, bool) {
	return q.update(ctx, id, func(m *domain.Mutation) {
		m.State = domain.MutationAbandoned
		m.LastError = cause.Error()
		m.NextAttemptAt = time.Time{}
	})
}

// Retry re-arms an abandoned mutation on user request.
func (q *Queue) Retry(ctx context.Context, id string) error {
	m, ok := q.Get(id)
	if !ok {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("mutation not found: %s", id))
	}
	if m.State != domain.MutationAbandoned {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("mutation %s is %s, not abandoned", id, m.State))
	}

	q.update(ctx, id, func(m *domain.Mutation) {
		m.State = domain.MutationPending
		m.Attempts = 0
		m.NextAttemptAt = time.Time{}
	})
	return nil
}

// Dismiss drops an abandoned mutation the user gave up on.
func (q *Queue) Dismiss(ctx context.Context, id string) error {
	m, ok := q.Get(id)
	if !ok {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("mutation not found: %s", id))
	}
	if m.State != domain.MutationAbandoned {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("mutation %s is %s, only abandoned mutations can be dismissed", id, m.State))
	}

	q.Remove(ctx, id)
	return nil
}

// Status summarizes the queue for the sync indicator.
func (q *Queue) Status() domain.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.statusLocked()
}

func (q *Queue) update(ctx context.Context, id string, f func(m *domain.Mutation)) (domain.Mutation, bool) {
	q.mu.Lock()

	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return domain.Mutation{}, false
	}
	f(&q.items[i])
	m := q.items[i]
	q.saveLocked(ctx, m)

	st := q.statusLocked()
	q.mu.Unlock()

	q.publish(ctx, st)
	return m, true
}

func (q *Queue) indexLocked(id string) int {
	return slices.IndexFunc(q.items, func(m domain.Mutation) bool { return m.MutationID == id })
}

func (q *Queue) statusLocked() domain.QueueStatus {
	var st domain.QueueStatus
	for _, m := range q.items {
		switch m.State {
		case domain.MutationPending:
			st.Pending++
		case domain.MutationInFlight:
			st.InFlight++
		case domain.MutationRetrying:
			st.Retrying++
			if q.stallAfter > 0 && m.Attempts >= q.stallAfter {
				st.Stalled++
			}
		case domain.MutationAbandoned:
			st.Abandoned++
		}
	}
	return st
}

func (q *Queue) saveLocked(ctx context.Context, m domain.Mutation) {
	q.unsaved[m.MutationID] = struct{}{}
	q.flushLocked(ctx)
}

func (q *Queue) deleteLocked(ctx context.Context, id string) {
	q.undeleted[id] = struct{}{}
	q.flushLocked(ctx)
}

// flushLocked retries every outstanding store write.
func (q *Queue) flushLocked(ctx context.Context) {
	for id := range q.undeleted {
		if err := q.store.DeleteMutation(ctx, id); err != nil {
			slog.ErrorContext(ctx, "queue: delete mutation failed", "mutation", id, "error", err)
			continue
		}
		delete(q.undeleted, id)
	}

	for _, m := range q.items {
		if _, ok := q.unsaved[m.MutationID]; !ok {
			continue
		}
		if err := q.store.SaveMutation(ctx, m); err != nil {
			slog.ErrorContext(ctx, "queue: save mutation failed", "mutation", m.MutationID, "error", err)
			continue
		}
		delete(q.unsaved, m.MutationID)
	}
}

func (q *Queue) publish(ctx context.Context, st domain.QueueStatus) {
	if q.eb == nil {
		return
	}
	q.eb.Publish(ctx, domain.EventQueueChanged{Status: st})
}

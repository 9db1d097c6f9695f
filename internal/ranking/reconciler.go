// Package ranking credits completed sessions to their owner's cumulative points and keeps
// the last standing confirmed by the remote.
package ranking

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/event"
	"github.com/victornm/fireprep/internal/remote"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, m domain.Mutation) domain.Mutation
}

// Store keeps confirmed standings across restarts.
type Store interface {
	SaveStanding(ctx context.Context, st domain.Standing) error
	LoadStanding(ctx context.Context, userID string) (domain.Standing, bool, error)
}

type Config struct {
	Queue    Enqueuer
	Store    Store
	EventBus *event.Bus
}

type Reconciler struct {
	q     Enqueuer
	store Store
	eb    *event.Bus

	mu        sync.Mutex
	standings map[string]domain.Standing
}

func NewReconciler(c Config) *Reconciler {
	return &Reconciler{
		q:         c.Queue,
		store:     c.Store,
		eb:        c.EventBus,
		standings: make(map[string]domain.Standing),
	}
}

// Reconcile queues the points of a completed session behind its finalize mutation. It
// reports whether anything was queued.
func (r *Reconciler) Reconcile(ctx context.Context, ss domain.Session) bool {
	if ss.Status != domain.StatusCompleted {
		return false
	}

	r.q.Enqueue(ctx, remote.NewMutation(domain.MutationApplyPoints, ss.SessionID, "", remote.PointsDelta{
		UserID:    ss.OwnerID,
		SessionID: ss.SessionID,
		Delta:     ss.PointsEarned,
	}))

	slog.InfoContext(ctx, "ranking: points queued",
		"session", ss.SessionID,
		"user", ss.OwnerID,
		"delta", ss.PointsEarned.String(),
	)
	return true
}

// Acknowledged records the standing returned by an applied points mutation.
func (r *Reconciler) Acknowledged(ctx context.Context, m domain.Mutation, result any) {
	if m.Kind != domain.MutationApplyPoints {
		return
	}
	st, ok := result.(domain.Standing)
	if !ok || st.UserID == "" {
		return
	}
	st.Grade = domain.GradeFor(st.TotalPoints)

	r.mu.Lock()
	r.standings[st.UserID] = st
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveStanding(ctx, st); err != nil {
			slog.ErrorContext(ctx, "ranking: save standing failed", "user", st.UserID, "error", err)
		}
	}

	slog.InfoContext(ctx, "ranking: standing updated",
		"user", st.UserID,
		"total", st.TotalPoints.String(),
		"grade", st.Grade,
	)
	if r.eb != nil {
		r.eb.Publish(ctx, domain.EventRankingUpdated{Standing: st})
	}
}

// Standing returns the last standing confirmed by the remote. A user with no confirmed
// standing is a recruit with no points.
func (r *Reconciler) Standing(ctx context.Context, userID string) (domain.Standing, error) {
	r.mu.Lock()
	st, ok := r.standings[userID]
	r.mu.Unlock()
	if ok {
		return st, nil
	}

	if r.store != nil {
		st, ok, err := r.store.LoadStanding(ctx, userID)
		if err != nil {
			return domain.Standing{}, err
		}
		if ok {
			r.mu.Lock()
			r.standings[userID] = st
			r.mu.Unlock()
			return st, nil
		}
	}

	return domain.Standing{UserID: userID, TotalPoints: decimal.Zero, Grade: domain.GradeRecruit}, nil
}

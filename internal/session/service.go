package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/victornm/fireprep/internal/clock"
	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/errors"
	"github.com/victornm/fireprep/internal/event"
	"github.com/victornm/fireprep/internal/integrity"
	"github.com/victornm/fireprep/internal/remote"
	"github.com/victornm/fireprep/internal/scoring"
)

// Enqueuer is the write side of the local mutation queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, m domain.Mutation) domain.Mutation
}

// SnapshotStore keeps the last known state of every session across restarts.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, ss domain.Session) error
	LoadSnapshots(ctx context.Context) ([]domain.Session, error)
}

type Config struct {
	Queue     Enqueuer
	Snapshots SnapshotStore
	Clock     clock.Clock
	EventBus  *event.Bus
	// Notify is called after a transition queued mutations, outside of any session lock.
	Notify func()
	// Finalizing runs once per session as it reaches a terminal state, under the
	// session lock, after the finalize mutation is queued and before the terminal
	// snapshot is saved. It may enqueue mutations but must not call back into the
	// session.
	Finalizing func(ctx context.Context, ss domain.Session)
}

type Service struct {
	q          Enqueuer
	snapshots  SnapshotStore
	clock      clock.Clock
	eb         *event.Bus
	notify     func()
	finalizing func(ctx context.Context, ss domain.Session)

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewService(c Config) *Service {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}

	return &Service{
		q:          c.Queue,
		snapshots:  c.Snapshots,
		clock:      c.Clock,
		eb:         c.EventBus,
		notify:     c.Notify,
		finalizing: c.Finalizing,
		sessions:   make(map[string]*Session),
	}
}

// StartRequest represents a request to start a new session.
type StartRequest struct {
	// OwnerID is the user taking the session.
	OwnerID string
	Config  domain.SessionConfig
}

// Start creates a session locally and queues its creation on the remote. It never waits
// for the network.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Session, error) {
	cfg, err := validate(req)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}

	ss := domain.Session{
		SessionID:    id.String(),
		OwnerID:      req.OwnerID,
		Config:       cfg,
		Status:       domain.StatusInProgress,
		StartedAt:    s.clock.Now(),
		Score:        decimal.Zero,
		PointsEarned: decimal.Zero,
	}

	sess := newSession(s, ss)

	sess.mu.Lock()
	s.q.Enqueue(ctx, remote.NewMutation(domain.MutationCreateSession, ss.SessionID, "", remote.NewSessionRow(ss)))
	sess.saveLocked(ctx)
	sess.armLocked()
	sess.mu.Unlock()

	s.mu.Lock()
	s.sessions[ss.SessionID] = sess
	s.mu.Unlock()

	slog.InfoContext(ctx, "session: started",
		"session", ss.SessionID,
		"owner", ss.OwnerID,
		"mode", cfg.Mode,
		"questions", cfg.QuestionCount,
	)
	s.kick()
	return sess, nil
}

func validate(req StartRequest) (domain.SessionConfig, error) {
	c := req.Config

	switch {
	case req.OwnerID == "":
		return c, errors.Configuration("owner is required")
	case len(c.Topics) == 0:
		return c, errors.Configuration("at least one topic is required")
	case c.QuestionCount <= 0:
		return c, errors.Configuration("question count must be positive, got %d", c.QuestionCount)
	case c.Duration < 0:
		return c, errors.Configuration("duration must not be negative, got %s", c.Duration)
	}

	switch c.Mode {
	case "":
		c.Mode = domain.ModeTraining
	case domain.ModeTraining, domain.ModeExam:
	default:
		return c, errors.Configuration("unknown mode %q", c.Mode)
	}

	if len(c.Questions) > 0 && len(c.Questions) != c.QuestionCount {
		return c, errors.Configuration("got %d questions for a question count of %d", len(c.Questions), c.QuestionCount)
	}
	seen := make(map[string]struct{}, len(c.Questions))
	for _, q := range c.Questions {
		if q.ID == "" {
			return c, errors.Configuration("question without id")
		}
		if _, dup := seen[q.ID]; dup {
			return c, errors.Configuration("question %s is listed twice", q.ID)
		}
		seen[q.ID] = struct{}{}
	}

	if scoring.IsZero(c.Scoring) {
		c.Scoring = scoring.TrainingPolicy
		if c.Mode == domain.ModeExam {
			c.Scoring = scoring.ExamPolicy
		}
	}
	if err := scoring.Validate(c.Scoring); err != nil {
		return c, err
	}

	if c.Mode == domain.ModeExam {
		c.Integrity = integrity.DefaultPolicy(c.Integrity)
	} else {
		c.Integrity = domain.IntegrityPolicy{}
	}

	c.Topics = slices.Clone(c.Topics)
	c.Questions = slices.Clone(c.Questions)
	return c, nil
}

// Get returns a session started or restored by this service.
func (s *Service) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	return sess, ok
}

// Sessions returns snapshots of every known session, oldest first.
func (s *Service) Sessions() []domain.Session {
	out := make([]domain.Session, 0)
	for _, sess := range s.list() {
		out = append(out, sess.Snapshot())
	}
	slices.SortFunc(out, func(a, b domain.Session) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Active returns the sessions that are in progress and not paused.
func (s *Service) Active() []domain.Session {
	return slices.DeleteFunc(s.Sessions(), func(ss domain.Session) bool {
		return ss.Status != domain.StatusInProgress
	})
}

func (s *Service) list() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Restore rebuilds sessions from their durable snapshots after a restart. Deadlines
// that passed while the process was down are applied immediately.
func (s *Service) Restore(ctx context.Context) ([]*Session, error) {
	if s.snapshots == nil {
		return nil, nil
	}

	snaps, err := s.snapshots.LoadSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}

	var restored []*Session
	for _, ss := range snaps {
		s.mu.Lock()
		_, known := s.sessions[ss.SessionID]
		s.mu.Unlock()
		if known {
			continue
		}

		sess := newSession(s, ss)
		s.mu.Lock()
		s.sessions[ss.SessionID] = sess
		s.mu.Unlock()

		if !ss.Status.Terminal() {
			sess.mu.Lock()
			sess.armLocked()
			sess.mu.Unlock()
			sess.Foregrounded(ctx)
		}
		restored = append(restored, sess)
	}

	slog.InfoContext(ctx, "session: restored", "count", len(restored))
	return restored, nil
}

// Backgrounded notifies every live session that the app left the foreground.
func (s *Service) Backgrounded(ctx context.Context) {
	for _, sess := range s.list() {
		sess.Backgrounded(ctx)
	}
}

// Foregrounded re-evaluates every live session's deadline after the app came back.
func (s *Service) Foregrounded(ctx context.Context) {
	for _, sess := range s.list() {
		sess.Foregrounded(ctx)
	}
}

// Close stops every countdown. Sessions keep their state.
func (s *Service) Close() {
	for _, sess := range s.list() {
		sess.mu.Lock()
		sess.disarmLocked()
		sess.mu.Unlock()
	}
}

func (s *Service) kick() {
	if s.notify != nil {
		s.notify()
	}
}

package session

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/fireprep/internal/clock"
	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/errors"
	"github.com/victornm/fireprep/internal/integrity"
	"github.com/victornm/fireprep/internal/remote"
	"github.com/victornm/fireprep/internal/scoring"
)

// Session is the state machine of one attempt. All methods are safe for concurrent use;
// the first caller to take the lock wins a race between transitions.
type Session struct {
	svc *Service

	mu      sync.Mutex
	ss      domain.Session
	monitor *integrity.Monitor
	timer   clock.Timer
}

func newSession(svc *Service, ss domain.Session) *Session {
	sess := &Session{svc: svc, ss: ss}
	if ss.Config.Mode == domain.ModeExam {
		if ss.Integrity != nil {
			sess.monitor = integrity.Restore(ss.Config.Integrity, *ss.Integrity)
		} else {
			sess.monitor = integrity.NewMonitor(ss.Config.Integrity)
		}
		rec := sess.monitor.Record()
		sess.ss.Integrity = &rec
	}
	return sess
}

func (s *Session) ID() string {
	return s.ss.SessionID
}

// effects are collected under the lock and run after it is released.
type effects struct {
	enqueued  bool
	finalized *domain.Session
}

func (s *Session) run(ctx context.Context, fx *effects) {
	if fx.finalized != nil && s.svc.eb != nil {
		s.svc.eb.Publish(ctx, domain.EventSessionFinalized{Session: *fx.finalized})
	}
	if fx.enqueued || fx.finalized != nil {
		s.svc.kick()
	}
}

// MaxTimeTaken bounds the time reported for a single answer.
const MaxTimeTaken = 24 * time.Hour

// AnswerRequest is one submitted response.
type AnswerRequest struct {
	QuestionID string
	// Selected holds the chosen option ids in selection order. Empty means skipped.
	// The order is stored as given; a resend in a different order is a new answer.
	Selected []string
	// TimeTaken is rounded to whole seconds before it is stored.
	TimeTaken time.Duration
}

// RecordAnswer scores and stores the answer to one question. Resending an identical
// answer returns the stored one; any other second answer fails with DuplicateAnswer.
func (s *Session) RecordAnswer(ctx context.Context, req AnswerRequest) (domain.Answer, error) {
	var fx effects
	defer s.run(ctx, &fx)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.svc.clock.Now()
	s.checkDeadlineLocked(ctx, now, &fx)

	switch s.ss.Status {
	case domain.StatusInProgress:
	case domain.StatusPaused:
		return domain.Answer{}, errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("session %s is paused", s.ss.SessionID))
	default:
		return domain.Answer{}, errors.SessionClosed("session %s is %s", s.ss.SessionID, s.ss.Status)
	}

	if req.TimeTaken < 0 || req.TimeTaken > MaxTimeTaken {
		return domain.Answer{}, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("time taken must be within [0, %s], got %s", MaxTimeTaken, req.TimeTaken))
	}
	secs := roundSeconds(req.TimeTaken)
	selected := scoring.Dedupe(req.Selected)

	if i := slices.IndexFunc(s.ss.Answers, func(a domain.Answer) bool { return a.QuestionID == req.QuestionID }); i >= 0 {
		prev := s.ss.Answers[i]
		if slices.Equal(prev.Selected, selected) && prev.TimeTaken == secs {
			return cloneAnswer(prev), nil
		}
		return domain.Answer{}, errors.DuplicateAnswer("question %s already answered in session %s", req.QuestionID, s.ss.SessionID)
	}

	q, ok := s.ss.Config.Question(req.QuestionID)
	if !ok {
		return domain.Answer{}, errors.Configuration("question %s is not part of session %s", req.QuestionID, s.ss.SessionID)
	}

	res := scoring.Score(scoring.Submission{Selected: selected, Correct: q.CorrectOptionIDs}, s.ss.Config.Scoring)
	a := domain.Answer{
		SessionID:    s.ss.SessionID,
		QuestionID:   req.QuestionID,
		Selected:     selected,
		IsCorrect:    res.IsCorrect,
		IsPartial:    res.IsPartial,
		TimeTaken:    secs,
		PointsEarned: res.Points,
		AnsweredAt:   now,
	}

	s.ss.Answers = append(s.ss.Answers, a)
	s.ss.Score = s.ss.Score.Add(res.Points)
	s.ss.PointsEarned = pointsEarned(s.ss)

	if s.monitor != nil {
		s.monitor.Answered(now, req.QuestionID, req.TimeTaken)
		s.syncIntegrityLocked()
	}

	s.svc.q.Enqueue(ctx, remote.NewMutation(domain.MutationInsertAnswer, s.ss.SessionID, a.QuestionID, remote.NewAnswerRow(a)))
	s.saveLocked(ctx)
	fx.enqueued = true

	return cloneAnswer(a), nil
}

func roundSeconds(d time.Duration) int {
	return int((d + time.Second/2) / time.Second)
}

// pointsEarned is what a session contributes to its owner's total. A negative
// score earns nothing.
func pointsEarned(ss domain.Session) decimal.Decimal {
	if ss.Score.IsNegative() {
		return decimal.Zero
	}
	return ss.Score
}

// Pause suspends an in-progress session. Exam sessions can only pause when their
// configuration allows it. The deadline keeps running.
func (s *Session) Pause(ctx context.Context) error {
	var fx effects
	defer s.run(ctx, &fx)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.svc.clock.Now()
	s.checkDeadlineLocked(ctx, now, &fx)

	switch {
	case s.ss.Status.Terminal():
		return errors.SessionClosed("session %s is %s", s.ss.SessionID, s.ss.Status)
	case s.ss.Status != domain.StatusInProgress:
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("session %s is %s, not in progress", s.ss.SessionID, s.ss.Status))
	case s.ss.Config.Mode == domain.ModeExam && !s.ss.Config.AllowPause:
		return errors.PolicyViolation("exam session %s does not allow pausing", s.ss.SessionID)
	}

	s.ss.Status = domain.StatusPaused
	s.ss.PausedAt = &now

	s.svc.q.Enqueue(ctx, remote.NewMutation(domain.MutationUpdateSession, s.ss.SessionID, "", remote.SessionPatch{PausedAt: &now}))
	s.saveLocked(ctx)
	fx.enqueued = true

	slog.InfoContext(ctx, "session: paused", "session", s.ss.SessionID)
	return nil
}

// Resume continues a paused session.
func (s *Session) Resume(ctx context.Context) error {
	var fx effects
	defer s.run(ctx, &fx)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkDeadlineLocked(ctx, s.svc.clock.Now(), &fx)

	switch {
	case s.ss.Status.Terminal():
		return errors.SessionClosed("session %s is %s", s.ss.SessionID, s.ss.Status)
	case s.ss.Status != domain.StatusPaused:
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("session %s is %s, not paused", s.ss.SessionID, s.ss.Status))
	}

	s.ss.Status = domain.StatusInProgress
	s.ss.PausedAt = nil

	s.svc.q.Enqueue(ctx, remote.NewMutation(domain.MutationUpdateSession, s.ss.SessionID, "", remote.SessionPatch{}))
	s.saveLocked(ctx)
	fx.enqueued = true

	slog.InfoContext(ctx, "session: resumed", "session", s.ss.SessionID)
	return nil
}

// Finalize ends the session with outcome and freezes its score. Only the first call
// has an effect; later calls fail with SessionClosed.
func (s *Session) Finalize(ctx context.Context, outcome domain.Status) (domain.Session, error) {
	if !outcome.Outcome() {
		return domain.Session{}, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("%q does not end a session", outcome))
	}

	var fx effects
	defer s.run(ctx, &fx)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.svc.clock.Now()
	s.checkDeadlineLocked(ctx, now, &fx)

	if s.ss.Status.Terminal() {
		return domain.Session{}, errors.SessionClosed("session %s is already %s", s.ss.SessionID, s.ss.Status)
	}

	s.finalizeLocked(ctx, outcome, now, &fx)
	return s.snapshotLocked(), nil
}

func (s *Session) finalizeLocked(ctx context.Context, outcome domain.Status, endedAt time.Time, fx *effects) {
	s.disarmLocked()

	s.ss.Status = outcome
	s.ss.EndedAt = &endedAt
	s.ss.PausedAt = nil
	s.ss.PointsEarned = pointsEarned(s.ss)

	s.svc.q.Enqueue(ctx, remote.NewMutation(domain.MutationFinalizeSession, s.ss.SessionID, "", remote.Finalization{
		Outcome:      remote.StatusOf(outcome),
		Score:        s.ss.Score,
		PointsEarned: s.ss.PointsEarned,
		EndedAt:      endedAt,
		Integrity:    s.ss.Integrity,
	}))
	snap := s.snapshotLocked()
	if s.svc.finalizing != nil {
		// follow-up mutations must be durable before the terminal snapshot is.
		s.svc.finalizing(ctx, snap)
	}
	s.saveLocked(ctx)
	fx.finalized = &snap

	slog.InfoContext(ctx, "session: finalized",
		"session", s.ss.SessionID,
		"outcome", outcome,
		"score", s.ss.Score.String(),
		"answers", len(s.ss.Answers),
	)
}

// Backgrounded records the app leaving the foreground. Exam sessions in progress count
// it against their integrity score.
func (s *Session) Backgrounded(ctx context.Context) {
	var fx effects
	defer s.run(ctx, &fx)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.svc.clock.Now()
	s.checkDeadlineLocked(ctx, now, &fx)

	if s.ss.Status != domain.StatusInProgress || s.monitor == nil {
		return
	}

	s.monitor.Backgrounded(now)
	s.syncIntegrityLocked()
	s.saveLocked(ctx)
}

// Foregrounded re-evaluates the deadline, since a suspended process may have missed its
// countdown.
func (s *Session) Foregrounded(ctx context.Context) {
	var fx effects
	defer s.run(ctx, &fx)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkDeadlineLocked(ctx, s.svc.clock.Now(), &fx)
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() domain.Session {
	ss := s.ss
	ss.Config.Topics = slices.Clone(ss.Config.Topics)
	ss.Config.Questions = slices.Clone(ss.Config.Questions)
	ss.Answers = make([]domain.Answer, 0, len(s.ss.Answers))
	for _, a := range s.ss.Answers {
		ss.Answers = append(ss.Answers, cloneAnswer(a))
	}
	if ss.PausedAt != nil {
		t := *ss.PausedAt
		ss.PausedAt = &t
	}
	if ss.EndedAt != nil {
		t := *ss.EndedAt
		ss.EndedAt = &t
	}
	if ss.Integrity != nil {
		rec := *ss.Integrity
		rec.Warnings = slices.Clone(rec.Warnings)
		ss.Integrity = &rec
	}
	return ss
}

func cloneAnswer(a domain.Answer) domain.Answer {
	a.Selected = slices.Clone(a.Selected)
	return a
}

func (s *Session) syncIntegrityLocked() {
	rec := s.monitor.Record()
	s.ss.Integrity = &rec
}

// checkDeadlineLocked times the session out if its deadline passed.
func (s *Session) checkDeadlineLocked(ctx context.Context, now time.Time, fx *effects) {
	if s.ss.Status.Terminal() {
		return
	}
	deadline, ok := s.ss.Deadline()
	if !ok || now.Before(deadline) {
		return
	}

	s.finalizeLocked(ctx, domain.StatusTimeout, deadline, fx)
}

// armLocked starts the countdown of a timed session.
func (s *Session) armLocked() {
	deadline, ok := s.ss.Deadline()
	if !ok || s.ss.Status.Terminal() {
		return
	}

	s.disarmLocked()
	s.timer = s.svc.clock.AfterFunc(s.svc.clock.Until(deadline), s.expire)
}

func (s *Session) disarmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) expire() {
	ctx := context.Background()

	var fx effects
	defer s.run(ctx, &fx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ss.Status.Terminal() {
		return
	}

	now := s.svc.clock.Now()
	if deadline, _ := s.ss.Deadline(); now.Before(deadline) {
		s.timer = s.svc.clock.AfterFunc(deadline.Sub(now), s.expire)
		return
	}

	s.checkDeadlineLocked(ctx, now, &fx)
}

func (s *Session) saveLocked(ctx context.Context) {
	if s.svc.snapshots == nil {
		return
	}
	if err := s.svc.snapshots.SaveSnapshot(ctx, s.snapshotLocked()); err != nil {
		slog.ErrorContext(ctx, "session: save snapshot failed", "session", s.ss.SessionID, "error", err)
	}
}

package remote

import (
	"context"
	"slices"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/errors"
)

const (
	OpCreateSession   = "create_session"
	OpUpdateSession   = "update_session"
	OpInsertAnswer    = "insert_answer"
	OpFinalizeSession = "finalize_session"
	OpApplyPoints     = "apply_points"
)

// Fault makes the next call of Op fail with Err. With AfterWrite the write is applied
// before the error is returned, as if the response was lost on the way back.
type Fault struct {
	Op         string
	Err        error
	AfterWrite bool
}

// Call is one write received by Memory, in arrival order.
type Call struct {
	Op        string
	SessionID string
	Key       string
}

// Memory is an in-process Store with the same idempotency rules as the Postgres store.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]SessionRow
	answers  map[string][]AnswerRow
	ledger   map[string]PointsDelta
	totals   map[string]decimal.Decimal
	faults   []Fault
	calls    []Call
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]SessionRow),
		answers:  make(map[string][]AnswerRow),
		ledger:   make(map[string]PointsDelta),
		totals:   make(map[string]decimal.Decimal),
	}
}

// InjectFault queues a one-shot failure.
func (m *Memory) InjectFault(f Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.faults = append(m.faults, f)
}

// Calls returns every write received so far.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.calls)
}

// takeFaultLocked pops the first queued fault for op.
func (m *Memory) takeFaultLocked(op string) (Fault, bool) {
	i := slices.IndexFunc(m.faults, func(f Fault) bool { return f.Op == op })
	if i < 0 {
		return Fault{}, false
	}
	f := m.faults[i]
	m.faults = slices.Delete(m.faults, i, i+1)
	return f, true
}

// write runs apply under the lock, honoring queued faults.
func (m *Memory) write(c Call, apply func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, c)

	f, faulty := m.takeFaultLocked(c.Op)
	if faulty && !f.AfterWrite {
		return f.Err
	}

	if err := apply(); err != nil {
		return err
	}

	if faulty {
		return f.Err
	}
	return nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

func (m *Memory) CreateSession(_ context.Context, row SessionRow) error {
	return m.write(Call{Op: OpCreateSession, SessionID: row.SessionID}, func() error {
		if _, ok := m.sessions[row.SessionID]; ok {
			return errors.Conflict("session already exists: %s", row.SessionID)
		}
		m.sessions[row.SessionID] = row
		return nil
	})
}

func (m *Memory) UpdateSession(_ context.Context, id string, patch SessionPatch) error {
	return m.write(Call{Op: OpUpdateSession, SessionID: id}, func() error {
		row, ok := m.sessions[id]
		if !ok {
			return errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: %s", id))
		}
		if row.EndedAt != nil {
			return nil
		}
		row.PausedAt = patch.PausedAt
		m.sessions[id] = row
		return nil
	})
}

func (m *Memory) InsertAnswer(_ context.Context, a AnswerRow) error {
	return m.write(Call{Op: OpInsertAnswer, SessionID: a.SessionID, Key: a.QuestionID}, func() error {
		if _, ok := m.sessions[a.SessionID]; !ok {
			return errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: %s", a.SessionID))
		}
		if slices.ContainsFunc(m.answers[a.SessionID], func(x AnswerRow) bool { return x.QuestionID == a.QuestionID }) {
			return errors.Conflict("answer already exists: session=%s question=%s", a.SessionID, a.QuestionID)
		}
		m.answers[a.SessionID] = append(m.answers[a.SessionID], a)
		return nil
	})
}

func (m *Memory) FinalizeSession(_ context.Context, id string, f Finalization) error {
	return m.write(Call{Op: OpFinalizeSession, SessionID: id, Key: f.Outcome}, func() error {
		if !ValidOutcome(f.Outcome) {
			return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid outcome: %q", f.Outcome))
		}
		row, ok := m.sessions[id]
		if !ok {
			return errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: %s", id))
		}
		if row.EndedAt != nil {
			return nil
		}

		endedAt := f.EndedAt
		row.Status = f.Outcome
		row.EndedAt = &endedAt
		row.PausedAt = nil
		row.Score = f.Score
		row.PointsEarned = f.PointsEarned
		row.Integrity = f.Integrity
		m.sessions[id] = row
		return nil
	})
}

func (m *Memory) ApplyPoints(_ context.Context, d PointsDelta) (domain.Standing, error) {
	var st domain.Standing
	err := m.write(Call{Op: OpApplyPoints, SessionID: d.SessionID, Key: d.UserID}, func() error {
		if _, ok := m.ledger[d.SessionID]; !ok {
			m.ledger[d.SessionID] = d
			m.totals[d.UserID] = m.totals[d.UserID].Add(d.Delta)
		}
		st = standing(d.UserID, m.totals[d.UserID])
		return nil
	})
	return st, err
}

func standing(userID string, total decimal.Decimal) domain.Standing {
	return domain.Standing{
		UserID:      userID,
		TotalPoints: total,
		Grade:       domain.GradeFor(total),
	}
}

func (m *Memory) GetSession(_ context.Context, id string) (SessionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.sessions[id]
	if !ok {
		return SessionRow{}, errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: %s", id))
	}
	return row, nil
}

func (m *Memory) ListAnswers(_ context.Context, sessionID string) ([]AnswerRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.answers[sessionID]), nil
}

func (m *Memory) ListActiveSessions(_ context.Context, ownerID string) ([]SessionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []SessionRow
	for _, row := range m.sessions {
		if row.OwnerID == ownerID && row.Status == StatusInProgress && row.PausedAt == nil {
			out = append(out, row)
		}
	}
	slices.SortFunc(out, func(a, b SessionRow) int { return a.StartedAt.Compare(b.StartedAt) })
	return out, nil
}

func (m *Memory) GetStanding(_ context.Context, userID string) (domain.Standing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return standing(userID, m.totals[userID]), nil
}

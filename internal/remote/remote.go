// Package remote defines the row-store contract the engine syncs against and the wire
// representation of sessions, answers and points.
package remote

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/fireprep/internal/domain"
)

// Backend is the write side of the remote row store. Writes keyed by a client-generated
// id report an errors.ReasonConflict error when the row already exists.
type Backend interface {
	CreateSession(ctx context.Context, row SessionRow) error
	UpdateSession(ctx context.Context, sessionID string, patch SessionPatch) error
	InsertAnswer(ctx context.Context, row AnswerRow) error
	FinalizeSession(ctx context.Context, sessionID string, f Finalization) error
	ApplyPoints(ctx context.Context, d PointsDelta) (domain.Standing, error)
}

// Reader is the query side used by the API and by tests.
type Reader interface {
	GetSession(ctx context.Context, sessionID string) (SessionRow, error)
	ListAnswers(ctx context.Context, sessionID string) ([]AnswerRow, error)
	// ListActiveSessions returns the owner's in-progress sessions that are not paused.
	ListActiveSessions(ctx context.Context, ownerID string) ([]SessionRow, error)
	GetStanding(ctx context.Context, userID string) (domain.Standing, error)
}

type Store interface {
	Backend
	Reader
}

// Remote session statuses. The remote schema has no paused state: a paused session is
// in_progress with a non-null paused_at.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusAbandoned  = "abandoned"
	StatusTimeout    = "timeout"
)

type SessionRow struct {
	SessionID    string                  `json:"session_id"`
	OwnerID      string                  `json:"owner_id"`
	Config       domain.SessionConfig    `json:"config"`
	Status       string                  `json:"status"`
	StartedAt    time.Time               `json:"started_at"`
	PausedAt     *time.Time              `json:"paused_at"`
	EndedAt      *time.Time              `json:"ended_at"`
	Score        decimal.Decimal         `json:"score"`
	PointsEarned decimal.Decimal         `json:"points_earned"`
	Integrity    *domain.IntegrityRecord `json:"integrity,omitempty"`
}

// SessionPatch carries the pause marker; a nil PausedAt resumes the session.
type SessionPatch struct {
	PausedAt *time.Time `json:"paused_at"`
}

type AnswerRow struct {
	SessionID    string          `json:"session_id"`
	QuestionID   string          `json:"question_id"`
	Selected     []string        `json:"selected"`
	IsCorrect    bool            `json:"is_correct"`
	IsPartial    bool            `json:"is_partial"`
	TimeTaken    int             `json:"time_taken"`
	PointsEarned decimal.Decimal `json:"points_earned"`
	AnsweredAt   time.Time       `json:"answered_at"`
}

type Finalization struct {
	Outcome      string                  `json:"outcome"`
	Score        decimal.Decimal         `json:"score"`
	PointsEarned decimal.Decimal         `json:"points_earned"`
	EndedAt      time.Time               `json:"ended_at"`
	Integrity    *domain.IntegrityRecord `json:"integrity,omitempty"`
}

// PointsDelta credits a completed session's points to its owner. SessionID makes the
// credit idempotent.
type PointsDelta struct {
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	Delta     decimal.Decimal `json:"delta"`
}

// StatusOf translates the client state machine status to the remote representation.
func StatusOf(s domain.Status) string {
	switch s {
	case domain.StatusCompleted:
		return StatusCompleted
	case domain.StatusAbandoned:
		return StatusAbandoned
	case domain.StatusTimeout:
		return StatusTimeout
	}
	return StatusInProgress
}

// ParseStatus translates a remote row back to the client status.
func ParseStatus(status string, pausedAt *time.Time) domain.Status {
	switch status {
	case StatusCompleted:
		return domain.StatusCompleted
	case StatusAbandoned:
		return domain.StatusAbandoned
	case StatusTimeout:
		return domain.StatusTimeout
	}
	if pausedAt != nil {
		return domain.StatusPaused
	}
	return domain.StatusInProgress
}

// ValidOutcome reports whether s can end a session.
func ValidOutcome(s string) bool {
	switch s {
	case StatusCompleted, StatusAbandoned, StatusTimeout:
		return true
	}
	return false
}

// NewSessionRow converts a session snapshot to its row.
func NewSessionRow(ss domain.Session) SessionRow {
	return SessionRow{
		SessionID:    ss.SessionID,
		OwnerID:      ss.OwnerID,
		Config:       ss.Config,
		Status:       StatusOf(ss.Status),
		StartedAt:    ss.StartedAt,
		PausedAt:     ss.PausedAt,
		EndedAt:      ss.EndedAt,
		Score:        ss.Score,
		PointsEarned: ss.PointsEarned,
		Integrity:    ss.Integrity,
	}
}

func NewAnswerRow(a domain.Answer) AnswerRow {
	return AnswerRow{
		SessionID:    a.SessionID,
		QuestionID:   a.QuestionID,
		Selected:     a.Selected,
		IsCorrect:    a.IsCorrect,
		IsPartial:    a.IsPartial,
		TimeTaken:    a.TimeTaken,
		PointsEarned: a.PointsEarned,
		AnsweredAt:   a.AnsweredAt,
	}
}

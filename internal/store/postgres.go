// Package store is the server-side row store backed by Postgres.
package store

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/errors"
	"github.com/victornm/fireprep/internal/remote"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Schema creates the tables used by Postgres. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id    TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL,
	config        JSONB NOT NULL,
	status        TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	paused_at     TIMESTAMPTZ,
	ended_at      TIMESTAMPTZ,
	score         NUMERIC NOT NULL DEFAULT 0,
	points_earned NUMERIC NOT NULL DEFAULT 0,
	integrity     JSONB
);

CREATE INDEX IF NOT EXISTS sessions_owner_status_idx ON sessions (owner_id, status);

CREATE TABLE IF NOT EXISTS answers (
	session_id    TEXT NOT NULL REFERENCES sessions (session_id),
	question_id   TEXT NOT NULL,
	selected      TEXT[] NOT NULL,
	is_correct    BOOLEAN NOT NULL,
	is_partial    BOOLEAN NOT NULL,
	time_taken    INTEGER NOT NULL,
	points_earned NUMERIC NOT NULL,
	answered_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, question_id)
);

CREATE TABLE IF NOT EXISTS points_ledger (
	session_id TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	delta      NUMERIC NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_points (
	user_id      TEXT PRIMARY KEY,
	total_points NUMERIC NOT NULL
);`

type Config struct {
	DB *pgxpool.Pool
}

// Postgres implements remote.Store.
type Postgres struct {
	db *pgxpool.Pool
}

var _ remote.Store = (*Postgres)(nil)

func NewPostgres(c Config) *Postgres {
	return &Postgres{db: c.DB}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.Exec(ctx, Schema)
	return err
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *Postgres) CreateSession(ctx context.Context, row remote.SessionRow) error {
	const stmt = `
INSERT INTO sessions (session_id, owner_id, config, status, started_at, paused_at, ended_at, score, points_earned, integrity)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (session_id) DO NOTHING;`

	tag, err := p.db.Exec(ctx, stmt,
		row.SessionID, row.OwnerID, row.Config, row.Status, row.StartedAt,
		row.PausedAt, row.EndedAt, row.Score, row.PointsEarned, row.Integrity,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Conflict("session already exists: %s", row.SessionID)
	}
	return nil
}

// UpdateSession sets or clears the pause marker. Ended sessions are left untouched.
func (p *Postgres) UpdateSession(ctx context.Context, id string, patch remote.SessionPatch) error {
	const stmt = `UPDATE sessions SET paused_at = $2 WHERE session_id = $1 AND ended_at IS NULL;`

	tag, err := p.db.Exec(ctx, stmt, id, patch.PausedAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return p.mustExist(ctx, id)
	}
	return nil
}

func (p *Postgres) InsertAnswer(ctx context.Context, a remote.AnswerRow) error {
	const stmt = `
INSERT INTO answers (session_id, question_id, selected, is_correct, is_partial, time_taken, points_earned, answered_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (session_id, question_id) DO NOTHING;`

	selected := a.Selected
	if selected == nil {
		selected = []string{}
	}

	tag, err := p.db.Exec(ctx, stmt,
		a.SessionID, a.QuestionID, selected, a.IsCorrect, a.IsPartial,
		a.TimeTaken, a.PointsEarned, a.AnsweredAt,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Conflict("answer already exists: session=%s question=%s", a.SessionID, a.QuestionID)
	}
	return nil
}

// FinalizeSession records the outcome once. A second finalize of an ended session is a no-op.
func (p *Postgres) FinalizeSession(ctx context.Context, id string, f remote.Finalization) error {
	if !remote.ValidOutcome(f.Outcome) {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid outcome: %q", f.Outcome))
	}

	const stmt = `
UPDATE sessions
SET status = $2, ended_at = $3, paused_at = NULL, score = $4, points_earned = $5, integrity = $6
WHERE session_id = $1 AND ended_at IS NULL;`

	tag, err := p.db.Exec(ctx, stmt, id, f.Outcome, f.EndedAt, f.Score, f.PointsEarned, f.Integrity)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return p.mustExist(ctx, id)
	}
	return nil
}

// ApplyPoints credits the delta once per session and returns the user's standing.
func (p *Postgres) ApplyPoints(ctx context.Context, d remote.PointsDelta) (domain.Standing, error) {
	const (
		insertLedger = `
INSERT INTO points_ledger (session_id, user_id, delta) VALUES ($1, $2, $3)
ON CONFLICT (session_id) DO NOTHING;`

		addPoints = `
INSERT INTO user_points (user_id, total_points) VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET total_points = user_points.total_points + EXCLUDED.total_points;`
	)

	var total decimal.Decimal
	err := pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertLedger, d.SessionID, d.UserID, d.Delta)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			if _, err := tx.Exec(ctx, addPoints, d.UserID, d.Delta); err != nil {
				return err
			}
		}

		total, err = queryTotal(ctx, tx, d.UserID)
		return err
	})
	if err != nil {
		return domain.Standing{}, mapError(err)
	}

	return standing(d.UserID, total), nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (remote.SessionRow, error) {
	const stmt = `
SELECT session_id, owner_id, config, status, started_at, paused_at, ended_at, score, points_earned, integrity
FROM sessions WHERE session_id = $1;`

	rows, err := p.db.Query(ctx, stmt, id)
	if err != nil {
		return remote.SessionRow{}, mapError(err)
	}

	row, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return remote.SessionRow{}, errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: %s", id))
	}
	if err != nil {
		return remote.SessionRow{}, mapError(err)
	}
	return row, nil
}

func (p *Postgres) ListAnswers(ctx context.Context, sessionID string) ([]remote.AnswerRow, error) {
	const stmt = `
SELECT session_id, question_id, selected, is_correct, is_partial, time_taken, points_earned, answered_at
FROM answers
WHERE session_id = $1
ORDER BY answered_at, question_id;`

	rows, err := p.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, mapError(err)
	}

	answers, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (remote.AnswerRow, error) {
		var a remote.AnswerRow
		err := r.Scan(&a.SessionID, &a.QuestionID, &a.Selected, &a.IsCorrect, &a.IsPartial,
			&a.TimeTaken, &a.PointsEarned, &a.AnsweredAt)
		return a, err
	})
	if err != nil {
		return nil, mapError(err)
	}
	return answers, nil
}

// ListActiveSessions returns in-progress sessions without a pause marker.
func (p *Postgres) ListActiveSessions(ctx context.Context, ownerID string) ([]remote.SessionRow, error) {
	const stmt = `
SELECT session_id, owner_id, config, status, started_at, paused_at, ended_at, score, points_earned, integrity
FROM sessions
WHERE owner_id = $1 AND status = $2 AND paused_at IS NULL
ORDER BY started_at;`

	rows, err := p.db.Query(ctx, stmt, ownerID, remote.StatusInProgress)
	if err != nil {
		return nil, mapError(err)
	}

	sessions, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, mapError(err)
	}
	return sessions, nil
}

func (p *Postgres) GetStanding(ctx context.Context, userID string) (domain.Standing, error) {
	total, err := queryTotal(ctx, p.db, userID)
	if err != nil {
		return domain.Standing{}, mapError(err)
	}
	return standing(userID, total), nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryTotal(ctx context.Context, q querier, userID string) (decimal.Decimal, error) {
	const stmt = `SELECT COALESCE((SELECT total_points FROM user_points WHERE user_id = $1), 0);`

	var total decimal.Decimal
	if err := q.QueryRow(ctx, stmt, userID).Scan(&total); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (p *Postgres) mustExist(ctx context.Context, id string) error {
	var ok bool
	if err := p.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE session_id = $1);`, id).Scan(&ok); err != nil {
		return mapError(err)
	}
	if !ok {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: %s", id))
	}
	return nil
}

func scanSession(r pgx.CollectableRow) (remote.SessionRow, error) {
	var (
		row     remote.SessionRow
		started time.Time
	)
	err := r.Scan(&row.SessionID, &row.OwnerID, &row.Config, &row.Status, &started,
		&row.PausedAt, &row.EndedAt, &row.Score, &row.PointsEarned, &row.Integrity)
	row.StartedAt = started.UTC()
	return row, err
}

func standing(userID string, total decimal.Decimal) domain.Standing {
	return domain.Standing{
		UserID:      userID,
		TotalPoints: total,
		Grade:       domain.GradeFor(total),
	}
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return errors.Conflict("%s", pgErr.Detail)
		case codeForeignKeyViolation:
			return errors.New(errors.CodeNotFound, errors.WithCause(err), errors.WithMessagef("%s", pgErr.Detail))
		}
	}
	return errors.New(errors.CodeUnavailable, errors.WithCause(err))
}

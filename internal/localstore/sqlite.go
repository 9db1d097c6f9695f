// Package localstore keeps the client's durable state: the mutation queue and the last
// known snapshot of every session, keyed by session id.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Pure Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/victornm/fireprep/internal/domain"
)

type SQLite struct {
	db *sql.DB
}

// Open connects to the SQLite database at dsn and creates the schema.
func Open(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps ":memory:" databases shared and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS mutations (
			mutation_id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			session_id TEXT NOT NULL,
			question_id TEXT NOT NULL DEFAULT '',
			payload BLOB NOT NULL,
			created_at_unix_ms INTEGER NOT NULL,
			state TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			next_attempt_at_unix_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_mutations_session_seq ON mutations(session_id, seq);`,
		`CREATE TABLE IF NOT EXISTS session_snapshots (
			session_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			status TEXT NOT NULL,
			data BLOB NOT NULL,
			updated_at_unix_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS standings (
			user_id TEXT PRIMARY KEY,
			data BLOB NOT NULL
		);`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) LoadMutations(ctx context.Context) ([]domain.Mutation, error) {
	const stmt = `
SELECT mutation_id, seq, kind, session_id, question_id, payload, created_at_unix_ms,
	state, attempts, last_error, next_attempt_at_unix_ms
FROM mutations
ORDER BY seq;`

	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Mutation
	for rows.Next() {
		var (
			m              domain.Mutation
			payload        []byte
			created, next  int64
			kind, mutState string
		)
		if err := rows.Scan(&m.MutationID, &m.Seq, &kind, &m.SessionID, &m.QuestionID, &payload, &created,
			&mutState, &m.Attempts, &m.LastError, &next); err != nil {
			return nil, err
		}
		m.Kind = domain.MutationKind(kind)
		m.State = domain.MutationState(mutState)
		m.Payload = json.RawMessage(payload)
		m.CreatedAt = fromMillis(created)
		m.NextAttemptAt = fromMillis(next)
		out = append(out, m)
	}

	return out, rows.Err()
}

func (s *SQLite) SaveMutation(ctx context.Context, m domain.Mutation) error {
	const stmt = `
INSERT INTO mutations (mutation_id, seq, kind, session_id, question_id, payload, created_at_unix_ms,
	state, attempts, last_error, next_attempt_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (mutation_id) DO UPDATE SET
	state = excluded.state,
	attempts = excluded.attempts,
	last_error = excluded.last_error,
	next_attempt_at_unix_ms = excluded.next_attempt_at_unix_ms;`

	_, err := s.db.ExecContext(ctx, stmt, m.MutationID, m.Seq, string(m.Kind), m.SessionID, m.QuestionID,
		[]byte(m.Payload), toMillis(m.CreatedAt), string(m.State), m.Attempts, m.LastError, toMillis(m.NextAttemptAt))
	if err != nil {
		return fmt.Errorf("save mutation %s: %w", m.MutationID, err)
	}
	return nil
}

func (s *SQLite) DeleteMutation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mutations WHERE mutation_id = ?;`, id); err != nil {
		return fmt.Errorf("delete mutation %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) SaveSnapshot(ctx context.Context, ss domain.Session) error {
	data, err := json.Marshal(ss)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", ss.SessionID, err)
	}

	const stmt = `
INSERT INTO session_snapshots (session_id, owner_id, status, data, updated_at_unix_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET
	status = excluded.status,
	data = excluded.data,
	updated_at_unix_ms = excluded.updated_at_unix_ms;`

	if _, err := s.db.ExecContext(ctx, stmt, ss.SessionID, ss.OwnerID, string(ss.Status), data, toMillis(time.Now())); err != nil {
		return fmt.Errorf("save session %s: %w", ss.SessionID, err)
	}
	return nil
}

// LoadSnapshots returns every stored session, most recently updated first.
func (s *SQLite) LoadSnapshots(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM session_snapshots ORDER BY updated_at_unix_ms DESC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}

		var ss domain.Session
		if err := json.Unmarshal(data, &ss); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		out = append(out, ss)
	}

	return out, rows.Err()
}

func (s *SQLite) SaveStanding(ctx context.Context, st domain.Standing) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal standing: %w", err)
	}

	const stmt = `
INSERT INTO standings (user_id, data) VALUES (?, ?)
ON CONFLICT (user_id) DO UPDATE SET data = excluded.data;`

	if _, err := s.db.ExecContext(ctx, stmt, st.UserID, data); err != nil {
		return fmt.Errorf("save standing %s: %w", st.UserID, err)
	}
	return nil
}

// LoadStanding returns the last known standing of a user, ok is false if none was stored.
func (s *SQLite) LoadStanding(ctx context.Context, userID string) (st domain.Standing, ok bool, err error) {
	var data []byte
	err = s.db.QueryRowContext(ctx, `SELECT data FROM standings WHERE user_id = ?;`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Standing{}, false, nil
	}
	if err != nil {
		return domain.Standing{}, false, fmt.Errorf("load standing %s: %w", userID, err)
	}

	if err := json.Unmarshal(data, &st); err != nil {
		return domain.Standing{}, false, fmt.Errorf("unmarshal standing: %w", err)
	}
	return st, true, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// DefaultPath resolves the database file path in priority order:
// 1. FIREPREP_DB environment variable
// 2. $XDG_DATA_HOME/fireprep/fireprep.db
// 3. ~/.local/share/fireprep/fireprep.db
func DefaultPath() (string, error) {
	if p := os.Getenv("FIREPREP_DB"); p != "" {
		return p, ensureDir(p)
	}

	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		dataHome = filepath.Join(home, ".local", "share")
	}

	p := filepath.Join(dataHome, "fireprep", "fireprep.db")
	return p, ensureDir(p)
}

func ensureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

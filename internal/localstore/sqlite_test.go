package localstore_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/fireprep/internal/clock"
	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/localstore"
	"github.com/victornm/fireprep/internal/queue"
)

var t0 = time.Date(2026, 4, 2, 7, 30, 0, 0, time.UTC)

func TestSQLite_QueueSurvivesReopen(t *testing.T) {
	var (
		ctx = context.Background()
		dsn = filepath.Join(t.TempDir(), "fireprep.db")
	)

	s := openStore(t, dsn)
	q, err := queue.Open(ctx, queue.Config{Store: s, Clock: clock.NewFake(t0)})
	require.NoError(t, err)

	m1 := q.Enqueue(ctx, domain.Mutation{Kind: domain.MutationCreateSession, SessionID: "s1", Payload: json.RawMessage(`{"session_id":"s1"}`)})
	m2 := q.Enqueue(ctx, domain.Mutation{Kind: domain.MutationInsertAnswer, SessionID: "s1", QuestionID: "q1", Payload: json.RawMessage(`{"question_id":"q1"}`)})
	m3 := q.Enqueue(ctx, domain.Mutation{Kind: domain.MutationInsertAnswer, SessionID: "s1", QuestionID: "q2", Payload: json.RawMessage(`{}`)})
	q.MarkInFlight(ctx, m2.MutationID)
	q.MarkRetry(ctx, m2.MutationID, assert.AnError, t0.Add(time.Minute))
	q.Remove(ctx, m3.MutationID)
	require.NoError(t, s.Close())

	s = openStore(t, dsn)
	q, err = queue.Open(ctx, queue.Config{Store: s, Clock: clock.NewFake(t0)})
	require.NoError(t, err)

	got := q.Drain("s1")
	require.Len(t, got, 2)

	assert.Equal(t, m1.MutationID, got[0].MutationID)
	assert.Equal(t, domain.MutationCreateSession, got[0].Kind)
	assert.JSONEq(t, `{"session_id":"s1"}`, string(got[0].Payload))
	assert.Equal(t, t0, got[0].CreatedAt)

	assert.Equal(t, m2.MutationID, got[1].MutationID)
	assert.Equal(t, "q1", got[1].QuestionID)
	assert.Equal(t, domain.MutationRetrying, got[1].State)
	assert.Equal(t, 1, got[1].Attempts)
	assert.Equal(t, assert.AnError.Error(), got[1].LastError)
	assert.Equal(t, t0.Add(time.Minute), got[1].NextAttemptAt)
}

func TestSQLite_Snapshots(t *testing.T) {
	var (
		ctx = context.Background()
		s   = openStore(t, ":memory:")
	)

	paused := t0.Add(5 * time.Minute)
	ss := domain.Session{
		SessionID: "s1",
		OwnerID:   "u1",
		Config: domain.SessionConfig{
			Mode:          domain.ModeExam,
			Topics:        []string{"hydraulics"},
			QuestionCount: 2,
			Duration:      time.Hour,
		},
		Status:    domain.StatusPaused,
		StartedAt: t0,
		PausedAt:  &paused,
		Score:     decimal.RequireFromString("1.5"),
		Answers: []domain.Answer{
			{SessionID: "s1", QuestionID: "q1", Selected: []string{"a"}, IsCorrect: true, TimeTaken: 12, PointsEarned: decimal.NewFromInt(1)},
		},
		Integrity: &domain.IntegrityRecord{Backgrounded: 1, Score: 100},
	}
	require.NoError(t, s.SaveSnapshot(ctx, ss))

	ss.Status = domain.StatusInProgress
	ss.PausedAt = nil
	require.NoError(t, s.SaveSnapshot(ctx, ss))

	got, err := s.LoadSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.StatusInProgress, got[0].Status)
	assert.Nil(t, got[0].PausedAt)
	assert.True(t, got[0].Score.Equal(ss.Score))
	assert.Equal(t, time.Hour, got[0].Config.Duration)
	assert.Equal(t, ss.Answers[0].Selected, got[0].Answers[0].Selected)
	assert.Equal(t, 1, got[0].Integrity.Backgrounded)
}

func TestSQLite_Standing(t *testing.T) {
	var (
		ctx = context.Background()
		s   = openStore(t, ":memory:")
	)

	_, ok, err := s.LoadStanding(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)

	want := domain.Standing{UserID: "u1", TotalPoints: decimal.RequireFromString("51.5"), Grade: domain.GradeCadet}
	require.NoError(t, s.SaveStanding(ctx, want))

	got, ok, err := s.LoadStanding(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.Grade, got.Grade)
	assert.True(t, want.TotalPoints.Equal(got.TotalPoints))
}

func TestSQLite_StandingAfterClose(t *testing.T) {
	s, err := localstore.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, ok, err := s.LoadStanding(context.Background(), "u1")
	require.Error(t, err)
	assert.False(t, ok)
}

func openStore(t *testing.T, dsn string) *localstore.SQLite {
	s, err := localstore.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

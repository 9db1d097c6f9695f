//go:build integration_test

package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/errors"
	"github.com/victornm/fireprep/internal/remote"
	"github.com/victornm/fireprep/internal/store"
)

func TestPostgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p := makePostgres(t, ctx)

	var (
		sid   = uuid.Must(uuid.NewV7()).String()
		owner = "u-" + sid
		now   = time.Now().UTC().Truncate(time.Millisecond)
	)

	row := remote.SessionRow{
		SessionID: sid,
		OwnerID:   owner,
		Config:    domain.SessionConfig{Mode: domain.ModeTraining, Topics: []string{"hydraulics"}, QuestionCount: 1},
		Status:    remote.StatusInProgress,
		StartedAt: now,
	}
	require.NoError(t, p.CreateSession(ctx, row))
	assert.True(t, errors.IsConflict(p.CreateSession(ctx, row)))

	active, err := p.ListActiveSessions(ctx, owner)
	require.NoError(t, err)
	require.Len(t, active, 1)

	paused := now.Add(time.Minute)
	require.NoError(t, p.UpdateSession(ctx, sid, remote.SessionPatch{PausedAt: &paused}))
	active, err = p.ListActiveSessions(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, active)
	require.NoError(t, p.UpdateSession(ctx, sid, remote.SessionPatch{}))

	a := remote.AnswerRow{
		SessionID:    sid,
		QuestionID:   "q1",
		Selected:     []string{"a"},
		IsCorrect:    true,
		TimeTaken:    4,
		PointsEarned: decimal.NewFromInt(1),
		AnsweredAt:   now,
	}
	require.NoError(t, p.InsertAnswer(ctx, a))
	assert.True(t, errors.IsConflict(p.InsertAnswer(ctx, a)))

	answers, err := p.ListAnswers(ctx, sid)
	require.NoError(t, err)
	require.Len(t, answers, 1)
	assert.Equal(t, []string{"a"}, answers[0].Selected)

	f := remote.Finalization{
		Outcome:      remote.StatusCompleted,
		Score:        decimal.NewFromInt(1),
		PointsEarned: decimal.NewFromInt(1),
		EndedAt:      now.Add(2 * time.Minute),
	}
	require.NoError(t, p.FinalizeSession(ctx, sid, f))
	f.Outcome = remote.StatusAbandoned
	require.NoError(t, p.FinalizeSession(ctx, sid, f))

	got, err := p.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, remote.StatusCompleted, got.Status)

	d := remote.PointsDelta{UserID: owner, SessionID: sid, Delta: decimal.NewFromInt(60)}
	st, err := p.ApplyPoints(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "60", st.TotalPoints.String())
	st, err = p.ApplyPoints(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "60", st.TotalPoints.String())
	assert.Equal(t, domain.GradeCadet, st.Grade)

	_, err = p.GetSession(ctx, "missing")
	assert.Equal(t, errors.CodeNotFound, errors.Convert(err).Code)
}

func makePostgres(t *testing.T, ctx context.Context) *store.Postgres {
	dsn := os.Getenv("FIREPREP_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("FIREPREP_TEST_POSTGRES is not set")
	}

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	p := store.NewPostgres(store.Config{DB: pool})
	require.NoError(t, p.Migrate(ctx))
	return p
}

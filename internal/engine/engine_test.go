package engine_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/fireprep/internal/clock"
	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/engine"
	"github.com/victornm/fireprep/internal/errors"
	"github.com/victornm/fireprep/internal/localstore"
	"github.com/victornm/fireprep/internal/remote"
	"github.com/victornm/fireprep/internal/session"
)

var t0 = time.Date(2026, 4, 2, 7, 30, 0, 0, time.UTC)

type fixture struct {
	e       *engine.Engine
	backend *remote.Memory
	conn    *clock.Connectivity
	clock   clock.Fake
}

func makeEngine(t *testing.T, opts ...func(*engine.Config)) *fixture {
	t.Helper()

	f := &fixture{
		backend: remote.NewMemory(),
		conn:    clock.NewConnectivity(true),
		clock:   clock.NewFake(t0),
	}

	c := engine.Config{
		UserID:       "u1",
		Backend:      f.backend,
		Clock:        f.clock,
		Connectivity: f.conn,
	}
	for _, opt := range opts {
		opt(&c)
	}

	e, err := engine.New(context.Background(), c)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	f.e = e

	return f
}

func (f *fixture) run(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = f.e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func quizConfig() domain.SessionConfig {
	return domain.SessionConfig{
		Mode:          domain.ModeTraining,
		Topics:        []string{"fire behaviour", "ladders"},
		QuestionCount: 3,
		Questions: []domain.Question{
			{ID: "q1", CorrectOptionIDs: []string{"a"}},
			{ID: "q2", CorrectOptionIDs: []string{"d"}},
			{ID: "q3", CorrectOptionIDs: []string{"a", "c"}},
		},
		Scoring: domain.ScoringPolicy{
			Correct:   decimal.NewFromInt(1),
			Incorrect: decimal.RequireFromString("-0.5"),
			Skipped:   decimal.Zero,
			Partial:   decimal.RequireFromString("0.5"),
		},
	}
}

// playQuiz answers two questions correctly and one incorrectly, then completes.
func playQuiz(t *testing.T, e *engine.Engine, afterEach func()) string {
	t.Helper()
	ctx := context.Background()

	id, err := e.Start(ctx, quizConfig())
	require.NoError(t, err)
	afterEach()

	for _, a := range []session.AnswerRequest{
		{QuestionID: "q1", Selected: []string{"a"}, TimeTaken: 12 * time.Second},
		{QuestionID: "q2", Selected: []string{"d"}, TimeTaken: 8 * time.Second},
		{QuestionID: "q3", Selected: []string{"b"}, TimeTaken: 15 * time.Second},
	} {
		_, err := e.RecordAnswer(ctx, id, a)
		require.NoError(t, err)
		afterEach()
	}

	res, err := e.Finalize(ctx, id, domain.StatusCompleted)
	require.NoError(t, err)
	require.True(t, res.Applied)
	afterEach()

	return id
}

func TestEngine_OfflineTrainingSession(t *testing.T) {
	f := makeEngine(t, func(c *engine.Config) { c.Connectivity.Set(false) })

	id := playQuiz(t, f.e, func() {})

	ss, err := f.e.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, ss.Status)
	assert.Equal(t, "1.5", ss.Score.String())

	// Every remote write is its own mutation: create, three answers, finalize, and the
	// points credit queued behind them.
	st := f.e.QueueStatus()
	assert.Equal(t, 6, st.Depth())
	assert.Equal(t, 6, st.Pending)
	assert.Empty(t, f.backend.Calls())

	f.run(t)
	f.conn.Set(true)

	require.Eventually(t, func() bool { return f.e.QueueStatus().Depth() == 0 }, time.Second, 5*time.Millisecond)

	row, err := f.backend.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, remote.StatusCompleted, row.Status)
	assert.Equal(t, "1.5", row.Score.String())

	answers, err := f.backend.ListAnswers(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, answers, 3)

	assert.Eventually(t, func() bool {
		st, err := f.e.Standing(context.Background())
		return err == nil && st.TotalPoints.Equal(decimal.RequireFromString("1.5"))
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_ReplayMatchesOnlineExecution(t *testing.T) {
	ctx := context.Background()

	online := makeEngine(t)
	onlineID := playQuiz(t, online.e, func() { online.e.ForceSync(ctx) })

	replayed := makeEngine(t)
	replayed.conn.Set(false)
	replayedID := playQuiz(t, replayed.e, func() {})
	replayed.conn.Set(true)
	require.Zero(t, replayed.e.ForceSync(ctx).Depth())

	a, err := online.backend.GetSession(ctx, onlineID)
	require.NoError(t, err)
	b, err := replayed.backend.GetSession(ctx, replayedID)
	require.NoError(t, err)

	assert.Equal(t, a.Status, b.Status)
	assert.True(t, a.Score.Equal(b.Score))
	assert.True(t, a.PointsEarned.Equal(b.PointsEarned))

	sa, err := online.backend.GetStanding(ctx, "u1")
	require.NoError(t, err)
	sb, err := replayed.backend.GetStanding(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, sa.TotalPoints.Equal(sb.TotalPoints))
	assert.Equal(t, "1.5", sb.TotalPoints.String())
}

func TestEngine_FinalizeRaceIsNotAnError(t *testing.T) {
	ctx := context.Background()
	f := makeEngine(t)

	id, err := f.e.Start(ctx, quizConfig())
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		results = make([]engine.FinalizeResult, 2)
		errs    = make([]error, 2)
	)
	for i, outcome := range []domain.Status{domain.StatusCompleted, domain.StatusTimeout} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.e.Finalize(ctx, id, outcome)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, results[0].Applied, results[1].Applied)
	assert.Equal(t, results[0].Session.Status, results[1].Session.Status)
	assert.Equal(t, *results[0].Session.EndedAt, *results[1].Session.EndedAt)
}

func TestEngine_AbandonedMutation(t *testing.T) {
	ctx := context.Background()
	f := makeEngine(t)

	f.backend.InjectFault(remote.Fault{
		Op:  remote.OpInsertAnswer,
		Err: errors.RemoteRejection(errors.CodeInvalidArgument, "question q1 was retired"),
	})

	id, err := f.e.Start(ctx, quizConfig())
	require.NoError(t, err)
	_, err = f.e.RecordAnswer(ctx, id, session.AnswerRequest{QuestionID: "q1", Selected: []string{"a"}, TimeTaken: 3 * time.Second})
	require.NoError(t, err)

	st := f.e.ForceSync(ctx)
	assert.Equal(t, 1, st.Abandoned)

	var abandoned domain.Mutation
	for _, m := range f.e.PendingMutations() {
		if m.State == domain.MutationAbandoned {
			abandoned = m
		}
	}
	require.Equal(t, domain.MutationInsertAnswer, abandoned.Kind)
	assert.Contains(t, abandoned.LastError, "retired")

	// The session itself is unaffected.
	_, err = f.e.RecordAnswer(ctx, id, session.AnswerRequest{QuestionID: "q2", Selected: []string{"d"}, TimeTaken: 3 * time.Second})
	require.NoError(t, err)

	require.NoError(t, f.e.RetryMutation(ctx, abandoned.MutationID))
	assert.Zero(t, f.e.ForceSync(ctx).Depth())

	assert.Error(t, f.e.DismissMutation(ctx, abandoned.MutationID))
}

func TestEngine_DismissAbandoned(t *testing.T) {
	ctx := context.Background()
	f := makeEngine(t)
	f.backend.InjectFault(remote.Fault{
		Op:  remote.OpCreateSession,
		Err: errors.RemoteRejection(errors.CodeUnauthenticated, "token expired"),
	})

	_, err := f.e.Start(ctx, quizConfig())
	require.NoError(t, err)
	require.Equal(t, 1, f.e.ForceSync(ctx).Abandoned)

	m := f.e.PendingMutations()[0]
	require.NoError(t, f.e.DismissMutation(ctx, m.MutationID))
	assert.Zero(t, f.e.QueueStatus().Depth())
}

func TestEngine_SubscribeQueue(t *testing.T) {
	ctx := context.Background()
	f := makeEngine(t)
	f.conn.Set(false)

	var (
		mu   sync.Mutex
		seen []domain.QueueStatus
	)
	unsubscribe := f.e.SubscribeQueue(func(st domain.QueueStatus) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, st)
	})
	defer unsubscribe()

	_, err := f.e.Start(ctx, quizConfig())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1].Pending == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_SubscribeQueueEndsOnCurrentStatus(t *testing.T) {
	f := makeEngine(t, func(c *engine.Config) { c.Connectivity.Set(false) })

	var (
		mu   sync.Mutex
		last domain.QueueStatus
	)
	unsubscribe := f.e.SubscribeQueue(func(st domain.QueueStatus) {
		mu.Lock()
		defer mu.Unlock()
		last = st
	})
	defer unsubscribe()

	for range 5 {
		playQuiz(t, f.e, func() {})
	}
	want := f.e.QueueStatus()
	require.Equal(t, 30, want.Pending)

	lastSeen := func() domain.QueueStatus {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
	assert.Eventually(t, func() bool { return lastSeen() == want }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return lastSeen() != want }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestEngine_UnknownSession(t *testing.T) {
	ctx := context.Background()
	f := makeEngine(t)

	_, err := f.e.RecordAnswer(ctx, "missing", session.AnswerRequest{QuestionID: "q1"})
	assert.Equal(t, errors.CodeNotFound, errors.Convert(err).Code)

	_, err = f.e.Snapshot("missing")
	assert.Equal(t, errors.CodeNotFound, errors.Convert(err).Code)

	_, err = f.e.Start(ctx, domain.SessionConfig{QuestionCount: 3})
	assert.True(t, errors.IsConfiguration(err))
}

func TestEngine_SurvivesRestart(t *testing.T) {
	var (
		ctx     = context.Background()
		dsn     = filepath.Join(t.TempDir(), "fireprep.db")
		backend = remote.NewMemory()
		fc      = clock.NewFake(t0)
	)

	open := func(reachable bool) (*engine.Engine, *localstore.SQLite) {
		store, err := localstore.Open(ctx, dsn)
		require.NoError(t, err)
		e, err := engine.New(ctx, engine.Config{
			UserID:       "u1",
			Backend:      backend,
			Store:        store,
			Clock:        fc,
			Connectivity: clock.NewConnectivity(reachable),
		})
		require.NoError(t, err)
		return e, store
	}

	e, store := open(false)
	id, err := e.Start(ctx, quizConfig())
	require.NoError(t, err)
	_, err = e.RecordAnswer(ctx, id, session.AnswerRequest{QuestionID: "q1", Selected: []string{"a"}, TimeTaken: 4 * time.Second})
	require.NoError(t, err)
	e.Close()
	require.NoError(t, store.Close())

	e, store = open(true)
	defer store.Close()
	defer e.Close()

	assert.Equal(t, 2, e.QueueStatus().Depth())
	ss, err := e.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, ss.Status)
	assert.Equal(t, "1", ss.Score.String())
	assert.Len(t, e.ActiveSessions(), 1)

	_, err = e.RecordAnswer(ctx, id, session.AnswerRequest{QuestionID: "q2", Selected: []string{"d"}, TimeTaken: 4 * time.Second})
	require.NoError(t, err)

	assert.Zero(t, e.ForceSync(ctx).Depth())
	answers, err := backend.ListAnswers(ctx, id)
	require.NoError(t, err)
	assert.Len(t, answers, 2)
}

package syncer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/fireprep/internal/clock"
	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/errors"
	"github.com/victornm/fireprep/internal/event"
	"github.com/victornm/fireprep/internal/queue"
	"github.com/victornm/fireprep/internal/remote"
	"github.com/victornm/fireprep/internal/syncer"
)

var t0 = time.Date(2026, 4, 2, 7, 30, 0, 0, time.UTC)

type fixture struct {
	q       *queue.Queue
	backend *remote.Memory
	conn    *clock.Connectivity
	clock   clock.Fake
	eb      *event.Bus
	reg     *prometheus.Registry
	c       *syncer.Coordinator
}

func makeFixture(t *testing.T, opts ...func(*syncer.Config)) *fixture {
	t.Helper()

	f := &fixture{
		backend: remote.NewMemory(),
		conn:    clock.NewConnectivity(true),
		clock:   clock.NewFake(t0),
		eb:      event.NewBus(),
		reg:     prometheus.NewRegistry(),
	}

	q, err := queue.Open(context.Background(), queue.Config{Store: queue.NewMemoryStore(), Clock: f.clock})
	require.NoError(t, err)
	f.q = q

	c := syncer.Config{
		Queue:        f.q,
		Backend:      f.backend,
		Connectivity: f.conn,
		Clock:        f.clock,
		Backoff:      syncer.Exponential{Initial: 10 * time.Second, Multiplier: 1},
		EventBus:     f.eb,
		Registerer:   f.reg,
	}
	for _, opt := range opts {
		opt(&c)
	}
	f.c = syncer.NewCoordinator(c)

	return f
}

// enqueueSession queues create, one answer per question and finalize for session id.
func (f *fixture) enqueueSession(id string, questions ...string) {
	ctx := context.Background()

	f.q.Enqueue(ctx, remote.NewMutation(domain.MutationCreateSession, id, "", remote.SessionRow{
		SessionID: id,
		OwnerID:   "u1",
		Status:    remote.StatusInProgress,
		StartedAt: t0,
	}))
	for _, q := range questions {
		f.q.Enqueue(ctx, remote.NewMutation(domain.MutationInsertAnswer, id, q, remote.AnswerRow{
			SessionID:    id,
			QuestionID:   q,
			Selected:     []string{"a"},
			IsCorrect:    true,
			PointsEarned: decimal.NewFromInt(1),
		}))
	}
	f.q.Enqueue(ctx, remote.NewMutation(domain.MutationFinalizeSession, id, "", remote.Finalization{
		Outcome:      remote.StatusCompleted,
		Score:        decimal.NewFromInt(int64(len(questions))),
		PointsEarned: decimal.NewFromInt(int64(len(questions))),
		EndedAt:      t0.Add(time.Hour),
	}))
}

func (f *fixture) ops(sessionID string) []string {
	var out []string
	for _, c := range f.backend.Calls() {
		if c.SessionID == sessionID {
			out = append(out, c.Op)
		}
	}
	return out
}

func TestCoordinator_ReplaysInCreationOrder(t *testing.T) {
	f := makeFixture(t)
	f.enqueueSession("s1", "q1", "q2")

	st := f.c.ForceSync(context.Background())

	assert.Zero(t, st.Depth())
	assert.Equal(t, []string{
		remote.OpCreateSession,
		remote.OpInsertAnswer,
		remote.OpInsertAnswer,
		remote.OpFinalizeSession,
	}, f.ops("s1"))

	answers, err := f.backend.ListAnswers(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, answers, 2)
	assert.Equal(t, "q1", answers[0].QuestionID)
	assert.Equal(t, "q2", answers[1].QuestionID)
}

func TestCoordinator_HeadFailureBlocksOnlyItsSession(t *testing.T) {
	f := makeFixture(t)
	f.enqueueSession("s1", "q1")
	f.enqueueSession("s2", "q1")
	f.backend.InjectFault(remote.Fault{Op: remote.OpCreateSession, Err: errors.Network(assert.AnError)})

	f.c.ForceSync(context.Background())

	// One of the two creates failed; that session sent nothing else.
	var blocked, done string
	if len(f.ops("s1")) == 1 {
		blocked, done = "s1", "s2"
	} else {
		blocked, done = "s2", "s1"
	}
	assert.Equal(t, []string{remote.OpCreateSession}, f.ops(blocked))
	assert.Len(t, f.ops(done), 3)

	ms := f.q.Drain(blocked)
	require.Len(t, ms, 3)
	assert.Equal(t, domain.MutationRetrying, ms[0].State)
	assert.Equal(t, 1, ms[0].Attempts)
	assert.Equal(t, t0.Add(10*time.Second), ms[0].NextAttemptAt)
	assert.Equal(t, domain.MutationPending, ms[1].State)
	assert.Empty(t, f.q.Drain(done))
}

func TestCoordinator_RetryingHeadWaitsForBackoff(t *testing.T) {
	f := makeFixture(t)
	f.enqueueSession("s1")
	f.backend.InjectFault(remote.Fault{Op: remote.OpCreateSession, Err: errors.Network(assert.AnError)})

	f.c.ForceSync(context.Background())
	require.Equal(t, 1, f.q.Status().Retrying)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = f.c.Run(ctx)
	}()

	// The initial pass sees the head still backing off and arms a wake-up.
	waitCtx, waitCancel := context.WithTimeout(ctx, time.Second)
	defer waitCancel()
	require.NoError(t, f.clock.BlockUntilContext(waitCtx, 1))
	assert.Len(t, f.backend.Calls(), 1)

	f.clock.Advance(10 * time.Second)

	assert.Eventually(t, func() bool { return f.q.Status().Depth() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{remote.OpCreateSession, remote.OpCreateSession, remote.OpFinalizeSession}, f.ops("s1"))

	cancel()
	wg.Wait()
}

func TestCoordinator_LostResponseIsResolvedByConflict(t *testing.T) {
	f := makeFixture(t)
	f.enqueueSession("s1", "q1")
	f.backend.InjectFault(remote.Fault{Op: remote.OpInsertAnswer, Err: errors.Network(assert.AnError), AfterWrite: true})

	f.c.ForceSync(context.Background())
	require.Equal(t, 1, f.q.Status().Retrying)

	st := f.c.ForceSync(context.Background())
	assert.Zero(t, st.Depth())

	answers, err := f.backend.ListAnswers(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, answers, 1)

	row, err := f.backend.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "1", row.Score.String())
}

func TestCoordinator_RejectionAbandonsAndBlocks(t *testing.T) {
	var (
		mu        sync.Mutex
		abandoned []domain.Mutation
	)
	f := makeFixture(t)
	f.eb.Subscribe(domain.EventNameMutationAbandoned, func(_ context.Context, e event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		abandoned = append(abandoned, e.(domain.EventMutationAbandoned).Mutation)
		return nil
	})
	f.enqueueSession("s1", "q1")
	f.backend.InjectFault(remote.Fault{Op: remote.OpInsertAnswer, Err: errors.RemoteRejection(errors.CodeInvalidArgument, "selected option is not part of the question")})

	st := f.c.ForceSync(context.Background())
	assert.Equal(t, 1, st.Abandoned)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, []string{remote.OpCreateSession, remote.OpInsertAnswer}, f.ops("s1"))

	// Abandoned heads are not retried automatically.
	f.c.ForceSync(context.Background())
	assert.Len(t, f.ops("s1"), 2)

	f.eb.Stop()
	mu.Lock()
	require.Len(t, abandoned, 1)
	assert.Equal(t, domain.MutationInsertAnswer, abandoned[0].Kind)
	assert.Contains(t, abandoned[0].LastError, "selected option")
	mu.Unlock()

	require.NoError(t, f.q.Retry(context.Background(), abandoned[0].MutationID))
	st = f.c.ForceSync(context.Background())
	assert.Zero(t, st.Depth())
}

func TestCoordinator_OfflineWaitsForConnectivity(t *testing.T) {
	f := makeFixture(t)
	f.conn.Set(false)
	f.enqueueSession("s1", "q1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = f.c.Run(ctx)
	}()

	f.c.Kick()
	assert.Never(t, func() bool { return len(f.backend.Calls()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	f.conn.Set(true)
	assert.Eventually(t, func() bool { return f.q.Status().Depth() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestCoordinator_AcknowledgedHook(t *testing.T) {
	var got []domain.Standing
	f := makeFixture(t, func(c *syncer.Config) {
		c.Acknowledged = func(_ context.Context, m domain.Mutation, result any) {
			if st, ok := result.(domain.Standing); ok {
				got = append(got, st)
			}
		}
	})

	f.enqueueSession("s1", "q1")
	f.q.Enqueue(context.Background(), remote.NewMutation(domain.MutationApplyPoints, "s1", "", remote.PointsDelta{
		UserID:    "u1",
		SessionID: "s1",
		Delta:     decimal.NewFromInt(60),
	}))

	f.c.ForceSync(context.Background())

	require.Len(t, got, 1)
	assert.Equal(t, "60", got[0].TotalPoints.String())
	assert.Equal(t, domain.GradeCadet, got[0].Grade)
}

func TestCoordinator_Metrics(t *testing.T) {
	f := makeFixture(t)
	f.enqueueSession("s1", "q1")
	f.backend.InjectFault(remote.Fault{Op: remote.OpInsertAnswer, Err: errors.Network(assert.AnError)})

	f.c.ForceSync(context.Background())

	families, err := f.reg.Gather()
	require.NoError(t, err)

	replays := map[string]float64{}
	depth := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			switch mf.GetName() {
			case "fireprep_sync_replays_total":
				replays[labels["kind"]+"/"+labels["result"]] = m.GetCounter().GetValue()
			case "fireprep_sync_queue_mutations":
				depth[labels["state"]] = m.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, float64(1), replays["create_session/acknowledged"])
	assert.Equal(t, float64(1), replays["insert_answer/retrying"])
	assert.Equal(t, float64(1), depth["retrying"])
	assert.Equal(t, float64(1), depth["pending"])
}

func TestExponential_NextDelay(t *testing.T) {
	b := syncer.Exponential{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, b.NextDelay(0))
	assert.Equal(t, time.Second, b.NextDelay(1))
	assert.Equal(t, 2*time.Second, b.NextDelay(2))
	assert.Equal(t, 16*time.Second, b.NextDelay(5))
	assert.Equal(t, 30*time.Second, b.NextDelay(6))
	assert.Equal(t, 30*time.Second, b.NextDelay(1000))

	b.Jitter = 0.5
	for i := 1; i < 50; i++ {
		d := b.NextDelay(3)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}

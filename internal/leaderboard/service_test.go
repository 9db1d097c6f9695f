package leaderboard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/event"
	"github.com/victornm/fireprep/internal/leaderboard"
)

func pointsApplied(user string, total int64) domain.EventPointsApplied {
	return domain.EventPointsApplied{
		Standing: domain.Standing{UserID: user, TotalPoints: decimal.NewFromInt(total)},
	}
}

func TestService_UpdateLeaderboard(t *testing.T) {
	s, _ := makeService(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateLeaderboard(ctx, pointsApplied("u1", 40)))
	require.NoError(t, s.UpdateLeaderboard(ctx, pointsApplied("u2", 250)))
	// The total replaces the previous one.
	require.NoError(t, s.UpdateLeaderboard(ctx, pointsApplied("u1", 60)))

	resp, err := s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{})
	require.NoError(t, err)

	want := &domain.Leaderboard{
		Entries: []domain.LeaderboardEntry{
			{UserID: "u2", Points: 250, Grade: domain.GradeFirefighter},
			{UserID: "u1", Points: 60, Grade: domain.GradeCadet},
		},
	}
	require.Equal(t, want, resp)

	resp, err = s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, resp.Entries, 1)

	r, ok, err := s.Rank(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 1, r)

	_, ok, err = s.Rank(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_GetLeaderboard_Empty(t *testing.T) {
	s, _ := makeService(t)

	resp, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.Entries)
}

func TestService_PublishLeaderboardUpdated(t *testing.T) {
	type (
		inputs struct {
			receivedEvents []domain.EventPointsApplied
			// waitBetween fast-forwards Redis past the publish interval between events.
			waitBetween bool
		}

		outputs struct {
			publishedEvents []domain.EventLeaderboardUpdated
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should publish leaderboard.updated after receiving points.applied": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventPointsApplied{pointsApplied("u1", 12)},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
				require.Equal(t, domain.Leaderboard{
					Entries: []domain.LeaderboardEntry{
						{UserID: "u1", Points: 12, Grade: domain.GradeRecruit},
					},
				}, out.publishedEvents[0].Leaderboard)
			},
		},

		"should publish 1 event within the publish interval": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventPointsApplied{
						pointsApplied("u1", 12),
						pointsApplied("u2", 30),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
			},
		},

		"should publish again once the interval has passed": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventPointsApplied{
						pointsApplied("u1", 12),
						pointsApplied("u2", 30),
					},
					waitBetween: true,
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2, "should receive 2 leaderboard updated events")
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in, out := tt.arrange(), outputs{}

			eb := event.NewBus()

			var mu sync.Mutex
			eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
				mu.Lock()
				out.publishedEvents = append(out.publishedEvents, e.(domain.EventLeaderboardUpdated))
				mu.Unlock()
				return nil
			})

			s, rs := makeService(t,
				withEventBus(eb),
			)

			for _, e := range in.receivedEvents {
				err := s.UpdateLeaderboard(context.Background(), e)
				require.NoError(t, err)
				if in.waitBetween {
					rs.FastForward(time.Second)
				}
			}

			eb.Stop()

			tt.assert(t, out)
		})
	}
}

func TestService_SubscribesToPointsApplied(t *testing.T) {
	eb := event.NewBus()
	s, _ := makeService(t, withEventBus(eb))

	eb.Publish(context.Background(), pointsApplied("u1", 7))

	assert.Eventually(t, func() bool {
		l, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{})
		return err == nil && len(l.Entries) == 1
	}, time.Second, 10*time.Millisecond)
	eb.Stop()
}

func makeService(t *testing.T, opts ...options) (*leaderboard.Service, *miniredis.Miniredis) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	c := leaderboard.Config{
		EventBus: event.NewBus(),
		Redis:    rc,
		Prefix:   "test",
	}

	for _, opt := range opts {
		opt(&c)
	}

	return leaderboard.NewService(c), rs
}

type options func(c *leaderboard.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *leaderboard.Config) {
		c.EventBus = eb
	}
}

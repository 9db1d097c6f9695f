// Package leaderboard keeps the global ranking of users by cumulative points in Redis.
package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/event"
)

const (
	publishInterval = 200 * time.Millisecond
	defaultLimit    = 100
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	// Now defaults to time.Now.
	Now func() time.Time
}

type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
		now:    c.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.eb.Subscribe(domain.EventNamePointsApplied, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventPointsApplied))
	})

	return s
}

type GetLeaderboardRequest struct {
	// Limit caps the number of entries, 100 when zero.
	Limit int
}

// GetLeaderboard returns the top users by cumulative points.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	res, err := s.redis.ZRevRangeWithScores(ctx, s.getLeaderboardKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.LeaderboardEntry{
			UserID: z.Member.(string),
			Points: z.Score,
			Grade:  domain.GradeFor(decimal.NewFromFloat(z.Score)),
		})
	}

	return &domain.Leaderboard{Entries: entries}, nil
}

// Rank returns the zero-based position of a user, false when the user is not ranked.
func (s *Service) Rank(ctx context.Context, userID string) (int64, bool, error) {
	r, err := s.redis.ZRevRank(ctx, s.getLeaderboardKey(), userID).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("rank: %w", err)
	}
	return r, true, nil
}

// UpdateLeaderboard overwrites the user's total in the leaderboard.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventPointsApplied) error {
	st := e.Standing

	if err := s.redis.ZAdd(ctx, s.getLeaderboardKey(), redis.Z{
		Score:  st.TotalPoints.InexactFloat64(),
		Member: st.UserID,
	}).Err(); err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return s.schedulePublishLeaderboard(ctx)
}

// schedulePublishLeaderboard publishes at most one leaderboard.updated per interval across
// every instance sharing the Redis prefix.
func (s *Service) schedulePublishLeaderboard(ctx context.Context) error {
	ok, err := s.redis.SetNX(ctx, s.getLeaderboardTimeKey(), s.now().UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publishLeaderboard(ctx)
}

func (s *Service) publishLeaderboard(ctx context.Context) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: %w", err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return nil
}

func (s *Service) getLeaderboardKey() string {
	return fmt.Sprintf("%s:leaderboard", s.prefix)
}

func (s *Service) getLeaderboardTimeKey() string {
	return fmt.Sprintf("%s:leaderboard:time", s.prefix)
}

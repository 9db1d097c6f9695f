package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/fireprep/internal/domain"
)

const maxConcurrent = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Leaderboard struct {
		Entries []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		Rank   int    `json:"rank"`
		UserID string `json:"user_id"`
		Points string `json:"points"`
		Grade  string `json:"grade"`
	}

	Standing struct {
		UserID      string `json:"user_id"`
		TotalPoints string `json:"total_points"`
		Grade       string `json:"grade"`
	}
)

// PublishLeaderboardUpdated sends the new leaderboard to every ranked user's channel.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	l := e.Leaderboard

	data := Leaderboard{
		Entries: make([]LeaderboardEntry, 0, len(l.Entries)),
	}

	for i, entry := range l.Entries {
		data.Entries = append(data.Entries, LeaderboardEntry{
			Rank:   i + 1,
			UserID: entry.UserID,
			Points: strconv.FormatFloat(entry.Points, 'f', -1, 64),
			Grade:  string(entry.Grade),
		})
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, entry := range data.Entries {
		eg.Go(func() error {
			return a.publishNotification(ctx, entry.UserID, e.Name(), data)
		})
	}

	return eg.Wait()
}

// PublishPointsApplied tells a user their new standing.
func (a *API) PublishPointsApplied(ctx context.Context, e domain.EventPointsApplied) error {
	st := e.Standing

	return a.publishNotification(ctx, st.UserID, e.Name(), Standing{
		UserID:      st.UserID,
		TotalPoints: st.TotalPoints.String(),
		Grade:       string(st.Grade),
	})
}

func (a *API) publishNotification(ctx context.Context, user, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, UserChannel(a.prefix, user), b).Err()
}

// UserChannel is the Redis channel carrying one user's notifications.
func UserChannel(prefix, user string) string {
	return fmt.Sprintf("%s:user:%s", prefix, user)
}

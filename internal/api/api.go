// Package api serves the remote row store over HTTP and fans leaderboard changes out to
// users over Redis pub/sub.
package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/event"
	"github.com/victornm/fireprep/internal/leaderboard"
	"github.com/victornm/fireprep/internal/remote"
)

type Config struct {
	HTTP         gin.IRouter
	GRPC         *grpc.Server
	EventBus     *event.Bus
	Store        Store
	Leaderboard  *leaderboard.Service
	Redis        Redis
	PubsubPrefix string
}

// Store is the row store plus a readiness check.
type Store interface {
	remote.Store
	Ping(ctx context.Context) error
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	eb     *event.Bus
	store  Store
	ls     *leaderboard.Service
	health *health.Server

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		eb:     c.EventBus,
		store:  c.Store,
		ls:     c.Leaderboard,
		health: health.NewServer(),
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
	}

	// HTTP APIs
	a.register(c.HTTP)

	// gRPC health
	if c.GRPC != nil {
		healthpb.RegisterHealthServer(c.GRPC, a.health)
	}

	// Register event handlers
	if a.redis != nil {
		c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
			return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
		})
		c.EventBus.Subscribe(domain.EventNamePointsApplied, func(ctx context.Context, e event.Event) error {
			return a.PublishPointsApplied(ctx, e.(domain.EventPointsApplied))
		})
	}

	return a
}

// Shutdown reports NOT_SERVING to gRPC health checks.
func (a *API) Shutdown() {
	a.health.Shutdown()
}

func (a *API) register(r gin.IRouter) {
	r.GET("/healthz", a.healthz)

	v1 := r.Group("/v1")
	{
		v1.POST("/sessions", a.createSession)
		v1.GET("/sessions/:id", a.getSession)
		v1.PATCH("/sessions/:id", a.updateSession)
		v1.GET("/sessions/:id/answers", a.listAnswers)
		v1.PUT("/sessions/:id/answers/:qid", a.insertAnswer)
		v1.POST("/sessions/:id/finalize", a.finalizeSession)

		v1.POST("/users/:uid/points", a.applyPoints)
		v1.GET("/users/:uid/standing", a.getStanding)
		v1.GET("/users/:uid/sessions/active", a.listActiveSessions)

		v1.GET("/leaderboard", a.getLeaderboard)
	}
}

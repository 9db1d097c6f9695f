package domain

const (
	EventNameSessionFinalized   = "session.finalized"
	EventNameQueueChanged       = "queue.changed"
	EventNameMutationAcked      = "mutation.acknowledged"
	EventNameMutationAbandoned  = "mutation.abandoned"
	EventNameRankingUpdated     = "ranking.updated"
	EventNamePointsApplied      = "points.applied"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventSessionFinalized struct {
	Session Session
}

func (EventSessionFinalized) Name() string { return EventNameSessionFinalized }

type EventQueueChanged struct {
	Status QueueStatus
}

func (EventQueueChanged) Name() string { return EventNameQueueChanged }

// EventMutationAcked is published once the remote confirmed a mutation. Result holds the
// decoded response for kinds that return one.
type EventMutationAcked struct {
	Mutation Mutation
	Result   any
}

func (EventMutationAcked) Name() string { return EventNameMutationAcked }

type EventMutationAbandoned struct {
	Mutation Mutation
}

func (EventMutationAbandoned) Name() string { return EventNameMutationAbandoned }

type EventRankingUpdated struct {
	Standing Standing
}

func (EventRankingUpdated) Name() string { return EventNameRankingUpdated }

type EventPointsApplied struct {
	Standing Standing
}

func (EventPointsApplied) Name() string { return EventNamePointsApplied }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }

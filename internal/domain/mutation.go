package domain

import (
	"encoding/json"
	"time"
)

// MutationKind is the remote write a queued mutation replays.
type MutationKind string

const (
	MutationCreateSession   MutationKind = "create_session"
	MutationUpdateSession   MutationKind = "update_session"
	MutationInsertAnswer    MutationKind = "insert_answer"
	MutationFinalizeSession MutationKind = "finalize_session"
	MutationApplyPoints     MutationKind = "apply_points"
)

// MutationState tracks one mutation through replay. Acknowledged mutations are removed
// from the queue, so that state is never stored.
type MutationState string

const (
	MutationPending      MutationState = "pending"
	MutationInFlight     MutationState = "in_flight"
	MutationRetrying     MutationState = "retrying"
	MutationAbandoned    MutationState = "abandoned"
	MutationAcknowledged MutationState = "acknowledged"
)

// Mutation is a durable record of one pending remote write.
type Mutation struct {
	MutationID    string          `json:"mutation_id"`
	Seq           int64           `json:"seq"`
	Kind          MutationKind    `json:"kind"`
	SessionID     string          `json:"session_id"`
	QuestionID    string          `json:"question_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	State         MutationState   `json:"state"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
}

// QueueStatus is the aggregate view of the queue shown to the user.
type QueueStatus struct {
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Retrying  int `json:"retrying"`
	Abandoned int `json:"abandoned"`
	// Stalled counts retrying mutations past the configured retry ceiling. They keep
	// retrying; the UI shows them as "pending sync".
	Stalled int `json:"stalled"`
}

// Depth is the number of mutations that have not reached the server.
func (s QueueStatus) Depth() int {
	return s.Pending + s.InFlight + s.Retrying + s.Abandoned
}

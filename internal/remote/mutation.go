package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/errors"
)

// NewMutation snapshots payload into a queued mutation. The payload is one of
// SessionRow, SessionPatch, AnswerRow, Finalization or PointsDelta, matching kind.
func NewMutation(kind domain.MutationKind, sessionID, questionID string, payload any) domain.Mutation {
	b, err := json.Marshal(payload)
	if err != nil {
		// Row types only hold strings, times and decimals.
		panic(fmt.Sprintf("remote: marshal %s payload: %v", kind, err))
	}

	return domain.Mutation{
		Kind:       kind,
		SessionID:  sessionID,
		QuestionID: questionID,
		Payload:    b,
	}
}

// Apply replays m against b. For apply_points the result is the new domain.Standing,
// for other kinds it is nil.
func Apply(ctx context.Context, b Backend, m domain.Mutation) (any, error) {
	switch m.Kind {
	case domain.MutationCreateSession:
		var row SessionRow
		if err := decode(m, &row); err != nil {
			return nil, err
		}
		return nil, b.CreateSession(ctx, row)

	case domain.MutationUpdateSession:
		var patch SessionPatch
		if err := decode(m, &patch); err != nil {
			return nil, err
		}
		return nil, b.UpdateSession(ctx, m.SessionID, patch)

	case domain.MutationInsertAnswer:
		var row AnswerRow
		if err := decode(m, &row); err != nil {
			return nil, err
		}
		return nil, b.InsertAnswer(ctx, row)

	case domain.MutationFinalizeSession:
		var f Finalization
		if err := decode(m, &f); err != nil {
			return nil, err
		}
		return nil, b.FinalizeSession(ctx, m.SessionID, f)

	case domain.MutationApplyPoints:
		var d PointsDelta
		if err := decode(m, &d); err != nil {
			return nil, err
		}
		st, err := b.ApplyPoints(ctx, d)
		if err != nil {
			return nil, err
		}
		return st, nil
	}

	return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown mutation kind: %q", m.Kind))
}

func decode(m domain.Mutation, v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("decode %s payload of %s", m.Kind, m.MutationID),
			errors.WithCause(err),
		)
	}
	return nil
}

package queue

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/victornm/fireprep/internal/domain"
)

var ErrStoreUnavailable = stderrors.New("queue: store unavailable")

// MemoryStore is a Store that lives as long as the process. SetFail makes every write fail,
// to exercise the queue's persistence recovery.
type MemoryStore struct {
	mu   sync.Mutex
	m    map[string]domain.Mutation
	fail bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]domain.Mutation)}
}

func (s *MemoryStore) LoadMutations(context.Context) ([]domain.Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Mutation, 0, len(s.m))
	for _, m := range s.m {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) SaveMutation(_ context.Context, m domain.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail {
		return ErrStoreUnavailable
	}
	s.m[m.MutationID] = m
	return nil
}

func (s *MemoryStore) DeleteMutation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail {
		return ErrStoreUnavailable
	}
	delete(s.m, id)
	return nil
}

func (s *MemoryStore) SetFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fail = fail
}

// Len returns the number of persisted mutations.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.m)
}

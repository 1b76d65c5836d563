package roomstore

import (
	"context"
	"sync"
	"time"

	"github.com/watchroom/watchroom/internal/room"
)

// MemoryStore implements room.Store in process memory. State does not
// survive a restart; it exists for tests and single-node deployments that
// do not want a database.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]persistedState
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]persistedState)}
}

func (s *MemoryStore) LoadAll(ctx context.Context) (map[string]room.Authority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]room.Authority, len(s.states))
	for id, state := range s.states {
		out[id] = state.toAuthority()
	}
	return out, nil
}

func (s *MemoryStore) Save(ctx context.Context, roomID string, a room.Authority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[roomID] = toPersisted(a, time.Now())
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, roomID)
	return nil
}

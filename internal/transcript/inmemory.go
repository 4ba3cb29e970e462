package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps transcripts in process memory for local/dev use.
type InMemoryStore struct {
	mu    sync.RWMutex
	lines map[string][]Line
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{lines: make(map[string][]Line)}
}

func (s *InMemoryStore) SaveLine(_ context.Context, line Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	if line.CreatedAt.IsZero() {
		line.CreatedAt = time.Now().UTC()
	}
	s.lines[line.SessionID] = append(s.lines[line.SessionID], line)
	return nil
}

func (s *InMemoryStore) SessionLines(_ context.Context, sessionID string, limit int) ([]Line, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.lines[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Line, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

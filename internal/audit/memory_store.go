package audit

import (
	"context"
	"sync"
	"time"
)

const memoryStoreCap = 10000

// MemoryStore keeps recent events in a ring for demo/test deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) RecordBatch(_ context.Context, events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	if len(s.events) > memoryStoreCap {
		s.events = s.events[len(s.events)-memoryStoreCap:]
	}
	return nil
}

func (s *MemoryStore) ListByActor(_ context.Context, actorKey string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].ActorKey != actorKey {
			continue
		}
		cp := *s.events[i]
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Event
	for i := len(s.events) - 1; i >= 0; i-- {
		cp := *s.events[i]
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ListBefore(_ context.Context, before time.Time, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if !s.events[i].CreatedAt.Before(before) {
			continue
		}
		cp := *s.events[i]
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

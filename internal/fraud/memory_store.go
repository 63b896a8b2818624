package fraud

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for single-instance
// deployments and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // actorKey → assessments
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*Assessment),
	}
}

func (s *MemoryStore) Record(ctx context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.assessments[a.ActorKey] = append(s.assessments[a.ActorKey], copyAssessment(a))
	return nil
}

func (s *MemoryStore) ListByActor(ctx context.Context, actorKey string, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[actorKey]
	if len(all) == 0 {
		return nil, nil
	}

	start := len(all) - limit
	if start < 0 {
		start = 0
	}

	// Most recent first.
	result := make([]*Assessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, copyAssessment(all[i]))
	}
	return result, nil
}

func copyAssessment(a *Assessment) *Assessment {
	cp := *a
	cp.Factors = make(map[string]float64, len(a.Factors))
	for k, v := range a.Factors {
		cp.Factors[k] = v
	}
	cp.TriggeredRules = append([]string(nil), a.TriggeredRules...)
	return &cp
}

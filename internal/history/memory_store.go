package history

import (
	"context"
	"sync"
	"time"

	"cartguard/internal/signal"
)

// MemoryStore keeps per-actor windows in process memory. Suitable for
// single-instance deployments and tests; use RedisStore when the gate
// runs behind a load balancer.
type MemoryStore struct {
	actors sync.Map // actorKey -> *actorState
}

type actorState struct {
	mu          sync.Mutex
	entries     []Entry
	lastLoc     signal.Location
	scores      []int
	priorBlocks int
	ipRep       int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) state(actorKey string) *actorState {
	if v, ok := s.actors.Load(actorKey); ok {
		return v.(*actorState)
	}
	v, _ := s.actors.LoadOrStore(actorKey, &actorState{})
	return v.(*actorState)
}

func (s *MemoryStore) Snapshot(_ context.Context, actorKey string) (*Snapshot, error) {
	v, ok := s.actors.Load(actorKey)
	if !ok {
		return &Snapshot{}, nil
	}
	st := v.(*actorState)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.prune(time.Now())
	snap := &Snapshot{
		Entries:      make([]Entry, len(st.entries)),
		LastLocation: st.lastLoc,
		RecentScores: make([]int, len(st.scores)),
		PriorBlocks:  st.priorBlocks,
		IPReputation: st.ipRep,
	}
	copy(snap.Entries, st.entries)
	copy(snap.RecentScores, st.scores)
	return snap, nil
}

func (s *MemoryStore) RecordOp(_ context.Context, actorKey string, e Entry) error {
	st := s.state(actorKey)
	st.mu.Lock()
	defer st.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	st.entries = append(st.entries, e)
	st.prune(time.Now())
	return nil
}

func (s *MemoryStore) RecordLocation(_ context.Context, actorKey string, loc signal.Location) error {
	st := s.state(actorKey)
	st.mu.Lock()
	st.lastLoc = loc
	st.mu.Unlock()
	return nil
}

func (s *MemoryStore) RecordScore(_ context.Context, actorKey string, score int) error {
	st := s.state(actorKey)
	st.mu.Lock()
	st.scores = append(st.scores, score)
	if len(st.scores) > maxScoresKept {
		st.scores = st.scores[len(st.scores)-maxScoresKept:]
	}
	st.mu.Unlock()
	return nil
}

func (s *MemoryStore) RecordBlock(_ context.Context, actorKey string) error {
	st := s.state(actorKey)
	st.mu.Lock()
	st.priorBlocks++
	st.mu.Unlock()
	return nil
}

// SetIPReputation seeds an externally sourced reputation score. Exposed for
// feeds and tests; actors default to 0 (unknown).
func (s *MemoryStore) SetIPReputation(actorKey string, score int) {
	st := s.state(actorKey)
	st.mu.Lock()
	st.ipRep = score
	st.mu.Unlock()
}

// SetPriorBlocks seeds an actor's lifetime block count.
func (s *MemoryStore) SetPriorBlocks(actorKey string, n int) {
	st := s.state(actorKey)
	st.mu.Lock()
	st.priorBlocks = n
	st.mu.Unlock()
}

// prune drops entries older than WindowDuration and enforces the size cap.
// Caller holds st.mu.
func (st *actorState) prune(now time.Time) {
	cutoff := now.Add(-WindowDuration)
	i := 0
	for i < len(st.entries) && st.entries[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		st.entries = append(st.entries[:0], st.entries[i:]...)
	}
	if len(st.entries) > MaxWindowSize {
		st.entries = st.entries[len(st.entries)-MaxWindowSize:]
	}
}

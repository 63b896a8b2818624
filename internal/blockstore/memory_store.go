package blockstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"cartguard/internal/fingerprint"
	"cartguard/internal/fraud"
)

// MemoryStore is an in-process Store for single-instance deployments and
// tests. Expired blocks are returned as inactive immediately; the janitor
// reclaims their memory in the background.
type MemoryStore struct {
	mu           sync.RWMutex
	blocks       map[string]*BlockRecord
	whitelist    map[string]WhitelistEntry
	assessments  map[string]cachedAssessment
	fingerprints map[string]cachedFingerprint
}

type cachedAssessment struct {
	a       *fraud.Assessment
	expires time.Time
}

type cachedFingerprint struct {
	fp      *fingerprint.Fingerprint
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blocks:       make(map[string]*BlockRecord),
		whitelist:    make(map[string]WhitelistEntry),
		assessments:  make(map[string]cachedAssessment),
		fingerprints: make(map[string]cachedFingerprint),
	}
}

// StartJanitor sweeps expired blocks and cache entries until ctx ends.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(time.Now())
			}
		}
	}()
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, b := range s.blocks {
		if !b.Active(now) {
			delete(s.blocks, k)
		}
	}
	for k, c := range s.assessments {
		if now.After(c.expires) {
			delete(s.assessments, k)
		}
	}
	for k, c := range s.fingerprints {
		if now.After(c.expires) {
			delete(s.fingerprints, k)
		}
	}
}

func (s *MemoryStore) Upsert(_ context.Context, rec *BlockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.blocks[rec.ActorKey]
	if existing != nil && !existing.Active(time.Now()) {
		existing = nil
	}
	out := merged(existing, rec)
	cp := *out
	s.blocks[rec.ActorKey] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, actorKey string) (*BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[actorKey]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) Delete(_ context.Context, actorKey string) error {
	s.mu.Lock()
	delete(s.blocks, actorKey)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	result := make([]*BlockRecord, 0, len(s.blocks))
	for _, b := range s.blocks {
		if !b.Active(now) {
			continue
		}
		cp := *b
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) AddWhitelist(_ context.Context, e WhitelistEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.whitelist[e.ActorKey] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) RemoveWhitelist(_ context.Context, actorKey string) error {
	s.mu.Lock()
	delete(s.whitelist, actorKey)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) IsWhitelisted(_ context.Context, actorKey string) (bool, error) {
	s.mu.RLock()
	_, ok := s.whitelist[actorKey]
	s.mu.RUnlock()
	return ok, nil
}

func (s *MemoryStore) ListWhitelist(_ context.Context) ([]WhitelistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]WhitelistEntry, 0, len(s.whitelist))
	for _, e := range s.whitelist {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func assessmentKey(actorKey, operation string) string {
	return actorKey + "|" + operation
}

func (s *MemoryStore) CacheAssessment(_ context.Context, a *fraud.Assessment) error {
	s.mu.Lock()
	s.assessments[assessmentKey(a.ActorKey, string(a.Operation))] = cachedAssessment{
		a:       a,
		expires: time.Now().Add(AssessmentTTL),
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CachedAssessment(_ context.Context, actorKey, operation string) (*fraud.Assessment, error) {
	s.mu.RLock()
	c, ok := s.assessments[assessmentKey(actorKey, operation)]
	s.mu.RUnlock()
	if !ok || time.Now().After(c.expires) {
		return nil, nil
	}
	return c.a, nil
}

func fingerprintKey(userID, hash string) string {
	return userID + "|" + hash
}

func (s *MemoryStore) CacheFingerprint(_ context.Context, userID string, fp *fingerprint.Fingerprint) error {
	s.mu.Lock()
	s.fingerprints[fingerprintKey(userID, fp.Hash)] = cachedFingerprint{
		fp:      fp,
		expires: time.Now().Add(FingerprintTTL),
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CachedFingerprint(_ context.Context, userID, hash string) (*fingerprint.Fingerprint, error) {
	s.mu.RLock()
	c, ok := s.fingerprints[fingerprintKey(userID, hash)]
	s.mu.RUnlock()
	if !ok || time.Now().After(c.expires) {
		return nil, nil
	}
	return c.fp, nil
}

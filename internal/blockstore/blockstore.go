// Package blockstore holds the enforcement state shared by every decision:
// active blocks, the whitelist, and short-lived caches for assessments and
// device fingerprints.
//
// Blocks are keyed by actor. Upserts never shorten an existing sentence:
// a permanent block survives any later temporary one, and a longer expiry
// survives a shorter one.
package blockstore

import (
	"context"
	"time"

	"cartguard/internal/fingerprint"
	"cartguard/internal/fraud"
)

// Cache lifetimes.
const (
	AssessmentTTL  = 60 * time.Second
	FingerprintTTL = 24 * time.Hour
)

// BlockRecord is one actor's active block.
type BlockRecord struct {
	ID              string    `json:"id"`
	ActorKey        string    `json:"actorKey"`
	Reason          string    `json:"reason"`
	RiskScore       int       `json:"riskScore"`
	EscalationLevel int       `json:"escalationLevel"`
	Permanent       bool      `json:"permanent"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expiresAt,omitempty"` // zero when permanent
}

// Active reports whether the block is still in force at the given time.
func (b *BlockRecord) Active(now time.Time) bool {
	return b.Permanent || now.Before(b.ExpiresAt)
}

// WhitelistEntry exempts an actor from blocking.
type WhitelistEntry struct {
	ActorKey  string    `json:"actorKey"`
	Reason    string    `json:"reason"`
	AddedBy   string    `json:"addedBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the shared enforcement state. Implementations must be safe for
// concurrent use; Upsert must apply the never-shorten rule atomically.
type Store interface {
	// Upsert installs or extends a block. When a block already exists the
	// outcome keeps the longer sentence and the higher escalation level.
	Upsert(ctx context.Context, rec *BlockRecord) error
	// Get returns the actor's block, active or not, or nil when absent.
	Get(ctx context.Context, actorKey string) (*BlockRecord, error)
	Delete(ctx context.Context, actorKey string) error
	// List returns active blocks, most recent first.
	List(ctx context.Context, limit int) ([]*BlockRecord, error)

	AddWhitelist(ctx context.Context, e WhitelistEntry) error
	RemoveWhitelist(ctx context.Context, actorKey string) error
	IsWhitelisted(ctx context.Context, actorKey string) (bool, error)
	ListWhitelist(ctx context.Context) ([]WhitelistEntry, error)

	// Assessment cache, keyed by actor and operation. Entries live for
	// AssessmentTTL; a miss returns nil, not an error.
	CacheAssessment(ctx context.Context, a *fraud.Assessment) error
	CachedAssessment(ctx context.Context, actorKey, operation string) (*fraud.Assessment, error)

	// Fingerprint cache, keyed by user and identity hash. Entries live for
	// FingerprintTTL; a lookup with a different hash misses, so a changed
	// device always yields a fresh record.
	CacheFingerprint(ctx context.Context, userID string, fp *fingerprint.Fingerprint) error
	CachedFingerprint(ctx context.Context, userID, hash string) (*fingerprint.Fingerprint, error)
}

// merged applies the never-shorten rule to an existing and an incoming
// block, returning the record to store.
func merged(existing, incoming *BlockRecord) *BlockRecord {
	if existing == nil {
		return incoming
	}
	out := *incoming
	out.CreatedAt = existing.CreatedAt
	if existing.Permanent {
		out.Permanent = true
		out.ExpiresAt = time.Time{}
	}
	if !out.Permanent && existing.ExpiresAt.After(out.ExpiresAt) {
		out.ExpiresAt = existing.ExpiresAt
	}
	if existing.EscalationLevel > out.EscalationLevel {
		out.EscalationLevel = existing.EscalationLevel
	}
	if existing.RiskScore > out.RiskScore {
		out.RiskScore = existing.RiskScore
	}
	return &out
}

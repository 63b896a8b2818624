// Package history tracks short-term per-actor state: recent cart operations,
// the last known location, recent risk scores and past blocks.
//
// The scorer consumes an immutable Snapshot per request; the gate records
// outcomes after the decision. Implementations must be safe for concurrent
// use from many simultaneous requests.
package history

import (
	"context"
	"time"

	"cartguard/internal/signal"
)

// Retention bounds for the per-actor operation window.
const (
	WindowDuration = 24 * time.Hour
	MaxWindowSize  = 500
	maxScoresKept  = 50
)

// Entry records a single cart operation for sliding-window analysis.
type Entry struct {
	Operation signal.Operation `json:"operation"`
	Quantity  int              `json:"quantity"`
	UnitPrice int64            `json:"unitPrice"`
	Timestamp time.Time        `json:"timestamp"`
}

// Snapshot is the point-in-time view of one actor handed to the scorer.
// It is a copy: mutating it never affects the store.
type Snapshot struct {
	Entries      []Entry         // operations within WindowDuration, oldest first
	LastLocation signal.Location // zero value when the actor was never located
	RecentScores []int           // recent risk scores, newest last
	PriorBlocks  int             // lifetime count of blocks issued to this actor
	IPReputation int             // 0-100 externally supplied badness, 0 = unknown/clean
}

// Store is the actor history collaborator consumed by the gate and scorer.
type Store interface {
	// Snapshot returns the actor's current state. Unknown actors yield an
	// empty snapshot, not an error.
	Snapshot(ctx context.Context, actorKey string) (*Snapshot, error)
	// RecordOp appends a completed operation to the actor's window.
	RecordOp(ctx context.Context, actorKey string, e Entry) error
	// RecordLocation stores the actor's latest observed location.
	RecordLocation(ctx context.Context, actorKey string, loc signal.Location) error
	// RecordScore appends a computed risk score.
	RecordScore(ctx context.Context, actorKey string, score int) error
	// RecordBlock increments the actor's lifetime block count.
	RecordBlock(ctx context.Context, actorKey string) error
}

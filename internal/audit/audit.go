// Package audit records every gate decision for after-the-fact review.
// Writes are asynchronous and batched so the audit trail never adds
// latency to the request path.
package audit

import (
	"context"
	"time"
)

// Event is one recorded gate decision.
type Event struct {
	ID             string    `json:"id"`
	ActorKey       string    `json:"actorKey"`
	Operation      string    `json:"operation"`
	Action         string    `json:"action"`
	Score          int       `json:"score"`
	Level          string    `json:"level"`
	TriggeredRules []string  `json:"triggeredRules,omitempty"`
	Degraded       bool      `json:"degraded"` // decision made in fail-open mode
	CorrelationID  string    `json:"correlationId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store persists audit events in batches.
type Store interface {
	RecordBatch(ctx context.Context, events []*Event) error
	ListByActor(ctx context.Context, actorKey string, limit int) ([]*Event, error)
	ListRecent(ctx context.Context, limit int) ([]*Event, error)
	// ListBefore returns events created strictly before the given time,
	// newest first. It backs cursor pagination on the admin API.
	ListBefore(ctx context.Context, before time.Time, limit int) ([]*Event, error)
}

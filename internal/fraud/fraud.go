// Package fraud implements real-time multi-factor risk scoring for cart
// operations.
//
// Every mutating cart request is evaluated against ten weighted factors
// spanning request shape (quantity, price), device posture (fingerprint
// trust, bot signature), network origin (IP reputation, geolocation) and
// actor behavior (velocity, patterns, hours, prior risk). Scores range
// from 0 (safe) to 100 (certain fraud) and map onto four risk levels.
package fraud

import (
	"context"
	"time"

	"cartguard/internal/signal"
)

// Level buckets a numeric score for policy decisions and reporting.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Level boundaries on the 0-100 score scale.
const (
	maxLowScore    = 30
	maxMediumScore = 70
	maxHighScore   = 90
)

// LevelFor maps a score to its risk level.
func LevelFor(score int) Level {
	switch {
	case score <= maxLowScore:
		return LevelLow
	case score <= maxMediumScore:
		return LevelMedium
	case score <= maxHighScore:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Assessment is the result of scoring a single cart operation.
type Assessment struct {
	ID             string             `json:"id"`
	ActorKey       string             `json:"actorKey"`
	Operation      signal.Operation   `json:"operation"`
	Score          int                `json:"score"`
	Level          Level              `json:"level"`
	ShouldBlock    bool               `json:"shouldBlock"`
	TriggeredRules []string           `json:"triggeredRules"`
	Factors        map[string]float64 `json:"factors"`
	EvaluatedAt    time.Time          `json:"evaluatedAt"`
}

// Store persists assessments for audit trail and history queries.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListByActor(ctx context.Context, actorKey string, limit int) ([]*Assessment, error)
}

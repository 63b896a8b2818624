package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists audit events in PostgreSQL. Batches are written
// with COPY for throughput; the audit_events table is created by the
// migrations in migrations/.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) RecordBatch(ctx context.Context, events []*Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("audit_events",
		"id", "actor_key", "operation", "action", "score", "level",
		"triggered_rules", "degraded", "correlation_id", "created_at"))
	if err != nil {
		return fmt.Errorf("prepare audit copy: %w", err)
	}

	for _, e := range events {
		_, err = stmt.ExecContext(ctx, e.ID, e.ActorKey, e.Operation, e.Action,
			e.Score, e.Level, pq.Array(e.TriggeredRules), e.Degraded,
			e.CorrelationID, e.CreatedAt)
		if err != nil {
			_ = stmt.Close()
			return fmt.Errorf("copy audit event: %w", err)
		}
	}
	if _, err = stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("flush audit copy: %w", err)
	}
	if err = stmt.Close(); err != nil {
		return fmt.Errorf("close audit copy: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit audit batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByActor(ctx context.Context, actorKey string, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_key, operation, action, score, level,
		       triggered_rules, degraded, correlation_id, created_at
		FROM audit_events
		WHERE actor_key = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, actorKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_key, operation, action, score, level,
		       triggered_rules, degraded, correlation_id, created_at
		FROM audit_events
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (s *PostgresStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_key, operation, action, score, level,
		       triggered_rules, degraded, correlation_id, created_at
		FROM audit_events
		WHERE created_at < $1
		ORDER BY created_at DESC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var result []*Event
	for rows.Next() {
		var e Event
		var rules pq.StringArray
		if err := rows.Scan(&e.ID, &e.ActorKey, &e.Operation, &e.Action,
			&e.Score, &e.Level, &rules, &e.Degraded,
			&e.CorrelationID, &e.CreatedAt); err != nil {
			continue
		}
		e.TriggeredRules = []string(rules)
		result = append(result, &e)
	}
	return result, rows.Err()
}

package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store. The
// fraud_assessments table is created by the migrations in migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	factorsJSON, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fraud_assessments
			(id, actor_key, operation, score, level, should_block, triggered_rules, factors, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		a.ID,
		a.ActorKey,
		string(a.Operation),
		a.Score,
		string(a.Level),
		a.ShouldBlock,
		pq.Array(a.TriggeredRules),
		factorsJSON,
		a.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByActor(ctx context.Context, actorKey string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_key, operation, score, level, should_block, triggered_rules, factors, evaluated_at
		FROM fraud_assessments
		WHERE actor_key = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, actorKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var a Assessment
		var factorsJSON []byte
		var rules pq.StringArray

		if err := rows.Scan(&a.ID, &a.ActorKey, &a.Operation, &a.Score, &a.Level,
			&a.ShouldBlock, &rules, &factorsJSON, &a.EvaluatedAt); err != nil {
			continue
		}
		a.TriggeredRules = []string(rules)
		a.Factors = make(map[string]float64)
		_ = json.Unmarshal(factorsJSON, &a.Factors)
		result = append(result, &a)
	}
	return result, rows.Err()
}

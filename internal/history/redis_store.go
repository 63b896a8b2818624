package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"cartguard/internal/signal"
)

// RedisStore shares actor history across gate instances. Operation windows
// and score lists live in capped Redis lists with a TTL so idle actors age
// out without a janitor.
type RedisStore struct {
	rdb *redis.Client
}

const (
	opsKeyPrefix    = "cg:hist:ops:"
	locKeyPrefix    = "cg:hist:loc:"
	scoresKeyPrefix = "cg:hist:scores:"
	blocksKeyPrefix = "cg:hist:blocks:"
	ipRepKeyPrefix  = "cg:hist:iprep:"

	scoresTTL = 7 * 24 * time.Hour
	blocksTTL = 30 * 24 * time.Hour
)

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Snapshot(ctx context.Context, actorKey string) (*Snapshot, error) {
	pipe := s.rdb.Pipeline()
	opsCmd := pipe.LRange(ctx, opsKeyPrefix+actorKey, 0, MaxWindowSize-1)
	locCmd := pipe.Get(ctx, locKeyPrefix+actorKey)
	scoresCmd := pipe.LRange(ctx, scoresKeyPrefix+actorKey, 0, maxScoresKept-1)
	blocksCmd := pipe.Get(ctx, blocksKeyPrefix+actorKey)
	ipRepCmd := pipe.Get(ctx, ipRepKeyPrefix+actorKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("history snapshot for %s: %w", actorKey, err)
	}

	snap := &Snapshot{}
	cutoff := time.Now().Add(-WindowDuration)
	raw, _ := opsCmd.Result()
	// Lists are newest-first; rebuild oldest-first and drop expired entries.
	for i := len(raw) - 1; i >= 0; i-- {
		var e Entry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			continue
		}
		if e.Timestamp.Before(cutoff) {
			continue
		}
		snap.Entries = append(snap.Entries, e)
	}
	if data, err := locCmd.Result(); err == nil {
		_ = json.Unmarshal([]byte(data), &snap.LastLocation)
	}
	rawScores, _ := scoresCmd.Result()
	for i := len(rawScores) - 1; i >= 0; i-- {
		if n, err := strconv.Atoi(rawScores[i]); err == nil {
			snap.RecentScores = append(snap.RecentScores, n)
		}
	}
	if data, err := blocksCmd.Result(); err == nil {
		snap.PriorBlocks, _ = strconv.Atoi(data)
	}
	if data, err := ipRepCmd.Result(); err == nil {
		snap.IPReputation, _ = strconv.Atoi(data)
	}
	return snap, nil
}

func (s *RedisStore) RecordOp(ctx context.Context, actorKey string, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	key := opsKeyPrefix + actorKey
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, MaxWindowSize-1)
	pipe.Expire(ctx, key, WindowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record op for %s: %w", actorKey, err)
	}
	return nil
}

func (s *RedisStore) RecordLocation(ctx context.Context, actorKey string, loc signal.Location) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("marshal location: %w", err)
	}
	if err := s.rdb.Set(ctx, locKeyPrefix+actorKey, data, scoresTTL).Err(); err != nil {
		return fmt.Errorf("record location for %s: %w", actorKey, err)
	}
	return nil
}

func (s *RedisStore) RecordScore(ctx context.Context, actorKey string, score int) error {
	key := scoresKeyPrefix + actorKey
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, key, score)
	pipe.LTrim(ctx, key, 0, maxScoresKept-1)
	pipe.Expire(ctx, key, scoresTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record score for %s: %w", actorKey, err)
	}
	return nil
}

func (s *RedisStore) RecordBlock(ctx context.Context, actorKey string) error {
	key := blocksKeyPrefix + actorKey
	pipe := s.rdb.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, blocksTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record block for %s: %w", actorKey, err)
	}
	return nil
}

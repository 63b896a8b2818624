package blockstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cartguard/internal/fingerprint"
	"cartguard/internal/fraud"
)

// RedisStore shares enforcement state across gate instances. Temporary
// blocks carry a Redis TTL so expiry needs no janitor; the never-shorten
// rule is applied under WATCH so concurrent upserts for the same actor
// cannot lose the longer sentence.
type RedisStore struct {
	rdb *redis.Client
}

const (
	blockKeyPrefix  = "cg:block:"
	wlKeyPrefix     = "cg:wl:"
	assessKeyPrefix = "cg:assess:"
	fpKeyPrefix     = "cg:fp:"

	wlIndexKey = "cg:wl:index"

	upsertRetries = 5
)

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Upsert(ctx context.Context, rec *BlockRecord) error {
	key := blockKeyPrefix + rec.ActorKey

	txn := func(tx *redis.Tx) error {
		var existing *BlockRecord
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var b BlockRecord
			if jerr := json.Unmarshal(data, &b); jerr == nil && b.Active(time.Now()) {
				existing = &b
			}
		case errors.Is(err, redis.Nil):
		default:
			return err
		}

		out := merged(existing, rec)
		payload, err := json.Marshal(out)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if out.Permanent {
				pipe.Set(ctx, key, payload, 0)
			} else {
				ttl := time.Until(out.ExpiresAt)
				if ttl <= 0 {
					return nil
				}
				pipe.Set(ctx, key, payload, ttl)
			}
			return nil
		})
		return err
	}

	for i := 0; i < upsertRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("upsert block for %s: %w", rec.ActorKey, err)
	}
	return fmt.Errorf("upsert block for %s: too much contention", rec.ActorKey)
}

func (s *RedisStore) Get(ctx context.Context, actorKey string) (*BlockRecord, error) {
	data, err := s.rdb.Get(ctx, blockKeyPrefix+actorKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get block for %s: %w", actorKey, err)
	}
	var b BlockRecord
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode block for %s: %w", actorKey, err)
	}
	return &b, nil
}

func (s *RedisStore) Delete(ctx context.Context, actorKey string) error {
	if err := s.rdb.Del(ctx, blockKeyPrefix+actorKey).Err(); err != nil {
		return fmt.Errorf("delete block for %s: %w", actorKey, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]*BlockRecord, error) {
	var result []*BlockRecord
	iter := s.rdb.Scan(ctx, 0, blockKeyPrefix+"*", 200).Iterator()
	now := time.Now()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var b BlockRecord
		if err := json.Unmarshal(data, &b); err != nil || !b.Active(now) {
			continue
		}
		result = append(result, &b)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	return result, nil
}

func (s *RedisStore) AddWhitelist(ctx context.Context, e WhitelistEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal whitelist entry: %w", err)
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, wlKeyPrefix+e.ActorKey, data, 0)
	pipe.SAdd(ctx, wlIndexKey, e.ActorKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add whitelist for %s: %w", e.ActorKey, err)
	}
	return nil
}

func (s *RedisStore) RemoveWhitelist(ctx context.Context, actorKey string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, wlKeyPrefix+actorKey)
	pipe.SRem(ctx, wlIndexKey, actorKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove whitelist for %s: %w", actorKey, err)
	}
	return nil
}

func (s *RedisStore) IsWhitelisted(ctx context.Context, actorKey string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, wlIndexKey, actorKey).Result()
	if err != nil {
		return false, fmt.Errorf("whitelist check for %s: %w", actorKey, err)
	}
	return ok, nil
}

func (s *RedisStore) ListWhitelist(ctx context.Context) ([]WhitelistEntry, error) {
	keys, err := s.rdb.SMembers(ctx, wlIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list whitelist: %w", err)
	}
	var result []WhitelistEntry
	for _, actorKey := range keys {
		data, err := s.rdb.Get(ctx, wlKeyPrefix+actorKey).Bytes()
		if err != nil {
			continue
		}
		var e WhitelistEntry
		if err := json.Unmarshal(data, &e); err == nil {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *RedisStore) CacheAssessment(ctx context.Context, a *fraud.Assessment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal assessment: %w", err)
	}
	key := assessKeyPrefix + assessmentKey(a.ActorKey, string(a.Operation))
	if err := s.rdb.Set(ctx, key, data, AssessmentTTL).Err(); err != nil {
		return fmt.Errorf("cache assessment: %w", err)
	}
	return nil
}

func (s *RedisStore) CachedAssessment(ctx context.Context, actorKey, operation string) (*fraud.Assessment, error) {
	data, err := s.rdb.Get(ctx, assessKeyPrefix+assessmentKey(actorKey, operation)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cached assessment: %w", err)
	}
	var a fraud.Assessment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, nil
	}
	return &a, nil
}

func (s *RedisStore) CacheFingerprint(ctx context.Context, userID string, fp *fingerprint.Fingerprint) error {
	data, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("marshal fingerprint: %w", err)
	}
	if err := s.rdb.Set(ctx, fpKeyPrefix+userID+":"+fp.Hash, data, FingerprintTTL).Err(); err != nil {
		return fmt.Errorf("cache fingerprint: %w", err)
	}
	return nil
}

func (s *RedisStore) CachedFingerprint(ctx context.Context, userID, hash string) (*fingerprint.Fingerprint, error) {
	data, err := s.rdb.Get(ctx, fpKeyPrefix+userID+":"+hash).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cached fingerprint: %w", err)
	}
	var fp fingerprint.Fingerprint
	if err := json.Unmarshal(data, &fp); err != nil {
		return nil, nil
	}
	return &fp, nil
}

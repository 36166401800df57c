package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys for checkpoints.
const (
	// RedisKeyPrefix prefixes the JSON blob of every checkpoint.
	RedisKeyPrefix = "fetcher:checkpoint:"

	// RedisKeyIndex is a sorted set of checkpoint ids scored by creation time.
	RedisKeyIndex = "fetcher:checkpoints"
)

// RedisStore keeps checkpoints in Redis.
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisStore creates a Redis checkpoint store. A ttl of 0 keeps
// checkpoints until they are deleted.
func NewRedisStore(redisClient *redis.Client, ttl time.Duration) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis: redisClient,
		ttl:   ttl,
	}
}

func redisKey(id string) string {
	return RedisKeyPrefix + id
}

// Save stores a checkpoint and indexes it.
func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(cp)
	if err != nil {
		CheckpointErrors.WithLabelValues("redis", "save").Inc()
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, redisKey(cp.ID), data, s.ttl)
	pipe.ZAdd(ctx, RedisKeyIndex, redis.Z{
		Score:  float64(cp.CreatedAt.UnixMilli()),
		Member: cp.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		CheckpointErrors.WithLabelValues("redis", "save").Inc()
		return fmt.Errorf("redis save checkpoint: %w", err)
	}

	CheckpointsWritten.WithLabelValues("redis", cp.Reason).Inc()
	return nil
}

// Get retrieves a checkpoint by id.
// Returns ErrNotFound if the key doesn't exist or has expired.
func (s *RedisStore) Get(ctx context.Context, id string) (*Checkpoint, error) {
	data, err := s.redis.Get(ctx, redisKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		CheckpointErrors.WithLabelValues("redis", "get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		CheckpointErrors.WithLabelValues("redis", "get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// List returns up to limit checkpoints, newest first. Index entries whose
// blob has expired are dropped from the index and the next ones read instead.
func (s *RedisStore) List(ctx context.Context, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		return nil, nil
	}

	out := make([]*Checkpoint, 0, limit)
	var start int64
	for len(out) < limit {
		want := int64(limit - len(out))
		ids, err := s.redis.ZRevRange(ctx, RedisKeyIndex, start, start+want-1).Result()
		if err != nil {
			CheckpointErrors.WithLabelValues("redis", "list").Inc()
			return nil, fmt.Errorf("redis zrevrange: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			cp, err := s.Get(ctx, id)
			if errors.Is(err, ErrNotFound) {
				// pruned entries shift the rest of the index up
				s.redis.ZRem(ctx, RedisKeyIndex, id)
				continue
			}
			if err != nil {
				return out, err
			}
			out = append(out, cp)
			start++
		}
	}
	return out, nil
}

// Delete removes a checkpoint. Returns ErrNotFound if it does not exist.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.redis.TxPipeline()
	del := pipe.Del(ctx, redisKey(id))
	pipe.ZRem(ctx, RedisKeyIndex, id)
	if _, err := pipe.Exec(ctx); err != nil {
		CheckpointErrors.WithLabelValues("redis", "delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisRecordPrefix = "saccharum:analysis:"
	redisIndexKey     = "saccharum:analyses"
)

// RedisStore implements Store using Redis. Each record is a JSON string
// under "saccharum:analysis:{id}"; a sorted set scored by creation time
// orders the history.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	mu     sync.RWMutex
}

// NewRedisStore creates a Redis-backed history.
//
// Parameters:
//   - addr: Redis server address (e.g., "localhost:6379")
//   - password: Redis password (empty string for no auth)
//   - db: Redis database number (typically 0)
//   - ttl: record expiration (0 keeps records until deleted)
//
// Returns an error if the connection to Redis fails or if parameters are invalid.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}
	if ttl < 0 {
		return nil, errors.New("redis ttl must be >= 0")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisStore{
		client: client,
		ttl:    ttl,
	}, nil
}

func recordKey(id string) string {
	return redisRecordPrefix + id
}

func validID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidRecord)
	}
	for _, c := range id {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_') {
			return fmt.Errorf("%w: invalid id %q: only alphanumeric, hyphens, and underscores allowed", ErrInvalidRecord, id)
		}
	}
	return nil
}

// Put stores a record and indexes it by creation time.
func (r *RedisStore) Put(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	if err := validID(rec.ID); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, recordKey(rec.ID), data, r.ttl)
		pipe.ZAdd(ctx, redisIndexKey, redis.Z{
			Score:  float64(rec.CreatedAt.UnixMilli()),
			Member: rec.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store record in redis: %w", err)
	}
	return nil
}

// Get retrieves a record by ID.
func (r *RedisStore) Get(ctx context.Context, id string) (Record, bool, error) {
	if err := validID(id); err != nil {
		return Record{}, false, nil
	}

	data, err := r.client.Get(ctx, recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("failed to get record from redis: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, true, nil
}

// List returns up to limit records, newest first. Index entries whose record
// has expired are pruned along the way.
func (r *RedisStore) List(ctx context.Context, limit int) ([]Record, error) {
	limit = normalizeLimit(limit)

	if r.ttl > 0 {
		cutoff := time.Now().Add(-r.ttl).UnixMilli()
		if err := r.client.ZRemRangeByScore(ctx, redisIndexKey, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune history index: %w", err)
		}
	}

	ids, err := r.client.ZRevRange(ctx, redisIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history index: %w", err)
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	records := make([]Record, 0, len(values))
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record %s: %w", ids[i], err)
		}
		records = append(records, rec)
	}

	if len(stale) > 0 {
		if err := r.client.ZRem(ctx, redisIndexKey, stale...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune history index: %w", err)
		}
	}
	return records, nil
}

// Delete removes a record and its index entry.
func (r *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := validID(id); err != nil {
		return false, nil
	}

	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, recordKey(id))
		pipe.ZRem(ctx, redisIndexKey, id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete record from redis: %w", err)
	}
	return del.Val() > 0, nil
}

// Close closes the Redis client connection.
// It is safe to call multiple times (idempotent).
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}

	return err
}

// Ping checks the Redis connection health.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

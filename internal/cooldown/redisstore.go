package cooldown

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisKey is the single hash key all cooldown entries live under.
// A hash (rather than one Redis key per entry) lets Save overwrite the
// whole table atomically with DEL + HSET in one MULTI/EXEC round trip, matching the
// "last-writer-wins" semantics spec §4.4 requires.
const redisKey = "llmgateway:cooldowns"

// RedisStore persists cooldown state to Redis, satisfying spec §6's
// Cooldown store external interface (load/save) and §4.4's "Persistence"
// requirement concretely.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr. The connection is lazy — go-redis
// dials on first use — so this never blocks or fails at construction.
func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewRedisStoreFromClient wraps an existing *redis.Client, letting
// tests point the store at a miniredis instance.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Load(ctx context.Context) (map[string]Entry, error) {
	raw, err := s.client.HGetAll(ctx, redisKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL: %w", err)
	}

	entries := make(map[string]Entry, len(raw))
	for k, v := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			// A single corrupt entry shouldn't take down startup; skip it.
			continue
		}
		entries[k] = e
	}
	return entries, nil
}

func (s *RedisStore) Save(ctx context.Context, entries map[string]Entry) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisKey)
	if len(entries) > 0 {
		fields := make(map[string]any, len(entries))
		for k, e := range entries {
			b, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshaling cooldown entry %q: %w", k, err)
			}
			fields[k] = b
		}
		pipe.HSet(ctx, redisKey, fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline exec: %w", err)
	}
	return nil
}

// MemoryStore is a Store that keeps state only for the process lifetime.
// Used when no Redis address is configured, and in tests that don't
// need to exercise persistence itself.
type MemoryStore struct {
	snapshot map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshot: make(map[string]Entry)}
}

func (s *MemoryStore) Load(context.Context) (map[string]Entry, error) {
	return s.snapshot, nil
}

func (s *MemoryStore) Save(_ context.Context, entries map[string]Entry) error {
	s.snapshot = entries
	return nil
}

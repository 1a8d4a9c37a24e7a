package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const progressKeyPrefix = "progress:"

// RedisProgressStore keeps progress entries in Redis with a TTL so a crashed
// process does not leave entries behind forever. Repeated writes of the same
// status for a key are throttled.
type RedisProgressStore struct {
	client *redis.Client
	ttl    time.Duration
	limit  rate.Limit

	mu    sync.Mutex
	gates map[string]*writeGate
}

type writeGate struct {
	limiter *rate.Limiter
	status  string
}

// initRedis connects to Redis and returns nil when it is not reachable, so the
// caller can fall back to in-memory storage.
func initRedis(ctx context.Context, addr, password string, db int, logger *zap.Logger) *redis.Client {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		logger.Warn("redis not available, using in-memory progress storage", zap.String("addr", addr), zap.Error(err))
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", zap.String("addr", addr))
	return client
}

func NewRedisProgressStore(client *redis.Client, ttl time.Duration, writesPerSecond float64) *RedisProgressStore {
	if writesPerSecond <= 0 {
		writesPerSecond = DefaultProgressWriteRate
	}
	return &RedisProgressStore{
		client: client,
		ttl:    ttl,
		limit:  rate.Limit(writesPerSecond),
		gates:  make(map[string]*writeGate),
	}
}

func progressKey(key string) string {
	return progressKeyPrefix + key
}

func (s *RedisProgressStore) Save(ctx context.Context, key string, entry ProgressEntry) error {
	if !s.allow(key, entry) {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, progressKey(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set progress: %w", err)
	}
	return nil
}

func (s *RedisProgressStore) Load(ctx context.Context, key string) (ProgressEntry, bool, error) {
	val, err := s.client.Get(ctx, progressKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return ProgressEntry{}, false, nil
	}
	if err != nil {
		return ProgressEntry{}, false, fmt.Errorf("redis get progress: %w", err)
	}
	var entry ProgressEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return ProgressEntry{}, false, fmt.Errorf("decode progress: %w", err)
	}
	return entry, true, nil
}

func (s *RedisProgressStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.gates, key)
	s.mu.Unlock()
	if err := s.client.Del(ctx, progressKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del progress: %w", err)
	}
	return nil
}

func (s *RedisProgressStore) Name() string { return "redis" }

// allow lets every status change through and rate limits repeats of the
// same status, which is what a download engine reporting bytes produces.
func (s *RedisProgressStore) allow(key string, entry ProgressEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[key]
	if !ok {
		g = &writeGate{limiter: rate.NewLimiter(s.limit, 1)}
		s.gates[key] = g
	}
	if g.status != entry.Status {
		g.status = entry.Status
		g.limiter.Allow()
		return true
	}
	return g.limiter.Allow()
}

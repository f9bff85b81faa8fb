package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terra-clan/mainframe-engine/internal/progression"
)

// RedisStore implements Store on Redis. Snapshots are JSON under
// "session:<id>:state" with a sliding TTL, so abandoned sessions age out of
// the cache on their own.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed snapshot store
func NewRedisStore(address, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

func snapshotKey(sessionID string) string {
	return "session:" + sessionID + ":state"
}

// Save implements Store
func (s *RedisStore) Save(ctx context.Context, sessionID string, snap progression.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := s.client.Set(ctx, snapshotKey(sessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	slog.Debug("snapshot saved", "session_id", sessionID, "bytes", len(data))
	return nil
}

// Load implements Store
func (s *RedisStore) Load(ctx context.Context, sessionID string) (progression.Snapshot, bool, error) {
	data, err := s.client.Get(ctx, snapshotKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return progression.Snapshot{}, false, nil
		}
		return progression.Snapshot{}, false, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap progression.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return progression.Snapshot{}, false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return snap, true, nil
}

// Delete implements Store
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, snapshotKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// HealthCheck verifies Redis connectivity
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

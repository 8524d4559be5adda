// Package redis backs event deduplication with Redis SET NX, for
// deployments running more than one availability replica behind the same
// push subscription.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Store struct {
	client *redis.Client
	window time.Duration
	log    *zap.Logger
}

// NewStore connects to Redis and verifies the connection.
func NewStore(addr, password string, db int, window time.Duration, log *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client, window: window, log: log}, nil
}

func (s *Store) key(eventID string) string {
	return fmt.Sprintf("event_seen:%s", eventID)
}

// ShouldProcess returns true iff this replica set has not seen eventID
// inside the window. SET NX with expiry makes the check-and-mark atomic
// across replicas. Redis failures fail open.
func (s *Store) ShouldProcess(ctx context.Context, eventID string) bool {
	first, err := s.client.SetNX(ctx, s.key(eventID), 1, s.window).Result()
	if err != nil {
		s.log.Warn("dedup store unavailable, processing event",
			zap.String("event_id", eventID),
			zap.Error(err))
		return true
	}
	return first
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

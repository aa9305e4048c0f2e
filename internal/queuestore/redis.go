// internal/queuestore/redis.go
package queuestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store keeps each lobby's waiting queue as an ordered Redis list. Duplicate
// prevention is the orchestrator's job; every operation here is atomic.
type Store struct {
	rdb *redis.Client
}

// Connect initializes the client and verifies connectivity.
func Connect(ctx context.Context, addr string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &Store{rdb: rdb}, nil
}

// NewWithClient wraps an existing client, for tests against miniature
// deployments.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func queueKey(lobbyID int64) string {
	return fmt.Sprintf("pug:queue:%d", lobbyID)
}

// List returns the queued user IDs in join order.
func (s *Store) List(ctx context.Context, lobbyID int64) ([]string, error) {
	ids, err := s.rdb.LRange(ctx, queueKey(lobbyID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read queue for lobby %d: %w", lobbyID, err)
	}
	return ids, nil
}

// Push appends a user to the back of the queue.
func (s *Store) Push(ctx context.Context, lobbyID int64, userID string) error {
	if err := s.rdb.RPush(ctx, queueKey(lobbyID), userID).Err(); err != nil {
		return fmt.Errorf("enqueue %s in lobby %d: %w", userID, lobbyID, err)
	}
	return nil
}

// Remove takes a user out of the queue, reporting whether they were present.
func (s *Store) Remove(ctx context.Context, lobbyID int64, userID string) (bool, error) {
	n, err := s.rdb.LRem(ctx, queueKey(lobbyID), 1, userID).Result()
	if err != nil {
		return false, fmt.Errorf("dequeue %s from lobby %d: %w", userID, lobbyID, err)
	}
	return n > 0, nil
}

// Clear empties a lobby's queue.
func (s *Store) Clear(ctx context.Context, lobbyID int64) error {
	if err := s.rdb.Del(ctx, queueKey(lobbyID)).Err(); err != nil {
		return fmt.Errorf("clear queue for lobby %d: %w", lobbyID, err)
	}
	return nil
}

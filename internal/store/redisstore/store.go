package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store keeps the per-session AI conversation handle. Handles are a cache of
// responder-side context: losing one is harmless (the next turn recreates it),
// so everything here carries a TTL.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

const handleTTL = 24 * time.Hour

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl: handleTTL,
	}
}

func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, ttl: handleTTL}
}

func handleKey(sessionID string) string {
	return "chat:conv_handle:" + sessionID
}

// GetHandle returns the stored handle for a session, or "" when absent.
func (s *Store) GetHandle(ctx context.Context, sessionID string) (string, error) {
	v, err := s.rdb.Get(ctx, handleKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *Store) PutHandle(ctx context.Context, sessionID, handle string) error {
	return s.rdb.Set(ctx, handleKey(sessionID), handle, s.ttl).Err()
}

func (s *Store) DeleteHandle(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, handleKey(sessionID)).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

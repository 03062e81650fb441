package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// sessionKeyPrefix namespaces session keys: session:<token> → user id.
const sessionKeyPrefix = "session:"

// Redis resolves opaque bearer tokens against a Redis session store.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

// Resolve implements Resolver.
func (s *Redis) Resolve(r *http.Request) (Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return Identity{}, ErrNoSession
	}

	userID, err := s.rdb.Get(r.Context(), sessionKeyPrefix+token).Result()
	if errors.Is(err, redis.Nil) || (err == nil && userID == "") {
		return Identity{}, ErrNoSession
	}
	if err != nil {
		return Identity{}, fmt.Errorf("looking up session: %w", err)
	}
	return Identity{UserID: userID}, nil
}

// Close closes the Redis client.
func (s *Redis) Close() error {
	return s.rdb.Close()
}

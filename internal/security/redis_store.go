package security

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys for the shared security state. Several Master instances (or a
// restart) converge on the same block set through these.
const (
	blockedSetKey = "scada:security:blocked"
	storeTimeout  = 2 * time.Second
)

// SharedStore persists the block set in Redis so blocks survive Master
// restarts. All operations are best-effort; the in-memory engine state is
// authoritative for the running process.
type SharedStore struct {
	client *redis.Client
}

// NewSharedStore connects to Redis and verifies the connection with a ping.
func NewSharedStore(addr, password string, db int) (*SharedStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  storeTimeout,
		WriteTimeout: storeTimeout,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &SharedStore{client: client}, nil
}

// SaveBlocked adds the IP to the shared block set.
func (s *SharedStore) SaveBlocked(clientIP string) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return s.client.SAdd(ctx, blockedSetKey, clientIP).Err()
}

// RemoveBlocked clears the IP from the shared block set.
func (s *SharedStore) RemoveBlocked(clientIP string) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return s.client.SRem(ctx, blockedSetKey, clientIP).Err()
}

// LoadBlocked returns the persisted block set.
func (s *SharedStore) LoadBlocked() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return s.client.SMembers(ctx, blockedSetKey).Result()
}

// Close releases the Redis connection pool.
func (s *SharedStore) Close() error {
	return s.client.Close()
}

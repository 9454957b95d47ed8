package constraints

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisKey namespaces the mirrored snapshot in the shared keyspace.
const redisKey = "policyplane:constraint_cache:snapshot"

// RedisMirror write-through-replicates the constraint cache snapshot to
// Redis. It is never consulted on the /evaluate hot path.
type RedisMirror struct {
	client *redis.Client
}

// NewRedisMirror constructs a mirror against addr ("host:port").
func NewRedisMirror(addr string) *RedisMirror {
	return &RedisMirror{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Write serializes the snapshot and stores it as a single JSON value.
func (m *RedisMirror) Write(ctx context.Context, snapshot map[string]ServiceSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("constraints: marshal snapshot: %w", err)
	}
	if err := m.client.Set(ctx, redisKey, data, 0).Err(); err != nil {
		return fmt.Errorf("constraints: redis set: %w", err)
	}
	return nil
}

// Load reads back a previously mirrored snapshot. Nothing in this
// repository calls it: Cache starts from an empty snapshot and is filled
// only by its own authority refreshes.
func (m *RedisMirror) Load(ctx context.Context) (map[string]ServiceSnapshot, error) {
	data, err := m.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return map[string]ServiceSnapshot{}, nil
		}
		return nil, fmt.Errorf("constraints: redis get: %w", err)
	}
	var snapshot map[string]ServiceSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("constraints: unmarshal snapshot: %w", err)
	}
	return snapshot, nil
}

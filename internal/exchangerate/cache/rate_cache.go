package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/settlement/internal/exchangerate/domain"
)

const currentRateKey = "settlement:rates:current"

// RateCache shares the current snapshot between instances.
type RateCache struct {
	client *redis.Client
	key    string
}

func NewRateCache(client *redis.Client) *RateCache {
	if client == nil {
		return nil
	}
	return &RateCache{client: client, key: currentRateKey}
}

func (c *RateCache) Get(ctx context.Context) (*domain.RateSnapshot, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(raw)
}

func (c *RateCache) Set(ctx context.Context, snapshot domain.RateSnapshot, ttl time.Duration) error {
	if c == nil || c.client == nil || !snapshot.Persisted() {
		return nil
	}
	raw, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key, raw, ttl).Err()
}

func encodeSnapshot(snapshot domain.RateSnapshot) ([]byte, error) {
	snapshot.Stale = false
	return json.Marshal(snapshot)
}

func decodeSnapshot(raw []byte) (*domain.RateSnapshot, error) {
	var snapshot domain.RateSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, err
	}
	if !snapshot.Persisted() || !snapshot.Rate.IsPositive() {
		return nil, nil
	}
	return &snapshot, nil
}

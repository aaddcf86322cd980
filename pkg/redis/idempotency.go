// Package redis stores idempotency keys and the responses of completed requests.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/abgdnv/storefront/pkg/web"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyPrefix = "idempotency:"
	// pendingMarker is the value of a key whose request has not completed yet.
	pendingMarker = "pending"
)

type IdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewIdempotencyStore(client *redis.Client, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{client: client, ttl: ttl}
}

// Reserve claims key for ttl. If the key is already claimed it returns false and,
// when the first request has completed, its stored response.
func (s *IdempotencyStore) Reserve(ctx context.Context, key string) (bool, *web.StoredResponse, error) {
	ok, err := s.client.SetNX(ctx, idempotencyKeyPrefix+key, pendingMarker, s.ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if ok {
		return true, nil, nil
	}

	value, err := s.client.Get(ctx, idempotencyKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// released or expired between the two calls
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if value == pendingMarker {
		return false, nil, nil
	}
	var stored web.StoredResponse
	if err := json.Unmarshal([]byte(value), &stored); err != nil {
		return false, nil, fmt.Errorf("failed to decode stored response: %w", err)
	}
	return false, &stored, nil
}

// Complete replaces the pending marker with the response, keeping the key's ttl.
func (s *IdempotencyStore) Complete(ctx context.Context, key string, resp web.StoredResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	if err := s.client.Set(ctx, idempotencyKeyPrefix+key, data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to store response: %w", err)
	}
	return nil
}

// Release frees a claimed key so the request can be retried.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, idempotencyKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

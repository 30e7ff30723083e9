// Package cache keeps the responses of write requests that carried an
// Idempotency-Key, so a retried request is answered without running again.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store kinds accepted by NewIdempotencyStore
const (
	KindNone   = "none"
	KindMemory = "memory"
	KindRedis  = "redis"
)

// ErrInFlight is returned by Reserve while another request holds the key
var ErrInFlight = errors.New("cache: request with this idempotency key is in progress")

// Response is a completed response kept for replay
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// IdempotencyStore reserves keys and remembers the response of the request
// that reserved them.
type IdempotencyStore interface {
	// Reserve claims key for ttl. It returns (nil, nil) when the caller now
	// owns the key, the stored response when the key already completed, and
	// ErrInFlight when the owner has not finished yet.
	Reserve(ctx context.Context, key string, ttl time.Duration) (*Response, error)
	// Complete stores the owner's response under key for ttl
	Complete(ctx context.Context, key string, resp Response, ttl time.Duration) error
	// Release drops a reservation so the request may be retried
	Release(ctx context.Context, key string) error
	Close() error
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NewIdempotencyStore builds the store named by kind. KindNone returns a nil
// store, which disables idempotency handling.
func NewIdempotencyStore(kind string, redisCfg RedisConfig) (IdempotencyStore, error) {
	switch kind {
	case KindNone, "":
		return nil, nil
	case KindMemory:
		return NewInMemoryIdempotencyStore(), nil
	case KindRedis:
		store, err := NewRedisIdempotencyStore(redisCfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("cache: unknown idempotency store %q", kind)
	}
}

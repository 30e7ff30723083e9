package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection and stream configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	// StreamPrefix is prepended to the destination to form the stream key
	StreamPrefix string
	// MaxLen approximately caps each stream. Zero disables trimming.
	MaxLen int64
}

// RedisStreamBroker appends messages to Redis streams with XADD. The stream
// key is StreamPrefix + destination; the routing key travels as a field.
type RedisStreamBroker struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisStreamBroker connects to Redis and checks the connection
func NewRedisStreamBroker(ctx context.Context, cfg RedisConfig) (*RedisStreamBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStreamBrokerWithClient(client, cfg), nil
}

// NewRedisStreamBrokerWithClient creates a broker with an existing client
func NewRedisStreamBrokerWithClient(client *redis.Client, cfg RedisConfig) *RedisStreamBroker {
	return &RedisStreamBroker{client: client, cfg: cfg}
}

// Send appends one entry to the destination stream
func (b *RedisStreamBroker) Send(ctx context.Context, destination, routingKey string, body []byte) error {
	args := &redis.XAddArgs{
		Stream: b.StreamKey(destination),
		Values: map[string]any{
			"routing_key": routingKey,
			"payload":     body,
		},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}

	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return nil
}

// StreamKey returns the stream a destination maps to
func (b *RedisStreamBroker) StreamKey(destination string) string {
	return b.cfg.StreamPrefix + destination
}

// Close closes the Redis client
func (b *RedisStreamBroker) Close() error {
	return b.client.Close()
}

var _ Broker = (*RedisStreamBroker)(nil)

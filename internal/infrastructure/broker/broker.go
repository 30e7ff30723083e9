// Package broker delivers outbox messages to a message broker.
//
// Three implementations are provided: RabbitMQ with publisher confirms,
// Redis streams, and an in-memory broker for tests and local runs.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Supported broker kinds
const (
	KindRabbitMQ = "rabbitmq"
	KindRedis    = "redis"
	KindMemory   = "memory"
)

// ErrBrokerClosed is returned by Send after Close
var ErrBrokerClosed = errors.New("broker is closed")

// Broker sends a message to destination with routingKey. Send returns only
// after the broker has accepted the message, or with an error.
type Broker interface {
	Send(ctx context.Context, destination, routingKey string, body []byte) error
	Close() error
}

// Config selects and configures a broker
type Config struct {
	Kind     string
	RabbitMQ RabbitMQConfig
	Redis    RedisConfig
}

// New creates the broker selected by cfg.Kind
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Kind {
	case KindRabbitMQ:
		return NewRabbitMQBroker(cfg.RabbitMQ, logger)
	case KindRedis:
		return NewRedisStreamBroker(ctx, cfg.Redis)
	case KindMemory, "":
		logger.Warn("using in-memory broker, messages are not delivered anywhere")
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
}

// pingTimeout bounds connection checks at construction
const pingTimeout = 5 * time.Second

package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeChannel answers every publish with the configured confirmation
type fakeChannel struct {
	mu         sync.Mutex
	confirms   chan amqp.Confirmation
	closes     chan *amqp.Error
	ack        bool
	noConfirm  bool
	publishErr error
	declareErr error
	published  []amqp.Publishing
	exchanges  []string
	keys       []string
	declared   []string
	closed     bool
	tag        uint64
}

func (c *fakeChannel) Confirm(bool) error { return nil }

func (c *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.confirms = confirm
	return confirm
}

func (c *fakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.closes = ch
	return ch
}

func (c *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return c.declareErr
	}
	c.declared = append(c.declared, name)
	return nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, msg)
	c.exchanges = append(c.exchanges, exchange)
	c.keys = append(c.keys, key)
	c.tag++
	if !c.noConfirm {
		c.confirms <- amqp.Confirmation{DeliveryTag: c.tag, Ack: c.ack}
	}
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// channelQueue hands out the given channels in order
type channelQueue struct {
	mu       sync.Mutex
	channels []*fakeChannel
	errs     []error
	calls    int
}

func (q *channelQueue) factory(context.Context) (Channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if len(q.errs) > 0 {
		err := q.errs[0]
		q.errs = q.errs[1:]
		return nil, err
	}
	if len(q.channels) == 0 {
		return nil, errors.New("no channel available")
	}
	ch := q.channels[0]
	q.channels = q.channels[1:]
	return ch, nil
}

func testRabbitConfig() RabbitMQConfig {
	cfg := DefaultRabbitMQConfig()
	cfg.ConfirmTimeout = 50 * time.Millisecond
	cfg.ReconnectInitial = time.Millisecond
	cfg.ReconnectMax = 5 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	return cfg
}

func TestRabbitMQBroker_Send_Acked(t *testing.T) {
	ch := &fakeChannel{ack: true}
	queue := &channelQueue{channels: []*fakeChannel{ch}}
	b := NewRabbitMQBrokerWithFactory(testRabbitConfig(), queue.factory, zap.NewNop())

	err := b.Send(context.Background(), "platform.events", "order.created", []byte(`{"id":1}`))
	require.NoError(t, err)
	require.NoError(t, b.Send(context.Background(), "platform.events", "order.shipped", []byte(`{"id":2}`)))

	require.Len(t, ch.published, 2)
	msg := ch.published[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "order.created", msg.Type)
	assert.NotEmpty(t, msg.MessageId)
	assert.Equal(t, []byte(`{"id":1}`), msg.Body)
	assert.Equal(t, []string{"platform.events", "platform.events"}, ch.exchanges)
	assert.Equal(t, []string{"order.created", "order.shipped"}, ch.keys)

	assert.Empty(t, ch.declared, "exchanges are expected to exist")
	assert.Equal(t, 1, queue.calls, "channel reused")
}

func TestRabbitMQBroker_Send_DeclaresExchangeWhenEnabled(t *testing.T) {
	ch := &fakeChannel{ack: true}
	queue := &channelQueue{channels: []*fakeChannel{ch}}
	cfg := testRabbitConfig()
	cfg.DeclareExchange = true
	b := NewRabbitMQBrokerWithFactory(cfg, queue.factory, zap.NewNop())

	require.NoError(t, b.Send(context.Background(), "platform.events", "order.created", []byte(`{}`)))
	require.NoError(t, b.Send(context.Background(), "platform.events", "order.shipped", []byte(`{}`)))

	assert.Equal(t, []string{"platform.events"}, ch.declared, "exchange declared once")
}

func TestRabbitMQBroker_Send_Nacked(t *testing.T) {
	ch := &fakeChannel{ack: false}
	queue := &channelQueue{channels: []*fakeChannel{ch}}
	b := NewRabbitMQBrokerWithFactory(testRabbitConfig(), queue.factory, zap.NewNop())

	err := b.Send(context.Background(), "platform.events", "order.created", []byte(`{}`))

	assert.ErrorIs(t, err, ErrPublishNacked)
	assert.False(t, ch.isClosed(), "a nack keeps the channel usable")
}

func TestRabbitMQBroker_Send_ConfirmTimeoutReplacesChannel(t *testing.T) {
	silent := &fakeChannel{noConfirm: true}
	healthy := &fakeChannel{ack: true}
	queue := &channelQueue{channels: []*fakeChannel{silent, healthy}}
	b := NewRabbitMQBrokerWithFactory(testRabbitConfig(), queue.factory, zap.NewNop())

	err := b.Send(context.Background(), "platform.events", "order.created", []byte(`{}`))
	assert.ErrorIs(t, err, ErrConfirmTimeout)
	assert.True(t, silent.isClosed())

	require.NoError(t, b.Send(context.Background(), "platform.events", "order.created", []byte(`{}`)))
	assert.Equal(t, 2, queue.calls)
	assert.Len(t, healthy.published, 1)
}

func TestRabbitMQBroker_Send_ContextDeadline(t *testing.T) {
	ch := &fakeChannel{noConfirm: true}
	queue := &channelQueue{channels: []*fakeChannel{ch}}
	cfg := testRabbitConfig()
	cfg.ConfirmTimeout = time.Minute
	b := NewRabbitMQBrokerWithFactory(cfg, queue.factory, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.Send(ctx, "platform.events", "order.created", []byte(`{}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, ch.isClosed())
}

func TestRabbitMQBroker_Send_ReconnectsWithBackoff(t *testing.T) {
	ch := &fakeChannel{ack: true}
	queue := &channelQueue{
		errs:     []error{errors.New("connection refused"), errors.New("connection refused")},
		channels: []*fakeChannel{ch},
	}
	b := NewRabbitMQBrokerWithFactory(testRabbitConfig(), queue.factory, zap.NewNop())

	require.NoError(t, b.Send(context.Background(), "platform.events", "order.created", []byte(`{}`)))
	assert.Equal(t, 3, queue.calls)
}

func TestRabbitMQBroker_Send_ReconnectExhausted(t *testing.T) {
	queue := &channelQueue{}
	b := NewRabbitMQBrokerWithFactory(testRabbitConfig(), queue.factory, zap.NewNop())

	err := b.Send(context.Background(), "platform.events", "order.created", []byte(`{}`))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "open rabbitmq channel")
	assert.Equal(t, 3, queue.calls)
}

func TestRabbitMQBroker_Send_ServerClosedChannel(t *testing.T) {
	first := &fakeChannel{ack: true}
	second := &fakeChannel{ack: true}
	queue := &channelQueue{channels: []*fakeChannel{first, second}}
	b := NewRabbitMQBrokerWithFactory(testRabbitConfig(), queue.factory, zap.NewNop())

	require.NoError(t, b.Send(context.Background(), "platform.events", "order.created", []byte(`{}`)))
	first.closes <- &amqp.Error{Code: amqp.ChannelError, Reason: "channel closed by server"}

	require.NoError(t, b.Send(context.Background(), "platform.events", "order.created", []byte(`{}`)))
	assert.Len(t, first.published, 1)
	assert.Len(t, second.published, 1)
	assert.Equal(t, 2, queue.calls)
}

func TestRabbitMQBroker_Send_PublishError(t *testing.T) {
	ch := &fakeChannel{publishErr: amqp.ErrClosed}
	queue := &channelQueue{channels: []*fakeChannel{ch}}
	b := NewRabbitMQBrokerWithFactory(testRabbitConfig(), queue.factory, zap.NewNop())

	err := b.Send(context.Background(), "platform.events", "order.created", []byte(`{}`))

	assert.ErrorIs(t, err, amqp.ErrClosed)
	assert.True(t, ch.isClosed())
}

func TestRabbitMQBroker_Send_DeclareError(t *testing.T) {
	ch := &fakeChannel{declareErr: errors.New("access refused")}
	queue := &channelQueue{channels: []*fakeChannel{ch}}
	cfg := testRabbitConfig()
	cfg.DeclareExchange = true
	b := NewRabbitMQBrokerWithFactory(cfg, queue.factory, zap.NewNop())

	err := b.Send(context.Background(), "platform.events", "order.created", []byte(`{}`))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "declare exchange platform.events")
	assert.Empty(t, ch.published)
}

func TestRabbitMQBroker_Close(t *testing.T) {
	ch := &fakeChannel{ack: true}
	queue := &channelQueue{channels: []*fakeChannel{ch}}
	b := NewRabbitMQBrokerWithFactory(testRabbitConfig(), queue.factory, zap.NewNop())
	require.NoError(t, b.Send(context.Background(), "platform.events", "order.created", []byte(`{}`)))

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.True(t, ch.isClosed())
	assert.ErrorIs(t, b.Send(context.Background(), "platform.events", "order.created", []byte(`{}`)), ErrBrokerClosed)
}

func TestNewRabbitMQBroker_RequiresURL(t *testing.T) {
	_, err := NewRabbitMQBroker(RabbitMQConfig{}, nil)
	assert.Error(t, err)
}

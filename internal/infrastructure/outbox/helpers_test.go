package outbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/relay/backend/internal/domain/shared"
	"github.com/relay/backend/internal/infrastructure/persistence/models"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupSQLiteDB returns an isolated in-memory database with the outbox table.
// SQLite ignores row locks, so these tests cover semantics, not concurrency.
func setupSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.OutboxRecordModel{}))
	return db
}

// gormTransactor runs transactions directly on a *gorm.DB
type gormTransactor struct {
	db *gorm.DB
}

func (g gormTransactor) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return g.db.WithContext(ctx).Transaction(fn)
}

// insertRecord writes a record directly, bypassing the publisher
func insertRecord(t *testing.T, db *gorm.DB, eventType string, createdAt time.Time, mutate ...func(*shared.OutboxRecord)) *shared.OutboxRecord {
	t.Helper()
	record := shared.NewOutboxRecord(eventType, uuid.New(), []byte(fmt.Sprintf(`{"type":%q}`, eventType)))
	record.CreatedAt = createdAt.UTC()
	for _, m := range mutate {
		m(record)
	}
	require.NoError(t, db.Create(models.OutboxRecordModelFromDomain(record)).Error)
	return record
}

func processedAt(at time.Time) func(*shared.OutboxRecord) {
	return func(r *shared.OutboxRecord) {
		u := at.UTC()
		r.ProcessedAt = &u
	}
}

func retries(n int) func(*shared.OutboxRecord) {
	return func(r *shared.OutboxRecord) {
		r.RetryCount = n
		r.LastError = "previous failure"
	}
}

func loadRecord(t *testing.T, db *gorm.DB, id uuid.UUID) *shared.OutboxRecord {
	t.Helper()
	record, err := NewGormStore(db).FindByID(context.Background(), id)
	require.NoError(t, err)
	return record
}

// sentMessage is one call to fakeBroker.Send
type sentMessage struct {
	Destination string
	RoutingKey  string
	Body        []byte
}

// fakeBroker records sends; failFn decides per call whether to fail
type fakeBroker struct {
	mu     sync.Mutex
	sent   []sentMessage
	calls  int
	failFn func(routingKey string, body []byte) error
	onSent func()
}

func (b *fakeBroker) Send(ctx context.Context, destination, routingKey string, body []byte) error {
	b.mu.Lock()
	b.calls++
	failFn := b.failFn
	b.mu.Unlock()

	if failFn != nil {
		if err := failFn(routingKey, body); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.sent = append(b.sent, sentMessage{Destination: destination, RoutingKey: routingKey, Body: body})
	onSent := b.onSent
	b.mu.Unlock()

	if onSent != nil {
		onSent()
	}
	return nil
}

// blockingBroker waits for the send deadline
type blockingBroker struct{}

func (blockingBroker) Send(ctx context.Context, _, _ string, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBroker) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *fakeBroker) Sent() []sentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]sentMessage, len(b.sent))
	copy(out, b.sent)
	return out
}

// fakeMetrics accumulates everything the dispatcher reports
type fakeMetrics struct {
	mu         sync.Mutex
	dispatched int64
	failed     int64
	parked     int64
	cleaned    int64
	durations  int
	parkedNow  int64
}

func (m *fakeMetrics) RecordDispatched(_ context.Context, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatched += n
}

func (m *fakeMetrics) RecordFailed(_ context.Context, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed += n
}

func (m *fakeMetrics) RecordParked(_ context.Context, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parked += n
}

func (m *fakeMetrics) RecordCleaned(_ context.Context, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleaned += n
}

func (m *fakeMetrics) RecordDispatchDuration(context.Context, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations++
}

func (m *fakeMetrics) SetParked(_ context.Context, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parkedNow = n
}

// testEvent is a minimal domain event
type testEvent struct {
	shared.BaseDomainEvent
	Note string `json:"note"`
}

func newTestEvent(eventType string) *testEvent {
	return &testEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(eventType, uuid.New(), uuid.Nil),
		Note:            "hello",
	}
}

// unserializableEvent fails encoding/json because of the channel field
type unserializableEvent struct {
	shared.BaseDomainEvent
	Stream chan int `json:"stream"`
}

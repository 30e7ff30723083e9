package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relay/backend/internal/domain/shared"
	"github.com/relay/backend/internal/infrastructure/scheduler"
	"github.com/relay/backend/internal/infrastructure/tenancy"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrAlreadyStarted is returned by Start when the loops are already running
var ErrAlreadyStarted = errors.New("outbox dispatcher already started")

// Broker delivers one message. Implementations live in the broker package.
type Broker interface {
	Send(ctx context.Context, destination, routingKey string, body []byte) error
}

// Transactor runs fn in a database transaction on a tenant-scoped connection
type Transactor interface {
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Metrics receives dispatcher measurements
type Metrics interface {
	RecordDispatched(ctx context.Context, n int64)
	RecordFailed(ctx context.Context, n int64)
	RecordParked(ctx context.Context, n int64)
	RecordCleaned(ctx context.Context, n int64)
	RecordDispatchDuration(ctx context.Context, d time.Duration)
	SetParked(ctx context.Context, n int64)
}

type nopMetrics struct{}

func (nopMetrics) RecordDispatched(context.Context, int64) {}
func (nopMetrics) RecordFailed(context.Context, int64) {}
func (nopMetrics) RecordParked(context.Context, int64) {}
func (nopMetrics) RecordCleaned(context.Context, int64) {}
func (nopMetrics) RecordDispatchDuration(context.Context, time.Duration) {}
func (nopMetrics) SetParked(context.Context, int64) {}

// DispatcherConfig holds configuration for the outbox dispatcher
type DispatcherConfig struct {
	Enabled          bool
	BatchSize        int
	MaxRetries       int
	Retention        time.Duration
	DispatchInterval time.Duration
	CleanupInterval  time.Duration
	Exchange         string
	SendTimeout      time.Duration
}

// DefaultDispatcherConfig returns default configuration
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Enabled:          true,
		BatchSize:        100,
		MaxRetries:       5,
		Retention:        7 * 24 * time.Hour,
		DispatchInterval: time.Second,
		CleanupInterval:  time.Hour,
		Exchange:         "platform.events",
		SendTimeout:      5 * time.Second,
	}
}

// Validate checks that every setting is usable
func (c DispatcherConfig) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("outbox batch size must be positive, got %d", c.BatchSize)
	case c.MaxRetries <= 0:
		return fmt.Errorf("outbox max retries must be positive, got %d", c.MaxRetries)
	case c.Retention <= 0:
		return fmt.Errorf("outbox retention must be positive, got %s", c.Retention)
	case c.DispatchInterval <= 0:
		return fmt.Errorf("outbox dispatch interval must be positive, got %s", c.DispatchInterval)
	case c.CleanupInterval <= 0:
		return fmt.Errorf("outbox cleanup interval must be positive, got %s", c.CleanupInterval)
	case c.Exchange == "":
		return errors.New("outbox exchange name is required")
	case c.SendTimeout <= 0:
		return fmt.Errorf("outbox send timeout must be positive, got %s", c.SendTimeout)
	}
	return nil
}

// DispatchResult summarises one dispatch cycle
type DispatchResult struct {
	Claimed    int
	Dispatched int
	Failed     int
	Parked     int
	// Skipped counts records whose store update failed; they stay pending
	Skipped    int
	Duration   time.Duration
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// Labeler runs fn for one cycle of phase ("dispatch" or "cleanup"), for
// instance under profiling labels
type Labeler func(ctx context.Context, phase string, fn func(context.Context))

// WithLabeler wraps every scheduled cycle with l
func WithLabeler(l Labeler) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.labeler = l
		}
	}
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// Dispatcher delivers pending outbox records to the broker and purges old
// delivered ones. Several dispatchers may share a table: each claims its
// batch with FOR UPDATE SKIP LOCKED, so a record is handled by at most one
// of them per cycle.
//
// Records are sent oldest first within a batch. There is no global order
// across dispatchers, so per-aggregate ordering is best effort.
type Dispatcher struct {
	transactor Transactor
	store      Store
	broker     Broker
	metrics    Metrics
	config     DispatcherConfig
	logger     *zap.Logger
	now        func() time.Time
	labeler    Labeler

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     *conc.WaitGroup
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(
	transactor Transactor,
	store Store,
	broker Broker,
	config DispatcherConfig,
	logger *zap.Logger,
	opts ...DispatcherOption,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		transactor: transactor,
		store:      store,
		broker:     broker,
		metrics:    nopMetrics{},
		config:     config,
		logger:     logger.Named("outbox_dispatcher"),
		now:        func() time.Time { return time.Now().UTC() },
		labeler:    func(ctx context.Context, _ string, fn func(context.Context)) { fn(ctx) },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config returns the dispatcher configuration
func (d *Dispatcher) Config() DispatcherConfig {
	return d.config
}

// RunDispatch claims one batch and tries to deliver every record in it.
// A failed send is recorded on the record and never aborts the batch. Each
// record's store update runs under its own savepoint: if it fails, only that
// record is rolled back and counted as skipped, and it is claimed again next
// cycle. The batch fails only when the savepoint itself cannot be set or
// restored.
//
// Cancelling ctx stops the batch after the record in flight; records not yet
// attempted stay pending and the work already done is committed.
func (d *Dispatcher) RunDispatch(ctx context.Context) (DispatchResult, error) {
	start := time.Now()
	var result DispatchResult

	dbCtx := context.WithoutCancel(tenancy.Detach(ctx))
	err := d.transactor.Transaction(dbCtx, func(tx *gorm.DB) error {
		store := d.store.WithTx(tx)

		records, err := store.ClaimBatch(dbCtx, d.config.BatchSize, d.config.MaxRetries)
		if err != nil {
			return err
		}
		result.Claimed = len(records)

		isolate := InTransaction(tx)
		for i, record := range records {
			if ctx.Err() != nil {
				break
			}
			if !isolate {
				if err := d.deliver(ctx, dbCtx, store, record, &result); err != nil {
					return err
				}
				continue
			}
			if err := d.deliverIsolated(ctx, dbCtx, tx, store, record, i, &result); err != nil {
				return err
			}
		}
		return nil
	})
	result.Duration = time.Since(start)

	if err != nil {
		d.logger.Error("outbox dispatch cycle failed",
			zap.Int("claimed", result.Claimed),
			zap.Error(err),
		)
		return DispatchResult{Claimed: result.Claimed, Duration: result.Duration}, fmt.Errorf("dispatch outbox batch: %w", err)
	}
	if result.Claimed == 0 {
		return result, nil
	}

	d.metrics.RecordDispatched(dbCtx, int64(result.Dispatched))
	d.metrics.RecordFailed(dbCtx, int64(result.Failed))
	d.metrics.RecordParked(dbCtx, int64(result.Parked))
	d.metrics.RecordDispatchDuration(dbCtx, result.Duration)

	d.logger.Debug("outbox dispatch cycle complete",
		zap.Int("claimed", result.Claimed),
		zap.Int("dispatched", result.Dispatched),
		zap.Int("failed", result.Failed),
		zap.Int("parked", result.Parked),
		zap.Int("skipped", result.Skipped),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// deliverIsolated runs deliver under a savepoint so a failed store update
// discards only this record's writes
func (d *Dispatcher) deliverIsolated(ctx, dbCtx context.Context, tx *gorm.DB, store Store, record *shared.OutboxRecord, index int, result *DispatchResult) error {
	savepoint := fmt.Sprintf("outbox_record_%d", index)
	if err := tx.SavePoint(savepoint).Error; err != nil {
		return fmt.Errorf("set savepoint: %w", err)
	}

	err := d.deliver(ctx, dbCtx, store, record, result)
	if err == nil {
		return nil
	}
	if rbErr := tx.RollbackTo(savepoint).Error; rbErr != nil {
		return errors.Join(err, fmt.Errorf("roll back to savepoint: %w", rbErr))
	}

	result.Skipped++
	d.logger.Error("failed to update outbox record, leaving it for the next cycle",
		append(recordFields(record), zap.Error(err))...,
	)
	return nil
}

// deliver sends one record and writes the outcome through store
func (d *Dispatcher) deliver(ctx, dbCtx context.Context, store Store, record *shared.OutboxRecord, result *DispatchResult) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	sendErr := d.broker.Send(sendCtx, d.config.Exchange, record.EventType, record.Payload)
	cancel()

	if sendErr == nil {
		if err := record.MarkProcessed(d.now()); err != nil {
			return err
		}
		if err := store.MarkProcessed(dbCtx, record.ID, *record.ProcessedAt); err != nil {
			return err
		}
		result.Dispatched++
		return nil
	}

	// shutdown, not a delivery failure: leave the record as it was
	if ctx.Err() != nil {
		return nil
	}

	record.RecordFailure(sendErr.Error())
	if err := store.RecordFailure(dbCtx, record.ID, record.LastError); err != nil {
		return err
	}
	result.Failed++

	fields := append(recordFields(record), zap.Error(sendErr))
	if record.IsParked(d.config.MaxRetries) {
		result.Parked++
		d.logger.Error("outbox record parked after exhausting retries", fields...)
		return nil
	}
	d.logger.Warn("failed to deliver outbox record", fields...)
	return nil
}

func recordFields(record *shared.OutboxRecord) []zap.Field {
	fields := []zap.Field{
		zap.String("record_id", record.ID.String()),
		zap.String("event_type", record.EventType),
		zap.String("aggregate_type", record.AggregateType),
		zap.String("aggregate_id", record.AggregateID.String()),
		zap.Int("retry_count", record.RetryCount),
	}
	if record.TenantID != nil {
		fields = append(fields, zap.String("tenant_id", record.TenantID.String()))
	}
	return fields
}

// RunCleanup deletes records delivered more than Retention ago and refreshes
// the parked gauge. Pending and parked records are never removed.
func (d *Dispatcher) RunCleanup(ctx context.Context) (int64, error) {
	cutoff := d.now().Add(-d.config.Retention)
	dbCtx := tenancy.Detach(ctx)

	var deleted, parked int64
	err := d.transactor.Transaction(dbCtx, func(tx *gorm.DB) error {
		store := d.store.WithTx(tx)

		var err error
		if deleted, err = store.DeleteProcessedBefore(dbCtx, cutoff); err != nil {
			return err
		}
		parked, err = store.CountParked(dbCtx, d.config.MaxRetries)
		return err
	})
	if err != nil {
		d.logger.Error("outbox cleanup failed", zap.Error(err))
		return 0, fmt.Errorf("clean up outbox: %w", err)
	}

	d.metrics.RecordCleaned(dbCtx, deleted)
	d.metrics.SetParked(dbCtx, parked)

	d.logger.Info("cleaned up processed outbox records",
		zap.Int64("deleted", deleted),
		zap.Time("cutoff", cutoff),
		zap.Int64("parked", parked),
	)
	return deleted, nil
}

// Start launches the dispatch and cleanup loops. Each loop waits its
// interval after a run finishes before starting the next one.
// When the dispatcher is disabled Start logs and returns.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.config.Enabled {
		d.logger.Info("outbox dispatcher disabled")
		return nil
	}
	if err := d.config.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return ErrAlreadyStarted
	}

	dispatchJob, err := scheduler.NewFixedDelay("outbox-dispatch", d.config.DispatchInterval, func(ctx context.Context) (err error) {
		d.labeler(ctx, "dispatch", func(ctx context.Context) {
			_, err = d.RunDispatch(ctx)
		})
		return err
	}, d.logger)
	if err != nil {
		return err
	}
	cleanupJob, err := scheduler.NewFixedDelay("outbox-cleanup", d.config.CleanupInterval, func(ctx context.Context) (err error) {
		d.labeler(ctx, "cleanup", func(ctx context.Context) {
			_, err = d.RunCleanup(ctx)
		})
		return err
	}, d.logger)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(tenancy.Detach(ctx))
	wg := &conc.WaitGroup{}
	wg.Go(func() { _ = dispatchJob.Run(runCtx) })
	wg.Go(func() { _ = cleanupJob.Run(runCtx) })
	d.cancel = cancel
	d.wg = wg

	d.logger.Info("outbox dispatcher started",
		zap.Int("batch_size", d.config.BatchSize),
		zap.Int("max_retries", d.config.MaxRetries),
		zap.Duration("dispatch_interval", d.config.DispatchInterval),
		zap.Duration("cleanup_interval", d.config.CleanupInterval),
		zap.String("exchange", d.config.Exchange),
	)
	return nil
}

// Stop cancels both loops and waits for the runs in flight, up to the
// deadline of ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel, wg := d.cancel, d.wg
	d.cancel, d.wg = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("outbox dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

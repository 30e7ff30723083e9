package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/relay/backend/internal/domain/shared"
	"github.com/relay/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists outbox records. Every method runs on the *gorm.DB the store
// was built with; use WithTx to join a caller's transaction.
type Store interface {
	// WithTx returns a store bound to tx
	WithTx(tx *gorm.DB) Store
	// Append inserts a new pending record
	Append(ctx context.Context, record *shared.OutboxRecord) error
	// ClaimBatch locks up to limit claimable records, oldest first, skipping
	// rows locked by other transactions. Locks are held until tx ends.
	ClaimBatch(ctx context.Context, limit, maxRetries int) ([]*shared.OutboxRecord, error)
	// MarkProcessed sets processed_at on a still pending record
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
	// RecordFailure increments retry_count and overwrites last_error
	RecordFailure(ctx context.Context, id uuid.UUID, lastError string) error
	// DeleteProcessedBefore removes delivered records processed before cutoff
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// FindByID returns a record or shared.ErrNotFound
	FindByID(ctx context.Context, id uuid.UUID) (*shared.OutboxRecord, error)
	// ListParked returns a page of parked records, newest first
	ListParked(ctx context.Context, maxRetries int, page shared.Page) ([]*shared.OutboxRecord, int64, error)
	// CountParked returns the number of parked records
	CountParked(ctx context.Context, maxRetries int) (int64, error)
	// Stats counts pending, processed and parked records
	Stats(ctx context.Context, maxRetries int) (shared.OutboxStats, error)
	// Delete removes a record that has not been delivered
	Delete(ctx context.Context, id uuid.UUID) error
}

// GormStore implements Store over the outbox_records table
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-based outbox store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// WithTx returns a new store instance with the given transaction
func (s *GormStore) WithTx(tx *gorm.DB) Store {
	return &GormStore{db: tx}
}

// Append inserts a new pending record
func (s *GormStore) Append(ctx context.Context, record *shared.OutboxRecord) error {
	if err := s.db.WithContext(ctx).Create(models.OutboxRecordModelFromDomain(record)).Error; err != nil {
		return fmt.Errorf("append outbox record: %w", err)
	}
	return nil
}

// ClaimBatch selects claimable records with FOR UPDATE SKIP LOCKED
func (s *GormStore) ClaimBatch(ctx context.Context, limit, maxRetries int) ([]*shared.OutboxRecord, error) {
	var rows []models.OutboxRecordModel
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{
			Strength: "UPDATE",
			Options:  "SKIP LOCKED",
		}).
		Where("processed_at IS NULL AND retry_count < ?", maxRetries).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	return toDomain(rows), nil
}

// MarkProcessed sets processed_at; already processed records are left as they are
func (s *GormStore) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.OutboxRecordModel{}).
		Where("id = ? AND processed_at IS NULL", id).
		Update("processed_at", at.UTC())
	if result.Error != nil {
		return fmt.Errorf("mark outbox record processed: %w", result.Error)
	}
	return nil
}

// RecordFailure increments retry_count in SQL so concurrent updates cannot lose a count
func (s *GormStore) RecordFailure(ctx context.Context, id uuid.UUID, lastError string) error {
	result := s.db.WithContext(ctx).
		Model(&models.OutboxRecordModel{}).
		Where("id = ? AND processed_at IS NULL", id).
		Updates(map[string]any{
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  shared.TruncateError(lastError),
		})
	if result.Error != nil {
		return fmt.Errorf("record outbox failure: %w", result.Error)
	}
	return nil
}

// DeleteProcessedBefore never touches pending or parked records
func (s *GormStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("processed_at IS NOT NULL AND processed_at < ?", cutoff.UTC()).
		Delete(&models.OutboxRecordModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete processed outbox records: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// FindByID retrieves a single outbox record by ID
func (s *GormStore) FindByID(ctx context.Context, id uuid.UUID) (*shared.OutboxRecord, error) {
	var row models.OutboxRecordModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("find outbox record: %w", err)
	}
	return row.ToDomain(), nil
}

// ListParked retrieves parked records with pagination
func (s *GormStore) ListParked(ctx context.Context, maxRetries int, page shared.Page) ([]*shared.OutboxRecord, int64, error) {
	total, err := s.CountParked(ctx, maxRetries)
	if err != nil {
		return nil, 0, err
	}

	var rows []models.OutboxRecordModel
	if err := s.parked(ctx, maxRetries).
		Order("created_at DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list parked outbox records: %w", err)
	}
	return toDomain(rows), total, nil
}

// CountParked returns the number of records that exhausted their retries
func (s *GormStore) CountParked(ctx context.Context, maxRetries int) (int64, error) {
	var total int64
	if err := s.parked(ctx, maxRetries).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("count parked outbox records: %w", err)
	}
	return total, nil
}

// Stats counts records per derived state
func (s *GormStore) Stats(ctx context.Context, maxRetries int) (shared.OutboxStats, error) {
	var stats struct {
		Pending   int64
		Processed int64
		Parked    int64
	}
	err := s.db.WithContext(ctx).
		Model(&models.OutboxRecordModel{}).
		Select(
			"COUNT(CASE WHEN processed_at IS NULL AND retry_count < ? THEN 1 END) AS pending, "+
				"COUNT(CASE WHEN processed_at IS NOT NULL THEN 1 END) AS processed, "+
				"COUNT(CASE WHEN processed_at IS NULL AND retry_count >= ? THEN 1 END) AS parked",
			maxRetries, maxRetries,
		).
		Scan(&stats).Error
	if err != nil {
		return shared.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	return shared.OutboxStats{
		Pending:   stats.Pending,
		Processed: stats.Processed,
		Parked:    stats.Parked,
	}, nil
}

// Delete removes an undelivered record. Delivered records are left to cleanup.
func (s *GormStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND processed_at IS NULL", id).
		Delete(&models.OutboxRecordModel{})
	if result.Error != nil {
		return fmt.Errorf("delete outbox record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (s *GormStore) parked(ctx context.Context, maxRetries int) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&models.OutboxRecordModel{}).
		Where("processed_at IS NULL AND retry_count >= ?", maxRetries)
}

func toDomain(rows []models.OutboxRecordModel) []*shared.OutboxRecord {
	records := make([]*shared.OutboxRecord, len(rows))
	for i := range rows {
		records[i] = rows[i].ToDomain()
	}
	return records
}

// Ensure GormStore implements Store
var _ Store = (*GormStore)(nil)

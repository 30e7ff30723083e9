// Package outbox provides operator actions over the outbox table: statistics,
// inspection of parked records, requeue and discard.
package outbox

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/relay/backend/internal/domain/shared"
	"github.com/relay/backend/internal/infrastructure/logger"
	infraoutbox "github.com/relay/backend/internal/infrastructure/outbox"
	"github.com/relay/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Errors returned to the HTTP layer
var (
	ErrRecordNotFound = shared.NewDomainError("NOT_FOUND", "Outbox record not found")
	ErrNotParked      = shared.NewDomainError("INVALID_STATE", "Outbox record is not parked")
	errInternal       = shared.NewDomainError("INTERNAL_ERROR", "Failed to access the outbox")
)

// Service handles outbox administration. Parked records are never retried
// automatically; an operator requeues or discards them here.
type Service struct {
	transactor infraoutbox.Transactor
	store      infraoutbox.Store
	maxRetries int
	logger     *zap.Logger
}

// NewService creates a new outbox admin service. maxRetries must match the
// dispatcher's setting so "parked" means the same thing in both places.
func NewService(
	transactor infraoutbox.Transactor,
	store infraoutbox.Store,
	maxRetries int,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		transactor: transactor,
		store:      store,
		maxRetries: maxRetries,
		logger:     logger.Named("outbox_admin"),
	}
}

// GetStats returns outbox statistics
func (s *Service) GetStats(ctx context.Context) (*StatsDTO, error) {
	var stats shared.OutboxStats
	err := s.transactor.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		stats, err = s.store.WithTx(tx).Stats(ctx, s.maxRetries)
		return err
	})
	if err != nil {
		logger.For(ctx, s.logger).Error("Failed to get outbox stats", zap.Error(err))
		return nil, errInternal
	}

	return &StatsDTO{
		Pending:    stats.Pending,
		Processed:  stats.Processed,
		Parked:     stats.Parked,
		Total:      stats.Pending + stats.Processed + stats.Parked,
		MaxRetries: s.maxRetries,
	}, nil
}

// ListParked retrieves parked records with pagination, newest first
func (s *Service) ListParked(ctx context.Context, filter ListFilter) (*ListResult, error) {
	page := shared.Page{Page: filter.Page, PageSize: filter.PageSize}

	var (
		records []*shared.OutboxRecord
		total   int64
	)
	err := s.transactor.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		records, total, err = s.store.WithTx(tx).ListParked(ctx, s.maxRetries, page)
		return err
	})
	if err != nil {
		logger.For(ctx, s.logger).Error("Failed to list parked outbox records", zap.Error(err))
		return nil, errInternal
	}

	dtos := make([]RecordDTO, len(records))
	for i, r := range records {
		dtos[i] = toRecordDTO(r, s.maxRetries)
	}

	paginated := shared.NewPaginated(dtos, total, page)
	return &ListResult{
		Records:    paginated.Items,
		Total:      paginated.Total,
		Page:       paginated.Page,
		PageSize:   paginated.PageSize,
		TotalPages: paginated.TotalPages,
	}, nil
}

// GetRecord retrieves a single outbox record by ID
func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*RecordDTO, error) {
	var record *shared.OutboxRecord
	err := s.transactor.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		record, err = s.store.WithTx(tx).FindByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, s.translate(ctx, "Failed to find outbox record", id, err)
	}

	dto := toRecordDTO(record, s.maxRetries)
	return &dto, nil
}

// Requeue replaces a parked record with a fresh pending copy. The copy gets
// a new ID and a zero retry count; the parked row is deleted in the same
// transaction, so a record's own retry count never goes down.
func (s *Service) Requeue(ctx context.Context, id uuid.UUID) (*RecordDTO, error) {
	ctx, span := telemetry.StartSpan(ctx, "outbox.requeue", "outbox.record_id", id.String())
	defer span.End()

	var fresh *shared.OutboxRecord
	err := s.transactor.Transaction(ctx, func(tx *gorm.DB) error {
		store := s.store.WithTx(tx)

		record, err := store.FindByID(ctx, id)
		if err != nil {
			return err
		}
		fresh, err = record.Requeue(s.maxRetries)
		if err != nil {
			return ErrNotParked
		}
		if err := store.Append(ctx, fresh); err != nil {
			return err
		}
		return store.Delete(ctx, record.ID)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, s.translate(ctx, "Failed to requeue outbox record", id, err)
	}

	logger.For(ctx, s.logger).Info("Parked outbox record requeued",
		zap.String("id", id.String()),
		zap.String("new_id", fresh.ID.String()),
		zap.String("event_type", fresh.EventType),
	)

	dto := toRecordDTO(fresh, s.maxRetries)
	return &dto, nil
}

// RequeueAll requeues every parked record, one page per transaction.
// It returns how many records were requeued before any error.
func (s *Service) RequeueAll(ctx context.Context) (int64, error) {
	page := shared.Page{Page: 1, PageSize: 100}
	var count int64

	for {
		var requeued int
		err := s.transactor.Transaction(ctx, func(tx *gorm.DB) error {
			store := s.store.WithTx(tx)
			// requeued records leave the parked set, so the first page always holds the next batch
			records, _, err := store.ListParked(ctx, s.maxRetries, page)
			if err != nil {
				return err
			}
			for _, record := range records {
				fresh, err := record.Requeue(s.maxRetries)
				if err != nil {
					continue
				}
				if err := store.Append(ctx, fresh); err != nil {
					return err
				}
				if err := store.Delete(ctx, record.ID); err != nil {
					return err
				}
				requeued++
			}
			return nil
		})
		if err != nil {
			logger.For(ctx, s.logger).Error("Failed to requeue parked outbox records", zap.Error(err))
			return count, errInternal
		}

		count += int64(requeued)
		if requeued < page.Limit() {
			break
		}
		if err := ctx.Err(); err != nil {
			return count, err
		}
	}

	logger.For(ctx, s.logger).Info("Requeued parked outbox records", zap.Int64("count", count))
	return count, nil
}

// Discard deletes a parked record. Its event is never delivered.
func (s *Service) Discard(ctx context.Context, id uuid.UUID) error {
	var eventType string
	err := s.transactor.Transaction(ctx, func(tx *gorm.DB) error {
		store := s.store.WithTx(tx)

		record, err := store.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if !record.IsParked(s.maxRetries) {
			return ErrNotParked
		}
		eventType = record.EventType
		return store.Delete(ctx, id)
	})
	if err != nil {
		return s.translate(ctx, "Failed to discard outbox record", id, err)
	}

	logger.For(ctx, s.logger).Warn("Parked outbox record discarded",
		zap.String("id", id.String()),
		zap.String("event_type", eventType),
	)
	return nil
}

func (s *Service) translate(ctx context.Context, msg string, id uuid.UUID, err error) error {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return ErrRecordNotFound
	case errors.Is(err, ErrNotParked):
		return ErrNotParked
	default:
		logger.For(ctx, s.logger).Error(msg, zap.String("id", id.String()), zap.Error(err))
		return errInternal
	}
}

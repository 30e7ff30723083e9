// Package event schedules and cancels events. Every change is written
// together with the integration event announcing it.
package event

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/relay/backend/internal/domain/event"
	"github.com/relay/backend/internal/domain/shared"
	"github.com/relay/backend/internal/infrastructure/logger"
	"github.com/relay/backend/internal/infrastructure/telemetry"
	"github.com/relay/backend/internal/infrastructure/tenancy"
	"go.uber.org/zap"
)

// Errors returned to the HTTP layer
var (
	ErrEventNotFound  = shared.NewDomainError("NOT_FOUND", "Event not found")
	ErrTenantRequired = shared.NewDomainError("UNAUTHORIZED", "A tenant is required for this operation")
	errInternal       = shared.NewDomainError("INTERNAL_ERROR", "Failed to process the event")
)

// Service handles event use cases
type Service struct {
	scope  TransactionScope
	logger *zap.Logger
}

// NewService creates a new event service
func NewService(scope TransactionScope, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		scope:  scope,
		logger: logger.Named("event_service"),
	}
}

// CreateEvent schedules a new event for the caller's tenant and publishes
// event.created in the same transaction
func (s *Service) CreateEvent(ctx context.Context, input CreateEventInput) (*EventDTO, error) {
	ctx, span := telemetry.StartSpan(ctx, "event.create")
	defer span.End()

	scope := tenancy.FromContext(ctx)
	if !scope.IsSet() {
		return nil, ErrTenantRequired
	}
	userID, _ := scope.UserID()

	e, err := event.NewEvent(input.Title, input.StartsAt, userID)
	if err != nil {
		return nil, err
	}

	err = s.scope.Execute(ctx, func(repos TransactionalRepositories) error {
		if err := repos.EventRepo().Create(ctx, e); err != nil {
			return err
		}
		if err := e.RecordCreated(); err != nil {
			return err
		}
		return repos.Publisher().Publish(ctx, e.GetDomainEvents()...)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, s.translate(ctx, "Failed to create event", e.ID, err)
	}
	e.ClearDomainEvents()

	logger.For(ctx, s.logger).Info("Event scheduled",
		zap.String("event_id", e.ID.String()),
		zap.Time("starts_at", e.StartsAt),
	)

	dto := ToEventDTO(e)
	return &dto, nil
}

// CancelEvent cancels a scheduled event and publishes event.cancelled in the
// same transaction
func (s *Service) CancelEvent(ctx context.Context, id uuid.UUID, input CancelEventInput) (*EventDTO, error) {
	ctx, span := telemetry.StartSpan(ctx, "event.cancel", "event.id", id.String())
	defer span.End()

	if !tenancy.FromContext(ctx).IsSet() {
		return nil, ErrTenantRequired
	}

	var cancelled *event.Event
	err := s.scope.Execute(ctx, func(repos TransactionalRepositories) error {
		e, err := repos.EventRepo().FindByID(ctx, id)
		if err != nil {
			return err
		}
		if err := e.Cancel(input.Reason); err != nil {
			return err
		}
		if err := repos.EventRepo().Update(ctx, e); err != nil {
			return err
		}
		if err := repos.Publisher().Publish(ctx, e.GetDomainEvents()...); err != nil {
			return err
		}
		e.ClearDomainEvents()
		cancelled = e
		return nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, s.translate(ctx, "Failed to cancel event", id, err)
	}

	logger.For(ctx, s.logger).Info("Event cancelled", zap.String("event_id", id.String()))

	dto := ToEventDTO(cancelled)
	return &dto, nil
}

// GetEvent retrieves an event of the caller's tenant
func (s *Service) GetEvent(ctx context.Context, id uuid.UUID) (*EventDTO, error) {
	if !tenancy.FromContext(ctx).IsSet() {
		return nil, ErrTenantRequired
	}

	var found *event.Event
	err := s.scope.Execute(ctx, func(repos TransactionalRepositories) error {
		var err error
		found, err = repos.EventRepo().FindByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, s.translate(ctx, "Failed to find event", id, err)
	}

	dto := ToEventDTO(found)
	return &dto, nil
}

// ListEvents lists the caller's events, by start time unless the filter
// asks for another order
func (s *Service) ListEvents(ctx context.Context, filter ListFilter) (*ListResult, error) {
	if !tenancy.FromContext(ctx).IsSet() {
		return nil, ErrTenantRequired
	}

	page := shared.Page{Page: filter.Page, PageSize: filter.PageSize}
	sort := shared.Sort{Field: filter.OrderBy, Direction: filter.OrderDir}
	var (
		events []*event.Event
		total  int64
	)
	err := s.scope.Execute(ctx, func(repos TransactionalRepositories) error {
		var err error
		events, total, err = repos.EventRepo().List(ctx, page, sort)
		return err
	})
	if err != nil {
		return nil, s.translate(ctx, "Failed to list events", uuid.Nil, err)
	}

	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = ToEventDTO(e)
	}
	paginated := shared.NewPaginated(dtos, total, page)
	return &ListResult{
		Events:     paginated.Items,
		Total:      paginated.Total,
		Page:       paginated.Page,
		PageSize:   paginated.PageSize,
		TotalPages: paginated.TotalPages,
	}, nil
}

func (s *Service) translate(ctx context.Context, msg string, id uuid.UUID, err error) error {
	if errors.Is(err, shared.ErrNotFound) {
		return ErrEventNotFound
	}
	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	fields := []zap.Field{zap.Error(err), zap.Bool("retryable", shared.IsRetryable(err))}
	if id != uuid.Nil {
		fields = append(fields, zap.String("event_id", id.String()))
	}
	logger.For(ctx, s.logger).Error(msg, fields...)
	return errInternal
}

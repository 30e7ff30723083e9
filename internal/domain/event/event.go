// Package event holds the Event aggregate: a scheduled, tenant-owned
// occurrence. It is the reference aggregate that exercises tenant stamping
// and transactional event publication end to end.
package event

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/relay/backend/internal/domain/shared"
)

// Status represents the lifecycle state of an event
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCancelled Status = "cancelled"
)

const maxTitleLength = 200

// Event is the aggregate root. Its tenant is assigned when it is first persisted.
type Event struct {
	shared.TenantAggregateRoot
	Title    string
	StartsAt time.Time
	Status   Status
}

// NewEvent creates a scheduled event. The owner is stamped by the repository.
func NewEvent(title string, startsAt time.Time, createdBy uuid.UUID) (*Event, error) {
	title = strings.TrimSpace(title)
	if err := validateTitle(title); err != nil {
		return nil, err
	}
	if startsAt.IsZero() {
		return nil, shared.NewDomainError("INVALID_STARTS_AT", "Start time is required")
	}

	e := &Event{
		TenantAggregateRoot: shared.NewTenantAggregateRoot(),
		Title:               title,
		StartsAt:            startsAt.UTC(),
		Status:              StatusScheduled,
	}
	if createdBy != uuid.Nil {
		e.SetCreatedBy(createdBy)
	}
	return e, nil
}

// RecordCreated queues the creation event. It must be called after the
// event has an owner, i.e. after the repository has stamped it.
func (e *Event) RecordCreated() error {
	if e.TenantID == uuid.Nil {
		return shared.ErrInvalidState
	}
	e.AddDomainEvent(NewCreatedEvent(e))
	return nil
}

// Cancel cancels a scheduled event
func (e *Event) Cancel(reason string) error {
	if e.Status != StatusScheduled {
		return shared.NewDomainError("INVALID_STATE", "Only scheduled events can be cancelled")
	}
	e.Status = StatusCancelled
	e.UpdatedAt = time.Now().UTC()
	e.AddDomainEvent(NewCancelledEvent(e, strings.TrimSpace(reason)))
	return nil
}

// IsCancelled returns true if the event was cancelled
func (e *Event) IsCancelled() bool {
	return e.Status == StatusCancelled
}

func validateTitle(title string) error {
	if title == "" {
		return shared.NewDomainError("INVALID_TITLE", "Title cannot be empty")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return shared.NewDomainError("INVALID_TITLE", "Title cannot exceed 200 characters")
	}
	return nil
}

package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/relay/backend/internal/domain/shared"
)

// Event type constants. The prefix before the dot becomes the aggregate type.
const (
	EventTypeCreated   = "event.created"
	EventTypeCancelled = "event.cancelled"
)

// CreatedEvent is published when an event is scheduled
type CreatedEvent struct {
	shared.BaseDomainEvent
	Title     string     `json:"title"`
	StartsAt  time.Time  `json:"starts_at"`
	CreatedBy *uuid.UUID `json:"created_by,omitempty"`
}

// NewCreatedEvent creates a new CreatedEvent
func NewCreatedEvent(e *Event) *CreatedEvent {
	return &CreatedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeCreated, e.ID, e.TenantID),
		Title:           e.Title,
		StartsAt:        e.StartsAt,
		CreatedBy:       e.CreatedBy,
	}
}

// CancelledEvent is published when an event is cancelled
type CancelledEvent struct {
	shared.BaseDomainEvent
	Reason string `json:"reason,omitempty"`
}

// NewCancelledEvent creates a new CancelledEvent
func NewCancelledEvent(e *Event, reason string) *CancelledEvent {
	return &CancelledEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeCancelled, e.ID, e.TenantID),
		Reason:          reason,
	}
}

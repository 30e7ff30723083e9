package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/relay/backend/internal/domain/event"
)

// CreateEventInput represents the input for scheduling an event
type CreateEventInput struct {
	Title    string    `json:"title" binding:"required,min=1,max=200"`
	StartsAt time.Time `json:"starts_at" binding:"required"`
}

// CancelEventInput represents the input for cancelling an event
type CancelEventInput struct {
	Reason string `json:"reason" binding:"max=500"`
}

// ListFilter represents pagination and ordering for event listings
type ListFilter struct {
	Page     int    `form:"page,omitempty" binding:"omitempty,min=1"`
	PageSize int    `form:"page_size,omitempty" binding:"omitempty,min=1,max=100"`
	OrderBy  string `form:"order_by,omitempty" binding:"omitempty,oneof=starts_at created_at updated_at title status"`
	OrderDir string `form:"order_dir,omitempty" binding:"omitempty,oneof=asc desc"`
}

// EventDTO represents an event data transfer object
type EventDTO struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  uuid.UUID  `json:"tenant_id"`
	Title     string     `json:"title"`
	StartsAt  time.Time  `json:"starts_at"`
	Status    string     `json:"status"`
	CreatedBy *uuid.UUID `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ListResult represents a page of events
type ListResult struct {
	Events     []EventDTO `json:"events"`
	Total      int64      `json:"total"`
	Page       int        `json:"page"`
	PageSize   int        `json:"page_size"`
	TotalPages int        `json:"total_pages"`
}

// ToEventDTO converts a domain Event to EventDTO
func ToEventDTO(e *event.Event) EventDTO {
	return EventDTO{
		ID:        e.ID,
		TenantID:  e.TenantID,
		Title:     e.Title,
		StartsAt:  e.StartsAt,
		Status:    string(e.Status),
		CreatedBy: e.CreatedBy,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

package outbox

import (
	"time"

	"github.com/google/uuid"
	"github.com/relay/backend/internal/domain/shared"
)

// RecordDTO represents an outbox record data transfer object
type RecordDTO struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      *uuid.UUID `json:"tenant_id,omitempty"`
	EventType     string     `json:"event_type"`
	AggregateID   uuid.UUID  `json:"aggregate_id"`
	AggregateType string     `json:"aggregate_type"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

// Record statuses derived from the stored columns
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusParked    = "parked"
)

// ListFilter represents pagination for parked record listings
type ListFilter struct {
	Page     int `form:"page,omitempty" binding:"omitempty,min=1"`
	PageSize int `form:"page_size,omitempty" binding:"omitempty,min=1,max=100"`
}

// ListResult represents a page of outbox records
type ListResult struct {
	Records    []RecordDTO `json:"records"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
}

// StatsDTO represents outbox statistics
type StatsDTO struct {
	Pending    int64 `json:"pending"`
	Processed  int64 `json:"processed"`
	Parked     int64 `json:"parked"`
	Total      int64 `json:"total"`
	MaxRetries int   `json:"max_retries"`
}

func toRecordDTO(r *shared.OutboxRecord, maxRetries int) RecordDTO {
	status := StatusPending
	switch {
	case !r.IsPending():
		status = StatusProcessed
	case r.IsParked(maxRetries):
		status = StatusParked
	}
	return RecordDTO{
		ID:            r.ID,
		TenantID:      r.TenantID,
		EventType:     r.EventType,
		AggregateID:   r.AggregateID,
		AggregateType: r.AggregateType,
		Status:        status,
		RetryCount:    r.RetryCount,
		MaxRetries:    maxRetries,
		LastError:     r.LastError,
		CreatedAt:     r.CreatedAt,
		ProcessedAt:   r.ProcessedAt,
	}
}

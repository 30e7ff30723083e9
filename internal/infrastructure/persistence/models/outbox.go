package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/relay/backend/internal/domain/shared"
)

// OutboxRecordModel is the persistence model for the outbox_records table.
// The table is platform-owned: it has no row-level security so that
// dispatchers see the records of every tenant. TenantID is informational.
type OutboxRecordModel struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	AggregateID   uuid.UUID  `gorm:"type:uuid;not null"`
	AggregateType string     `gorm:"type:varchar(255);not null"`
	EventType     string     `gorm:"type:varchar(255);not null"`
	Payload       []byte     `gorm:"type:bytea;not null"`
	TenantID      *uuid.UUID `gorm:"type:uuid"`
	CreatedAt     time.Time  `gorm:"not null;autoCreateTime:false"`
	ProcessedAt   *time.Time
	RetryCount    int    `gorm:"not null;default:0"`
	LastError     string `gorm:"type:varchar(1000)"`
}

// TableName returns the table name for GORM
func (OutboxRecordModel) TableName() string {
	return "outbox_records"
}

// ToDomain converts the persistence model to a domain OutboxRecord
func (m *OutboxRecordModel) ToDomain() *shared.OutboxRecord {
	return &shared.OutboxRecord{
		ID:            m.ID,
		AggregateID:   m.AggregateID,
		AggregateType: m.AggregateType,
		EventType:     m.EventType,
		Payload:       m.Payload,
		TenantID:      m.TenantID,
		CreatedAt:     m.CreatedAt.UTC(),
		ProcessedAt:   utcPtr(m.ProcessedAt),
		RetryCount:    m.RetryCount,
		LastError:     m.LastError,
	}
}

// FromDomain populates the persistence model from a domain OutboxRecord
func (m *OutboxRecordModel) FromDomain(r *shared.OutboxRecord) {
	m.ID = r.ID
	m.AggregateID = r.AggregateID
	m.AggregateType = r.AggregateType
	m.EventType = r.EventType
	m.Payload = r.Payload
	m.TenantID = r.TenantID
	m.CreatedAt = r.CreatedAt
	m.ProcessedAt = r.ProcessedAt
	m.RetryCount = r.RetryCount
	m.LastError = r.LastError
}

// OutboxRecordModelFromDomain creates a new persistence model from a domain OutboxRecord
func OutboxRecordModelFromDomain(r *shared.OutboxRecord) *OutboxRecordModel {
	m := &OutboxRecordModel{}
	m.FromDomain(r)
	return m
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

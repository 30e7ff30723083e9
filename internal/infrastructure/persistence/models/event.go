package models

import (
	"time"

	"github.com/relay/backend/internal/domain/event"
)

// EventModel is the persistence model for the tenant-owned events table
type EventModel struct {
	TenantAggregateModel
	Title    string    `gorm:"type:varchar(200);not null"`
	StartsAt time.Time `gorm:"not null"`
	Status   string    `gorm:"type:varchar(20);not null;default:'scheduled'"`
}

// TableName returns the table name for GORM
func (EventModel) TableName() string {
	return "events"
}

// ToDomain converts the persistence model to a domain Event
func (m *EventModel) ToDomain() *event.Event {
	e := &event.Event{
		Title:    m.Title,
		StartsAt: m.StartsAt.UTC(),
		Status:   event.Status(m.Status),
	}
	m.PopulateTenantAggregateRoot(&e.TenantAggregateRoot)
	return e
}

// FromDomain populates the persistence model from a domain Event
func (m *EventModel) FromDomain(e *event.Event) {
	m.FromDomainTenantAggregateRoot(e.TenantAggregateRoot)
	m.Title = e.Title
	m.StartsAt = e.StartsAt
	m.Status = string(e.Status)
}

// EventModelFromDomain creates a new persistence model from a domain Event
func EventModelFromDomain(e *event.Event) *EventModel {
	m := &EventModel{}
	m.FromDomain(e)
	return m
}

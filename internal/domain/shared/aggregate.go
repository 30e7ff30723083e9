package shared

import (
	"time"

	"github.com/google/uuid"
)

// TenantOwned is implemented by every persistent type that belongs to a
// tenant. A zero TenantID means "not yet owned"; once set it never changes.
type TenantOwned interface {
	GetTenantID() uuid.UUID
	SetTenantID(tenantID uuid.UUID)
}

// BaseAggregateRoot provides identity, timestamps and pending domain events
type BaseAggregateRoot struct {
	ID           uuid.UUID
	CreatedAt    time.Time
	UpdatedAt    time.Time
	domainEvents []DomainEvent
}

// NewBaseAggregateRoot creates a new base aggregate root with a generated ID
func NewBaseAggregateRoot() BaseAggregateRoot {
	now := time.Now().UTC()
	return BaseAggregateRoot{
		ID:        uuid.New(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// GetID returns the aggregate ID
func (a *BaseAggregateRoot) GetID() uuid.UUID {
	return a.ID
}

// AddDomainEvent adds a domain event to be published
func (a *BaseAggregateRoot) AddDomainEvent(event DomainEvent) {
	a.domainEvents = append(a.domainEvents, event)
}

// GetDomainEvents returns all pending domain events
func (a *BaseAggregateRoot) GetDomainEvents() []DomainEvent {
	return a.domainEvents
}

// ClearDomainEvents clears the pending domain events
func (a *BaseAggregateRoot) ClearDomainEvents() {
	a.domainEvents = nil
}

// TenantAggregateRoot extends BaseAggregateRoot with a tenant owner.
// The tenant is normally left empty by constructors and stamped from the
// active tenant scope when the aggregate is first persisted.
type TenantAggregateRoot struct {
	BaseAggregateRoot
	TenantID  uuid.UUID
	CreatedBy *uuid.UUID
}

// NewTenantAggregateRoot creates an aggregate root without an owner
func NewTenantAggregateRoot() TenantAggregateRoot {
	return TenantAggregateRoot{BaseAggregateRoot: NewBaseAggregateRoot()}
}

// GetTenantID implements TenantOwned
func (t *TenantAggregateRoot) GetTenantID() uuid.UUID {
	return t.TenantID
}

// SetTenantID implements TenantOwned. An already owned aggregate keeps its owner.
func (t *TenantAggregateRoot) SetTenantID(tenantID uuid.UUID) {
	if t.TenantID != uuid.Nil {
		return
	}
	t.TenantID = tenantID
}

// SetCreatedBy sets the creator user ID
func (t *TenantAggregateRoot) SetCreatedBy(userID uuid.UUID) {
	t.CreatedBy = &userID
}

package event

import (
	"context"

	"github.com/google/uuid"
	"github.com/relay/backend/internal/domain/shared"
)

// Repository defines the interface for event persistence.
// Implementations are tenant-scoped by the connection they run on.
type Repository interface {
	// Create stamps the active tenant on e and inserts it
	Create(ctx context.Context, e *Event) error

	// Update persists changes to an existing event
	Update(ctx context.Context, e *Event) error

	// FindByID returns the event or shared.ErrNotFound
	FindByID(ctx context.Context, id uuid.UUID) (*Event, error)

	// List returns a page of events, ordered by start time unless sort names
	// another whitelisted column
	List(ctx context.Context, page shared.Page, sort shared.Sort) ([]*Event, int64, error)
}

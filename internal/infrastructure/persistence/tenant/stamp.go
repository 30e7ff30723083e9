package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/relay/backend/internal/domain/shared"
	"github.com/relay/backend/internal/infrastructure/tenancy"
)

// ErrTenantScopeRequired is returned when a tenant-owned entity is persisted
// outside of a tenant scope
var ErrTenantScopeRequired = errors.New("tenant scope required to persist tenant-owned entity")

// Stamp assigns the active tenant to entity before its first persist.
// An entity that already has an owner is left untouched.
func Stamp(ctx context.Context, entity shared.TenantOwned) error {
	if entity.GetTenantID() != uuid.Nil {
		return nil
	}
	tenantID, err := tenancy.FromContext(ctx).Get()
	if err != nil {
		return shared.NewConfigurationError("tenant.Stamp", fmt.Errorf("%w: %w", ErrTenantScopeRequired, err))
	}
	entity.SetTenantID(tenantID)
	return nil
}

// StampAll stamps every entity, stopping at the first failure
func StampAll(ctx context.Context, entities ...shared.TenantOwned) error {
	for _, entity := range entities {
		if err := Stamp(ctx, entity); err != nil {
			return err
		}
	}
	return nil
}

package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relay/backend/internal/domain/event"
	"github.com/relay/backend/internal/domain/shared"
	"github.com/relay/backend/internal/infrastructure/persistence/models"
	"github.com/relay/backend/internal/infrastructure/persistence/tenant"
	"gorm.io/gorm"
)

// GormEventRepository implements event.Repository using GORM.
// It must run on a connection from tenant.ConnectionProvider so that the
// row-level security policies see the caller's tenant.
type GormEventRepository struct {
	db *gorm.DB
}

// NewGormEventRepository creates a new GormEventRepository
func NewGormEventRepository(db *gorm.DB) *GormEventRepository {
	return &GormEventRepository{db: db}
}

// WithTx returns a repository that uses the given transaction
func (r *GormEventRepository) WithTx(tx *gorm.DB) *GormEventRepository {
	return &GormEventRepository{db: tx}
}

// Create stamps the active tenant on e and inserts it
func (r *GormEventRepository) Create(ctx context.Context, e *event.Event) error {
	if err := tenant.Stamp(ctx, e); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(models.EventModelFromDomain(e)).Error; err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Update persists title, start time and status of an existing event.
// The owner is never written.
func (r *GormEventRepository) Update(ctx context.Context, e *event.Event) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	result := r.db.WithContext(ctx).
		Model(&models.EventModel{}).
		Where("id = ?", e.ID).
		Updates(map[string]any{
			"title":      e.Title,
			"starts_at":  e.StartsAt,
			"status":     string(e.Status),
			"updated_at": e.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("update event: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// FindByID returns the event or shared.ErrNotFound. Events of other tenants
// are invisible and also reported as not found.
func (r *GormEventRepository) FindByID(ctx context.Context, id uuid.UUID) (*event.Event, error) {
	var model models.EventModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// List returns a page of events. The default order is start time ascending;
// id breaks ties so pages are stable.
func (r *GormEventRepository) List(ctx context.Context, page shared.Page, sort shared.Sort) ([]*event.Event, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&models.EventModel{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	var rows []models.EventModel
	if err := r.db.WithContext(ctx).
		Order(eventOrder(sort)).
		Limit(page.Limit()).
		Offset(page.Offset()).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}

	events := make([]*event.Event, len(rows))
	for i := range rows {
		events[i] = rows[i].ToDomain()
	}
	return events, total, nil
}

func eventOrder(sort shared.Sort) string {
	if strings.TrimSpace(sort.Field) == "" {
		return "starts_at ASC, id ASC"
	}
	field := ValidateSortField(sort.Field, EventSortFields, "starts_at")
	return field + " " + ValidateSortOrder(sort.Direction) + ", id ASC"
}

// Ensure GormEventRepository implements event.Repository
var _ event.Repository = (*GormEventRepository)(nil)

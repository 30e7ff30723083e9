package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	appevent "github.com/relay/backend/internal/application/event"
)

// EventService is the subset of the event application service the handler uses
type EventService interface {
	CreateEvent(ctx context.Context, input appevent.CreateEventInput) (*appevent.EventDTO, error)
	CancelEvent(ctx context.Context, id uuid.UUID, input appevent.CancelEventInput) (*appevent.EventDTO, error)
	GetEvent(ctx context.Context, id uuid.UUID) (*appevent.EventDTO, error)
	ListEvents(ctx context.Context, filter appevent.ListFilter) (*appevent.ListResult, error)
}

// EventHandler handles tenant-scoped event HTTP requests. The tenant comes
// from the scope established by the tenant middleware.
type EventHandler struct {
	BaseHandler
	eventService EventService
}

// NewEventHandler creates a new event handler
func NewEventHandler(eventService EventService) *EventHandler {
	return &EventHandler{eventService: eventService}
}

// Create godoc
// @ID           createEvent
// @Summary      Schedule an event
// @Description  Creates an event for the calling tenant and records event.created in the outbox
// @Tags         events
// @Accept       json
// @Produce      json
// @Param        X-Tenant-ID header string true "Tenant ID" format(uuid)
// @Param        request body appevent.CreateEventInput true "Event"
// @Success      201 {object} APIResponse[appevent.EventDTO]
// @Failure      400 {object} ErrorResponse
// @Failure      401 {object} ErrorResponse
// @Failure      500 {object} ErrorResponse
// @Router       /events [post]
func (h *EventHandler) Create(c *gin.Context) {
	var input appevent.CreateEventInput
	if err := c.ShouldBindJSON(&input); err != nil {
		h.ValidationError(c, err)
		return
	}

	created, err := h.eventService.CreateEvent(c.Request.Context(), input)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Created(c, created)
}

// List godoc
// @ID           listEvents
// @Summary      List events
// @Description  Lists the calling tenant's events
// @Tags         events
// @Produce      json
// @Param        X-Tenant-ID header string true "Tenant ID" format(uuid)
// @Param        page query int false "Page number" default(1)
// @Param        page_size query int false "Items per page" default(20) maximum(100)
// @Param        order_by query string false "Sort field" Enums(starts_at, created_at, updated_at, title, status)
// @Param        order_dir query string false "Sort direction" Enums(asc, desc)
// @Success      200 {object} APIResponse[[]appevent.EventDTO]
// @Failure      400 {object} ErrorResponse
// @Failure      401 {object} ErrorResponse
// @Router       /events [get]
func (h *EventHandler) List(c *gin.Context) {
	var filter appevent.ListFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		h.ValidationError(c, err)
		return
	}

	result, err := h.eventService.ListEvents(c.Request.Context(), filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.SuccessWithMeta(c, result.Events, result.Total, result.Page, result.PageSize)
}

// Get godoc
// @ID           getEvent
// @Summary      Get an event
// @Tags         events
// @Produce      json
// @Param        X-Tenant-ID header string true "Tenant ID" format(uuid)
// @Param        id path string true "Event ID" format(uuid)
// @Success      200 {object} APIResponse[appevent.EventDTO]
// @Failure      400 {object} ErrorResponse
// @Failure      404 {object} ErrorResponse
// @Router       /events/{id} [get]
func (h *EventHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		h.BadRequest(c, "Invalid event ID")
		return
	}

	found, err := h.eventService.GetEvent(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, found)
}

// Cancel godoc
// @ID           cancelEvent
// @Summary      Cancel an event
// @Description  Cancels a scheduled event and records event.cancelled in the outbox
// @Tags         events
// @Accept       json
// @Produce      json
// @Param        X-Tenant-ID header string true "Tenant ID" format(uuid)
// @Param        id path string true "Event ID" format(uuid)
// @Param        request body appevent.CancelEventInput false "Reason"
// @Success      200 {object} APIResponse[appevent.EventDTO]
// @Failure      400 {object} ErrorResponse
// @Failure      404 {object} ErrorResponse
// @Failure      422 {object} ErrorResponse
// @Router       /events/{id}/cancel [post]
func (h *EventHandler) Cancel(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		h.BadRequest(c, "Invalid event ID")
		return
	}

	var input appevent.CancelEventInput
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			h.ValidationError(c, err)
			return
		}
	}

	cancelled, err := h.eventService.CancelEvent(c.Request.Context(), id, input)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, cancelled)
}

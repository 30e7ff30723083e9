package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	appoutbox "github.com/relay/backend/internal/application/outbox"
)

// OutboxService is the subset of the outbox admin service the handler uses
type OutboxService interface {
	GetStats(ctx context.Context) (*appoutbox.StatsDTO, error)
	ListParked(ctx context.Context, filter appoutbox.ListFilter) (*appoutbox.ListResult, error)
	GetRecord(ctx context.Context, id uuid.UUID) (*appoutbox.RecordDTO, error)
	Requeue(ctx context.Context, id uuid.UUID) (*appoutbox.RecordDTO, error)
	RequeueAll(ctx context.Context) (int64, error)
	Discard(ctx context.Context, id uuid.UUID) error
}

// OutboxHandler handles outbox administration HTTP requests. These routes
// operate on the platform-owned outbox table and carry no tenant.
type OutboxHandler struct {
	BaseHandler
	outboxService OutboxService
}

// NewOutboxHandler creates a new outbox handler
func NewOutboxHandler(outboxService OutboxService) *OutboxHandler {
	return &OutboxHandler{outboxService: outboxService}
}

// GetStats godoc
// @ID           getOutboxStats
// @Summary      Get outbox statistics
// @Description  Counts pending, processed and parked records
// @Tags         outbox
// @Produce      json
// @Success      200 {object} APIResponse[appoutbox.StatsDTO]
// @Failure      500 {object} ErrorResponse
// @Router       /system/outbox/stats [get]
func (h *OutboxHandler) GetStats(c *gin.Context) {
	stats, err := h.outboxService.GetStats(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, stats)
}

// ListParked godoc
// @ID           listOutboxParked
// @Summary      List parked records
// @Description  Records that exhausted their retries, oldest first
// @Tags         outbox
// @Produce      json
// @Param        page query int false "Page number" default(1)
// @Param        page_size query int false "Items per page" default(20) maximum(100)
// @Success      200 {object} APIResponse[[]appoutbox.RecordDTO]
// @Failure      400 {object} ErrorResponse
// @Failure      500 {object} ErrorResponse
// @Router       /system/outbox/parked [get]
func (h *OutboxHandler) ListParked(c *gin.Context) {
	var filter appoutbox.ListFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		h.ValidationError(c, err)
		return
	}

	result, err := h.outboxService.ListParked(c.Request.Context(), filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.SuccessWithMeta(c, result.Records, result.Total, result.Page, result.PageSize)
}

// GetRecord godoc
// @ID           getOutboxRecord
// @Summary      Get an outbox record
// @Tags         outbox
// @Produce      json
// @Param        id path string true "Record ID" format(uuid)
// @Success      200 {object} APIResponse[appoutbox.RecordDTO]
// @Failure      400 {object} ErrorResponse
// @Failure      404 {object} ErrorResponse
// @Router       /system/outbox/{id} [get]
func (h *OutboxHandler) GetRecord(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		h.BadRequest(c, "Invalid record ID")
		return
	}

	record, err := h.outboxService.GetRecord(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, record)
}

// Requeue godoc
// @ID           requeueOutboxRecord
// @Summary      Requeue a parked record
// @Description  Replaces the parked record with a fresh pending copy
// @Tags         outbox
// @Produce      json
// @Param        id path string true "Record ID" format(uuid)
// @Success      200 {object} APIResponse[appoutbox.RecordDTO]
// @Failure      400 {object} ErrorResponse
// @Failure      404 {object} ErrorResponse
// @Failure      422 {object} ErrorResponse
// @Router       /system/outbox/{id}/requeue [post]
func (h *OutboxHandler) Requeue(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		h.BadRequest(c, "Invalid record ID")
		return
	}

	record, err := h.outboxService.Requeue(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, record)
}

// RequeueAll godoc
// @ID           requeueAllOutboxRecords
// @Summary      Requeue every parked record
// @Tags         outbox
// @Produce      json
// @Success      200 {object} APIResponse[CountData]
// @Failure      500 {object} ErrorResponse
// @Router       /system/outbox/requeue-all [post]
func (h *OutboxHandler) RequeueAll(c *gin.Context) {
	count, err := h.outboxService.RequeueAll(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, CountData{Count: count})
}

// Discard godoc
// @ID           discardOutboxRecord
// @Summary      Discard a parked record
// @Tags         outbox
// @Param        id path string true "Record ID" format(uuid)
// @Success      204
// @Failure      400 {object} ErrorResponse
// @Failure      404 {object} ErrorResponse
// @Failure      422 {object} ErrorResponse
// @Router       /system/outbox/{id} [delete]
func (h *OutboxHandler) Discard(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		h.BadRequest(c, "Invalid record ID")
		return
	}

	if err := h.outboxService.Discard(c.Request.Context(), id); err != nil {
		h.HandleError(c, err)
		return
	}

	h.NoContent(c)
}

package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shop/services/items/internal/db"
	"github.com/shop/services/items/internal/events"
	"github.com/shop/services/items/internal/metrics"
	"go.uber.org/zap"
)

const (
	eventTimeout   = 10 * time.Second
	eventQueueSize = 1024
)

// ItemStore is the storage capability the handlers need. Both the GORM and
// the sqlx repositories implement it.
type ItemStore interface {
	GetItem(ctx context.Context, id int64) (*db.Item, error)
	ListItems(ctx context.Context) ([]db.Item, error)
	UpsertItem(ctx context.Context, name string, delta int32) (*db.Item, bool, error)
	ReplaceItem(ctx context.Context, id int64, name string, quantity int32) (*db.Item, error)
	DeleteItem(ctx context.Context, id int64) error
	Ping(ctx context.Context) error
}

// itemBody is the request body of POST and PUT. Pointers let a zero quantity
// through while still rejecting a missing field.
type itemBody struct {
	Name     *string `json:"name" binding:"required"`
	Quantity *int32  `json:"quantity" binding:"required"`
}

// Handler holds the dependencies of the item endpoints
type Handler struct {
	store      ItemStore
	publisher  events.ItemPublisher
	dispatcher *events.Dispatcher
	metrics    *metrics.Metrics
	log        *zap.Logger
}

// NewHandler creates a new handler with its dependencies.
func NewHandler(store ItemStore, publisher events.ItemPublisher, m *metrics.Metrics, log *zap.Logger) *Handler {
	return &Handler{
		store:      store,
		publisher:  publisher,
		dispatcher: events.NewDispatcher(eventQueueSize, eventTimeout, log),
		metrics:    m,
		log:        log,
	}
}

// Close waits for queued events to be published. Call it before closing the
// publisher.
func (h *Handler) Close() {
	h.dispatcher.Close()
}

// Register mounts the item routes on r
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/items", h.ListItems)
	r.POST("/items", h.UpsertItem)
	r.GET("/items/:id", h.GetItem)
	r.PUT("/items/:id", h.ReplaceItem)
	r.DELETE("/items/:id", h.DeleteItem)
}

func (h *Handler) GetItem(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	item, err := h.store.GetItem(c.Request.Context(), id)
	if err != nil {
		h.storeError(c, err, "Failed to fetch item")
		return
	}

	c.JSON(http.StatusOK, item)
}

func (h *Handler) ListItems(c *gin.Context) {
	items, err := h.store.ListItems(c.Request.Context())
	if err != nil {
		h.storeError(c, err, "Failed to fetch items")
		return
	}

	c.JSON(http.StatusOK, items)
}

// UpsertItem creates the named item or adds the given quantity to it.
// 201 when a row was created, 200 when an existing row was merged.
func (h *Handler) UpsertItem(c *gin.Context) {
	var body itemBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.jsonError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	item, created, err := h.store.UpsertItem(c.Request.Context(), *body.Name, *body.Quantity)
	if err != nil {
		h.metrics.ObserveUpsert(metrics.UpsertFailed)
		h.storeError(c, err, "Failed to store item")
		return
	}

	if created {
		h.metrics.ObserveUpsert(metrics.UpsertCreated)
		h.publish(c, "item created", func(ctx context.Context) error {
			return h.publisher.PublishItemCreated(ctx, *item)
		})
		c.JSON(http.StatusCreated, item)
		return
	}

	h.metrics.ObserveUpsert(metrics.UpsertMerged)
	h.publish(c, "item merged", func(ctx context.Context) error {
		return h.publisher.PublishItemUpdated(ctx, *item, events.ReasonMerged)
	})
	c.JSON(http.StatusOK, item)
}

// ReplaceItem overwrites name and quantity; nothing is accumulated.
func (h *Handler) ReplaceItem(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	var body itemBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.jsonError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	item, err := h.store.ReplaceItem(c.Request.Context(), id, *body.Name, *body.Quantity)
	if err != nil {
		h.storeError(c, err, "Failed to update item")
		return
	}

	h.publish(c, "item replaced", func(ctx context.Context) error {
		return h.publisher.PublishItemUpdated(ctx, *item, events.ReasonReplaced)
	})
	c.JSON(http.StatusOK, item)
}

func (h *Handler) DeleteItem(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	if err := h.store.DeleteItem(c.Request.Context(), id); err != nil {
		h.storeError(c, err, "Failed to delete item")
		return
	}

	h.publish(c, "item deleted", func(ctx context.Context) error {
		return h.publisher.PublishItemDeleted(ctx, id)
	})
	c.Status(http.StatusNoContent)
}

// publish queues fn behind the events of earlier requests. A slow or absent
// broker never fails the request.
func (h *Handler) publish(c *gin.Context, what string, fn func(ctx context.Context) error) {
	h.dispatcher.Enqueue(c.Request.Context(), what, fn)
}

func (h *Handler) parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		h.jsonError(c, http.StatusBadRequest, "Invalid item ID")
		return 0, false
	}
	return id, true
}

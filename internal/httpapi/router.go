package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shop/services/items/internal/metrics"
	"go.uber.org/zap"
)

// NewRouter builds the gin engine serving the item routes plus health,
// connectivity and metrics endpoints.
func NewRouter(h *Handler, m *metrics.Metrics, gatherer prometheus.Gatherer, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), AccessLog(log), m.Middleware())

	h.Register(r)

	r.GET("/healthz", h.Health)
	r.GET("/test_db", h.TestDB)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}

// Health reports whether the store and the event publisher are usable
func (h *Handler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.log.Error("Database health check failed", zap.Error(err))
		c.String(http.StatusServiceUnavailable, "unhealthy: database connection failed")
		return
	}

	if !h.publisher.IsHealthy() {
		h.log.Error("RabbitMQ health check failed")
		c.String(http.StatusServiceUnavailable, "unhealthy: rabbitmq connection failed")
		return
	}

	c.String(http.StatusOK, "healthy")
}

// TestDB checks database connectivity only
func (h *Handler) TestDB(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.log.Error("Database connectivity check failed", zap.Error(err))
		h.jsonError(c, http.StatusInternalServerError, "Database query failed")
		return
	}

	c.String(http.StatusOK, "Connected to database!")
}

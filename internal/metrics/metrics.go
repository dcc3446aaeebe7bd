// Package metrics holds the Prometheus collectors exported by the items service.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Upsert outcomes
const (
	UpsertCreated = "created"
	UpsertMerged  = "merged"
	UpsertFailed  = "error"
)

// Metrics groups the service collectors
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	upserts  *prometheus.CounterVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "items",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "items",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		upserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "items",
			Name:      "upserts_total",
			Help:      "Upsert outcomes: created, merged or error.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.requests, m.duration, m.upserts)
	return m
}

// NewRegistry returns a registry preloaded with the Go and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ObserveUpsert counts one upsert outcome
func (m *Metrics) ObserveUpsert(outcome string) {
	m.upserts.WithLabelValues(outcome).Inc()
}

// Middleware records request count and latency per matched route
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

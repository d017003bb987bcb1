// Package health exposes liveness, per-endpoint counters, component
// snapshots, and Prometheus metrics.
package health

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/graphmind/agent-gateway/internal/logger"
)

// EndpointStats counts outcomes for one route.
type EndpointStats struct {
	Requests uint64 `json:"requests"`
	Errors   uint64 `json:"errors"`
}

// Checker aggregates gateway health state.
type Checker struct {
	start time.Time

	mu        sync.Mutex
	endpoints map[string]*EndpointStats

	registry *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	activeSessions prometheus.Gauge
	poolIdle       prometheus.Gauge
	poolCheckedOut prometheus.Gauge
	cacheHitRatio  prometheus.Gauge
}

// New builds a checker with its own Prometheus registry.
func New() *Checker {
	c := &Checker{
		start:     time.Now(),
		endpoints: make(map[string]*EndpointStats),
		registry:  prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "HTTP requests by endpoint and status class",
		}, []string{"endpoint", "status"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_sessions",
			Help: "Live logical sessions",
		}),
		poolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_pool_idle_connections",
			Help: "Idle pooled agent connections",
		}),
		poolCheckedOut: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_pool_checked_out_connections",
			Help: "Checked-out pooled agent connections",
		}),
		cacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_cache_hit_ratio",
			Help: "Cache hits over lookups since start",
		}),
	}
	c.registry.MustRegister(c.requestsTotal, c.activeSessions, c.poolIdle, c.poolCheckedOut, c.cacheHitRatio)
	return c
}

// Record notes one request outcome for an endpoint.
func (c *Checker) Record(endpoint string, status int) {
	c.mu.Lock()
	st, ok := c.endpoints[endpoint]
	if !ok {
		st = &EndpointStats{}
		c.endpoints[endpoint] = st
	}
	st.Requests++
	if status >= 400 {
		st.Errors++
	}
	c.mu.Unlock()

	class := strconv.Itoa(status/100) + "xx"
	c.requestsTotal.WithLabelValues(endpoint, class).Inc()
}

// SetGauges pushes current occupancy numbers to the Prometheus gauges.
func (c *Checker) SetGauges(activeSessions, poolIdle, poolCheckedOut int, cacheHits, cacheMisses uint64) {
	c.activeSessions.Set(float64(activeSessions))
	c.poolIdle.Set(float64(poolIdle))
	c.poolCheckedOut.Set(float64(poolCheckedOut))
	if total := cacheHits + cacheMisses; total > 0 {
		c.cacheHitRatio.Set(float64(cacheHits) / float64(total))
	}
}

// EndpointStats returns a copy of the per-endpoint counters.
func (c *Checker) EndpointStats() map[string]EndpointStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]EndpointStats, len(c.endpoints))
	for k, v := range c.endpoints {
		out[k] = *v
	}
	return out
}

// Uptime reports time since construction.
func (c *Checker) Uptime() time.Duration {
	return time.Since(c.start)
}

// Basic is the /health payload.
func (c *Checker) Basic() map[string]any {
	return map[string]any{
		"status":         "healthy",
		"uptime_seconds": int(c.Uptime().Seconds()),
		"instance_id":    logger.GetInstanceID(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
}

// Detailed is the /health/detailed payload: the basic fields plus component
// snapshots supplied by the composition root.
func (c *Checker) Detailed(components map[string]any) map[string]any {
	out := c.Basic()
	out["endpoints"] = c.EndpointStats()
	out["components"] = components
	return out
}

// MetricsHandler serves the Prometheus registry.
func (c *Checker) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

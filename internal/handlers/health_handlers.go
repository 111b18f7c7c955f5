package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Pinger is anything the health check can probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandlers handles health check and monitoring endpoints
type HealthHandlers struct {
	db      Pinger
	cache   Pinger
	archive Pinger
	version string
	started time.Time
}

// NewHealthHandlers creates a new health handlers instance. cache and archive may be nil.
func NewHealthHandlers(db, cache, archive Pinger, version string) *HealthHandlers {
	return &HealthHandlers{
		db:      db,
		cache:   cache,
		archive: archive,
		version: version,
		started: time.Now(),
	}
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Uptime    string            `json:"uptime"`
	Version   string            `json:"version"`
}

const healthCheckTimeout = 2 * time.Second

// HealthCheck handles GET /health
// @Summary      Service health
// @Description  Database is critical; cache and archive only degrade the status
// @Tags         health
// @Produce      json
// @Success      200  {object}  HealthStatus
// @Success      206  {object}  HealthStatus
// @Failure      503  {object}  HealthStatus
// @Router       /health [get]
func (h *HealthHandlers) HealthCheck(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
	defer cancel()

	health := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  make(map[string]string),
		Version:   h.version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	}

	statusCode := http.StatusOK
	if !probe(ctx, h.db, "database", health) {
		health.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}
	for name, p := range map[string]Pinger{"redis": h.cache, "storage": h.archive} {
		if !probe(ctx, p, name, health) && health.Status == "healthy" {
			health.Status = "degraded"
			statusCode = http.StatusPartialContent
		}
	}

	return c.JSON(statusCode, health)
}

// probe records one dependency's state and reports whether it is usable
func probe(ctx context.Context, p Pinger, name string, health *HealthStatus) bool {
	if p == nil {
		health.Services[name] = "disabled"
		return true
	}
	if err := p.Ping(ctx); err != nil {
		health.Services[name] = "unhealthy"
		return false
	}
	health.Services[name] = "healthy"
	return true
}

// LivenessCheck determines if the application is running (basic liveness probe)
// @Summary      Liveness probe
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health/live [get]
func (h *HealthHandlers) LivenessCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

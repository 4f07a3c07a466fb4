package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wm-api/internal/config"
	"wm-api/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(
	e *echo.Echo,
	cfg *config.Config,
	m *metrics.Metrics,
	proxy *ProxyHandler,
	health *HealthHandler,
	events *EventsHandler,
	openapi *OpenAPIHandler,
) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)
	e.GET("/openapi.json", openapi.Serve)

	api := e.Group("/api/v1")
	api.GET("/ping", health.Ping)
	api.GET("/events/stream", events.Stream)

	// The static _ready route wins over the wildcard in echo's router.
	e.GET(WolfPrefix+"/_ready", proxy.Ready)
	e.Any(WolfPrefix, proxy.Handle)
	e.Any(WolfPrefix+"/*", proxy.Handle)

	// Any OPTIONS gets an empty 204; other unmatched requests stay 404
	// rather than the 405 a method-specific catch-all would produce.
	e.Any("/*", func(c echo.Context) error {
		if c.Request().Method == http.MethodOptions {
			return c.NoContent(http.StatusNoContent)
		}
		return echo.ErrNotFound
	})

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}

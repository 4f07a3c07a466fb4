package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/labstack/echo/v4"

	"wm-api/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// LocalAddrs is the set of host IPv4 addresses found at startup.
type LocalAddrs []netip.Addr

// Pinger checks that the local store answers queries.
type Pinger interface {
	Ping(ctx context.Context) error
}

const pingTimeout = 2 * time.Second

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	local   LocalAddrs
	db      Pinger
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, local LocalAddrs, db Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		cfg:     cfg,
		version: v,
		local:   local,
		db:      db,
		logger:  logger.With("component", "health_handler"),
	}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Ping reports whether the store answers a trivial query.
func (h *HealthHandler) Ping(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), pingTimeout)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error("database ping failed", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]any{
			"ok": false,
			"db": "down",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ok": true,
		"db": "up",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	ips := make([]string, 0, len(h.local))
	for _, a := range h.local {
		ips = append(ips, a.String())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     string(h.version),
		"socket_path": h.cfg.Wolf.SocketPath,
		"local_ips":   ips,
	})
}

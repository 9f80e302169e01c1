package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"webclient-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Health returns a fixed payload for liveness probes.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "OK",
		"service": "webclient",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         string(h.version),
		"upstream_url":    h.cfg.Upstream.BaseURL,
		"timeout_seconds": h.cfg.Upstream.TimeoutSeconds,
		"metrics_enabled": h.cfg.Metrics.Enabled,
	})
}

package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(v Version) *HealthHandler {
	return &HealthHandler{version: v}
}

// Root returns a plain-text liveness marker.
func (h *HealthHandler) Root(c echo.Context) error {
	c.Response().Header().Set("X-Proxy-Version", string(h.version))
	return c.String(http.StatusOK, "Proxy is running")
}

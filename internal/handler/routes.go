package handler

import (
	"github.com/labstack/echo/v4"
)

// ProxyPath is the relay route.
const ProxyPath = "/proxy"

// RegisterRoutes wires the liveness and proxy routes onto the Echo instance.
// Every other path falls through to Echo's 404.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/", health.Root)
	e.Any(ProxyPath, proxy.Handle)
}

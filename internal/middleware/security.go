package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// SetSecurityHeaders marks a proxy-generated response as non-sniffable and
// non-frameable.
func SetSecurityHeaders(h http.Header) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
}

// SecurityHeaders returns an Echo middleware that adds security headers to
// responses the proxy generates itself. Requests for relayPaths are skipped:
// relayed upstream responses go out with the upstream's own headers, and the
// relay handler sets them on its rejections.
//
// Hop-by-hop request headers are left alone here: the proxy pipeline needs
// Proxy-Authorization intact and strips such headers itself.
func SecurityHeaders(relayPaths ...string) echo.MiddlewareFunc {
	skip := make(map[string]bool, len(relayPaths))
	for _, p := range relayPaths {
		skip[p] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !skip[c.Request().URL.Path] {
				SetSecurityHeaders(c.Response().Header())
			}
			return next(c)
		}
	}
}

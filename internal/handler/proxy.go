package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"github.com/labstack/echo/v4"

	"forward-proxy-go/internal/auth"
	"forward-proxy-go/internal/middleware"
	"forward-proxy-go/internal/model"
	"forward-proxy-go/internal/ratelimit"
	"forward-proxy-go/internal/safety"
	"forward-proxy-go/internal/service"
	"forward-proxy-go/internal/target"
)

// queryPattern matches query strings of URLs embedded in error messages.
var queryPattern = regexp.MustCompile(`(https?://[^\s"?]+)\?[^\s"]*`)

// ProxyHandler relays requests to the target named by the caller.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle runs the request through the proxy pipeline and streams the
// upstream response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Query:         req.URL.Query(),
		Header:        req.Header,
		Body:          req.Body,
		RemoteIP:      c.RealIP(),
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Upstream values replace any defaults set by middleware.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = vals
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status line is already out when a copy fails, so the only honest
	// signal left is to abort the connection instead of ending the body
	// cleanly. Recover re-panics http.ErrAbortHandler.
	if n, err := copyFlush(c.Response(), resp.Body); err != nil {
		h.logger.Warn("streaming response body",
			"err", sanitizeError(err),
			"status", resp.StatusCode,
			"bytes_out", n,
		)
		panic(http.ErrAbortHandler)
	}

	return nil
}

// copyFlush copies src to dst, flushing after every chunk so slow or
// long-lived upstream responses reach the caller as they arrive.
func copyFlush(dst *echo.Response, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			dst.Flush()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	var rej *service.RejectionError
	stage := "unknown"
	if errors.As(err, &rej) {
		stage = rej.Stage.String()
	}

	middleware.SetSecurityHeaders(c.Response().Header())

	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		h.logger.Info("proxy request rejected", "stage", stage, "reason", err.Error(), "remote_ip", c.RealIP())
		ch := h.service.Challenge()
		c.Response().Header().Set(ch.Header, ch.Value)
		return c.JSON(ch.Status, map[string]string{
			"error": "Authentication required",
		})

	case errors.Is(err, target.ErrMissingTarget):
		h.logger.Info("proxy request rejected", "stage", stage, "reason", err.Error())
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Missing 'url' parameter in query or JSON body.",
		})

	case errors.Is(err, target.ErrInvalidTarget):
		h.logger.Info("proxy request rejected", "stage", stage, "reason", sanitizeError(err))
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Invalid 'url' parameter",
		})

	case errors.Is(err, safety.ErrBlockedHost):
		h.logger.Warn("proxy request rejected", "stage", stage, "reason", err.Error(), "remote_ip", c.RealIP())
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "Blocked private host",
		})

	case errors.Is(err, ratelimit.ErrLimited):
		h.logger.Info("proxy request rejected", "stage", stage, "remote_ip", c.RealIP())
		if rej != nil && rej.RetryAfter > 0 {
			secs := int(math.Ceil(rej.RetryAfter.Seconds()))
			c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
		}
		return c.JSON(http.StatusTooManyRequests, map[string]string{
			"error": "Rate limit exceeded",
		})
	}

	h.logger.Error("proxy error",
		"stage", stage,
		"err", sanitizeError(err),
	)
	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "Proxy request failed: " + upstreamReason(err),
	})
}

// upstreamReason names a transport failure without echoing the target URL.
func upstreamReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "upstream request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "client disconnected"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "upstream host unreachable: " + dnsErr.Error()
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return "upstream request timed out"
		}
		return sanitizeError(urlErr.Err)
	}

	return sanitizeError(err)
}

// sanitizeError redacts query strings from URLs embedded in error messages.
func sanitizeError(err error) string {
	return queryPattern.ReplaceAllString(err.Error(), "${1}?[REDACTED]")
}

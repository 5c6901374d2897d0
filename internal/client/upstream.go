// Package client provides the outbound HTTP client used to reach proxy targets.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/metrics"
	"forward-proxy-go/internal/model"
)

// ErrHeaderTimeout is returned when the target does not answer with response
// headers within upstream.timeout_seconds.
var ErrHeaderTimeout = fmt.Errorf("awaiting response headers: %w", context.DeadlineExceeded)

// UpstreamClient sends relayed requests to arbitrary targets.
//
// upstream.timeout_seconds bounds the wait for response headers only. Once
// headers arrive the body streams for as long as the target keeps sending
// and the caller stays connected.
type UpstreamClient struct {
	httpClient    *http.Client
	headerTimeout time.Duration
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// DoStream enforces the same bound for any transport.
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return NewUpstreamClientWithTransport(cfg, transport, logger, m)
}

// NewUpstreamClientWithTransport creates an UpstreamClient on top of rt.
func NewUpstreamClientWithTransport(cfg *config.Config, rt http.RoundTripper, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: rt,
			// Redirects are relayed to the caller, never followed: following
			// them would skip the target safety check.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		headerTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		logger:        logger.With("component", "upstream_client"),
		metrics:       m,
	}
}

// Do executes an HTTP request against the target and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
			c.metrics.UpstreamFailures.WithLabelValues(method).Inc()
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		Decoded:    resp.Uncompressed,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled. The wait for response headers is bounded by
// upstream.timeout_seconds; the body itself is not.
//
// GET and HEAD requests never carry a body. Otherwise body is streamed as-is;
// contentLength is the declared length, or -1 when unknown.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader, contentLength int64) (*model.ProxyResponse, error) {
	if method == http.MethodGet || method == http.MethodHead || contentLength == 0 {
		body = nil
	}

	ctx, cancel := context.WithCancelCause(ctx)

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		cancel(nil)
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	if body != nil && contentLength > 0 {
		req.ContentLength = contentLength
	}

	var timer *time.Timer
	if c.headerTimeout > 0 {
		timer = time.AfterFunc(c.headerTimeout, func() { cancel(ErrHeaderTimeout) })
	}

	resp, err := c.Do(req)
	if timer != nil && !timer.Stop() && err == nil {
		// Headers arrived as the timer fired; the body is already canceled.
		_ = resp.Body.Close()
		resp, err = nil, ErrHeaderTimeout
	}
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrHeaderTimeout) {
			err = fmt.Errorf("upstream request: %w", ErrHeaderTimeout)
		}
		cancel(nil)
		return nil, err
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the request context once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}

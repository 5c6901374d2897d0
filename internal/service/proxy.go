// Package service implements the proxy request pipeline.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"forward-proxy-go/internal/auth"
	"forward-proxy-go/internal/client"
	"forward-proxy-go/internal/headers"
	"forward-proxy-go/internal/metrics"
	"forward-proxy-go/internal/model"
	"forward-proxy-go/internal/ratelimit"
	"forward-proxy-go/internal/safety"
	"forward-proxy-go/internal/target"
)

// Stage is a step of the proxy pipeline. Stages run in declaration order and
// the first rejection ends the request.
type Stage int

const (
	StageAuthenticating Stage = iota + 1
	StageResolvingTarget
	StageFilteringSafety
	StageRateLimiting
	StageRelaying
)

func (s Stage) String() string {
	switch s {
	case StageAuthenticating:
		return "authenticating"
	case StageResolvingTarget:
		return "resolving_target"
	case StageFilteringSafety:
		return "filtering_safety"
	case StageRateLimiting:
		return "rate_limiting"
	case StageRelaying:
		return "relaying"
	default:
		return "unknown"
	}
}

// ErrUpstreamFailure is wrapped around transport errors from the target.
var ErrUpstreamFailure = errors.New("proxy request failed")

// RejectionError reports the stage that ended a request and why.
type RejectionError struct {
	Stage Stage
	Err   error

	// RetryAfter is set for rate-limit rejections.
	RetryAfter time.Duration
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// ProxyService runs requests through authentication, target resolution,
// safety filtering and rate limiting before relaying them upstream.
type ProxyService struct {
	gate      *auth.Gate
	resolver  *target.Resolver
	filter    *safety.Filter
	limiter   *ratelimit.SlidingWindow
	sanitizer *headers.Sanitizer
	client    *client.UpstreamClient
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewProxyService wires the pipeline stages together. The metrics parameter
// is optional.
func NewProxyService(
	gate *auth.Gate,
	resolver *target.Resolver,
	filter *safety.Filter,
	limiter *ratelimit.SlidingWindow,
	c *client.UpstreamClient,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ProxyService {
	return &ProxyService{
		gate:      gate,
		resolver:  resolver,
		filter:    filter,
		limiter:   limiter,
		sanitizer: headers.NewSanitizer(gate.CredentialHeader()),
		client:    c,
		metrics:   m,
		logger:    logger.With("component", "proxy_service"),
	}
}

// Challenge returns the auth challenge for rejected callers.
func (s *ProxyService) Challenge() auth.Challenge {
	return s.gate.Challenge()
}

// Forward runs pr through the pipeline and returns the upstream response.
// The caller is responsible for closing the response body. Every error is a
// *RejectionError.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	principal, err := s.gate.Authenticate(pr.Header)
	if err != nil {
		return nil, s.reject(StageAuthenticating, err)
	}

	u, err := s.resolver.Resolve(pr)
	if err != nil {
		return nil, s.reject(StageResolvingTarget, err)
	}

	if err := s.filter.Check(pr.Ctx, u); err != nil {
		return nil, s.reject(StageFilteringSafety, err)
	}

	identity := principal.Identity
	if identity == "" {
		identity = "ip:" + pr.RemoteIP
	}
	if res := s.limiter.Allow(identity); !res.Allowed {
		rej := s.reject(StageRateLimiting, ratelimit.ErrLimited)
		rej.RetryAfter = res.RetryAfter
		return nil, rej
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", u.Host,
		"identity", identity,
	)

	header := s.sanitizer.StripOutbound(pr.Header)
	resp, err := s.client.DoStream(pr.Ctx, pr.Method, u.String(), header, pr.Body, pr.ContentLength)
	if err != nil {
		return nil, s.reject(StageRelaying, fmt.Errorf("%w: %w", ErrUpstreamFailure, err))
	}

	resp.Header = s.sanitizer.StripInbound(resp.Header, resp.Decoded)
	return resp, nil
}

func (s *ProxyService) reject(stage Stage, err error) *RejectionError {
	if s.metrics != nil {
		s.metrics.Rejections.WithLabelValues(stage.String()).Inc()
	}
	return &RejectionError{Stage: stage, Err: err}
}

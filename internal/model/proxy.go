// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a caller request to be relayed to its target.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Query    url.Values
	Header   http.Header
	Body     io.ReadCloser
	RemoteIP string

	// ContentLength is the inbound body length, or -1 when unknown.
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser

	// Decoded is set when the transport transparently decompressed Body.
	Decoded bool
}

// Principal identifies an authenticated caller. Anonymous is set when the
// proxy runs without credentials.
type Principal struct {
	Identity  string
	Anonymous bool
}

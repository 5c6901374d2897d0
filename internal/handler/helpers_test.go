package handler

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"forward-proxy-go/internal/auth"
	"forward-proxy-go/internal/client"
	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/ratelimit"
	"forward-proxy-go/internal/safety"
	"forward-proxy-go/internal/service"
	"forward-proxy-go/internal/target"
)

// publicResolver resolves every hostname to a public address.
type publicResolver struct{}

func (publicResolver) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
}

// routeTo returns a transport that dials srv whatever host the URL names.
func routeTo(srv *httptest.Server) *http.Transport {
	return &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // test server certificate
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, srv.Listener.Addr().String())
		},
	}
}

// testConfig returns a basic-auth config for alice/pw with defaults filled in.
func testConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			Mode:     config.AuthModeBasic,
			Scheme:   config.SchemeOrigin,
			Realm:    "Login Required",
			Username: "alice",
			Password: "pw",
		},
		Proxy:    config.ProxyConfig{RequestsPerMinute: 30, JSONBodyMaxBytes: 1 << 20},
		Upstream: config.UpstreamConfig{TimeoutSeconds: 10, IdleConnections: 10},
	}
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// newTestProxyHandler builds the full pipeline with upstream traffic routed to
// upstream (nil means the default transport).
func newTestProxyHandler(t *testing.T, cfg *config.Config, upstream *httptest.Server) *ProxyHandler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var rt http.RoundTripper = http.DefaultTransport
	if upstream != nil {
		rt = routeTo(upstream)
	}

	svc := service.NewProxyService(
		auth.NewGate(cfg),
		target.NewResolver(cfg),
		safety.NewFilterWithResolver(cfg, publicResolver{}, logger),
		ratelimit.NewSlidingWindow(cfg.Proxy.RequestsPerMinute, cfg.Proxy.Window()),
		client.NewUpstreamClientWithTransport(cfg, rt, logger, nil),
		nil,
		logger,
	)
	return NewProxyHandler(svc, logger)
}

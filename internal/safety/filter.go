// Package safety rejects proxy targets that point at loopback, private or
// link-local destinations.
//
// The check is advisory SSRF mitigation. Hostnames are resolved once before
// the upstream dial, so a DNS answer that changes between the check and the
// dial (DNS rebinding) is not caught.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"forward-proxy-go/internal/config"
)

// ErrBlockedHost is returned when a target resolves to a disallowed address.
var ErrBlockedHost = errors.New("blocked private host")

// resolveTimeout bounds the DNS lookup made for each target.
const resolveTimeout = 5 * time.Second

// extraBlocked are ranges not covered by the netip predicates.
var extraBlocked = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),  // IETF protocol assignments
	netip.MustParsePrefix("198.18.0.0/15"), // benchmarking
	netip.MustParsePrefix("0.0.0.0/8"),     // "this network"
	netip.MustParsePrefix("64:ff9b::/96"),  // NAT64, may embed private IPv4
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Filter decides whether a target URL may be dialed.
type Filter struct {
	allowHosts map[string]bool
	resolve    bool
	resolver   Resolver
	logger     *slog.Logger
}

// NewFilter creates a Filter from the proxy section of cfg using the system resolver.
func NewFilter(cfg *config.Config, logger *slog.Logger) *Filter {
	return NewFilterWithResolver(cfg, net.DefaultResolver, logger)
}

// NewFilterWithResolver creates a Filter that resolves hostnames with r.
func NewFilterWithResolver(cfg *config.Config, r Resolver, logger *slog.Logger) *Filter {
	allow := make(map[string]bool, len(cfg.Proxy.AllowHosts))
	for _, h := range cfg.Proxy.AllowHosts {
		allow[normalizeHost(h)] = true
	}
	return &Filter{
		allowHosts: allow,
		resolve:    cfg.Proxy.ShouldResolveHosts(),
		resolver:   r,
		logger:     logger.With("component", "safety_filter"),
	}
}

// Check returns an error wrapping ErrBlockedHost if u must not be dialed.
func (f *Filter) Check(ctx context.Context, u *url.URL) error {
	host := normalizeHost(u.Hostname())
	if f.allowHosts[host] {
		return nil
	}

	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: %s", ErrBlockedHost, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if IsBlockedAddr(addr) {
			return fmt.Errorf("%w: %s", ErrBlockedHost, host)
		}
		return nil
	}

	if !f.resolve {
		return nil
	}
	return f.checkResolved(ctx, host)
}

// checkResolved blocks host if any of its addresses is disallowed. Lookup
// failures are let through; the dial will fail on its own.
func (f *Filter) checkResolved(ctx context.Context, host string) error {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	addrs, err := f.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		f.logger.Debug("target lookup failed", "host", host, "err", err)
		return nil
	}
	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		if IsBlockedAddr(ip) {
			return fmt.Errorf("%w: %s resolves to %s", ErrBlockedHost, host, ip.Unmap())
		}
	}
	return nil
}

// IsBlockedAddr reports whether addr is loopback, private, link-local,
// unspecified or otherwise not publicly routable.
func IsBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() {
		return true
	}
	for _, p := range extraBlocked {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

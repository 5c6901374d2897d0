package middleware

import (
	"net"
	"net/netip"

	"github.com/labstack/echo/v4"
)

// ClientIPExtractor returns the echo.IPExtractor behind c.RealIP().
//
// With no trusted proxies the peer address is the client IP and forwarding
// headers are ignored, so callers cannot pick their own rate-limit identity.
// Otherwise X-Forwarded-For is walked right to left through the trusted
// ranges only; Echo's default trust of loopback and private networks is
// switched off. Entries that are neither a CIDR nor an address are skipped.
func ClientIPExtractor(trustedProxies []string) echo.IPExtractor {
	if len(trustedProxies) == 0 {
		return echo.ExtractIPDirect()
	}

	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, p := range trustedProxies {
		prefix, err := netip.ParsePrefix(p)
		if err != nil {
			addr, aerr := netip.ParseAddr(p)
			if aerr != nil {
				continue
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		_, ipNet, err := net.ParseCIDR(prefix.Masked().String())
		if err != nil {
			continue
		}
		opts = append(opts, echo.TrustIPRange(ipNet))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}

// Package headers strips connection-management and credential headers from
// messages crossing the proxy in either direction.
package headers

import (
	"net/http"
	"strings"
)

// hopByHop are headers meaningful only for a single transport leg.
var hopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Framing headers recomputed by the Go transport for the next leg.
var (
	outboundFraming = []string{"Host", "Content-Length", "Accept-Encoding"}
	inboundFraming  = []string{"Content-Length"}
)

// Sanitizer removes headers that must not cross the proxy verbatim.
type Sanitizer struct {
	credentialHeader string
}

// NewSanitizer returns a Sanitizer that also strips credentialHeader on the
// outbound path so the upstream never sees the caller's proxy secret.
func NewSanitizer(credentialHeader string) *Sanitizer {
	return &Sanitizer{credentialHeader: http.CanonicalHeaderKey(credentialHeader)}
}

// StripOutbound returns a copy of src suitable for sending upstream.
//
// Accept-Encoding is dropped so the transport negotiates compression itself
// and hands back a decoded body.
func (s *Sanitizer) StripOutbound(src http.Header) http.Header {
	dst := strip(src, outboundFraming)
	if s.credentialHeader != "" {
		dst.Del(s.credentialHeader)
	}
	return dst
}

// StripInbound returns a copy of the upstream response headers suitable for
// relaying to the caller. Content-Encoding is dropped only when decoded is
// set, i.e. the transport already decompressed the body; otherwise the bytes
// are relayed as sent and keep their encoding header.
func (s *Sanitizer) StripInbound(src http.Header, decoded bool) http.Header {
	dst := strip(src, inboundFraming)
	if decoded {
		dst.Del("Content-Encoding")
	}
	return dst
}

func strip(src http.Header, extra []string) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}

	// Headers listed in Connection are hop-by-hop for this leg.
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, h := range hopByHop {
		dst.Del(h)
	}
	for _, h := range extra {
		dst.Del(h)
	}
	return dst
}

// Package target extracts and validates the destination URL of a proxy request.
package target

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"strings"

	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/model"
)

var (
	// ErrMissingTarget is returned when neither the query nor the body names a target.
	ErrMissingTarget = errors.New("missing 'url' parameter in query or JSON body")
	// ErrInvalidTarget is returned when the target is not an absolute http(s) URL.
	ErrInvalidTarget = errors.New("invalid 'url' parameter")
)

// QueryParam is the query parameter (and JSON field) naming the target.
const QueryParam = "url"

// Resolver finds the target URL of a request.
type Resolver struct {
	maxJSONBytes int64
}

// NewResolver creates a Resolver. Bodies larger than proxy.json_body_max_bytes
// are not inspected for a target.
func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{maxJSONBytes: cfg.Proxy.JSONBodyMaxBytes}
}

// Resolve returns the absolute target URL for pr.
//
// The query parameter always wins and leaves the body untouched. Otherwise a
// JSON body is inspected for a "url" field; whatever was read is replayed
// into pr.Body so the body can still be relayed upstream.
func (r *Resolver) Resolve(pr *model.ProxyRequest) (*url.URL, error) {
	raw := pr.Query.Get(QueryParam)
	if raw == "" && isJSON(pr.Header.Get("Content-Type")) {
		raw, _ = r.tryExtractBodyTarget(pr)
	}
	if raw == "" {
		return nil, ErrMissingTarget
	}
	return Parse(raw)
}

// tryExtractBodyTarget reports the body's "url" field. Any read or decode
// problem yields ok=false instead of an error: a malformed body simply means
// the body did not name a target.
func (r *Resolver) tryExtractBodyTarget(pr *model.ProxyRequest) (target string, ok bool) {
	if pr.Body == nil {
		return "", false
	}

	limit := r.maxJSONBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	buf, err := io.ReadAll(io.LimitReader(pr.Body, limit+1))
	pr.Body = replay(buf, pr.Body)
	if err != nil || int64(len(buf)) > limit {
		return "", false
	}

	var payload struct {
		URL any `json:"url"`
	}
	if err := json.Unmarshal(buf, &payload); err != nil {
		return "", false
	}
	s, isString := payload.URL.(string)
	if !isString || s == "" {
		return "", false
	}
	return s, true
}

// Parse validates raw as an absolute http or https URL.
func Parse(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidTarget)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	return u, nil
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "application/json")
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// replay stitches consumed bytes back in front of the unread remainder.
func replay(consumed []byte, rest io.ReadCloser) io.ReadCloser {
	return struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(consumed), rest), rest}
}

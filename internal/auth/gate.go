// Package auth validates caller credentials against the proxy's configured secrets.
//
// Two policies are supported and selected per deployment:
//
//   - basic: a Basic token carrying "username:password". When no credentials
//     are configured the gate admits everyone; the config loader only allows
//     that when auth.allow_anonymous is set.
//   - api_key: an X-Api-Key header compared verbatim against the configured
//     key. An empty configured key rejects every request.
//
// The scheme picks the transport semantics: "origin" reads Authorization and
// challenges with 401 + WWW-Authenticate, "proxy" reads Proxy-Authorization
// and challenges with 407 + Proxy-Authenticate.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/model"
)

// ErrUnauthorized is returned when the caller's credentials are missing or invalid.
var ErrUnauthorized = errors.New("authentication required")

// APIKeyHeader carries the shared secret in api_key mode.
const APIKeyHeader = "X-Api-Key"

// Challenge describes the rejection response for the configured scheme.
type Challenge struct {
	Status int
	Header string
	Value  string
}

// Gate checks inbound credentials. It is stateless and safe for concurrent use.
type Gate struct {
	mode     string
	scheme   string
	realm    string
	username []byte
	password []byte
	apiKey   []byte
}

// NewGate creates a Gate from the auth section of cfg.
func NewGate(cfg *config.Config) *Gate {
	a := cfg.Auth
	mode := a.Mode
	if mode == "" {
		mode = config.AuthModeBasic
	}
	scheme := a.Scheme
	if scheme == "" {
		scheme = config.SchemeOrigin
	}
	return &Gate{
		mode:     mode,
		scheme:   scheme,
		realm:    a.Realm,
		username: []byte(a.Username),
		password: []byte(a.Password),
		apiKey:   []byte(a.APIKey),
	}
}

// Authenticate returns the caller's principal, or an error wrapping ErrUnauthorized.
func (g *Gate) Authenticate(h http.Header) (model.Principal, error) {
	if g.mode == config.AuthModeAPIKey {
		return g.checkAPIKey(h.Get(APIKeyHeader))
	}
	return g.checkBasic(h.Get(g.authorizationHeader()))
}

func (g *Gate) checkBasic(value string) (model.Principal, error) {
	if len(g.username) == 0 && len(g.password) == 0 {
		return model.Principal{Anonymous: true}, nil
	}

	user, pass, err := parseBasic(value)
	if err != nil {
		return model.Principal{}, err
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), g.username) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), g.password) == 1
	if !userOK || !passOK {
		return model.Principal{}, fmt.Errorf("%w: invalid username or password", ErrUnauthorized)
	}
	return model.Principal{Identity: "user:" + user}, nil
}

func (g *Gate) checkAPIKey(key string) (model.Principal, error) {
	if len(g.apiKey) == 0 {
		return model.Principal{}, fmt.Errorf("%w: no api key configured", ErrUnauthorized)
	}
	if key == "" {
		return model.Principal{}, fmt.Errorf("%w: missing %s header", ErrUnauthorized, APIKeyHeader)
	}
	if subtle.ConstantTimeCompare([]byte(key), g.apiKey) != 1 {
		return model.Principal{}, fmt.Errorf("%w: invalid api key", ErrUnauthorized)
	}
	return model.Principal{Identity: "key:" + fingerprint(key)}, nil
}

// parseBasic decodes a "Basic <base64(user:pass)>" header value.
func parseBasic(value string) (string, string, error) {
	if value == "" {
		return "", "", fmt.Errorf("%w: missing credentials", ErrUnauthorized)
	}
	scheme, token, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return "", "", fmt.Errorf("%w: unsupported authorization scheme", ErrUnauthorized)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return "", "", fmt.Errorf("%w: malformed basic token", ErrUnauthorized)
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", fmt.Errorf("%w: malformed basic token", ErrUnauthorized)
	}
	return user, pass, nil
}

// fingerprint identifies a key in logs and rate-limit tables without exposing it.
func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}

func (g *Gate) authorizationHeader() string {
	if g.scheme == config.SchemeProxy {
		return "Proxy-Authorization"
	}
	return "Authorization"
}

// CredentialHeader names the header that carries the proxy credential.
func (g *Gate) CredentialHeader() string {
	if g.mode == config.AuthModeAPIKey {
		return APIKeyHeader
	}
	return g.authorizationHeader()
}

// Challenge returns the status and challenge header for a rejected request.
func (g *Gate) Challenge() Challenge {
	kind := "Basic"
	if g.mode == config.AuthModeAPIKey {
		kind = "ApiKey"
	}
	value := fmt.Sprintf("%s realm=%q", kind, g.realm)

	if g.scheme == config.SchemeProxy {
		return Challenge{Status: http.StatusProxyAuthRequired, Header: "Proxy-Authenticate", Value: value}
	}
	return Challenge{Status: http.StatusUnauthorized, Header: "WWW-Authenticate", Value: value}
}

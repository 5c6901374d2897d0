package auth

import (
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forward-proxy-go/internal/config"
)

func basicToken(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func newGate(a config.AuthConfig) *Gate {
	if a.Realm == "" {
		a.Realm = "Login Required"
	}
	return NewGate(&config.Config{Auth: a})
}

func TestGate_Basic(t *testing.T) {
	g := newGate(config.AuthConfig{Mode: config.AuthModeBasic, Username: "alice", Password: "s3:cret"})

	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"valid", basicToken("alice", "s3:cret"), false},
		{"lowercase scheme", "basic " + base64.StdEncoding.EncodeToString([]byte("alice:s3:cret")), false},
		{"wrong password", basicToken("alice", "nope"), true},
		{"wrong user", basicToken("bob", "s3:cret"), true},
		{"missing header", "", true},
		{"bearer scheme", "Bearer abc", true},
		{"undecodable base64", "Basic !!!not-base64", true},
		{"no colon", "Basic " + base64.StdEncoding.EncodeToString([]byte("alice")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set("Authorization", tt.value)
			}
			p, err := g.Authenticate(h)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnauthorized)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "user:alice", p.Identity)
			assert.False(t, p.Anonymous)
		})
	}
}

func TestGate_BasicProxyScheme(t *testing.T) {
	g := newGate(config.AuthConfig{Mode: config.AuthModeBasic, Scheme: config.SchemeProxy, Username: "alice", Password: "pw"})

	h := http.Header{}
	h.Set("Authorization", basicToken("alice", "pw"))
	_, err := g.Authenticate(h)
	require.ErrorIs(t, err, ErrUnauthorized, "origin header must be ignored in proxy scheme")

	h.Set("Proxy-Authorization", basicToken("alice", "pw"))
	_, err = g.Authenticate(h)
	require.NoError(t, err)

	assert.Equal(t, "Proxy-Authorization", g.CredentialHeader())
	c := g.Challenge()
	assert.Equal(t, http.StatusProxyAuthRequired, c.Status)
	assert.Equal(t, "Proxy-Authenticate", c.Header)
	assert.Equal(t, `Basic realm="Login Required"`, c.Value)
}

func TestGate_BasicAnonymous(t *testing.T) {
	g := newGate(config.AuthConfig{Mode: config.AuthModeBasic, AllowAnonymous: true})

	p, err := g.Authenticate(http.Header{})
	require.NoError(t, err)
	assert.True(t, p.Anonymous)
	assert.Empty(t, p.Identity)
}

func TestGate_APIKey(t *testing.T) {
	g := newGate(config.AuthConfig{Mode: config.AuthModeAPIKey, APIKey: "k-123"})

	h := http.Header{}
	_, err := g.Authenticate(h)
	require.ErrorIs(t, err, ErrUnauthorized)

	h.Set(APIKeyHeader, "wrong")
	_, err = g.Authenticate(h)
	require.ErrorIs(t, err, ErrUnauthorized)

	h.Set(APIKeyHeader, "k-123")
	p, err := g.Authenticate(h)
	require.NoError(t, err)
	assert.Equal(t, "key:"+fingerprint("k-123"), p.Identity)
	assert.NotContains(t, p.Identity, "k-123")

	assert.Equal(t, APIKeyHeader, g.CredentialHeader())
	c := g.Challenge()
	assert.Equal(t, http.StatusUnauthorized, c.Status)
	assert.Equal(t, "WWW-Authenticate", c.Header)
	assert.Equal(t, `ApiKey realm="Login Required"`, c.Value)
}

func TestGate_APIKeyUnconfiguredFailsClosed(t *testing.T) {
	g := newGate(config.AuthConfig{Mode: config.AuthModeAPIKey})

	for _, key := range []string{"", "anything"} {
		h := http.Header{}
		if key != "" {
			h.Set(APIKeyHeader, key)
		}
		_, err := g.Authenticate(h)
		assert.ErrorIs(t, err, ErrUnauthorized, "key %q", key)
	}
}

func TestGate_OriginChallenge(t *testing.T) {
	g := newGate(config.AuthConfig{Mode: config.AuthModeBasic, Username: "a", Password: "b"})

	assert.Equal(t, "Authorization", g.CredentialHeader())
	c := g.Challenge()
	assert.Equal(t, http.StatusUnauthorized, c.Status)
	assert.Equal(t, "WWW-Authenticate", c.Header)
}

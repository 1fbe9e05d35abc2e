package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Identity represents an authenticated caller.
type Identity struct {
	// Subject is the authenticated user or service id.
	Subject string `json:"subject"`
}

// Authenticator validates credentials and returns an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// ErrUnauthorized indicates authentication failure.
var ErrUnauthorized = errors.New("simqueue/server: unauthorized")

// ── API Key authenticator ───────────────────────────

// APIKeyAuthenticator validates bearer tokens against a static table.
type APIKeyAuthenticator struct {
	keys map[string]*Identity
}

// NewAPIKeyAuthenticator maps each token to the identity it grants.
func NewAPIKeyAuthenticator(keys map[string]Identity) *APIKeyAuthenticator {
	m := make(map[string]*Identity, len(keys))
	for token, id := range keys {
		m[token] = &id
	}
	return &APIKeyAuthenticator{keys: m}
}

func (a *APIKeyAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	id, ok := a.keys[token]
	if !ok {
		return nil, ErrUnauthorized
	}
	return id, nil
}

// ── No-op authenticator ─────────────────────────────

// NoopAuthenticator accepts every caller. Use for development only.
type NoopAuthenticator struct{}

func (a *NoopAuthenticator) Authenticate(_ context.Context, _ string) (*Identity, error) {
	return &Identity{Subject: "anonymous"}, nil
}

// bearerToken extracts the token from an Authorization header, falling
// back to the token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if ok {
			return token
		}
		return h
	}
	return r.URL.Query().Get("token")
}

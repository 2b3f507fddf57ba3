package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/finsight/finsight/id"
)

// ErrUnauthorized indicates authentication failure.
var ErrUnauthorized = errors.New("api: unauthorized")

// Authenticator resolves a bearer token to a principal. The principal
// scopes rate limiting and is recorded on every job the request admits.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (id.PrincipalID, error)
}

// bearerToken extracts the credential from a request: an Authorization
// bearer header, or a "token" query parameter for transports that cannot
// set headers (SSE via EventSource).
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return after
		}
		return h
	}
	return r.URL.Query().Get("token")
}

// ── Token authenticator ─────────────────────────────

// TokenEntry maps a static token to a principal.
type TokenEntry struct {
	Token     string
	Principal id.PrincipalID
}

// TokenAuthenticator validates tokens against a static list.
type TokenAuthenticator struct {
	tokens map[string]id.PrincipalID
}

// NewTokenAuthenticator creates a static token authenticator.
func NewTokenAuthenticator(entries ...TokenEntry) *TokenAuthenticator {
	tokens := make(map[string]id.PrincipalID, len(entries))
	for _, e := range entries {
		tokens[e.Token] = e.Principal
	}
	return &TokenAuthenticator{tokens: tokens}
}

func (a *TokenAuthenticator) Authenticate(_ context.Context, token string) (id.PrincipalID, error) {
	p, ok := a.tokens[token]
	if !ok {
		return id.Nil, ErrUnauthorized
	}
	return p, nil
}

// ── Anonymous authenticator ─────────────────────────

// AnonymousAuthenticator accepts every request as one shared principal,
// so all anonymous traffic draws from a single rate limit window. Use
// for development only.
type AnonymousAuthenticator struct {
	principal id.PrincipalID
}

// NewAnonymousAuthenticator mints the shared anonymous principal.
func NewAnonymousAuthenticator() *AnonymousAuthenticator {
	return &AnonymousAuthenticator{principal: id.NewPrincipalID()}
}

func (a *AnonymousAuthenticator) Authenticate(_ context.Context, _ string) (id.PrincipalID, error) {
	return a.principal, nil
}

package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"forgerelay/pkg/logging"
)

// IdentityProvider is the part of the provider client the proxy and the
// middleware depend on. *Provider implements it; tests substitute a
// fake.
type IdentityProvider interface {
	AuthCodeURL(ctx context.Context, state string) (string, error)
	Exchange(ctx context.Context, code string) (*TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
	Verify(ctx context.Context, rawIDToken string) (Identity, time.Time, error)
}

// identityKey is the context key under which the middleware stores the
// authenticated identity.
type identityKey struct{}

// IdentityFromContext returns the identity placed on the request
// context by the authentication middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// ContextWithIdentity returns a context carrying the identity, as the
// middleware would produce after a successful authentication.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// Authenticator is the bearer authentication middleware used by every
// protected relay endpoint. It accepts either a raw provider ID token
// (node/CLI callers) or an opaque session token (web callers) and
// resolves both to an Identity.
type Authenticator struct {
	provider IdentityProvider
	sessions *SessionStore
}

// NewAuthenticator creates the middleware.
func NewAuthenticator(provider IdentityProvider, sessions *SessionStore) *Authenticator {
	return &Authenticator{
		provider: provider,
		sessions: sessions,
	}
}

// Wrap returns a handler that authenticates the request before
// delegating to next. Failures are terminal 401s; the caller must
// restart the authorization flow.
func (a *Authenticator) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := a.authenticate(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

// authenticate resolves the bearer credential. On failure it writes the
// 401 response and returns ok=false.
func (a *Authenticator) authenticate(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	raw := bearerToken(r)
	if raw == "" {
		unauthorized(w, "missing bearer credential")
		return Identity{}, false
	}

	// Structural shape dispatch: signed ID tokens always contain '.'
	// separators, opaque session tokens never do.
	if strings.Contains(raw, ".") {
		identity, _, err := a.provider.Verify(r.Context(), raw)
		if err != nil {
			logging.Warn("Auth", "ID token rejected: %v", err)
			unauthorized(w, "invalid id token")
			return Identity{}, false
		}
		return identity, true
	}

	rec, ok := a.sessions.Get(raw)
	if !ok {
		unauthorized(w, "unknown or expired session")
		return Identity{}, false
	}

	// Refresh the cached ID token before it goes stale. The refresh is
	// synchronous: the request proceeds only with a valid token, and a
	// failed refresh invalidates the session outright.
	if time.Until(rec.IDTokenExpiry) < RefreshMargin {
		pair, err := a.provider.Refresh(r.Context(), rec.RefreshToken)
		if err == nil {
			_, expiry, verr := a.provider.Verify(r.Context(), pair.IDToken)
			if verr != nil {
				err = verr
			} else {
				pair.IDTokenExpiry = expiry
			}
		}
		if err != nil {
			logging.Warn("Auth", "Session refresh failed for %s: %v", rec.Identity.Email, err)
			a.sessions.Delete(raw)
			unauthorized(w, "session refresh failed")
			return Identity{}, false
		}
		a.sessions.UpdateTokens(raw, pair)
	}

	return rec.Identity, true
}

// bearerToken extracts the bearer credential from the Authorization
// header. Returns "" when absent or malformed.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// unauthorized writes the terminal 401 response.
func unauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             "invalid_token",
		"error_description": description,
	})
}

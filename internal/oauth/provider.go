package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"forgerelay/pkg/logging"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// metadataTTL is the time-to-live for the cached discovery document.
// After this duration the document is re-fetched from the issuer.
const metadataTTL = 30 * time.Minute

// jwksMinRefresh is the minimum interval between JWKS re-fetches.
const jwksMinRefresh = 15 * time.Minute

// providerMetadata is the subset of the OIDC discovery document the
// relay needs.
type providerMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JwksURI               string `json:"jwks_uri"`
}

// Provider talks to the external OIDC identity provider: discovery,
// authorization-code exchange, refresh-token exchange, and ID token
// verification against the provider's published key set.
type Provider struct {
	issuer       string
	clientID     string
	clientSecret string
	redirectURI  string

	httpClient *http.Client

	// Discovery document cache with singleflight dedup of concurrent
	// fetches for the same issuer.
	metadataMu sync.RWMutex
	metadata   *providerMetadata
	fetchedAt  time.Time
	group      singleflight.Group

	// JWKS cache; the JWKS URL is registered lazily after discovery.
	jwks           *jwk.Cache
	jwksMu         sync.Mutex
	jwksRegistered bool
}

// NewProvider creates a provider client. The context bounds the
// lifetime of the background JWKS refresher.
func NewProvider(ctx context.Context, issuer, clientID, clientSecret, redirectURI string) *Provider {
	return &Provider{
		issuer:       strings.TrimSuffix(issuer, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		jwks:         jwk.NewCache(ctx),
	}
}

// discover returns the provider's discovery document, fetching it at
// most once per TTL window regardless of caller concurrency.
func (p *Provider) discover(ctx context.Context) (*providerMetadata, error) {
	p.metadataMu.RLock()
	if p.metadata != nil && time.Since(p.fetchedAt) < metadataTTL {
		md := p.metadata
		p.metadataMu.RUnlock()
		return md, nil
	}
	p.metadataMu.RUnlock()

	result, err, _ := p.group.Do(p.issuer, func() (interface{}, error) {
		// Re-check after winning the singleflight slot.
		p.metadataMu.RLock()
		if p.metadata != nil && time.Since(p.fetchedAt) < metadataTTL {
			md := p.metadata
			p.metadataMu.RUnlock()
			return md, nil
		}
		p.metadataMu.RUnlock()

		return p.fetchMetadata(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*providerMetadata), nil
}

// fetchMetadata performs the actual discovery document fetch.
func (p *Provider) fetchMetadata(ctx context.Context) (*providerMetadata, error) {
	wellKnownURL := p.issuer + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, "GET", wellKnownURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider discovery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider discovery failed: status=%d", resp.StatusCode)
	}

	var md providerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return nil, fmt.Errorf("failed to parse discovery document: %w", err)
	}

	p.metadataMu.Lock()
	p.metadata = &md
	p.fetchedAt = time.Now()
	p.metadataMu.Unlock()

	logging.Debug("Provider", "Fetched discovery document for issuer=%s (auth=%s, token=%s)",
		p.issuer, md.AuthorizationEndpoint, md.TokenEndpoint)

	return &md, nil
}

// oauthConfig builds the oauth2 configuration for the discovered
// endpoints. The relay's own registered redirect URI is always used;
// callers' redirect targets never reach the provider.
func (p *Provider) oauthConfig(md *providerMetadata) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		RedirectURL:  p.redirectURI,
		Scopes:       []string{"openid", "email", "profile"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  md.AuthorizationEndpoint,
			TokenURL: md.TokenEndpoint,
		},
	}
}

// AuthCodeURL returns the provider authorization URL for the given
// relay-generated state.
func (p *Provider) AuthCodeURL(ctx context.Context, state string) (string, error) {
	md, err := p.discover(ctx)
	if err != nil {
		return "", err
	}
	return p.oauthConfig(md).AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// Exchange redeems an authorization code at the provider's token
// endpoint for an ID/refresh token pair.
func (p *Provider) Exchange(ctx context.Context, code string) (*TokenPair, error) {
	md, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	tok, err := p.oauthConfig(md).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return nil, fmt.Errorf("provider response contained no id_token")
	}

	return &TokenPair{
		IDToken:      idToken,
		RefreshToken: tok.RefreshToken,
	}, nil
}

// Refresh exchanges a refresh token for a fresh ID token. The previous
// refresh token is carried forward when the provider does not rotate it.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}

	md, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	src := p.oauthConfig(md).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh exchange failed: %w", err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return nil, fmt.Errorf("refresh response contained no id_token")
	}

	pair := &TokenPair{
		IDToken:      idToken,
		RefreshToken: tok.RefreshToken,
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

// Verify checks the ID token's signature against the provider's
// published key set and validates the issuer and audience claims.
// Validity is never cached across calls. Returns the resolved identity
// and the token's expiry.
func (p *Provider) Verify(ctx context.Context, rawIDToken string) (Identity, time.Time, error) {
	md, err := p.discover(ctx)
	if err != nil {
		return Identity{}, time.Time{}, err
	}
	if md.JwksURI == "" {
		return Identity{}, time.Time{}, fmt.Errorf("provider advertises no jwks_uri")
	}

	keySet, err := p.keySet(ctx, md.JwksURI)
	if err != nil {
		return Identity{}, time.Time{}, err
	}

	tok, err := jwt.Parse([]byte(rawIDToken),
		jwt.WithKeySet(keySet),
		jwt.WithIssuer(md.Issuer),
		jwt.WithAudience(p.clientID),
		jwt.WithValidate(true),
	)
	if err != nil {
		return Identity{}, time.Time{}, fmt.Errorf("id token verification failed: %w", err)
	}

	identity := Identity{Subject: tok.Subject()}
	if v, ok := tok.Get("email"); ok {
		identity.Email, _ = v.(string)
	}
	if v, ok := tok.Get("name"); ok {
		identity.Name, _ = v.(string)
	}
	if identity.Email == "" {
		return Identity{}, time.Time{}, fmt.Errorf("id token carries no email claim")
	}

	return identity, tok.Expiration(), nil
}

// keySet returns the provider's JWKS, registering the URL with the
// cache on first use.
func (p *Provider) keySet(ctx context.Context, jwksURI string) (jwk.Set, error) {
	p.jwksMu.Lock()
	if !p.jwksRegistered {
		if err := p.jwks.Register(jwksURI, jwk.WithMinRefreshInterval(jwksMinRefresh)); err != nil {
			p.jwksMu.Unlock()
			return nil, fmt.Errorf("failed to register jwks url: %w", err)
		}
		p.jwksRegistered = true
	}
	p.jwksMu.Unlock()

	set, err := p.jwks.Get(ctx, jwksURI)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch provider key set: %w", err)
	}
	return set, nil
}

package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProxy(t *testing.T, provider IdentityProvider) (*Proxy, *FlowStore, *SessionStore) {
	t.Helper()
	flows := NewFlowStore()
	sessions := NewSessionStore()
	t.Cleanup(func() {
		flows.Stop()
		sessions.Stop()
	})
	return NewProxy(provider, flows, sessions), flows, sessions
}

func TestAuthorizeRedirectsToProvider(t *testing.T) {
	provider := &fakeProvider{authURL: "https://provider.example/auth"}
	p, flows, _ := newTestProxy(t, provider)

	r := httptest.NewRequest(http.MethodGet,
		"/authorize?state=caller-1&redirect_uri="+url.QueryEscape("https://app.example/cb"), nil)
	w := httptest.NewRecorder()
	p.HandleAuthorize(w, r)

	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "provider.example", loc.Host)
	relayState := loc.Query().Get("state")
	assert.NotEmpty(t, relayState)
	assert.NotEqual(t, "caller-1", relayState, "the provider sees the relay state, not the caller's")

	states, _, _ := flows.Counts()
	assert.Equal(t, 1, states)
}

func TestAuthorizeRejectsMissingParameters(t *testing.T) {
	p, _, _ := newTestProxy(t, &fakeProvider{authURL: "https://provider.example/auth"})

	// Missing state.
	w := httptest.NewRecorder()
	p.HandleAuthorize(w, httptest.NewRequest(http.MethodGet, "/authorize?redirect_uri=https://app.example/cb", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Web kind without a usable redirect target.
	w = httptest.NewRecorder()
	p.HandleAuthorize(w, httptest.NewRequest(http.MethodGet, "/authorize?state=s1", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthorizeProviderUnavailable(t *testing.T) {
	p, _, _ := newTestProxy(t, &fakeProvider{}) // empty authURL means AuthCodeURL fails

	w := httptest.NewRecorder()
	p.HandleAuthorize(w, httptest.NewRequest(http.MethodGet,
		"/authorize?state=s1&redirect_uri=https://app.example/cb", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestCallbackWebFlow(t *testing.T) {
	identity := Identity{Email: "alice@example.com", Subject: "sub-1"}
	provider := &fakeProvider{
		exchangePair:   &TokenPair{IDToken: "h.p.s", RefreshToken: "rt-1"},
		verifyIdentity: identity,
		verifyExpiry:   time.Now().Add(time.Hour),
	}
	p, flows, sessions := newTestProxy(t, provider)

	relayState := flows.CreateState(CallerWeb, "https://app.example/cb", "caller-1", "challenge", "S256")

	w := httptest.NewRecorder()
	p.HandleCallback(w, httptest.NewRequest(http.MethodGet,
		"/callback?code=provider-code&state="+relayState, nil))
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example", loc.Host)
	assert.Equal(t, "caller-1", loc.Query().Get("state"), "the caller gets its own state back")

	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	// Exchange the code for an opaque session token.
	form := url.Values{"grant_type": {"authorization_code"}, "code": {code}, "code_verifier": {"v"}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	p.HandleToken(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.False(t, strings.Contains(resp.AccessToken, "."))
	assert.Equal(t, int(SessionLifetime.Seconds()), resp.ExpiresIn)
	assert.Equal(t, 1, sessions.Count())

	// The code was consumed; replaying it is a terminal invalid_grant.
	req = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	p.HandleToken(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_grant")
}

func TestCallbackRejectsReplayedState(t *testing.T) {
	provider := &fakeProvider{
		exchangePair:   &TokenPair{IDToken: "h.p.s"},
		verifyIdentity: Identity{Email: "a@example.com"},
		verifyExpiry:   time.Now().Add(time.Hour),
	}
	p, flows, _ := newTestProxy(t, provider)

	relayState := flows.CreateState(CallerWeb, "https://app.example/cb", "caller-1", "", "")

	w := httptest.NewRecorder()
	p.HandleCallback(w, httptest.NewRequest(http.MethodGet, "/callback?code=c&state="+relayState, nil))
	require.Equal(t, http.StatusFound, w.Code)

	w = httptest.NewRecorder()
	p.HandleCallback(w, httptest.NewRequest(http.MethodGet, "/callback?code=c&state="+relayState, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code, "a state id is usable at most once")
}

func TestCallbackProviderError(t *testing.T) {
	p, _, _ := newTestProxy(t, &fakeProvider{})

	w := httptest.NewRecorder()
	p.HandleCallback(w, httptest.NewRequest(http.MethodGet, "/callback?error=access_denied", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "denied")
}

func TestCallbackCLIFlowAndPoll(t *testing.T) {
	provider := &fakeProvider{
		exchangePair: &TokenPair{IDToken: "h.p.s", RefreshToken: "rt-cli"},
	}
	p, flows, _ := newTestProxy(t, provider)

	// Before the callback lands, the poll reports pending.
	w := httptest.NewRecorder()
	p.HandlePollToken(w, httptest.NewRequest(http.MethodGet, "/poll-token?state=cli-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pending"`)

	relayState := flows.CreateState(CallerCLI, "", "cli-1", "", "")

	w = httptest.NewRecorder()
	p.HandleCallback(w, httptest.NewRequest(http.MethodGet, "/callback?code=c&state="+relayState, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "close this window")

	w = httptest.NewRecorder()
	p.HandlePollToken(w, httptest.NewRequest(http.MethodGet, "/poll-token?state=cli-1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp pollResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "h.p.s", resp.IDToken)
	assert.Equal(t, "rt-cli", resp.RefreshToken)

	// The entry was consumed; a second poll is back to pending.
	w = httptest.NewRecorder()
	p.HandlePollToken(w, httptest.NewRequest(http.MethodGet, "/poll-token?state=cli-1", nil))
	assert.Contains(t, w.Body.String(), `"pending"`)
}

func TestTokenRejectsWrongGrantType(t *testing.T) {
	p, _, _ := newTestProxy(t, &fakeProvider{})

	form := url.Values{"grant_type": {"client_credentials"}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	p.HandleToken(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unsupported_grant_type")
}

func TestTokenRejectsExpiredCode(t *testing.T) {
	p, flows, sessions := newTestProxy(t, &fakeProvider{})

	code := flows.CreateCode(Identity{Email: "a@example.com"}, &TokenPair{})
	flows.codes[code].ExpiresAt = time.Now().Add(-time.Minute)

	form := url.Values{"grant_type": {"authorization_code"}, "code": {code}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	p.HandleToken(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_grant")
	assert.Zero(t, sessions.Count())
}

package oauth

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"time"

	"forgerelay/pkg/logging"
)

// Proxy provides the HTTP handlers for the authorization endpoints:
// /authorize, /callback, /token, and /poll-token.
type Proxy struct {
	provider IdentityProvider
	flows    *FlowStore
	sessions *SessionStore
}

// NewProxy creates the OAuth proxy handlers.
func NewProxy(provider IdentityProvider, flows *FlowStore, sessions *SessionStore) *Proxy {
	return &Proxy{
		provider: provider,
		flows:    flows,
		sessions: sessions,
	}
}

// HandleAuthorize starts an authorization-code flow. The caller's
// redirect target and state are recorded under a relay-generated state
// id; the provider only ever sees the relay's own registered redirect
// URI and the relay state. This indirection is what lets one relay
// instance serve both caller kinds with a single provider registration.
func (p *Proxy) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	kind := CallerWeb
	if q.Get("kind") == string(CallerCLI) {
		kind = CallerCLI
	}

	callerState := q.Get("state")
	redirectURI := q.Get("redirect_uri")

	if callerState == "" {
		http.Error(w, "missing state parameter", http.StatusBadRequest)
		return
	}
	if kind == CallerWeb {
		if _, err := url.ParseRequestURI(redirectURI); err != nil {
			http.Error(w, "missing or invalid redirect_uri", http.StatusBadRequest)
			return
		}
	}

	stateID := p.flows.CreateState(kind, redirectURI, callerState,
		q.Get("code_challenge"), q.Get("code_challenge_method"))

	authURL, err := p.provider.AuthCodeURL(r.Context(), stateID)
	if err != nil {
		logging.Error("OAuth", err, "Provider unavailable during authorize")
		http.Error(w, "identity provider unavailable", http.StatusBadGateway)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback completes the provider leg of the flow. The
// authorization state is consumed (deleted) before anything else; a
// reused or expired state is a terminal error with no retry.
func (p *Proxy) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	stateParam := q.Get("state")
	errorParam := q.Get("error")

	if errorParam != "" {
		logging.Warn("OAuth", "Provider callback reported error: %s", errorParam)
		p.renderErrorPage(w, "Authentication was denied or failed at the identity provider.")
		return
	}
	if code == "" || stateParam == "" {
		p.renderErrorPage(w, "Invalid callback: missing required parameters.")
		return
	}

	state, ok := p.flows.ConsumeState(stateParam)
	if !ok {
		p.renderErrorPage(w, "Authorization session is unknown or has expired. Please start over.")
		return
	}

	pair, err := p.provider.Exchange(r.Context(), code)
	if err != nil {
		logging.Error("OAuth", err, "Code exchange failed")
		p.renderErrorPage(w, "Failed to complete authentication. Please start over.")
		return
	}

	if state.Kind == CallerCLI {
		// The CLI never sees this page; it discovers readiness by
		// polling with its own state value.
		p.flows.CreatePollEntry(state.CallerState, pair)
		p.renderClosePage(w)
		return
	}

	identity, expiry, err := p.provider.Verify(r.Context(), pair.IDToken)
	if err != nil {
		logging.Error("OAuth", err, "ID token verification failed on callback")
		p.renderErrorPage(w, "Identity verification failed. Please start over.")
		return
	}
	pair.IDTokenExpiry = expiry

	authCode := p.flows.CreateCode(identity, pair)

	target, err := url.Parse(state.RedirectURI)
	if err != nil {
		p.renderErrorPage(w, "Stored redirect target is invalid. Please start over.")
		return
	}
	tq := target.Query()
	tq.Set("code", authCode)
	tq.Set("state", state.CallerState)
	target.RawQuery = tq.Encode()

	logging.Info("OAuth", "Authorized web caller %s", identity.Email)
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// tokenResponse is the JSON body returned by the token-exchange
// endpoint.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// HandleToken exchanges an authorization code for an opaque session
// token. The code is deleted on read regardless of outcome; unknown or
// expired codes are a terminal invalid_grant.
func (p *Proxy) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	if gt := r.PostFormValue("grant_type"); gt != "authorization_code" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", fmt.Sprintf("unsupported grant type %q", gt))
		return
	}

	// code_verifier is accepted for protocol compatibility but not
	// verified; PKCE passes through the relay untouched.
	entry, ok := p.flows.ConsumeCode(r.PostFormValue("code"))
	if !ok || time.Now().After(entry.ExpiresAt) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "authorization code is unknown, expired, or already used")
		return
	}

	token := p.sessions.Create(entry.Identity, &TokenPair{
		IDToken:       entry.IDToken,
		IDTokenExpiry: entry.IDTokenExpiry,
		RefreshToken:  entry.RefreshToken,
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(SessionLifetime.Seconds()),
	})
}

// pollResponse is the JSON body returned by the poll-token endpoint.
type pollResponse struct {
	Status       string `json:"status"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// HandlePollToken serves CLI callers waiting for their flow to
// complete. This stands in for a device-code flow the provider does not
// support: the CLI polls with its own state value until the callback
// has deposited the tokens.
func (p *Proxy) HandlePollToken(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "missing state parameter")
		return
	}

	entry, ok := p.flows.ConsumePollEntry(state)
	if !ok {
		writeJSON(w, http.StatusOK, pollResponse{Status: "pending"})
		return
	}
	if time.Now().After(entry.ExpiresAt) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "authorization expired before it was claimed")
		return
	}

	writeJSON(w, http.StatusOK, pollResponse{
		Status:       "ready",
		IDToken:      entry.IDToken,
		RefreshToken: entry.RefreshToken,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// setSecurityHeaders sets recommended security headers for HTML
// responses.
func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
}

// renderClosePage renders the terminal page shown to the CLI caller's
// browser after a successful flow.
func (p *Proxy) renderClosePage(w http.ResponseWriter) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Signed in - forgerelay</title>
    <style>
        body { font-family: -apple-system, 'Segoe UI', Roboto, sans-serif;
               display: flex; align-items: center; justify-content: center;
               min-height: 100vh; background: #16213e; color: #e8e8e8; }
        .card { text-align: center; padding: 3rem; background: rgba(255,255,255,0.05);
                border-radius: 12px; max-width: 420px; }
        h1 { font-size: 1.5rem; }
        p { color: #a0a0a0; line-height: 1.6; }
    </style>
</head>
<body>
    <div class="card">
        <h1>Signed in</h1>
        <p>You may close this window and return to your terminal.</p>
    </div>
</body>
</html>`)
}

// renderErrorPage renders a terminal HTML error page. The flow cannot
// be resumed; the caller must start over from /authorize.
func (p *Proxy) renderErrorPage(w http.ResponseWriter, message string) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)

	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Authentication failed - forgerelay</title>
    <style>
        body { font-family: -apple-system, 'Segoe UI', Roboto, sans-serif;
               display: flex; align-items: center; justify-content: center;
               min-height: 100vh; background: #16213e; color: #e8e8e8; }
        .card { text-align: center; padding: 3rem; background: rgba(255,255,255,0.05);
                border-radius: 12px; max-width: 420px; }
        h1 { font-size: 1.5rem; }
        .message { color: #ff6b6b; }
        p { color: #a0a0a0; line-height: 1.6; }
    </style>
</head>
<body>
    <div class="card">
        <h1>Authentication failed</h1>
        <p class="message">%s</p>
        <p>Return to the application and sign in again.</p>
    </div>
</body>
</html>`, html.EscapeString(message))
}

package oauth

import (
	"time"
)

// Lifetimes for the in-memory flow and session tables. Normal
// completion paths delete their own entries eagerly; the janitor is a
// backstop for entries abandoned mid-flow.
const (
	// StateExpiry is how long an unconsumed authorization redirect is kept.
	StateExpiry = 10 * time.Minute

	// CodeExpiry is the lifetime of a minted authorization code.
	CodeExpiry = 5 * time.Minute

	// PollExpiry is the lifetime of an unclaimed node poll entry.
	PollExpiry = 5 * time.Minute

	// SessionLifetime is the nominal lifetime of an opaque session token.
	SessionLifetime = 7 * 24 * time.Hour

	// RefreshMargin is how close to expiry a cached ID token may get
	// before the middleware refreshes it synchronously.
	RefreshMargin = 5 * time.Minute

	// JanitorInterval is how often expired entries are swept.
	JanitorInterval = time.Minute
)

// CallerKind distinguishes the two caller types the proxy serves.
type CallerKind string

const (
	// CallerWeb is the browser-based chat client.
	CallerWeb CallerKind = "web"

	// CallerCLI is the command-line node client on the operator machine.
	CallerCLI CallerKind = "cli"
)

// Identity is the resolved identity from a verified provider ID token.
type Identity struct {
	// Email is the primary identity key; node connections are registered
	// under it.
	Email string `json:"email"`

	// Subject is the provider's stable subject identifier.
	Subject string `json:"sub"`

	// Name is the display name, when the provider supplies one.
	Name string `json:"name,omitempty"`
}

// TokenPair is the provider-issued credential pair obtained from a code
// exchange or a refresh-token grant.
type TokenPair struct {
	// IDToken is the signed OIDC ID token.
	IDToken string

	// IDTokenExpiry is the ID token's exp claim.
	IDTokenExpiry time.Time

	// RefreshToken is the provider refresh token. May carry forward the
	// previous value when the provider does not rotate it.
	RefreshToken string
}

// AuthorizationState tracks one in-flight authorization redirect. It is
// created on /authorize under a relay-generated state id and consumed
// (deleted) by the provider callback; a state id is used at most once.
type AuthorizationState struct {
	// RedirectURI is the caller's original redirect target.
	RedirectURI string

	// CallerState is the caller's original state value. For CLI callers
	// it doubles as the poll key.
	CallerState string

	// CodeChallenge and CodeChallengeMethod are the caller's PKCE
	// parameters. They pass through the relay unverified; the relay
	// authenticates to the provider with its own client secret.
	CodeChallenge       string
	CodeChallengeMethod string

	// Kind is the caller kind marker from /authorize.
	Kind CallerKind

	// CreatedAt is when the redirect was issued.
	CreatedAt time.Time
}

// AuthorizationCode is minted after a successful web-kind callback and
// consumed exactly once by the token-exchange endpoint.
type AuthorizationCode struct {
	IDToken       string
	IDTokenExpiry time.Time
	RefreshToken  string
	Identity      Identity
	ExpiresAt     time.Time
}

// NodePollEntry holds the provider tokens for a CLI caller between the
// callback and the caller's next poll. Keyed by the caller's own state
// value; consumed by the first poll that finds it.
type NodePollEntry struct {
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
}

// ClientSessionRecord backs one opaque session token issued to the web
// caller. The cached ID token is refreshed in place by the middleware
// when it nears expiry; a failed refresh invalidates the record.
type ClientSessionRecord struct {
	Identity      Identity
	RefreshToken  string
	IDToken       string
	IDTokenExpiry time.Time
	CreatedAt     time.Time
}

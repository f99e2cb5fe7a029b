// Package oauth implements the relay's OAuth proxy: it brokers
// authorization-code exchanges with an external OIDC identity provider
// on behalf of two caller kinds (the web chat client and the CLI node
// client) without exposing provider credentials to either.
//
// Web callers receive an opaque long-lived session token minted by the
// relay; CLI callers receive the provider's ID/refresh token pair via a
// polling endpoint that stands in for a device-code flow the provider
// does not offer.
//
// The package also provides the bearer authentication middleware used
// by every other relay endpoint. Credentials are dispatched on
// structural shape: a signed ID token always contains '.' separators,
// an opaque session token never does (opaque tokens are base64url and
// cannot contain a dot by construction).
package oauth

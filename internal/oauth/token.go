package oauth

import (
	"crypto/rand"
	"encoding/base64"
)

// newOpaqueToken returns a 32-byte random value in base64url form.
//
// Hard contract: opaque tokens are used for session tokens, state ids
// and authorization codes, and the bearer middleware distinguishes them
// from signed ID tokens by the presence of '.' separators. The
// base64url alphabet cannot produce a dot, so the two shapes can never
// collide.
func newOpaqueToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; treat failure
		// as unrecoverable rather than issuing a weak credential.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

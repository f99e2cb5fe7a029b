package oauth

import (
	"sync"
	"time"

	"forgerelay/pkg/logging"
)

// SessionStore holds the opaque-token sessions issued to web callers.
// Records are mutated only through store methods so that the refresh
// path in the middleware and the janitor never race on a record.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*ClientSessionRecord

	stopJanitor chan struct{}
}

// NewSessionStore creates the store and starts its janitor goroutine.
// Callers must Stop() the store to release the goroutine.
func NewSessionStore() *SessionStore {
	ss := &SessionStore{
		sessions:    make(map[string]*ClientSessionRecord),
		stopJanitor: make(chan struct{}),
	}

	go ss.janitorLoop()

	return ss
}

// Create mints a new opaque session token for the given identity and
// provider credentials and returns it.
func (ss *SessionStore) Create(identity Identity, pair *TokenPair) string {
	token := newOpaqueToken()

	ss.mu.Lock()
	ss.sessions[token] = &ClientSessionRecord{
		Identity:      identity,
		RefreshToken:  pair.RefreshToken,
		IDToken:       pair.IDToken,
		IDTokenExpiry: pair.IDTokenExpiry,
		CreatedAt:     time.Now(),
	}
	ss.mu.Unlock()

	logging.Debug("OAuth", "Created session for %s token=%s", identity.Email, logging.TruncateToken(token))
	return token
}

// Get returns a copy of the session record for the token. Sessions past
// their lifetime are deleted and reported as absent.
func (ss *SessionStore) Get(token string) (ClientSessionRecord, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	rec, ok := ss.sessions[token]
	if !ok {
		return ClientSessionRecord{}, false
	}
	if time.Since(rec.CreatedAt) > SessionLifetime {
		delete(ss.sessions, token)
		logging.Debug("OAuth", "Session expired for %s", rec.Identity.Email)
		return ClientSessionRecord{}, false
	}
	return *rec, true
}

// UpdateTokens replaces the cached provider credentials after a
// successful refresh. A no-op if the session has been deleted meanwhile.
func (ss *SessionStore) UpdateTokens(token string, pair *TokenPair) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	rec, ok := ss.sessions[token]
	if !ok {
		return
	}
	rec.IDToken = pair.IDToken
	rec.IDTokenExpiry = pair.IDTokenExpiry
	rec.RefreshToken = pair.RefreshToken
}

// Delete removes a session, invalidating its token.
func (ss *SessionStore) Delete(token string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.sessions, token)
}

// Count returns the number of live sessions.
func (ss *SessionStore) Count() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.sessions)
}

// Stop stops the janitor goroutine.
func (ss *SessionStore) Stop() {
	close(ss.stopJanitor)
}

// janitorLoop periodically sweeps sessions past their lifetime.
func (ss *SessionStore) janitorLoop() {
	ticker := time.NewTicker(JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ss.sweep()
		case <-ss.stopJanitor:
			return
		}
	}
}

func (ss *SessionStore) sweep() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	now := time.Now()
	count := 0
	for token, rec := range ss.sessions {
		if now.Sub(rec.CreatedAt) > SessionLifetime {
			delete(ss.sessions, token)
			count++
		}
	}

	if count > 0 {
		logging.Debug("Janitor", "Swept %d expired sessions", count)
	}
}

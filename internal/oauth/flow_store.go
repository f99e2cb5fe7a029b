package oauth

import (
	"sync"
	"time"

	"forgerelay/pkg/logging"
)

// FlowStore owns the three short-lived authorization tables: in-flight
// redirect states, minted authorization codes, and node poll entries.
// All three are single-use: the consuming operation deletes the entry,
// and a janitor sweeps whatever was abandoned mid-flow.
type FlowStore struct {
	mu     sync.Mutex
	states map[string]*AuthorizationState
	codes  map[string]*AuthorizationCode
	polls  map[string]*NodePollEntry

	stopJanitor chan struct{}
}

// NewFlowStore creates the store and starts its janitor goroutine.
// Callers must Stop() the store to release the goroutine.
func NewFlowStore() *FlowStore {
	fs := &FlowStore{
		states:      make(map[string]*AuthorizationState),
		codes:       make(map[string]*AuthorizationCode),
		polls:       make(map[string]*NodePollEntry),
		stopJanitor: make(chan struct{}),
	}

	go fs.janitorLoop()

	return fs
}

// CreateState records an in-flight authorization redirect and returns
// the relay-generated state id that is sent to the provider.
func (fs *FlowStore) CreateState(kind CallerKind, redirectURI, callerState, challenge, challengeMethod string) string {
	id := newOpaqueToken()

	fs.mu.Lock()
	fs.states[id] = &AuthorizationState{
		RedirectURI:         redirectURI,
		CallerState:         callerState,
		CodeChallenge:       challenge,
		CodeChallengeMethod: challengeMethod,
		Kind:                kind,
		CreatedAt:           time.Now(),
	}
	fs.mu.Unlock()

	logging.Debug("OAuth", "Created authorization state kind=%s state=%s", kind, logging.TruncateToken(id))
	return id
}

// ConsumeState looks up and deletes an authorization state. A state id
// is usable at most once; expired states are reported as absent.
func (fs *FlowStore) ConsumeState(id string) (*AuthorizationState, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	state, ok := fs.states[id]
	if !ok {
		return nil, false
	}
	delete(fs.states, id)

	if time.Since(state.CreatedAt) > StateExpiry {
		logging.Warn("OAuth", "Authorization state expired: age=%v", time.Since(state.CreatedAt))
		return nil, false
	}
	return state, true
}

// CreateCode mints an authorization code for a completed web-kind
// callback. The code is opaque and single-use.
func (fs *FlowStore) CreateCode(identity Identity, pair *TokenPair) string {
	code := newOpaqueToken()

	fs.mu.Lock()
	fs.codes[code] = &AuthorizationCode{
		IDToken:       pair.IDToken,
		IDTokenExpiry: pair.IDTokenExpiry,
		RefreshToken:  pair.RefreshToken,
		Identity:      identity,
		ExpiresAt:     time.Now().Add(CodeExpiry),
	}
	fs.mu.Unlock()

	return code
}

// ConsumeCode deletes the code on read regardless of outcome and
// returns it. Callers must still check ExpiresAt; a second consume of
// the same value always fails.
func (fs *FlowStore) ConsumeCode(code string) (*AuthorizationCode, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entry, ok := fs.codes[code]
	if !ok {
		return nil, false
	}
	delete(fs.codes, code)
	return entry, true
}

// CreatePollEntry stores the provider tokens for a CLI caller under the
// caller's own state value. The CLI discovers readiness by polling.
func (fs *FlowStore) CreatePollEntry(callerState string, pair *TokenPair) {
	fs.mu.Lock()
	fs.polls[callerState] = &NodePollEntry{
		IDToken:      pair.IDToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    time.Now().Add(PollExpiry),
	}
	fs.mu.Unlock()
}

// ConsumePollEntry deletes and returns the poll entry for the given
// state value. Absent entries mean the flow has not completed yet.
func (fs *FlowStore) ConsumePollEntry(callerState string) (*NodePollEntry, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entry, ok := fs.polls[callerState]
	if !ok {
		return nil, false
	}
	delete(fs.polls, callerState)
	return entry, true
}

// Counts returns the current table sizes (states, codes, polls).
func (fs *FlowStore) Counts() (int, int, int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.states), len(fs.codes), len(fs.polls)
}

// Stop stops the janitor goroutine.
func (fs *FlowStore) Stop() {
	close(fs.stopJanitor)
}

// janitorLoop periodically sweeps expired entries.
func (fs *FlowStore) janitorLoop() {
	ticker := time.NewTicker(JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fs.sweep()
		case <-fs.stopJanitor:
			return
		}
	}
}

// sweep removes expired states, codes, and poll entries.
func (fs *FlowStore) sweep() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	now := time.Now()
	count := 0

	for id, state := range fs.states {
		if now.Sub(state.CreatedAt) > StateExpiry {
			delete(fs.states, id)
			count++
		}
	}
	for code, entry := range fs.codes {
		if now.After(entry.ExpiresAt) {
			delete(fs.codes, code)
			count++
		}
	}
	for state, entry := range fs.polls {
		if now.After(entry.ExpiresAt) {
			delete(fs.polls, state)
			count++
		}
	}

	if count > 0 {
		logging.Debug("Janitor", "Swept %d expired authorization entries", count)
	}
}

package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"forgerelay/internal/oauth"
	"forgerelay/pkg/logging"
)

// SessionIdleTimeout is how long a client stream may go without a POST
// before the relay closes it.
const SessionIdleTimeout = 24 * time.Hour

// ErrStreamCapacity rejects a new client stream when the concurrency
// cap is reached.
var ErrStreamCapacity = errors.New("too many concurrent client streams")

// StreamSession is one live client SSE stream with its message-post
// channel. The session id ties POSTed messages back to the stream that
// responses are written to.
type StreamSession struct {
	ID       string
	Identity oauth.Identity

	stream    *EventStream
	idleTimer *time.Timer
}

// Send writes one JSON-RPC response envelope to the session stream as a
// message event.
func (s *StreamSession) Send(resp rpcResponse) error {
	return s.stream.WriteJSONEvent("message", resp)
}

// SessionRegistry tracks live client streams. Capacity is a hard cap;
// an idle session is closed by its own timer and unregistered by the
// stream handler on the way out.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*StreamSession

	maxStreams  int
	idleTimeout time.Duration
}

// NewSessionRegistry creates the registry with the given stream cap.
func NewSessionRegistry(maxStreams int) *SessionRegistry {
	return &SessionRegistry{
		sessions:    make(map[string]*StreamSession),
		maxStreams:  maxStreams,
		idleTimeout: SessionIdleTimeout,
	}
}

// Register creates a session for the identity on the given stream.
// Returns ErrStreamCapacity when the cap is reached.
func (r *SessionRegistry) Register(identity oauth.Identity, stream *EventStream) (*StreamSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.maxStreams {
		return nil, ErrStreamCapacity
	}

	s := &StreamSession{
		ID:       uuid.NewString(),
		Identity: identity,
		stream:   stream,
	}
	s.idleTimer = time.AfterFunc(r.idleTimeout, func() {
		logging.Info("SessionRegistry", "Closing idle session %s (%s)", s.ID, s.Identity.Email)
		stream.Close()
	})
	r.sessions[s.ID] = s

	logging.Debug("SessionRegistry", "Registered session %s for %s", s.ID, identity.Email)
	return s, nil
}

// Lookup returns the session for id, if registered.
func (r *SessionRegistry) Lookup(id string) (*StreamSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Touch resets the idle clock for a session that just received a
// message.
func (r *SessionRegistry) Touch(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		s.idleTimer.Reset(r.idleTimeout)
	}
}

// Unregister removes the session and stops its idle timer. The stream
// itself is closed by the caller.
func (r *SessionRegistry) Unregister(s *StreamSession) {
	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()

	s.idleTimer.Stop()
	s.stream.Close()
	logging.Debug("SessionRegistry", "Unregistered session %s", s.ID)
}

// Count returns the number of live client streams.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

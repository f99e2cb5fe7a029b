package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"forgerelay/internal/oauth"
	"forgerelay/pkg/logging"
)

// PingInterval is how often a keep-alive event is written to each node
// stream to hold intermediaries open.
const PingInterval = 30 * time.Second

// NodeConnection is one live node stream. At most one exists per user
// identity at any time.
type NodeConnection struct {
	ID       string
	Identity oauth.Identity

	stream *EventStream
}

// Send writes one JSON event to the node stream.
func (nc *NodeConnection) Send(event string, v any) error {
	return nc.stream.WriteJSONEvent(event, v)
}

// Done is closed when the connection has been torn down.
func (nc *NodeConnection) Done() <-chan struct{} {
	return nc.stream.Done()
}

// NodeRegistry tracks the single live node connection per user
// identity, keyed by verified email. A new connection for an identity
// replaces the old one: the old stream is closed and every pending
// request it owned is rejected before the new connection is visible to
// dispatch.
type NodeRegistry struct {
	mu    sync.Mutex
	nodes map[string]*NodeConnection

	correlator *Correlator
}

// NewNodeRegistry creates the registry. Pending-request rejection on
// teardown goes through the given correlator.
func NewNodeRegistry(correlator *Correlator) *NodeRegistry {
	return &NodeRegistry{
		nodes:      make(map[string]*NodeConnection),
		correlator: correlator,
	}
}

// Register installs a node connection for the identity, tearing down
// any previous connection first. The keep-alive ping loop runs until
// the stream closes.
func (r *NodeRegistry) Register(identity oauth.Identity, stream *EventStream) *NodeConnection {
	nc := &NodeConnection{
		ID:       uuid.NewString(),
		Identity: identity,
		stream:   stream,
	}

	r.mu.Lock()
	prev := r.nodes[identity.Email]
	r.nodes[identity.Email] = nc
	r.mu.Unlock()

	if prev != nil {
		prev.stream.Close()
		r.correlator.RejectOwned(identity.Email, ErrNodeReconnected)
		logging.Info("NodeRegistry", "Replaced node connection for %s", identity.Email)
	} else {
		logging.Info("NodeRegistry", "Node connected for %s", identity.Email)
	}

	go nc.pingLoop()
	return nc
}

// Unregister removes the connection if it is still the current one for
// its identity and rejects every pending request the user owned. A
// connection already replaced by Register is a no-op here.
func (r *NodeRegistry) Unregister(nc *NodeConnection) {
	r.mu.Lock()
	current := r.nodes[nc.Identity.Email] == nc
	if current {
		delete(r.nodes, nc.Identity.Email)
	}
	r.mu.Unlock()

	nc.stream.Close()
	if current {
		r.correlator.RejectOwned(nc.Identity.Email, ErrNodeDisconnected)
		logging.Info("NodeRegistry", "Node disconnected for %s", nc.Identity.Email)
	}
}

// Get returns the live node connection for the identity email, if any.
func (r *NodeRegistry) Get(email string) (*NodeConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nc, ok := r.nodes[email]
	return nc, ok
}

// Count returns the number of connected nodes.
func (r *NodeRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

func (nc *NodeConnection) pingLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-nc.stream.Done():
			return
		case <-ticker.C:
			if err := nc.stream.WriteEvent("ping", "{}"); err != nil {
				nc.stream.Close()
				return
			}
		}
	}
}

package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"forgerelay/pkg/logging"
)

// ForwardTimeout is how long a correlated request may stay in flight
// before it is retired with a timeout error.
const ForwardTimeout = 5 * time.Minute

// Terminal correlation outcomes. Exactly one of these (or a result)
// reaches the waiting caller per request.
var (
	// ErrRequestTimeout retires a request whose node never answered.
	ErrRequestTimeout = errors.New("node did not respond within the forward timeout")

	// ErrNodeDisconnected retires every request owned by a node whose
	// connection was lost.
	ErrNodeDisconnected = errors.New("node disconnected before responding")

	// ErrNodeReconnected retires every request owned by a node that was
	// replaced by a newer connection for the same user.
	ErrNodeReconnected = errors.New("node reconnected; request abandoned")

	// ErrPendingCapacity rejects a dispatch when the in-flight cap is
	// reached. Nothing is registered or written to the node.
	ErrPendingCapacity = errors.New("too many requests in flight")

	// ErrUnknownRequest reports a result for a request id that is not
	// pending: already retired, or never issued.
	ErrUnknownRequest = errors.New("unknown request id")

	// ErrNotOwner reports a result posted by a user who does not own the
	// pending request.
	ErrNotOwner = errors.New("request is owned by another user")
)

// Outcome is the terminal result of one correlated request. Exactly one
// of Result and Err is set.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// requestEvent is the payload written to the node stream for one
// forwarded call.
type requestEvent struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// pendingRequest is one in-flight correlated request.
type pendingRequest struct {
	owner string
	ch    chan Outcome
	timer *time.Timer
}

// Correlator pairs requests forwarded to a node with results posted
// back later. Every pending request is retired exactly once: by its
// result, by the forward timeout, or by the owning node going away.
// Retirement deletes the table entry under the lock before the outcome
// is delivered, so racing retirements collapse to one winner and the
// losers become no-ops.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	maxPending int
	timeout    time.Duration
}

// NewCorrelator creates a correlator capping the number of concurrently
// pending requests at maxPending.
func NewCorrelator(maxPending int, timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = ForwardTimeout
	}
	return &Correlator{
		pending:    make(map[string]*pendingRequest),
		maxPending: maxPending,
		timeout:    timeout,
	}
}

// Dispatch registers a fresh request owned by owner, writes it to the
// node stream, and returns the channel on which the single outcome will
// be delivered. The request is on the node's wire before Dispatch
// returns; the outcome channel is buffered so retirement never blocks.
func (c *Correlator) Dispatch(owner string, node *NodeConnection, method string, params json.RawMessage) (<-chan Outcome, error) {
	c.mu.Lock()
	if len(c.pending) >= c.maxPending {
		c.mu.Unlock()
		return nil, ErrPendingCapacity
	}
	id := uuid.NewString()
	pr := &pendingRequest{
		owner: owner,
		ch:    make(chan Outcome, 1),
	}
	c.pending[id] = pr
	c.mu.Unlock()

	if err := node.Send("request", requestEvent{ID: id, Method: method, Params: params}); err != nil {
		c.retire(id)
		return nil, err
	}

	// Start the timeout clock only after the write succeeded, and only
	// if the request has not already been retired by a racing node
	// teardown.
	c.mu.Lock()
	if cur, ok := c.pending[id]; ok && cur == pr {
		pr.timer = time.AfterFunc(c.timeout, func() {
			c.fail(id, ErrRequestTimeout)
		})
	}
	c.mu.Unlock()

	logging.Debug("Correlator", "Dispatched %s for %s (method %s)", id, owner, method)
	return pr.ch, nil
}

// Resolve delivers a node-posted result to the waiting caller. A result
// for a request that is no longer pending returns ErrUnknownRequest; a
// result posted by a user other than the owner returns ErrNotOwner and
// leaves the request pending.
func (c *Correlator) Resolve(id, owner string, result json.RawMessage) error {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownRequest
	}
	if pr.owner != owner {
		c.mu.Unlock()
		return ErrNotOwner
	}
	delete(c.pending, id)
	c.mu.Unlock()

	if pr.timer != nil {
		pr.timer.Stop()
	}
	pr.ch <- Outcome{Result: result}
	return nil
}

// RejectOwned retires every pending request owned by owner with err.
// Used when the owner's node connection disappears or is replaced.
func (c *Correlator) RejectOwned(owner string, err error) {
	c.mu.Lock()
	var victims []*pendingRequest
	for id, pr := range c.pending {
		if pr.owner == owner {
			delete(c.pending, id)
			victims = append(victims, pr)
		}
	}
	c.mu.Unlock()

	for _, pr := range victims {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		pr.ch <- Outcome{Err: err}
	}
	if len(victims) > 0 {
		logging.Info("Correlator", "Rejected %d pending request(s) for %s: %v", len(victims), owner, err)
	}
}

// Count returns the number of requests currently pending.
func (c *Correlator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// fail retires one request with err if it is still pending.
func (c *Correlator) fail(id string, err error) {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}
	pr.ch <- Outcome{Err: err}
}

// retire drops a request without delivering any outcome. Only used when
// the dispatch itself failed and the caller gets the error directly.
func (c *Correlator) retire(id string) {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok && pr.timer != nil {
		pr.timer.Stop()
	}
}

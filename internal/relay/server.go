package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"

	"forgerelay/internal/oauth"
	"forgerelay/pkg/logging"
)

const (
	serverName    = "forgerelay"
	serverVersion = "1.0.0"
)

// nodeOfflineAdvisory is returned as a successful tool result when the
// caller's node is not connected, so editors surface the instruction
// inline instead of as an opaque protocol failure.
const nodeOfflineAdvisory = "Your node is not connected. Start the node client on the " +
	"machine you want to operate, then retry this call."

// Server provides the HTTP handlers for the streaming relay endpoints:
// the client-facing /mcp pair, the node-facing /node pair, and /health.
// Authentication happens in middleware before any of these run; every
// handler trusts the identity on the request context.
type Server struct {
	sessions   *SessionRegistry
	nodes      *NodeRegistry
	correlator *Correlator
}

// NewServer creates the relay HTTP surface over the given registries.
func NewServer(sessions *SessionRegistry, nodes *NodeRegistry, correlator *Correlator) *Server {
	return &Server{
		sessions:   sessions,
		nodes:      nodes,
		correlator: correlator,
	}
}

// HandleClientStream serves GET /mcp: it opens the client SSE stream,
// announces the per-session message endpoint as the first event, and
// then holds the connection until the client goes away or the relay
// closes the session.
func (s *Server) HandleClientStream(w http.ResponseWriter, r *http.Request) {
	identity, ok := oauth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	stream, err := NewEventStream(w)
	if err != nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess, err := s.sessions.Register(identity, stream)
	if err != nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{
			"error": "too many concurrent streams, try again later",
		})
		return
	}
	defer s.sessions.Unregister(sess)

	// The first event tells the client where to POST messages for this
	// stream.
	if err := stream.WriteEvent("endpoint", "/mcp?sessionId="+sess.ID); err != nil {
		return
	}

	select {
	case <-r.Context().Done():
	case <-stream.Done():
	}
}

// HandleClientMessage serves POST /mcp?sessionId=...: the message-post
// half of the client transport. The POST only acknowledges receipt;
// every response envelope is delivered on the session's event stream.
func (s *Server) HandleClientMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := oauth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	sid := r.URL.Query().Get("sessionId")
	if sid == "" {
		http.Error(w, "missing sessionId parameter", http.StatusBadRequest)
		return
	}
	sess, ok := s.sessions.Lookup(sid)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if sess.Identity.Email != identity.Email {
		logging.Warn("Relay", "Identity %s posted to session owned by %s", identity.Email, sess.Identity.Email)
		http.Error(w, "session belongs to another user", http.StatusForbidden)
		return
	}
	s.sessions.Touch(sid)

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, newRPCError(nil, codeParseError, "malformed JSON-RPC request"))
		return
	}

	if req.isNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		sess.Send(newRPCResult(req.ID, s.initializeResult()))
	case "ping":
		sess.Send(newRPCResult(req.ID, struct{}{}))
	case "tools/list":
		// The relay is payload-agnostic: it advertises no tools of its
		// own, and the node-side tool surface is not mirrored here.
		sess.Send(newRPCResult(req.ID, mcp.ListToolsResult{Tools: []mcp.Tool{}}))
	case "tools/call":
		s.forwardCall(sess, req)
	default:
		sess.Send(newRPCError(req.ID, codeMethodNotFound, "method not supported: "+req.Method))
	}

	w.WriteHeader(http.StatusAccepted)
}

// forwardCall routes a tools/call to the caller's node. The request is
// on the node's wire before this returns; only the wait for the outcome
// is asynchronous.
func (s *Server) forwardCall(sess *StreamSession, req rpcRequest) {
	email := sess.Identity.Email

	node, ok := s.nodes.Get(email)
	if !ok {
		sess.Send(newRPCResult(req.ID, mcp.NewToolResultText(nodeOfflineAdvisory)))
		return
	}

	ch, err := s.correlator.Dispatch(email, node, req.Method, req.Params)
	if err != nil {
		sess.Send(newRPCError(req.ID, rpcCodeFor(err), err.Error()))
		return
	}

	go func() {
		outcome := <-ch
		if outcome.Err != nil {
			sess.Send(newRPCError(req.ID, rpcCodeFor(outcome.Err), outcome.Err.Error()))
			return
		}
		sess.Send(newRPCResult(req.ID, json.RawMessage(outcome.Result)))
	}()
}

// initializeResult is answered locally; the node is not consulted.
func (s *Server) initializeResult() any {
	return struct {
		ProtocolVersion string             `json:"protocolVersion"`
		Capabilities    map[string]any     `json:"capabilities"`
		ServerInfo      mcp.Implementation `json:"serverInfo"`
	}{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		ServerInfo: mcp.Implementation{
			Name:    serverName,
			Version: serverVersion,
		},
	}
}

// HandleNodeStream serves GET /node: it registers the single node
// connection for the authenticated identity (replacing any previous
// one) and holds the stream open, with keep-alive pings, until either
// side ends it.
func (s *Server) HandleNodeStream(w http.ResponseWriter, r *http.Request) {
	identity, ok := oauth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	stream, err := NewEventStream(w)
	if err != nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	nc := s.nodes.Register(identity, stream)
	defer s.nodes.Unregister(nc)

	if err := nc.Send("ready", map[string]string{"connectionId": nc.ID}); err != nil {
		return
	}

	select {
	case <-r.Context().Done():
	case <-stream.Done():
	}
}

// nodeResultBody is the POST /node payload: the raw result for one
// forwarded request, relayed to the waiting caller untouched.
type nodeResultBody struct {
	Result json.RawMessage `json:"result"`
}

// HandleNodeResult serves POST /node?requestId=...: delivery of one
// result from the node. A result for a request owned by a different
// user is rejected; a result for a request already retired is
// acknowledged but ignored.
func (s *Server) HandleNodeResult(w http.ResponseWriter, r *http.Request) {
	identity, ok := oauth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	reqID := r.URL.Query().Get("requestId")
	if reqID == "" {
		http.Error(w, "missing requestId parameter", http.StatusBadRequest)
		return
	}

	var body nodeResultBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed result body", http.StatusBadRequest)
		return
	}

	err := s.correlator.Resolve(reqID, identity.Email, body.Result)
	switch {
	case errors.Is(err, ErrNotOwner):
		logging.Warn("Relay", "Identity %s posted result for request owned by another user", identity.Email)
		writeJSONStatus(w, http.StatusForbidden, map[string]string{
			"error": "request is owned by another user",
		})
	case errors.Is(err, ErrUnknownRequest):
		// Late, duplicate, or never issued. Dropped without complaint.
		writeJSONStatus(w, http.StatusOK, map[string]string{"status": "ignored"})
	default:
		writeJSONStatus(w, http.StatusOK, map[string]string{"status": "delivered"})
	}
}

// healthResponse is the GET /health body.
type healthResponse struct {
	Status          string `json:"status"`
	ClientStreams   int    `json:"client_streams"`
	NodeConnections int    `json:"node_connections"`
	PendingRequests int    `json:"pending_requests"`
}

// HandleHealth serves GET /health: liveness plus the live connection
// counts. Unauthenticated.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, http.StatusOK, healthResponse{
		Status:          "ok",
		ClientStreams:   s.sessions.Count(),
		NodeConnections: s.nodes.Count(),
		PendingRequests: s.correlator.Count(),
	})
}

// rpcCodeFor maps a correlation error to its JSON-RPC error code.
func rpcCodeFor(err error) int {
	switch {
	case errors.Is(err, ErrRequestTimeout):
		return codeRequestTimeout
	case errors.Is(err, ErrNodeDisconnected), errors.Is(err, ErrNodeReconnected):
		return codeNodeDisconnected
	case errors.Is(err, ErrPendingCapacity):
		return codeCapacity
	default:
		return codeInternalError
	}
}

func writeJSONStatus(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

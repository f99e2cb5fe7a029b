package relay

import (
	"encoding/json"
	"strings"
)

// The relay speaks raw JSON-RPC 2.0 on the client endpoint and passes
// call payloads through to the node untouched. Request ids are kept as
// raw JSON so numeric and string ids round-trip byte for byte.

const jsonRPCVersion = "2.0"

// JSON-RPC error codes used by the relay. The two negative vendor codes
// distinguish the correlation failure modes the caller can observe.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternalError  = -32603

	// codeRequestTimeout is delivered when the forward timeout elapses
	// with no result from the node.
	codeRequestTimeout = -32001

	// codeNodeDisconnected is delivered immediately to every request a
	// departing node owned; strictly earlier than the timeout would be.
	codeNodeDisconnected = -32002

	// codeCapacity is delivered when the in-flight request cap is hit.
	codeCapacity = -32003
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports whether the request carries no id and thus
// expects no response.
func (r *rpcRequest) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null" || strings.HasPrefix(r.Method, "notifications/")
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

// newRPCResult builds a success response for the given request id.
func newRPCResult(id json.RawMessage, result any) rpcResponse {
	return rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
}

// newRPCError builds an error response for the given request id.
func newRPCError(id json.RawMessage, code int, message string) rpcResponse {
	return rpcResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &rpcErrorBody{Code: code, Message: message},
	}
}

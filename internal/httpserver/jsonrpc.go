package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	pgerrors "github.com/paygate/gateway/internal/errors"
	"github.com/paygate/gateway/internal/router"
	"github.com/paygate/gateway/internal/transport"
)

// rpcRequest/rpcResponse/rpcError mirror the JSON-RPC 2.0 envelope used by
// an MCP payment handler: JSON-RPC errors are returned with HTTP 200, the
// error object carrying the protocol-level code.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

const (
	rpcCodeParseError     = -32700
	rpcCodeInvalidRequest = -32600
	rpcCodeMethodNotFound = -32601
	rpcCodeInsufficient   = -32402
	rpcCodeRateLimited    = -32001
	rpcCodeDenied         = -32000
)

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result json.RawMessage) {
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

func writeRPCErrorObj(w http.ResponseWriter, id json.RawMessage, e *transport.RPCError) {
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: e.Code, Message: e.Message, Data: e.Data}})
}

// mapDenyReason picks the JSON-RPC error code for a Gate denial. Only
// insufficient_credits and the rate-limit reasons get dedicated custom
// codes per spec §6; every other reason is the generic -32000 with the
// reason string carried in the message.
func mapDenyReason(reason pgerrors.DenyReason) (code int, message string) {
	switch reason {
	case pgerrors.DenyInsufficientCredits:
		return rpcCodeInsufficient, string(reason)
	case pgerrors.DenyRateLimited, pgerrors.DenyRateLimitedTool:
		return rpcCodeRateLimited, string(reason)
	default:
		return rpcCodeDenied, string(reason)
	}
}

// writeDenyRPCError renders a Gate Decision's DenyReason as a JSON-RPC
// error, setting Retry-After for rate-limited denials per spec §7.
func writeDenyRPCError(w http.ResponseWriter, id json.RawMessage, reason pgerrors.DenyReason, resetMs int64) {
	if reason == pgerrors.DenyRateLimited || reason == pgerrors.DenyRateLimitedTool {
		retryAfter := (resetMs + 999) / 1000
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	}
	code, message := mapDenyReason(reason)
	writeRPCError(w, id, code, message)
}

// writeBackendErrorRPC surfaces a backend failure as a JSON-RPC error,
// passing through the backend's own code/message/data when it responded
// with one, and mapping transport-level failures to backend_timeout /
// backend_crashed otherwise, per spec §7.
func writeBackendErrorRPC(w http.ResponseWriter, id json.RawMessage, err error) {
	var rpcErr *transport.RPCError
	if errors.As(err, &rpcErr) {
		writeRPCErrorObj(w, id, rpcErr)
		return
	}
	reason := pgerrors.DenyBackendError
	switch {
	case errors.Is(err, transport.ErrTimeout):
		reason = pgerrors.DenyBackendTimeout
	case errors.Is(err, transport.ErrCrashed):
		reason = pgerrors.DenyBackendCrashed
	}
	writeRPCError(w, id, rpcCodeDenied, string(reason))
}

// writeRouterErrorRPC maps a router-level dispatch failure (unknown prefix,
// or a passthrough failure) to its JSON-RPC code.
func writeRouterErrorRPC(w http.ResponseWriter, id json.RawMessage, err error) {
	var unknown *router.ErrUnknownPrefix
	if errors.As(err, &unknown) {
		writeRPCError(w, id, rpcCodeMethodNotFound, "Method not found (unknown prefix): "+unknown.Prefix)
		return
	}
	writeBackendErrorRPC(w, id, err)
}

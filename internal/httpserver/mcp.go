package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/paygate/gateway/internal/gate"
	pgerrors "github.com/paygate/gateway/internal/errors"
	"github.com/paygate/gateway/internal/keystore"
)

// lookupKey is the HTTP-layer's lightweight key lookup used
// for methods that never reach the Gate (tools/list, initialize, ping):
// it mirrors steps 2-3 of the Gate's own policy pipeline so denial reasons
// stay consistent across both paths.
func lookupKey(store keystore.Store, apiKey string) (*keystore.KeyRecord, pgerrors.DenyReason) {
	if apiKey == "" {
		return nil, pgerrors.DenyMissingAPIKey
	}
	rec, ok := store.GetKeyRaw(apiKey)
	if !ok {
		return nil, pgerrors.DenyInvalidAPIKey
	}
	now := time.Now()
	switch {
	case !rec.Active:
		return nil, pgerrors.DenyInvalidAPIKey
	case rec.IsExpired(now):
		return nil, pgerrors.DenyKeyExpired
	case rec.Suspended:
		return nil, pgerrors.DenyKeySuspended
	}
	return rec, ""
}

// handleMCPPost is the JSON-RPC entry point: parse, authenticate, dispatch
// by method, respond. The response is always a single JSON body; an
// Accept: text/event-stream header does not switch it to an SSE response.
func (s *Server) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())
	w.Header().Set("X-Request-Id", requestID)

	body, err := decodeBody(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", requestID)
			return
		}
		writeRPCError(w, nil, rpcCodeParseError, "Parse error")
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPCError(w, nil, rpcCodeParseError, "Parse error")
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCError(w, req.ID, rpcCodeInvalidRequest, "Invalid Request")
		return
	}

	apiKey := extractAPIKey(r, s.cfg.Auth)
	clientIP := clientIPFromRequest(r)

	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID != "" {
		if sess, ok := s.sessions.get(sessionID); ok {
			sess.touch()
			w.Header().Set("Mcp-Session-Id", sess.id)
		}
	} else if sess := s.sessions.create(apiKey); sess != nil {
		w.Header().Set("Mcp-Session-Id", sess.id)
	}

	switch req.Method {
	case "tools/call":
		s.handleToolsCall(w, r, req, apiKey, clientIP, requestID)
	case "tools/list":
		s.handleToolsList(w, r, req, apiKey)
	default:
		s.handlePassthrough(w, r, req, apiKey)
	}
}

func decodeBody(r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func clientIPFromRequest(r *http.Request) string {
	// middleware.RealIP has already rewritten r.RemoteAddr from
	// X-Forwarded-For/X-Real-IP when trusted, so RemoteAddr is authoritative
	// here; strip the port chi's RealIP leaves attached.
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}

// handleToolsCall runs the full Gate pipeline and, if allowed, forwards the
// call through the Router to the owning backend.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req rpcRequest, apiKey, clientIP, requestID string) {
	var params toolCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeRPCError(w, req.ID, rpcCodeInvalidRequest, "Invalid Request: malformed params")
			return
		}
	}
	if params.Name == "" {
		writeRPCError(w, req.ID, rpcCodeInvalidRequest, "Invalid Request: missing tool name")
		return
	}

	call := &gate.CallContext{
		CallID:    uuid.NewString(),
		RequestID: requestID,
		APIKey:    apiKey,
		Tool:      params.Name,
		Args:      req.Params,
		ClientIP:  clientIP,
	}

	decision := s.gate.Evaluate(r.Context(), call)
	s.applyDecisionHeaders(w, decision)

	if !decision.Allowed {
		writeDenyRPCError(w, req.ID, decision.DenyReason, decision.RateLimitResetMs)
		return
	}

	s.gate.Plugins().RunBeforeToolCall(r.Context(), call)
	resp, callErr := s.router.Call(r.Context(), "tools/call", params.Name, req.Params)

	var backendErr error
	if callErr != nil {
		backendErr = callErr
	} else if resp.Error != nil {
		backendErr = resp.Error
	}
	s.gate.Plugins().RunAfterToolCall(r.Context(), call, backendErr)
	s.gate.Finalize(r.Context(), call, decision, backendErr)

	if callErr != nil {
		writeRouterErrorRPC(w, req.ID, callErr)
		return
	}
	if resp.Error != nil {
		writeRPCErrorObj(w, req.ID, resp.Error)
		return
	}
	writeRPCResult(w, req.ID, resp.Result)
}

func (s *Server) applyDecisionHeaders(w http.ResponseWriter, decision *gate.Decision) {
	if decision.RateLimitLimit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.RateLimitLimit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.RateLimitRemain))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.RateLimitResetMs/1000, 10))
	}
	if decision.Record != nil {
		w.Header().Set("X-Credits-Remaining", strconv.FormatInt(decision.Remaining, 10))
	}
}

// handleToolsList is ungated and unbilled: it only requires a resolvable
// key, matching the HTTP surface's "API key" auth requirement on /mcp.
func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request, req rpcRequest, apiKey string) {
	if _, reason := lookupKey(s.store, apiKey); reason != "" {
		code, message := mapDenyReason(reason)
		writeRPCError(w, req.ID, code, message)
		return
	}
	result, err := s.router.ListTools(r.Context())
	if err != nil {
		writeRouterErrorRPC(w, req.ID, err)
		return
	}
	writeRPCResult(w, req.ID, result)
}

// handlePassthrough forwards any other MCP method (initialize, ping,
// resources/list, ...) verbatim to the sole backend in single-backend mode.
// Multi-backend deployments have no way to address a non-tool-scoped method
// to one backend, so they get -32601.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request, req rpcRequest, apiKey string) {
	if _, reason := lookupKey(s.store, apiKey); reason != "" {
		code, message := mapDenyReason(reason)
		writeRPCError(w, req.ID, code, message)
		return
	}
	tr, ok := s.router.SingleTransport()
	if !ok {
		writeRPCError(w, req.ID, rpcCodeMethodNotFound, "Method not found: "+req.Method)
		return
	}
	resp, err := tr.Call(r.Context(), req.Method, req.Params)
	if err != nil {
		writeBackendErrorRPC(w, req.ID, err)
		return
	}
	if resp.Error != nil {
		writeRPCErrorObj(w, req.ID, resp.Error)
		return
	}
	writeRPCResult(w, req.ID, resp.Result)
}

// handleMCPGet opens the Streamable HTTP transport's server-to-client leg:
// an SSE stream tied to the session named by Mcp-Session-Id, kept alive by
// a keepalive comment frame every s.cfg.Server.SSEKeepalive and torn down
// when the session closes (explicit DELETE, idle sweep, or server
// shutdown) or the client disconnects.
func (s *Server) handleMCPGet(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())
	w.Header().Set("X-Request-Id", requestID)

	apiKey := extractAPIKey(r, s.cfg.Auth)
	if _, reason := lookupKey(s.store, apiKey); reason != "" {
		_, message := mapDenyReason(reason)
		writeError(w, http.StatusUnauthorized, message, requestID)
		return
	}

	sessionID := r.Header.Get("Mcp-Session-Id")
	sess, ok := s.sessions.get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session_not_found", requestID)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", requestID)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Mcp-Session-Id", sess.id)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writer := newSSEWriter(w, flusher)
	sess.addWriter(writer)
	defer sess.removeWriter(writer)

	interval := s.cfg.Server.SSEKeepalive
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.done:
			return
		case <-ticker.C:
			if writer.keepalive() != nil {
				return
			}
			sess.touch()
		}
	}
}

// handleMCPDelete tears down a session explicitly, closing every attached
// GET /mcp stream.
func (s *Server) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", requestID)
		return
	}
	s.sessions.delete(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

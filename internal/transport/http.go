package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// HTTPTransport speaks JSON-RPC over a single streaming-HTTP endpoint. Each
// call is its own POST; a response is either a plain JSON body or a
// "text/event-stream" carrying one or more "message" frames, the last of
// which is the JSON-RPC response (per the streamable-HTTP MCP convention).
type HTTPTransport struct {
	URL         string
	Headers     map[string]string
	CallTimeout time.Duration

	client *http.Client
	nextID int64
	up     atomic.Bool
}

// NewHTTP constructs an HTTP-backed Transport against url.
func NewHTTP(url string, headers map[string]string, callTimeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		URL:         url,
		Headers:     headers,
		CallTimeout: callTimeout,
		client: &http.Client{
			Timeout: 0, // per-request deadline is applied via context below
		},
	}
}

// Start does not probe the endpoint (any "initialize" probe is left to the
// caller); it just marks the transport up, since HTTP backends have no
// persistent process to spawn.
func (t *HTTPTransport) Start(ctx context.Context) error {
	t.up.Store(true)
	return nil
}

func (t *HTTPTransport) Stop(ctx context.Context) error {
	t.up.Store(false)
	return nil
}

func (t *HTTPTransport) IsRunning() bool {
	return t.up.Load()
}

func (t *HTTPTransport) Call(ctx context.Context, method string, params json.RawMessage) (*Response, error) {
	if !t.up.Load() {
		return nil, ErrNotRunning
	}

	deadline := t.CallTimeout
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	id := atomic.AddInt64(&t.nextID, 1)
	reqBody, err := json.Marshal(Request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, t.URL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("transport: http call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, ErrCrashed
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/event-stream") {
		return parseSSEResponse(resp.Body, id)
	}
	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("transport: decode response: %w", err)
	}
	if rpcResp.ID != id {
		return nil, ErrUnknownID
	}
	return &rpcResp, nil
}

// parseSSEResponse scans an SSE stream for "data:" lines, returning the
// last JSON-RPC frame whose ID matches. Earlier frames (progress
// notifications) are skipped.
func parseSSEResponse(body io.Reader, id int64) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var last *Response
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			continue
		}
		if resp.ID == id {
			r := resp
			last = &r
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("transport: read sse stream: %w", err)
	}
	if last == nil {
		return nil, ErrUnknownID
	}
	return last, nil
}

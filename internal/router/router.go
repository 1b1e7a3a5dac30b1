// Package router owns the multi-backend topology: it strips a tool-name
// prefix, dispatches tools/call to the matching BackendTransport, and fans
// tools/list out to every backend in parallel, merging and renaming the
// results. The fan-out/merge follows a proxy's provider-set shape, started
// concurrently the way that proxy starts its providers, with a degraded
// flag on partial startup failure instead of a hard abort.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/paygate/gateway/internal/logger"
	"github.com/paygate/gateway/internal/transport"
)

// backend pairs a namespace prefix with the transport instance owning it.
type backend struct {
	prefix    string
	transport transport.Transport
}

// Router is ready once Start returns; Degraded reports whether every
// configured backend came up within the startup timeout.
type Router struct {
	mu       sync.RWMutex
	backends []backend
	byPrefix map[string]*backend

	degraded bool
}

// New builds a Router from an ordered prefix->transport mapping. Order is
// preserved for deterministic tools/list merge ordering.
func New(entries map[string]transport.Transport, order []string) *Router {
	r := &Router{byPrefix: make(map[string]*backend)}
	for _, prefix := range order {
		tr, ok := entries[prefix]
		if !ok {
			continue
		}
		b := &backend{prefix: prefix, transport: tr}
		r.backends = append(r.backends, *b)
	}
	for i := range r.backends {
		r.byPrefix[r.backends[i].prefix] = &r.backends[i]
	}
	return r
}

// Start brings up every backend concurrently and waits up to timeout. Any
// backend still not running when the timeout elapses leaves the Router
// Degraded but still serviceable by the backends that did start.
func (r *Router) Start(ctx context.Context, timeout time.Duration) error {
	if len(r.backends) == 0 {
		return nil
	}
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]error, len(r.backends))
	for i := range r.backends {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.backends[i].transport.Start(startCtx)
		}(i)
	}
	wg.Wait()

	degraded := false
	for i, err := range results {
		if err != nil {
			logger.Error("router: backend failed to start", "prefix", r.backends[i].prefix, "error", err)
			degraded = true
			continue
		}
		if !r.backends[i].transport.IsRunning() {
			degraded = true
		}
	}
	r.mu.Lock()
	r.degraded = degraded
	r.mu.Unlock()
	return nil
}

// Stop tears down every backend, collecting but not short-circuiting on
// individual failures.
func (r *Router) Stop(ctx context.Context) error {
	var firstErr error
	for _, b := range r.backends {
		if err := b.transport.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Degraded reports whether at least one configured backend is not running.
func (r *Router) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

// Single reports whether the Router has exactly one backend, in which case
// no prefix stripping/renaming applies: tool names pass through unchanged.
func (r *Router) Single() bool {
	return len(r.backends) == 1
}

// SingleTransport returns the sole backend transport when the Router has
// exactly one, for forwarding MCP methods that aren't tool-scoped (initialize,
// ping, resources/list) and so never go through resolve's prefix logic.
func (r *Router) SingleTransport() (transport.Transport, bool) {
	if !r.Single() {
		return nil, false
	}
	return r.backends[0].transport, true
}

// ErrUnknownPrefix signals a tools/call with a prefix not owned by any
// configured backend; callers map this to JSON-RPC -32601.
type ErrUnknownPrefix struct{ Prefix string }

func (e *ErrUnknownPrefix) Error() string {
	return fmt.Sprintf("router: unknown backend prefix %q", e.Prefix)
}

// resolve splits "prefix:tool" into its backend and bare tool name. In
// single-backend mode the whole string is the tool name and the sole
// backend is used regardless of any prefix-looking substring.
func (r *Router) resolve(tool string) (*backend, string, error) {
	if r.Single() {
		return &r.backends[0], tool, nil
	}
	idx := strings.Index(tool, ":")
	if idx < 0 {
		return nil, "", &ErrUnknownPrefix{Prefix: tool}
	}
	prefix, bare := tool[:idx], tool[idx+1:]
	r.mu.RLock()
	b, ok := r.byPrefix[prefix]
	r.mu.RUnlock()
	if !ok {
		return nil, "", &ErrUnknownPrefix{Prefix: prefix}
	}
	return b, bare, nil
}

// Call dispatches a tools/call (or any other tool-scoped method) to the
// backend owning tool's prefix, rewriting the outbound payload's tool name
// to the bare, unprefixed form the backend expects.
func (r *Router) Call(ctx context.Context, method string, tool string, rawParams json.RawMessage) (*transport.Response, error) {
	b, bare, err := r.resolve(tool)
	if err != nil {
		return nil, err
	}
	params, err := rewriteToolName(rawParams, bare)
	if err != nil {
		return nil, err
	}
	return b.transport.Call(ctx, method, params)
}

// rewriteToolName replaces the "name" field of a tools/call params object
// with bare, leaving every other field untouched.
func rewriteToolName(raw json.RawMessage, bare string) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw, nil // not an object; pass through unmodified
	}
	if _, ok := generic["name"]; !ok {
		return raw, nil
	}
	nameJSON, err := json.Marshal(bare)
	if err != nil {
		return nil, err
	}
	generic["name"] = nameJSON
	return json.Marshal(generic)
}

// toolsListResult is the subset of a tools/list response this package
// needs to merge: the rest of the payload shape is backend-defined and
// passed through verbatim per tool entry.
type toolsListResult struct {
	Tools []json.RawMessage `json:"tools"`
}

// ListTools fans tools/list out to every backend in parallel and merges
// the results, renaming each tool's "name" field to "prefix:name". In
// single-backend mode tool names are left unprefixed.
func (r *Router) ListTools(ctx context.Context) (json.RawMessage, error) {
	if len(r.backends) == 0 {
		return json.Marshal(toolsListResult{Tools: []json.RawMessage{}})
	}
	type outcome struct {
		prefix string
		tools  []json.RawMessage
		err    error
	}
	results := make([]outcome, len(r.backends))
	var wg sync.WaitGroup
	for i, b := range r.backends {
		wg.Add(1)
		go func(i int, b backend) {
			defer wg.Done()
			resp, err := b.transport.Call(ctx, "tools/list", json.RawMessage(`{}`))
			if err != nil {
				results[i] = outcome{prefix: b.prefix, err: err}
				return
			}
			if resp.Error != nil {
				results[i] = outcome{prefix: b.prefix, err: resp.Error}
				return
			}
			var parsed toolsListResult
			if err := json.Unmarshal(resp.Result, &parsed); err != nil {
				results[i] = outcome{prefix: b.prefix, err: err}
				return
			}
			results[i] = outcome{prefix: b.prefix, tools: parsed.Tools}
		}(i, b)
	}
	wg.Wait()

	merged := make([]json.RawMessage, 0)
	for _, res := range results {
		if res.err != nil {
			logger.Warn("router: tools/list failed for backend", "prefix", res.prefix, "error", res.err)
			continue
		}
		for _, tool := range res.tools {
			renamed, err := prefixToolName(tool, res.prefix, r.Single())
			if err != nil {
				continue
			}
			merged = append(merged, renamed)
		}
	}
	return json.Marshal(toolsListResult{Tools: merged})
}

func prefixToolName(tool json.RawMessage, prefix string, single bool) (json.RawMessage, error) {
	if single {
		return tool, nil
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(tool, &generic); err != nil {
		return tool, nil
	}
	var name string
	if raw, ok := generic["name"]; ok {
		_ = json.Unmarshal(raw, &name)
	}
	nameJSON, err := json.Marshal(prefix + ":" + name)
	if err != nil {
		return nil, err
	}
	generic["name"] = nameJSON
	return json.Marshal(generic)
}

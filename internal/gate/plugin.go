// Package gate implements the Gate: the policy-plus-billing pipeline that
// turns an incoming tool call into an allow/deny Decision with atomic
// credit accounting.
package gate

import (
	"context"
	"sync"
)

// Plugin is the minimal capability every registered plugin must satisfy.
// The lifecycle hooks below are optional: a plugin implements only the
// sub-interfaces it cares about, and the Gate type-asserts for each at the
// point it fires. This mirrors the connector plugin shape used elsewhere in
// the pack, adapted from a payload-parser registry to Gate lifecycle hooks.
type Plugin interface {
	Name() string
}

// BeforeGatePlugin runs before any policy check. First non-nil error wins
// and is surfaced as an internal_error-class denial; errors are otherwise
// isolated per call and never abort the pipeline for other plugins.
type BeforeGatePlugin interface {
	Plugin
	BeforeGate(ctx context.Context, call *CallContext) error
}

// TransformPricePlugin may override the computed base price. Plugins are
// consulted in registration order; the first one that returns ok=true wins
// and later plugins are not consulted.
type TransformPricePlugin interface {
	Plugin
	TransformPrice(ctx context.Context, call *CallContext, basePrice int64) (price int64, ok bool)
}

// AfterGatePlugin fires once per allowed call, after the decision is final.
type AfterGatePlugin interface {
	Plugin
	AfterGate(ctx context.Context, call *CallContext, decision *Decision)
}

// OnDenyPlugin fires once per denied call.
type OnDenyPlugin interface {
	Plugin
	OnDeny(ctx context.Context, call *CallContext, decision *Decision)
}

// BeforeToolCallPlugin fires immediately before the Router/Transport
// forwards the call to a backend.
type BeforeToolCallPlugin interface {
	Plugin
	BeforeToolCall(ctx context.Context, call *CallContext)
}

// AfterToolCallPlugin fires after the backend responds (or errors).
type AfterToolCallPlugin interface {
	Plugin
	AfterToolCall(ctx context.Context, call *CallContext, backendErr error)
}

// Registry holds plugins as a plain slice in registration order. Reads take
// a snapshot under a read lock so iteration never blocks concurrent
// Register/Unregister calls and never observes a torn slice.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
}

// NewRegistry constructs an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a plugin, preserving registration order. Re-registering
// the same name replaces the prior instance in place.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.plugins {
		if existing.Name() == p.Name() {
			r.plugins[i] = p
			return
		}
	}
	r.plugins = append(r.plugins, p)
}

// Unregister removes a plugin by name, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.plugins[:0:0]
	for _, p := range r.plugins {
		if p.Name() != name {
			out = append(out, p)
		}
	}
	r.plugins = out
}

// snapshot returns a defensive copy of the registered plugins in
// registration order, safe to iterate without holding the lock.
func (r *Registry) snapshot() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

func (r *Registry) runBeforeGate(ctx context.Context, call *CallContext) error {
	for _, p := range r.snapshot() {
		hook, ok := p.(BeforeGatePlugin)
		if !ok {
			continue
		}
		if err := safeBeforeGate(hook, ctx, call); err != nil {
			return err
		}
	}
	return nil
}

func safeBeforeGate(hook BeforeGatePlugin, ctx context.Context, call *CallContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = nil // plugin errors are isolated per call; a panic is swallowed too
		}
	}()
	return hook.BeforeGate(ctx, call)
}

func (r *Registry) runTransformPrice(ctx context.Context, call *CallContext, base int64) int64 {
	for _, p := range r.snapshot() {
		hook, ok := p.(TransformPricePlugin)
		if !ok {
			continue
		}
		if price, overridden := safeTransformPrice(hook, ctx, call, base); overridden {
			return price
		}
	}
	return base
}

func safeTransformPrice(hook TransformPricePlugin, ctx context.Context, call *CallContext, base int64) (price int64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return hook.TransformPrice(ctx, call, base)
}

func (r *Registry) runAfterGate(ctx context.Context, call *CallContext, decision *Decision) {
	for _, p := range r.snapshot() {
		if hook, ok := p.(AfterGatePlugin); ok {
			safeAfterGate(hook, ctx, call, decision)
		}
	}
}

func safeAfterGate(hook AfterGatePlugin, ctx context.Context, call *CallContext, decision *Decision) {
	defer func() { recover() }()
	hook.AfterGate(ctx, call, decision)
}

func (r *Registry) runOnDeny(ctx context.Context, call *CallContext, decision *Decision) {
	for _, p := range r.snapshot() {
		if hook, ok := p.(OnDenyPlugin); ok {
			safeOnDeny(hook, ctx, call, decision)
		}
	}
}

func safeOnDeny(hook OnDenyPlugin, ctx context.Context, call *CallContext, decision *Decision) {
	defer func() { recover() }()
	hook.OnDeny(ctx, call, decision)
}

// RunBeforeToolCall and RunAfterToolCall are exported for the Router/Transport
// layer, which sits outside the Gate's own Evaluate/Finalize call.
func (r *Registry) RunBeforeToolCall(ctx context.Context, call *CallContext) {
	for _, p := range r.snapshot() {
		if hook, ok := p.(BeforeToolCallPlugin); ok {
			safeBeforeToolCall(hook, ctx, call)
		}
	}
}

func safeBeforeToolCall(hook BeforeToolCallPlugin, ctx context.Context, call *CallContext) {
	defer func() { recover() }()
	hook.BeforeToolCall(ctx, call)
}

func (r *Registry) RunAfterToolCall(ctx context.Context, call *CallContext, backendErr error) {
	for _, p := range r.snapshot() {
		if hook, ok := p.(AfterToolCallPlugin); ok {
			safeAfterToolCall(hook, ctx, call, backendErr)
		}
	}
}

func safeAfterToolCall(hook AfterToolCallPlugin, ctx context.Context, call *CallContext, backendErr error) {
	defer func() { recover() }()
	hook.AfterToolCall(ctx, call, backendErr)
}

package gate

import (
	"context"
	"strconv"
	"sync"

	"github.com/paygate/gateway/config"
	pgerrors "github.com/paygate/gateway/internal/errors"
	"github.com/paygate/gateway/internal/keystore"
	"github.com/paygate/gateway/internal/meter"
	"github.com/paygate/gateway/internal/metrics"
	"github.com/paygate/gateway/internal/quota"
	"github.com/paygate/gateway/internal/ratelimiter"
	"github.com/paygate/gateway/internal/webhook"
)

// Gate is the central decision engine: policy check, atomic charge, usage
// record, and optional refund. It never forwards a call to a backend
// itself — the Router/Transport layer does that between Evaluate and
// Finalize.
type Gate struct {
	store    keystore.Store
	limiter  *ratelimiter.Limiter
	quotas   *quota.Tracker
	meter    *meter.Meter
	webhooks *webhook.Dispatcher
	metrics  metrics.Metrics
	plugins  *Registry
	team     TeamHook
	cfg      config.GateConfig

	refundedMu sync.Mutex
	refunded   map[string]bool // callID -> already refunded, for idempotent Finalize
}

// Deps bundles Gate's collaborators; all are constructed by the server and
// injected here, never reached for via a package-level singleton.
type Deps struct {
	Store    keystore.Store
	Limiter  *ratelimiter.Limiter
	Quotas   *quota.Tracker
	Meter    *meter.Meter
	Webhooks *webhook.Dispatcher
	Metrics  metrics.Metrics
	Plugins  *Registry
	Team     TeamHook
}

// New constructs a Gate. Plugins/Team may be nil.
func New(cfg config.GateConfig, deps Deps) *Gate {
	plugins := deps.Plugins
	if plugins == nil {
		plugins = NewRegistry()
	}
	m := deps.Metrics
	if m == nil {
		m = &metrics.NoOpMetrics{}
	}
	return &Gate{
		store:    deps.Store,
		limiter:  deps.Limiter,
		quotas:   deps.Quotas,
		meter:    deps.Meter,
		webhooks: deps.Webhooks,
		metrics:  m,
		plugins:  plugins,
		team:     deps.Team,
		cfg:      cfg,
		refunded: make(map[string]bool),
	}
}

// Plugins exposes the registry so the server can Register/Unregister at
// startup (and the Router/Transport can fire BeforeToolCall/AfterToolCall).
func (g *Gate) Plugins() *Registry { return g.plugins }

// Evaluate runs the ordered policy pipeline for one call and, on success,
// performs the atomic credit deduction. It is the only place that decides
// allow/deny; the caller must not forward to a backend on a denied call.
func (g *Gate) Evaluate(ctx context.Context, call *CallContext) *Decision {
	if err := g.plugins.runBeforeGate(ctx, call); err != nil {
		return g.deny(ctx, call, pgerrors.DenyInternalError, false)
	}

	if g.cfg.MaintenanceMode {
		return g.deny(ctx, call, pgerrors.DenyMaintenance, false)
	}
	if call.APIKey == "" {
		return g.deny(ctx, call, pgerrors.DenyMissingAPIKey, false)
	}

	rec, ok := g.store.GetKeyRaw(call.APIKey)
	if !ok {
		return g.deny(ctx, call, pgerrors.DenyInvalidAPIKey, false)
	}
	now := nowFn()
	switch {
	case !rec.Active:
		return g.deny(ctx, call, pgerrors.DenyInvalidAPIKey, false)
	case rec.IsExpired(now):
		return g.deny(ctx, call, pgerrors.DenyKeyExpired, false)
	case rec.Suspended:
		return g.deny(ctx, call, pgerrors.DenyKeySuspended, false)
	}

	if !ipAllowed(call.ClientIP, rec.IPAllowlist) {
		return g.deny(ctx, call, pgerrors.DenyIPNotAllowed, false)
	}

	if reason := checkACL(rec, call.Tool); reason != "" {
		return g.deny(ctx, call, reason, false)
	}

	// Price must be known before the quota/spending checks below, even
	// though the spec lists "price computation" after them: those checks
	// are meaningless without a credit amount. See DESIGN.md for this
	// ordering decision.
	price := g.computePrice(ctx, call)

	shadow := g.cfg.ShadowMode
	var shadowReason pgerrors.DenyReason

	rlResult := g.limiter.Check(ratelimiter.KeyScope(call.APIKey), g.cfg.RateLimitPerMinute)
	if !rlResult.Allowed {
		if !shadow {
			return g.denyRateLimited(ctx, call, pgerrors.DenyRateLimited, rlResult)
		}
		shadowReason = pgerrors.DenyRateLimited
	}

	if toolLimit, hasToolLimit := g.cfg.ToolRateLimitPerMinute[call.Tool]; hasToolLimit {
		toolResult := g.limiter.Check(ratelimiter.ToolScope(call.APIKey, call.Tool), toolLimit)
		if !toolResult.Allowed {
			if !shadow {
				return g.denyRateLimited(ctx, call, pgerrors.DenyRateLimitedTool, toolResult)
			}
			if shadowReason == "" {
				shadowReason = pgerrors.DenyRateLimitedTool
			}
		}
	}

	if reason := g.quotas.Check(call.APIKey, price); reason != "" {
		if !shadow {
			return g.deny(ctx, call, reason, false)
		}
		if shadowReason == "" {
			shadowReason = reason
		}
	}

	if g.team != nil {
		if reason := g.team.Check(ctx, rec, call.Tool, price); reason != "" {
			if !shadow {
				return g.deny(ctx, call, reason, false)
			}
			if shadowReason == "" {
				shadowReason = reason
			}
		}
	}

	if rec.SpendingLimit != nil && rec.TotalSpent+price > *rec.SpendingLimit {
		if !shadow {
			return g.deny(ctx, call, pgerrors.DenySpendingLimit, false)
		}
		if shadowReason == "" {
			shadowReason = pgerrors.DenySpendingLimit
		}
	}

	if shadow {
		// Shadow mode never charges: the call is allowed regardless of what
		// the pipeline above would otherwise have denied.
		decision := &Decision{
			Allowed:          true,
			CreditsCharged:   0,
			Remaining:        rec.Credits,
			DenyReason:       shadowReason,
			ShadowOverridden: true,
			Record:           rec,
			RateLimitLimit:   rlResult.Limit,
			RateLimitRemain:  rlResult.Remaining,
			RateLimitResetMs: rlResult.ResetInMs,
		}
		g.recordAllow(ctx, call, decision)
		return decision
	}

	deducted, denyReason := g.store.DeductCredits(call.APIKey, price)
	if !deducted {
		return g.deny(ctx, call, denyReason, false)
	}

	g.quotas.Record(call.APIKey, price)
	g.store.MarkUsed(call.APIKey)
	if g.team != nil {
		g.team.Record(ctx, rec, call.Tool, price)
	}
	post, _ := g.store.GetKeyRaw(call.APIKey)
	remaining := rec.Credits - price
	if post != nil {
		remaining = post.Credits
	}

	decision := &Decision{
		Allowed:          true,
		CreditsCharged:   price,
		Remaining:        remaining,
		Record:           post,
		RateLimitLimit:   rlResult.Limit,
		RateLimitRemain:  rlResult.Remaining,
		RateLimitResetMs: rlResult.ResetInMs,
	}
	g.recordAllow(ctx, call, decision)
	return decision
}

// recordAllow performs the three post-success side effects in the spec's
// required order: usage event first (it is the billing record), then
// audit, then webhook emit.
func (g *Gate) recordAllow(ctx context.Context, call *CallContext, decision *Decision) {
	name := ""
	if decision.Record != nil {
		name = decision.Record.Name
	}
	g.meter.RecordUsage(meter.UsageEvent{
		APIKey:         call.APIKey,
		KeyName:        name,
		Tool:           call.Tool,
		CreditsCharged: decision.CreditsCharged,
		Allowed:        true,
		ShadowOverride: decision.ShadowOverridden,
	})
	g.meter.RecordAudit(meter.AuditEntry{
		Type:    "gate.allow",
		Actor:   call.APIKey,
		Message: "call allowed",
		Details: map[string]string{"tool": call.Tool, "requestId": call.RequestID},
	})
	g.webhooks.Emit(webhook.Event{
		Type: "gate.allow",
		Data: map[string]any{
			"apiKey":         meter.MaskKey(call.APIKey),
			"tool":           call.Tool,
			"creditsCharged": decision.CreditsCharged,
			"shadow":         decision.ShadowOverridden,
		},
	})
	g.metrics.RecordGateDecision(call.Tool, true, string(decision.DenyReason))
	g.metrics.RecordCreditsCharged(call.Tool, decision.CreditsCharged)
	g.plugins.runAfterGate(ctx, call, decision)
}

// deny builds the denied Decision and performs its side effects, again in
// usage-then-audit-then-webhook order.
func (g *Gate) deny(ctx context.Context, call *CallContext, reason pgerrors.DenyReason, _ bool) *Decision {
	decision := &Decision{Allowed: false, DenyReason: reason}
	g.recordDeny(ctx, call, decision)
	return decision
}

func (g *Gate) denyRateLimited(ctx context.Context, call *CallContext, reason pgerrors.DenyReason, rl ratelimiter.Result) *Decision {
	decision := &Decision{
		Allowed:          false,
		DenyReason:       reason,
		RateLimitLimit:   rl.Limit,
		RateLimitRemain:  rl.Remaining,
		RateLimitResetMs: rl.ResetInMs,
	}
	g.recordDeny(ctx, call, decision)
	return decision
}

func (g *Gate) recordDeny(ctx context.Context, call *CallContext, decision *Decision) {
	g.meter.RecordUsage(meter.UsageEvent{
		APIKey:     call.APIKey,
		Tool:       call.Tool,
		Allowed:    false,
		DenyReason: decision.DenyReason,
	})
	g.meter.RecordAudit(meter.AuditEntry{
		Type:    "gate.deny",
		Actor:   call.APIKey,
		Message: "call denied",
		Details: map[string]string{"tool": call.Tool, "reason": string(decision.DenyReason), "requestId": call.RequestID},
	})
	g.webhooks.Emit(webhook.Event{
		Type: "gate.deny",
		Data: map[string]any{
			"apiKey":     meter.MaskKey(call.APIKey),
			"tool":       call.Tool,
			"denyReason": string(decision.DenyReason),
		},
	})
	g.metrics.RecordGateDecision(call.Tool, false, string(decision.DenyReason))
	g.plugins.runOnDeny(ctx, call, decision)
}

// Finalize is called once per call after the backend has responded (or
// failed). When refund-on-failure is enabled and the backend reported an
// error, it credits back the charged amount, idempotently per CallID.
func (g *Gate) Finalize(ctx context.Context, call *CallContext, decision *Decision, backendErr error) {
	if decision == nil || !decision.Allowed || decision.CreditsCharged <= 0 {
		return
	}
	if backendErr == nil || !g.cfg.RefundOnFailure {
		return
	}
	g.refundedMu.Lock()
	if g.refunded[call.CallID] {
		g.refundedMu.Unlock()
		return
	}
	g.refunded[call.CallID] = true
	g.refundedMu.Unlock()

	if !g.store.AddCredits(call.APIKey, decision.CreditsCharged) {
		return
	}
	g.meter.RecordUsage(meter.UsageEvent{
		APIKey:         call.APIKey,
		Tool:           call.Tool,
		CreditsCharged: -decision.CreditsCharged,
		Allowed:        true,
		DenyReason:     pgerrors.DenyBackendError,
	})
	g.meter.RecordAudit(meter.AuditEntry{
		Type:    "credits.refund",
		Actor:   call.APIKey,
		Message: "refunded credits after backend failure",
		Details: map[string]string{"tool": call.Tool, "credits": strconv.FormatInt(decision.CreditsCharged, 10), "requestId": call.RequestID},
	})
	g.webhooks.Emit(webhook.Event{
		Type: "credits.refund",
		Data: map[string]any{
			"apiKey":  meter.MaskKey(call.APIKey),
			"tool":    call.Tool,
			"credits": decision.CreditsCharged,
		},
	})
}

func checkACL(rec *keystore.KeyRecord, tool string) pgerrors.DenyReason {
	for _, denied := range rec.DeniedTools {
		if denied == tool {
			return pgerrors.DenyToolDenied
		}
	}
	if len(rec.AllowedTools) == 0 {
		return ""
	}
	for _, allowed := range rec.AllowedTools {
		if allowed == tool {
			return ""
		}
	}
	return pgerrors.DenyToolNotAllowed
}

// computePrice resolves the base price (per-tool override or default, plus
// a per-KB-of-input surcharge) and lets a registered plugin override it.
func (g *Gate) computePrice(ctx context.Context, call *CallContext) int64 {
	base := g.cfg.DefaultCreditsPerCall
	if p, ok := g.cfg.ToolPricing[call.Tool]; ok {
		base = p
	}
	if g.cfg.SurchargePerKB > 0 && len(call.Args) > 0 {
		kb := int64(len(call.Args)) / 1024
		base += kb * g.cfg.SurchargePerKB
	}
	return g.plugins.runTransformPrice(ctx, call, base)
}

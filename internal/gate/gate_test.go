package gate

import (
	"context"
	"testing"

	"github.com/paygate/gateway/config"
	pgerrors "github.com/paygate/gateway/internal/errors"
	"github.com/paygate/gateway/internal/keystore"
	"github.com/paygate/gateway/internal/meter"
	"github.com/paygate/gateway/internal/quota"
	"github.com/paygate/gateway/internal/ratelimiter"
	"github.com/paygate/gateway/internal/webhook"
)

// newTestGate wires a Gate against a real in-memory KeyStore and the real
// ratelimiter/quota/meter/webhook collaborators, matching how the server
// constructs it in production, just without persistence or a live webhook
// endpoint (webhook.Config{} with no URL makes Emit a no-op).
func newTestGate(t *testing.T, cfg config.GateConfig) (*Gate, keystore.Store) {
	t.Helper()
	store, err := keystore.New("", 0)
	if err != nil {
		t.Fatalf("keystore.New: %v", err)
	}
	limiter := ratelimiter.New()
	t.Cleanup(limiter.Close)
	g := New(cfg, Deps{
		Store:    store,
		Limiter:  limiter,
		Quotas:   quota.New(store),
		Meter:    meter.New(1000),
		Webhooks: webhook.New(webhook.Config{}),
	})
	return g, store
}

func TestGate_HappyPath(t *testing.T) {
	g, store := newTestGate(t, config.GateConfig{DefaultCreditsPerCall: 1})
	rec, err := store.CreateKey("alice", 10, keystore.CreateOpts{})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	decision := g.Evaluate(context.Background(), &CallContext{CallID: "c1", APIKey: rec.Key, Tool: "search"})
	if !decision.Allowed {
		t.Fatalf("expected call to be allowed, got deny reason %q", decision.DenyReason)
	}
	if decision.CreditsCharged != 1 {
		t.Fatalf("expected 1 credit charged, got %d", decision.CreditsCharged)
	}
	if decision.Remaining != 9 {
		t.Fatalf("expected 9 credits remaining, got %d", decision.Remaining)
	}
}

func TestGate_ExhaustionDeniesWithoutChargingAgain(t *testing.T) {
	g, store := newTestGate(t, config.GateConfig{DefaultCreditsPerCall: 2})
	rec, _ := store.CreateKey("bob", 3, keystore.CreateOpts{})

	first := g.Evaluate(context.Background(), &CallContext{CallID: "c1", APIKey: rec.Key, Tool: "search"})
	if !first.Allowed || first.Remaining != 1 {
		t.Fatalf("expected first call allowed with 1 remaining, got allowed=%v remaining=%d", first.Allowed, first.Remaining)
	}

	second := g.Evaluate(context.Background(), &CallContext{CallID: "c2", APIKey: rec.Key, Tool: "search"})
	if second.Allowed || second.DenyReason != pgerrors.DenyInsufficientCredits {
		t.Fatalf("expected insufficient_credits denial, got allowed=%v reason=%s", second.Allowed, second.DenyReason)
	}

	got, _ := store.GetKey(rec.Key)
	if got.Credits != 1 {
		t.Fatalf("expected credits unchanged at 1 after denial, got %d", got.Credits)
	}
}

func TestGate_RotationContinuity(t *testing.T) {
	g, store := newTestGate(t, config.GateConfig{DefaultCreditsPerCall: 40})
	rec, _ := store.CreateKey("carol", 100, keystore.CreateOpts{})

	decision := g.Evaluate(context.Background(), &CallContext{CallID: "c1", APIKey: rec.Key, Tool: "search"})
	if !decision.Allowed || decision.Remaining != 60 {
		t.Fatalf("expected allowed with 60 remaining, got allowed=%v remaining=%d", decision.Allowed, decision.Remaining)
	}

	next, ok := store.RotateKey(rec.Key)
	if !ok {
		t.Fatalf("expected rotation to succeed")
	}
	if next.Credits != 60 || next.TotalSpent != 40 {
		t.Fatalf("rotation did not carry over counters: %+v", next)
	}

	denied := g.Evaluate(context.Background(), &CallContext{CallID: "c2", APIKey: rec.Key, Tool: "search"})
	if denied.Allowed || denied.DenyReason != pgerrors.DenyInvalidAPIKey {
		t.Fatalf("expected old key to be invalid_api_key after rotation, got allowed=%v reason=%s", denied.Allowed, denied.DenyReason)
	}

	allowed := g.Evaluate(context.Background(), &CallContext{CallID: "c3", APIKey: next.Key, Tool: "search"})
	if !allowed.Allowed {
		t.Fatalf("expected rotated key to be usable, got deny reason %q", allowed.DenyReason)
	}
}

func TestGate_ACLPrecedence(t *testing.T) {
	g, store := newTestGate(t, config.GateConfig{DefaultCreditsPerCall: 1})
	rec, _ := store.CreateKey("dave", 100, keystore.CreateOpts{
		AllowedTools: []string{"a", "b"},
		DeniedTools:  []string{"b"},
	})

	allow := g.Evaluate(context.Background(), &CallContext{CallID: "c1", APIKey: rec.Key, Tool: "a"})
	if !allow.Allowed {
		t.Fatalf("expected tool 'a' to be allowed, got deny reason %q", allow.DenyReason)
	}

	// 'b' is both allowed and denied; deny wins.
	deny := g.Evaluate(context.Background(), &CallContext{CallID: "c2", APIKey: rec.Key, Tool: "b"})
	if deny.Allowed || deny.DenyReason != pgerrors.DenyToolDenied {
		t.Fatalf("expected tool_denied for 'b', got allowed=%v reason=%s", deny.Allowed, deny.DenyReason)
	}

	// 'c' is absent from the allowlist.
	notAllowed := g.Evaluate(context.Background(), &CallContext{CallID: "c3", APIKey: rec.Key, Tool: "c"})
	if notAllowed.Allowed || notAllowed.DenyReason != pgerrors.DenyToolNotAllowed {
		t.Fatalf("expected tool_not_allowed for 'c', got allowed=%v reason=%s", notAllowed.Allowed, notAllowed.DenyReason)
	}
}

func TestGate_ShadowModeOverridesDenialsButNeverCharges(t *testing.T) {
	g, store := newTestGate(t, config.GateConfig{
		DefaultCreditsPerCall: 1,
		ShadowMode:            true,
		RateLimitPerMinute:    1,
	})
	rec, _ := store.CreateKey("erin", 10, keystore.CreateOpts{})

	// Exhaust the rate limit window so the second call would normally deny.
	g.Evaluate(context.Background(), &CallContext{CallID: "c1", APIKey: rec.Key, Tool: "search"})
	decision := g.Evaluate(context.Background(), &CallContext{CallID: "c2", APIKey: rec.Key, Tool: "search"})

	if !decision.Allowed {
		t.Fatalf("expected shadow mode to allow despite rate limit, got denied")
	}
	if !decision.ShadowOverridden {
		t.Fatalf("expected ShadowOverridden=true")
	}
	if decision.DenyReason != pgerrors.DenyRateLimited {
		t.Fatalf("expected shadow decision to record the would-be deny reason, got %q", decision.DenyReason)
	}
	if decision.CreditsCharged != 0 {
		t.Fatalf("expected shadow mode to charge 0 credits, got %d", decision.CreditsCharged)
	}

	got, _ := store.GetKey(rec.Key)
	if got.Credits != 10 {
		t.Fatalf("expected shadow mode to never deduct credits, got %d remaining", got.Credits)
	}
}

func TestGate_RefundOnFailureIsIdempotent(t *testing.T) {
	g, store := newTestGate(t, config.GateConfig{DefaultCreditsPerCall: 5, RefundOnFailure: true})
	rec, _ := store.CreateKey("frank", 10, keystore.CreateOpts{})

	call := &CallContext{CallID: "c1", APIKey: rec.Key, Tool: "search"}
	decision := g.Evaluate(context.Background(), call)
	if !decision.Allowed || decision.CreditsCharged != 5 {
		t.Fatalf("expected call allowed and charged 5, got allowed=%v charged=%d", decision.Allowed, decision.CreditsCharged)
	}

	afterCharge, _ := store.GetKey(rec.Key)
	if afterCharge.Credits != 5 {
		t.Fatalf("expected 5 credits after charge, got %d", afterCharge.Credits)
	}

	backendErr := pgerrors.GateError{Reason: pgerrors.DenyBackendError, Err: context.DeadlineExceeded}
	g.Finalize(context.Background(), call, decision, backendErr)
	afterFirstFinalize, _ := store.GetKey(rec.Key)
	if afterFirstFinalize.Credits != 10 {
		t.Fatalf("expected refund to restore credits to 10, got %d", afterFirstFinalize.Credits)
	}

	// Finalize again with the same CallID must not refund a second time.
	g.Finalize(context.Background(), call, decision, backendErr)
	afterSecondFinalize, _ := store.GetKey(rec.Key)
	if afterSecondFinalize.Credits != 10 {
		t.Fatalf("expected second Finalize to be a no-op, got %d credits", afterSecondFinalize.Credits)
	}
}

func TestGate_NoRefundWithoutBackendError(t *testing.T) {
	g, store := newTestGate(t, config.GateConfig{DefaultCreditsPerCall: 5, RefundOnFailure: true})
	rec, _ := store.CreateKey("gina", 10, keystore.CreateOpts{})

	call := &CallContext{CallID: "c1", APIKey: rec.Key, Tool: "search"}
	decision := g.Evaluate(context.Background(), call)
	g.Finalize(context.Background(), call, decision, nil)

	got, _ := store.GetKey(rec.Key)
	if got.Credits != 5 {
		t.Fatalf("expected no refund on a successful call, got %d credits", got.Credits)
	}
}

func TestGate_MissingAPIKeyDeniesBeforeLookup(t *testing.T) {
	g, _ := newTestGate(t, config.GateConfig{DefaultCreditsPerCall: 1})
	decision := g.Evaluate(context.Background(), &CallContext{CallID: "c1", APIKey: "", Tool: "search"})
	if decision.Allowed || decision.DenyReason != pgerrors.DenyMissingAPIKey {
		t.Fatalf("expected missing_api_key, got allowed=%v reason=%s", decision.Allowed, decision.DenyReason)
	}
}

func TestGate_MaintenanceModeDeniesEverything(t *testing.T) {
	g, store := newTestGate(t, config.GateConfig{DefaultCreditsPerCall: 1, MaintenanceMode: true})
	rec, _ := store.CreateKey("henry", 10, keystore.CreateOpts{})

	decision := g.Evaluate(context.Background(), &CallContext{CallID: "c1", APIKey: rec.Key, Tool: "search"})
	if decision.Allowed || decision.DenyReason != pgerrors.DenyMaintenance {
		t.Fatalf("expected maintenance denial, got allowed=%v reason=%s", decision.Allowed, decision.DenyReason)
	}
}

func TestGate_QuotaDeniedBeforeChargingCredits(t *testing.T) {
	g, store := newTestGate(t, config.GateConfig{DefaultCreditsPerCall: 1})
	dailyLimit := int64(1)
	rec, _ := store.CreateKey("iris", 100, keystore.CreateOpts{
		Quota: &keystore.Quota{DailyCallLimit: &dailyLimit},
	})

	first := g.Evaluate(context.Background(), &CallContext{CallID: "c1", APIKey: rec.Key, Tool: "search"})
	if !first.Allowed {
		t.Fatalf("expected first call within quota to be allowed, got deny reason %q", first.DenyReason)
	}

	second := g.Evaluate(context.Background(), &CallContext{CallID: "c2", APIKey: rec.Key, Tool: "search"})
	if second.Allowed || second.DenyReason != pgerrors.DenyQuotaDailyCalls {
		t.Fatalf("expected quota_daily_calls denial, got allowed=%v reason=%s", second.Allowed, second.DenyReason)
	}

	got, _ := store.GetKey(rec.Key)
	if got.Credits != 99 {
		t.Fatalf("expected quota denial to not charge credits, got %d remaining", got.Credits)
	}
}

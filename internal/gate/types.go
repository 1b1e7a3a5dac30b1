package gate

import (
	"context"
	"time"

	pgerrors "github.com/paygate/gateway/internal/errors"
	"github.com/paygate/gateway/internal/keystore"
)

// CallContext carries everything the policy pipeline and its plugins need
// about one in-flight tool call. It is built once by the HTTP layer and
// threaded through Evaluate, the Router/Transport forward, and Finalize.
type CallContext struct {
	CallID    string // unique per call, used for idempotent refunds
	RequestID string
	APIKey    string
	Tool      string
	Args      []byte // raw JSON-RPC params, used for the per-KB surcharge
	ClientIP  string
}

// Decision is the Gate's verdict on one call.
type Decision struct {
	Allowed          bool
	CreditsCharged   int64
	Remaining        int64 // key's credit balance after this decision
	DenyReason       pgerrors.DenyReason
	ShadowOverridden bool
	Record           *keystore.KeyRecord // post-decision snapshot, nil on early denials
	RateLimitLimit   int
	RateLimitRemain  int
	RateLimitResetMs int64
}

// TeamHook is the optional external collaborator for team-level budgets and
// quotas (step 9 of the policy pipeline). PayGate has no built-in notion of
// a team; a deployment that wants one injects an implementation here. A nil
// TeamHook on Gate skips step 9 entirely.
type TeamHook interface {
	// Check returns a DenyReason ("" means allowed) for charging credits to
	// the team the key belongs to, if any.
	Check(ctx context.Context, rec *keystore.KeyRecord, tool string, credits int64) pgerrors.DenyReason
	// Record is called after a successful charge to update team spend.
	Record(ctx context.Context, rec *keystore.KeyRecord, tool string, credits int64)
}

// nowFn is overridable in tests.
var nowFn = time.Now

package meter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/paygate/gateway/internal/logger"
)

// archiveSink is the subset of *database.DB the aggregator needs. Defined
// here rather than imported directly so meter never depends on database's
// pgx stack when archival is disabled.
type archiveSink interface {
	Exec(ctx context.Context, sql string, args ...any) error
	IsConfigured() bool
}

// Aggregator periodically flushes ring contents newer than the last flush
// watermark into an archival sink, so the bounded in-memory rings can keep
// a short recent window while history survives eviction. Grounded on the
// pack's periodic-flush worker shape (the deleted aggregator that drained
// Redis counters into Postgres on a ticker).
type Aggregator struct {
	meter *Meter
	sink  archiveSink
	every time.Duration

	lastUsageFlush time.Time
	lastAuditFlush time.Time
}

// NewAggregator constructs an Aggregator. sink may be nil or unconfigured,
// in which case FlushOnce is a no-op.
func NewAggregator(m *Meter, sink archiveSink, every time.Duration) *Aggregator {
	if every <= 0 {
		every = time.Minute
	}
	now := time.Now()
	return &Aggregator{meter: m, sink: sink, every: every, lastUsageFlush: now, lastAuditFlush: now}
}

// Start runs FlushOnce on a ticker until ctx is canceled.
func (a *Aggregator) Start(ctx context.Context) {
	ticker := time.NewTicker(a.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.FlushOnce(ctx)
		}
	}
}

// FlushOnce archives every usage/audit entry recorded since the last flush.
// It is best-effort: archival failures are logged, never surfaced, since
// the in-memory rings remain the source of truth for recent queries.
func (a *Aggregator) FlushOnce(ctx context.Context) {
	if a.sink == nil || !a.sink.IsConfigured() {
		return
	}

	usageSince := a.lastUsageFlush
	events := a.meter.QueryUsage(Query{Since: &usageSince})
	for _, e := range events {
		if !e.Timestamp.After(usageSince) {
			continue
		}
		if err := a.sink.Exec(ctx,
			`INSERT INTO usage_events (ts, api_key_masked, key_name, tool, credits_charged, allowed, deny_reason) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			e.Timestamp, MaskKey(e.APIKey), e.KeyName, e.Tool, e.CreditsCharged, e.Allowed, string(e.DenyReason),
		); err != nil {
			logger.Warn("meter: archive usage event failed", "error", err)
		}
	}
	if len(events) > 0 {
		a.lastUsageFlush = events[len(events)-1].Timestamp
	}

	auditSince := a.lastAuditFlush
	entries := a.meter.QueryAudit(Query{Since: &auditSince})
	for _, e := range entries {
		if !e.Timestamp.After(auditSince) {
			continue
		}
		details, _ := json.Marshal(e.Details)
		if err := a.sink.Exec(ctx,
			`INSERT INTO audit_entries (ts, type, actor, message, details) VALUES ($1,$2,$3,$4,$5)`,
			e.Timestamp, e.Type, e.Actor, e.Message, details,
		); err != nil {
			logger.Warn("meter: archive audit entry failed", "error", err)
		}
	}
	if len(entries) > 0 {
		a.lastAuditFlush = entries[len(entries)-1].Timestamp
	}
}

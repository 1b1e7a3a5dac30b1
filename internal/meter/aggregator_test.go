package meter

import (
	"context"
	"testing"
	"time"
)

type fakeSink struct {
	configured bool
	execs      []string
}

func (f *fakeSink) Exec(ctx context.Context, sql string, args ...any) error {
	f.execs = append(f.execs, sql)
	return nil
}
func (f *fakeSink) IsConfigured() bool { return f.configured }

func TestAggregator_FlushOnceArchivesNewEntriesOnly(t *testing.T) {
	m := New(100)
	sink := &fakeSink{configured: true}
	agg := NewAggregator(m, sink, time.Hour)
	agg.lastUsageFlush = time.Now().Add(-time.Hour)
	agg.lastAuditFlush = time.Now().Add(-time.Hour)

	m.RecordUsage(UsageEvent{APIKey: "pg_abc123456789", Tool: "echo", Allowed: true, CreditsCharged: 1})
	m.RecordAudit(AuditEntry{Type: "gate.allow", Actor: "pg_abc123456789", Message: "call allowed"})

	agg.FlushOnce(context.Background())

	if len(sink.execs) != 2 {
		t.Fatalf("expected 2 archive execs, got %d", len(sink.execs))
	}

	// A second flush with nothing new recorded should not re-archive.
	agg.FlushOnce(context.Background())
	if len(sink.execs) != 2 {
		t.Fatalf("expected no additional execs on empty flush, got %d total", len(sink.execs))
	}
}

func TestAggregator_SkipsWhenSinkNotConfigured(t *testing.T) {
	m := New(100)
	sink := &fakeSink{configured: false}
	agg := NewAggregator(m, sink, time.Hour)

	m.RecordUsage(UsageEvent{APIKey: "pg_abc123456789", Tool: "echo", Allowed: true})
	agg.FlushOnce(context.Background())

	if len(sink.execs) != 0 {
		t.Fatalf("expected no execs when sink unconfigured, got %d", len(sink.execs))
	}
}

package quota

import (
	"testing"
	"time"

	"github.com/paygate/gateway/internal/keystore"
)

func limit(n int64) *int64 { return &n }

func TestQuotaDailyCallLimit(t *testing.T) {
	store, err := keystore.New("", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec, _ := store.CreateKey("alice", 1000, keystore.CreateOpts{
		Quota: &keystore.Quota{DailyCallLimit: limit(2)},
	})
	tr := New(store)

	for i := 0; i < 2; i++ {
		if reason := tr.Check(rec.Key, 1); reason != "" {
			t.Fatalf("call %d should be allowed, got %s", i, reason)
		}
		tr.Record(rec.Key, 1)
	}
	if reason := tr.Check(rec.Key, 1); reason != "quota_daily_calls" {
		t.Fatalf("expected quota_daily_calls, got %q", reason)
	}
}

func TestQuotaRolloverAtDayBoundary(t *testing.T) {
	store, _ := keystore.New("", 0)
	rec, _ := store.CreateKey("bob", 1000, keystore.CreateOpts{
		Quota: &keystore.Quota{DailyCallLimit: limit(1)},
	})
	tr := New(store)
	day1 := time.Date(2026, 1, 1, 23, 59, 59, 0, time.UTC)
	tr.nowFn = func() time.Time { return day1 }

	if reason := tr.Check(rec.Key, 1); reason != "" {
		t.Fatalf("first call should be allowed: %s", reason)
	}
	tr.Record(rec.Key, 1)
	if reason := tr.Check(rec.Key, 1); reason == "" {
		t.Fatalf("second call in same day should be denied")
	}

	day2 := time.Date(2026, 1, 2, 0, 0, 1, 0, time.UTC)
	tr.nowFn = func() time.Time { return day2 }
	if reason := tr.Check(rec.Key, 1); reason != "" {
		t.Fatalf("call after day rollover should be allowed, got %s", reason)
	}
}

func TestNoQuotaAlwaysAllowed(t *testing.T) {
	store, _ := keystore.New("", 0)
	rec, _ := store.CreateKey("carol", 10, keystore.CreateOpts{})
	tr := New(store)
	if reason := tr.Check(rec.Key, 1000000); reason != "" {
		t.Fatalf("key with no quota should always be allowed, got %s", reason)
	}
}

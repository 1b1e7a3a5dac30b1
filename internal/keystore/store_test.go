package keystore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pgerrors "github.com/paygate/gateway/internal/errors"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := New("", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestCreateKeyHappyPath(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.CreateKey("alice", 10, CreateOpts{})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if !strings.HasPrefix(rec.Key, "pg_") {
		t.Fatalf("expected pg_ prefix, got %s", rec.Key)
	}
	if rec.Credits != 10 || !rec.Active {
		t.Fatalf("unexpected record: %+v", rec)
	}

	ok, reason := s.DeductCredits(rec.Key, 1)
	if !ok || reason != "" {
		t.Fatalf("expected deduction to succeed, got reason=%s", reason)
	}
	s.MarkUsed(rec.Key)

	got, ok := s.GetKey(rec.Key)
	if !ok {
		t.Fatalf("expected key present")
	}
	if got.Credits != 9 || got.TotalSpent != 1 || got.TotalCalls != 1 {
		t.Fatalf("unexpected post-call state: %+v", got)
	}
}

func TestDeductCreditsExhaustion(t *testing.T) {
	s := newTestStore(t)
	rec, _ := s.CreateKey("bob", 3, CreateOpts{})

	ok, reason := s.DeductCredits(rec.Key, 2)
	if !ok || reason != "" {
		t.Fatalf("expected first deduction to succeed")
	}
	ok, reason = s.DeductCredits(rec.Key, 2)
	if ok || reason != pgerrors.DenyInsufficientCredits {
		t.Fatalf("expected insufficient_credits, got ok=%v reason=%s", ok, reason)
	}

	got, _ := s.GetKey(rec.Key)
	if got.Credits != 1 {
		t.Fatalf("expected credits unchanged at 1, got %d", got.Credits)
	}
}

func TestRotateKeyContinuity(t *testing.T) {
	s := newTestStore(t)
	rec, _ := s.CreateKey("carol", 100, CreateOpts{})
	s.DeductCredits(rec.Key, 40)

	next, ok := s.RotateKey(rec.Key)
	if !ok {
		t.Fatalf("expected rotation to succeed")
	}
	if next.Credits != 60 || next.TotalSpent != 40 {
		t.Fatalf("rotation did not carry over counters: %+v", next)
	}

	if _, ok := s.GetKey(rec.Key); ok {
		t.Fatalf("old key should no longer be usable")
	}
	if _, ok := s.GetKey(next.Key); !ok {
		t.Fatalf("new key should be usable")
	}
}

func TestSpendingLimitDeniesBeforeInsufficientCredits(t *testing.T) {
	s := newTestStore(t)
	limit := int64(5)
	rec, _ := s.CreateKey("dave", 100, CreateOpts{SpendingLimit: &limit})

	ok, reason := s.DeductCredits(rec.Key, 10)
	if ok || reason != pgerrors.DenySpendingLimit {
		t.Fatalf("expected spending_limit denial, got ok=%v reason=%s", ok, reason)
	}
}

func TestRevokedKeyNeverAuthorizes(t *testing.T) {
	s := newTestStore(t)
	rec, _ := s.CreateKey("erin", 10, CreateOpts{})
	s.RevokeKey(rec.Key)

	if _, ok := s.GetKey(rec.Key); ok {
		t.Fatalf("revoked key should not be returned by GetKey")
	}
	ok, reason := s.DeductCredits(rec.Key, 1)
	if ok || reason != pgerrors.DenyInvalidAPIKey {
		t.Fatalf("expected invalid_api_key denial for revoked key, got ok=%v reason=%s", ok, reason)
	}
	if _, ok := s.GetKeyRaw(rec.Key); !ok {
		t.Fatalf("GetKeyRaw should still return the revoked record")
	}
}

func TestExpiredKeyDenied(t *testing.T) {
	s := newTestStore(t).(*inMemoryStore)
	s.nowFn = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	past := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	rec, _ := s.CreateKey("frank", 10, CreateOpts{ExpiresAt: &past})

	if _, ok := s.GetKey(rec.Key); ok {
		t.Fatalf("expired key should not be usable")
	}
	ok, reason := s.DeductCredits(rec.Key, 1)
	if ok || reason != pgerrors.DenyKeyExpired {
		t.Fatalf("expected key_expired, got ok=%v reason=%s", ok, reason)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s1, err := New(path, time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec, _ := s1.CreateKey("grace", 42, CreateOpts{})
	s1.DeductCredits(rec.Key, 2)
	s1.Close()

	s2, err := New(path, time.Millisecond)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	got, ok := s2.GetKey(rec.Key)
	if !ok {
		t.Fatalf("expected key to survive reload")
	}
	if got.Credits != 40 || got.TotalSpent != 2 {
		t.Fatalf("unexpected reloaded state: %+v", got)
	}
}

// TestSnapshotPreservesUnknownFields covers spec.md §6's "Future fields
// MUST be additive; unknown fields MUST be preserved on round-trip": a
// snapshot written by a newer build (extra top-level and per-key fields
// this build doesn't know about) must come back out unchanged after this
// build loads and re-saves it.
func TestSnapshotPreservesUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	raw := `{
		"keys": [
			{"key": "pg_abc123", "name": "grace", "credits": 10, "active": true,
			 "futureField": "keep-me", "futureLimit": 7}
		],
		"version": "1",
		"futureTopLevel": {"nested": true}
	}`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	s, err := New(path, time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !s.AddCredits("pg_abc123", 1) {
		t.Fatalf("expected AddCredits to find the seeded key")
	}
	s.Close()

	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var roundtripped map[string]any
	if err := json.Unmarshal(out, &roundtripped); err != nil {
		t.Fatalf("unmarshal rewritten snapshot: %v", err)
	}
	if _, ok := roundtripped["futureTopLevel"]; !ok {
		t.Fatalf("expected unknown top-level field to survive round-trip, got %s", out)
	}
	keys, _ := roundtripped["keys"].([]any)
	if len(keys) != 1 {
		t.Fatalf("expected exactly one key, got %v", roundtripped["keys"])
	}
	keyObj, _ := keys[0].(map[string]any)
	if keyObj["futureField"] != "keep-me" {
		t.Fatalf("expected unknown per-key field to survive round-trip, got %v", keyObj)
	}
	if keyObj["credits"] != float64(11) {
		t.Fatalf("expected the known field to still mutate normally, got %v", keyObj["credits"])
	}
}

func TestConcurrentDeductionsRespectBalance(t *testing.T) {
	s := newTestStore(t)
	rec, _ := s.CreateKey("henry", 100, CreateOpts{})

	const workers = 50
	done := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		go func() {
			ok, _ := s.DeductCredits(rec.Key, 1)
			done <- ok
		}()
	}
	allowed := 0
	for i := 0; i < workers; i++ {
		if <-done {
			allowed++
		}
	}
	if allowed != 100-0 && allowed > 100 {
		t.Fatalf("allowed more deductions than balance permits: %d", allowed)
	}
	got, _ := s.GetKey(rec.Key)
	if got.Credits != int64(100-allowed) {
		t.Fatalf("balance inconsistent with allowed count: credits=%d allowed=%d", got.Credits, allowed)
	}
}

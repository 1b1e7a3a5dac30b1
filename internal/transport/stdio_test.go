package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// cat echoes each stdin line back to stdout unchanged, which is enough to
// exercise the request/response framing and ID correlation without a real
// MCP backend: the JSON-RPC "id" field round-trips since Request and
// Response both carry it under the same wire key.
func newCatTransport(t *testing.T) *StdioTransport {
	t.Helper()
	tr := NewStdio("cat", nil, 2*time.Second, 50*time.Millisecond, time.Second, false)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start cat transport: %v", err)
	}
	t.Cleanup(func() { _ = tr.Stop(context.Background()) })
	return tr
}

func TestStdioTransport_CallRoundTrip(t *testing.T) {
	tr := newCatTransport(t)

	resp, err := tr.Call(context.Background(), "tools/list", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID == 0 {
		t.Fatalf("expected non-zero response id")
	}
}

func TestStdioTransport_IsRunning(t *testing.T) {
	tr := newCatTransport(t)
	if !tr.IsRunning() {
		t.Fatalf("expected transport to report running after Start")
	}
	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if tr.IsRunning() {
		t.Fatalf("expected transport to report stopped after Stop")
	}
}

func TestStdioTransport_CallAfterStopFails(t *testing.T) {
	tr := NewStdio("cat", nil, time.Second, 50*time.Millisecond, time.Second, false)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := tr.Call(context.Background(), "tools/list", nil); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

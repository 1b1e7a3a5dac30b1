package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPTransport_PlainJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"ok":true}`)})
	}))
	defer srv.Close()

	tr := NewHTTP(srv.URL, nil, 2*time.Second)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	resp, err := tr.Call(context.Background(), "tools/list", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(resp.Result) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", resp.Result)
	}
}

func TestHTTPTransport_SSEStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		fmt.Fprintf(w, "data: %s\n\n", `{"jsonrpc":"2.0","id":999,"result":{"progress":1}}`)
		if flusher != nil {
			flusher.Flush()
		}
		fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{\"done\":true}}\n\n", req.ID)
		if flusher != nil {
			flusher.Flush()
		}
	}))
	defer srv.Close()

	tr := NewHTTP(srv.URL, nil, 2*time.Second)
	_ = tr.Start(context.Background())

	resp, err := tr.Call(context.Background(), "tools/call", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(resp.Result) != `{"done":true}` {
		t.Fatalf("unexpected result: %s", resp.Result)
	}
}

func TestHTTPTransport_NotRunning(t *testing.T) {
	tr := NewHTTP("http://example.invalid", nil, time.Second)
	if _, err := tr.Call(context.Background(), "tools/list", nil); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestHTTPTransport_ServerErrorMapsToCrashed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewHTTP(srv.URL, nil, time.Second)
	_ = tr.Start(context.Background())

	if _, err := tr.Call(context.Background(), "tools/list", nil); err != ErrCrashed {
		t.Fatalf("expected ErrCrashed, got %v", err)
	}
}

package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// sseWriter implements the spec's "writer interface with event(name, data)
// and keepalive()" design note. Grounded on the pack's dashboard SSE writer
// (sseWrite writing "data: %s\n\n" frames under a per-connection mutex so
// concurrent event/keepalive calls on the same connection never interleave).
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func newSSEWriter(w http.ResponseWriter, flusher http.Flusher) *sseWriter {
	return &sseWriter{w: w, flusher: flusher}
}

// event writes one SSE frame: "event: <name>\ndata: <json>\n\n".
func (s *sseWriter) event(name string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, body); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// keepalive writes a comment frame, which SSE clients ignore as data but
// which keeps intermediary proxies from closing an idle connection.
func (s *sseWriter) keepalive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/paygate/gateway/internal/logger"
)

const snapshotVersion = "1"

// persister debounces writes of the full KeyRecord set to a single JSON
// file, write-to-temp-then-rename so a crash mid-write never corrupts the
// previous snapshot.
type persister struct {
	path     string
	debounce time.Duration

	// writeMu serializes flushes so two snapshots never overlap on disk.
	writeMu sync.Mutex

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	closed  bool

	// extra carries forward any top-level Snapshot fields this build
	// doesn't recognize, read once by load() and re-emitted by every
	// subsequent writeNow so round-tripping through an older/newer
	// PayGate build never drops data (spec.md §6).
	extra map[string]json.RawMessage
}

func newPersister(path string, debounce time.Duration) *persister {
	if debounce < 250*time.Millisecond {
		debounce = 250 * time.Millisecond
	}
	return &persister{path: path, debounce: debounce}
}

// scheduleSave arranges for snapshot() to be written after the debounce
// interval, coalescing any mutations that arrive before the timer fires.
// At most one flush is in flight at a time.
func (p *persister) scheduleSave(snapshot func() []*KeyRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.pending = true
	if p.timer != nil {
		return
	}
	p.timer = time.AfterFunc(p.debounce, func() {
		p.mu.Lock()
		p.timer = nil
		shouldWrite := p.pending
		p.pending = false
		p.mu.Unlock()
		if shouldWrite {
			p.flush(snapshot)
		}
	})
}

// close flushes any pending write synchronously and disables further saves.
func (p *persister) close(snapshot func() []*KeyRecord) {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	pending := p.pending
	p.pending = false
	p.closed = true
	p.mu.Unlock()
	if pending {
		p.flush(snapshot)
	}
}

// flush takes the snapshot and writes it while holding writeMu, so a later
// snapshot is never overwritten on disk by an earlier one.
func (p *persister) flush(snapshot func() []*KeyRecord) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.writeNow(snapshot())
}

func (p *persister) writeNow(keys []*KeyRecord) {
	snap := Snapshot{Keys: keys, Version: snapshotVersion, RawExtra: p.extra}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		logger.Error("keystore: marshal snapshot failed", "error", err)
		return
	}
	tmpPath := p.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		logger.Warn("keystore: write temp snapshot failed, will retry on next mutation", "error", err, "path", tmpPath)
		return
	}
	if err := os.Rename(tmpPath, p.path); err != nil {
		logger.Warn("keystore: rename snapshot failed, will retry on next mutation", "error", err, "path", p.path)
	}
}

// ErrSnapshotMissing distinguishes "no prior state" from a corrupt file;
// both yield an empty store, but only the latter is a genuine warning.
var ErrSnapshotMissing = fmt.Errorf("snapshot file does not exist")

// load reads the snapshot file, tolerating a missing or corrupt file by
// returning an empty key set rather than an error the caller must crash on.
func (p *persister) load() ([]*KeyRecord, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotMissing
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	p.extra = snap.RawExtra
	return snap.Keys, nil
}

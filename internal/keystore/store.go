package keystore

import (
	"sort"
	"sync"
	"time"

	pgerrors "github.com/paygate/gateway/internal/errors"
	"github.com/paygate/gateway/internal/logger"
)

// Store is the KeyStore contract. All mutations are serialized through a
// single logical writer; reads return deep copies so callers never observe
// a torn or concurrently-mutated record.
type Store interface {
	CreateKey(name string, credits int64, opts CreateOpts) (*KeyRecord, error)
	ImportKey(key, name string, credits int64) (*KeyRecord, error)
	GetKey(key string) (*KeyRecord, bool)
	GetKeyRaw(key string) (*KeyRecord, bool)
	ListKeys() []*KeyRecord
	ListKeysByTag(tagKey, tagValue string) []*KeyRecord

	DeductCredits(key string, amount int64) (bool, pgerrors.DenyReason)
	AddCredits(key string, amount int64) bool

	RevokeKey(key string) bool
	SuspendKey(key string) bool
	ResumeKey(key string) bool
	RotateKey(oldKey string) (*KeyRecord, bool)

	SetACL(key string, allowed, denied []string) bool
	SetExpiry(key string, expiresAt *time.Time) bool
	SetQuota(key string, quota *Quota) bool
	SetTags(key string, tags map[string]string) bool
	SetIPAllowlist(key string, ips []string) bool
	SetSpendingLimit(key string, limit *int64) bool

	// MutateQuota runs fn against the live record of key under the store's
	// write lock, used by the quota tracker to check-and-increment counters
	// atomically without the store knowing quota semantics.
	MutateQuota(key string, fn func(rec *KeyRecord) bool) bool

	// MarkUsed stamps LastUsedAt and increments TotalCalls for an allowed
	// call; it is invoked by the Gate after a successful deduction.
	MarkUsed(key string)

	// Snapshot returns the full in-memory state for diagnostics/export.
	Snapshot() []*KeyRecord

	// ApplySync upserts rec verbatim, bypassing validation. It exists for
	// the optional Redis mirror to apply an inbound cross-instance mutation
	// without re-deriving it through the normal mutation API.
	ApplySync(rec *KeyRecord) bool

	// Close flushes any pending persistence and stops the debounce timer.
	Close()
}

type inMemoryStore struct {
	mu      sync.Mutex
	keys    map[string]*KeyRecord
	persist *persister
	nowFn   func() time.Time
}

// New constructs a Store backed by an in-memory map and an optional
// debounced JSON-snapshot persister. stateFilePath == "" disables
// persistence (used in tests).
func New(stateFilePath string, debounce time.Duration) (Store, error) {
	s := &inMemoryStore{
		keys:  make(map[string]*KeyRecord),
		nowFn: time.Now,
	}
	if stateFilePath != "" {
		s.persist = newPersister(stateFilePath, debounce)
		loaded, err := s.persist.load()
		switch {
		case err == nil:
			for _, k := range loaded {
				s.keys[k.Key] = k
			}
		case err == ErrSnapshotMissing:
			logger.Info("keystore: no snapshot file found, starting empty", "path", stateFilePath)
		default:
			logger.Warn("keystore: snapshot corrupt, starting empty", "error", err, "path", stateFilePath)
		}
	}
	return s, nil
}

// scheduleSave must be called with s.mu NOT held: it takes its own snapshot
// via Snapshot(), which re-acquires the lock.
func (s *inMemoryStore) scheduleSave() {
	if s.persist == nil {
		return
	}
	s.persist.scheduleSave(s.Snapshot)
}

func (s *inMemoryStore) Close() {
	if s.persist != nil {
		s.persist.close(s.Snapshot)
	}
}

func (s *inMemoryStore) CreateKey(name string, credits int64, opts CreateOpts) (*KeyRecord, error) {
	if credits < 0 {
		return nil, pgerrors.ValidationError{Field: "credits", Message: "must be non-negative"}
	}
	key, err := generateKey()
	if err != nil {
		return nil, err
	}
	rec := &KeyRecord{
		Key:           key,
		Name:          name,
		CreatedAt:     s.nowFn(),
		Credits:       credits,
		Active:        true,
		AllowedTools:  opts.AllowedTools,
		DeniedTools:   opts.DeniedTools,
		ExpiresAt:     opts.ExpiresAt,
		Quota:         opts.Quota,
		Tags:          opts.Tags,
		IPAllowlist:   opts.IPAllowlist,
		SpendingLimit: opts.SpendingLimit,
	}

	s.mu.Lock()
	s.keys[key] = rec
	s.mu.Unlock()
	s.scheduleSave()
	return rec.Clone(), nil
}

func (s *inMemoryStore) ImportKey(key, name string, credits int64) (*KeyRecord, error) {
	if credits < 0 {
		return nil, pgerrors.ValidationError{Field: "credits", Message: "must be non-negative"}
	}
	if key == "" {
		return nil, pgerrors.ValidationError{Field: "key", Message: "must not be empty"}
	}
	rec := &KeyRecord{
		Key:       key,
		Name:      name,
		CreatedAt: s.nowFn(),
		Credits:   credits,
		Active:    true,
	}
	s.mu.Lock()
	s.keys[key] = rec
	s.mu.Unlock()
	s.scheduleSave()
	return rec.Clone(), nil
}

func (s *inMemoryStore) GetKey(key string) (*KeyRecord, bool) {
	s.mu.Lock()
	rec, ok := s.keys[key]
	s.mu.Unlock()
	if !ok || !rec.Usable(s.nowFn()) {
		return nil, false
	}
	return rec.Clone(), true
}

func (s *inMemoryStore) GetKeyRaw(key string) (*KeyRecord, bool) {
	s.mu.Lock()
	rec, ok := s.keys[key]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (s *inMemoryStore) ListKeys() []*KeyRecord {
	s.mu.Lock()
	out := make([]*KeyRecord, 0, len(s.keys))
	for _, rec := range s.keys {
		out = append(out, rec.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *inMemoryStore) ListKeysByTag(tagKey, tagValue string) []*KeyRecord {
	all := s.ListKeys()
	out := make([]*KeyRecord, 0, len(all))
	for _, rec := range all {
		if rec.Tags != nil && rec.Tags[tagKey] == tagValue {
			out = append(out, rec)
		}
	}
	return out
}

// DeductCredits is the Gate's sole linearization point for a key's balance:
// the whole check-then-decrement sequence runs inside one critical section
// so two concurrent deductions can never both succeed past the balance.
func (s *inMemoryStore) DeductCredits(key string, amount int64) (bool, pgerrors.DenyReason) {
	s.mu.Lock()
	rec, ok := s.keys[key]
	if !ok {
		s.mu.Unlock()
		return false, pgerrors.DenyInvalidAPIKey
	}
	now := s.nowFn()
	var reason pgerrors.DenyReason
	switch {
	case !rec.Active:
		reason = pgerrors.DenyInvalidAPIKey
	case rec.IsExpired(now):
		reason = pgerrors.DenyKeyExpired
	case rec.Suspended:
		reason = pgerrors.DenyKeySuspended
	case rec.SpendingLimit != nil && rec.TotalSpent+amount > *rec.SpendingLimit:
		reason = pgerrors.DenySpendingLimit
	case rec.Credits < amount:
		reason = pgerrors.DenyInsufficientCredits
	}
	if reason != "" {
		s.mu.Unlock()
		return false, reason
	}
	rec.Credits -= amount
	rec.TotalSpent += amount
	s.mu.Unlock()
	s.scheduleSave()
	return true, ""
}

func (s *inMemoryStore) AddCredits(key string, amount int64) bool {
	s.mu.Lock()
	rec, ok := s.keys[key]
	if !ok || !rec.Active {
		s.mu.Unlock()
		return false
	}
	rec.Credits += amount
	s.mu.Unlock()
	s.scheduleSave()
	return true
}

func (s *inMemoryStore) RevokeKey(key string) bool {
	return s.mutate(key, func(rec *KeyRecord) bool {
		rec.Active = false
		return true
	})
}

func (s *inMemoryStore) SuspendKey(key string) bool {
	return s.mutate(key, func(rec *KeyRecord) bool {
		rec.Suspended = true
		return true
	})
}

func (s *inMemoryStore) ResumeKey(key string) bool {
	return s.mutate(key, func(rec *KeyRecord) bool {
		rec.Suspended = false
		return true
	})
}

// RotateKey issues a new key value carrying over every counter/setting and
// deactivates the old key, atomically.
func (s *inMemoryStore) RotateKey(oldKey string) (*KeyRecord, bool) {
	newKey, err := generateKey()
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	old, ok := s.keys[oldKey]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	next := old.Clone()
	next.Key = newKey
	next.CreatedAt = s.nowFn()
	next.LastUsedAt = time.Time{}
	old.Active = false
	s.keys[newKey] = next
	s.mu.Unlock()
	s.scheduleSave()
	return next.Clone(), true
}

func (s *inMemoryStore) SetACL(key string, allowed, denied []string) bool {
	return s.mutate(key, func(rec *KeyRecord) bool {
		rec.AllowedTools = allowed
		rec.DeniedTools = denied
		return true
	})
}

func (s *inMemoryStore) SetExpiry(key string, expiresAt *time.Time) bool {
	return s.mutate(key, func(rec *KeyRecord) bool {
		rec.ExpiresAt = expiresAt
		return true
	})
}

func (s *inMemoryStore) SetQuota(key string, quota *Quota) bool {
	return s.mutate(key, func(rec *KeyRecord) bool {
		rec.Quota = quota
		return true
	})
}

func (s *inMemoryStore) SetTags(key string, tags map[string]string) bool {
	return s.mutate(key, func(rec *KeyRecord) bool {
		rec.Tags = tags
		return true
	})
}

func (s *inMemoryStore) SetIPAllowlist(key string, ips []string) bool {
	return s.mutate(key, func(rec *KeyRecord) bool {
		rec.IPAllowlist = ips
		return true
	})
}

func (s *inMemoryStore) SetSpendingLimit(key string, limit *int64) bool {
	return s.mutate(key, func(rec *KeyRecord) bool {
		rec.SpendingLimit = limit
		return true
	})
}

func (s *inMemoryStore) MutateQuota(key string, fn func(rec *KeyRecord) bool) bool {
	return s.mutate(key, fn)
}

func (s *inMemoryStore) MarkUsed(key string) {
	s.mutate(key, func(rec *KeyRecord) bool {
		rec.LastUsedAt = s.nowFn()
		rec.TotalCalls++
		return true
	})
}

// mutate runs fn against the live record for key under the write lock, then
// schedules a persistence flush outside the lock if fn reported a change.
func (s *inMemoryStore) mutate(key string, fn func(rec *KeyRecord) bool) bool {
	s.mu.Lock()
	rec, ok := s.keys[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	changed := fn(rec)
	s.mu.Unlock()
	if changed {
		s.scheduleSave()
	}
	return true
}

// ApplySync installs rec as the current state for its key, overwriting
// whatever is there. Used only by the Redis mirror's inbound subscriber.
func (s *inMemoryStore) ApplySync(rec *KeyRecord) bool {
	if rec == nil || rec.Key == "" {
		return false
	}
	s.mu.Lock()
	s.keys[rec.Key] = rec.Clone()
	s.mu.Unlock()
	s.scheduleSave()
	return true
}

func (s *inMemoryStore) Snapshot() []*KeyRecord {
	s.mu.Lock()
	out := make([]*KeyRecord, 0, len(s.keys))
	for _, rec := range s.keys {
		out = append(out, rec.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

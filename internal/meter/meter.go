package meter

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/paygate/gateway/internal/errors"
)

// UsageEvent is the billing record for one call, allowed or denied.
type UsageEvent struct {
	Timestamp      time.Time         `json:"timestamp"`
	APIKey         string            `json:"apiKey"`
	KeyName        string            `json:"keyName"`
	Tool           string            `json:"tool"`
	CreditsCharged int64             `json:"creditsCharged"`
	Allowed        bool              `json:"allowed"`
	DenyReason     errors.DenyReason `json:"denyReason,omitempty"`
	ShadowOverride bool              `json:"shadowOverridden,omitempty"`
}

// AuditEntry records an administrative or billing-adjacent event, separate
// from the usage ring (gate.allow, credits.refund, key.revoke, ...).
type AuditEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	Actor     string            `json:"actor"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
}

// Meter owns the usage and audit rings.
type Meter struct {
	usage *ring
	audit *ring
	nowFn func() time.Time
}

// New constructs a Meter with both rings sized to capacity (spec minimum
// 10,000, configurable).
func New(capacity int) *Meter {
	return &Meter{usage: newRing(capacity), audit: newRing(capacity), nowFn: time.Now}
}

func (m *Meter) RecordUsage(e UsageEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = m.nowFn()
	}
	m.usage.append(e)
}

func (m *Meter) RecordAudit(e AuditEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = m.nowFn()
	}
	m.audit.append(e)
}

// Query bounds a ring lookup by time range, then applies limit/offset.
type Query struct {
	Since  *time.Time
	Until  *time.Time
	Type   string // for audit: entry.Type; for usage: "allowed"|"denied"|""
	Limit  int
	Offset int
}

func (m *Meter) QueryUsage(q Query) []UsageEvent {
	raw := m.usage.snapshot()
	events := make([]UsageEvent, 0, len(raw))
	for _, v := range raw {
		e := v.(UsageEvent)
		if q.Since != nil && e.Timestamp.Before(*q.Since) {
			continue
		}
		if q.Until != nil && e.Timestamp.After(*q.Until) {
			continue
		}
		switch q.Type {
		case "allowed":
			if !e.Allowed {
				continue
			}
		case "denied":
			if e.Allowed {
				continue
			}
		}
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	return paginate(events, q.Offset, q.Limit)
}

func (m *Meter) QueryAudit(q Query) []AuditEntry {
	raw := m.audit.snapshot()
	entries := make([]AuditEntry, 0, len(raw))
	for _, v := range raw {
		e := v.(AuditEntry)
		if q.Since != nil && e.Timestamp.Before(*q.Since) {
			continue
		}
		if q.Until != nil && e.Timestamp.After(*q.Until) {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	return paginate(entries, q.Offset, q.Limit)
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// AuditStats summarizes counts by type, used by GET /audit/stats.
func (m *Meter) AuditStats() map[string]int {
	out := map[string]int{}
	for _, v := range m.audit.snapshot() {
		e := v.(AuditEntry)
		out[e.Type]++
	}
	return out
}

// MaskKey reduces an API key to "prefix…suffix" for export, never exposing
// the full secret outside the admin create-key response.
func MaskKey(key string) string {
	if len(key) <= 10 {
		return "***"
	}
	return key[:6] + "…" + key[len(key)-4:]
}

// ExportUsageJSON writes masked usage events as a JSON array.
func ExportUsageJSON(w io.Writer, events []UsageEvent) error {
	masked := make([]UsageEvent, len(events))
	for i, e := range events {
		e.APIKey = MaskKey(e.APIKey)
		masked[i] = e
	}
	enc := json.NewEncoder(w)
	return enc.Encode(masked)
}

// ExportUsageCSV writes masked usage events as CSV.
func ExportUsageCSV(w io.Writer, events []UsageEvent) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()
	if err := cw.Write([]string{"timestamp", "apiKey", "keyName", "tool", "creditsCharged", "allowed", "denyReason"}); err != nil {
		return err
	}
	for _, e := range events {
		row := []string{
			e.Timestamp.UTC().Format(time.RFC3339),
			MaskKey(e.APIKey),
			e.KeyName,
			e.Tool,
			strconv.FormatInt(e.CreditsCharged, 10),
			boolStr(e.Allowed),
			string(e.DenyReason),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Package quota maintains the daily/monthly call and credit counters that
// live on a KeyRecord's Quota field, anchored to UTC day/month boundaries.
// Rollover is lazy: it happens the moment Check or Record notices the
// anchor has aged out, never on a background timer. Reading a key's Quota
// directly (e.g. the admin key view) returns the counters as last stored,
// without rollover.
package quota

import (
	"time"

	pgerrors "github.com/paygate/gateway/internal/errors"
	"github.com/paygate/gateway/internal/keystore"
)

// Tracker consults and mutates a key's Quota counters through the
// KeyStore's MutateQuota hook, so the store remains the sole writer.
type Tracker struct {
	store keystore.Store
	nowFn func() time.Time
}

func New(store keystore.Store) *Tracker {
	return &Tracker{store: store, nowFn: time.Now}
}

// resetIfNeeded rolls any counter whose anchor predates the current UTC
// day/month. Anchors are set to the start of the current day/month once
// rolled, so repeated calls within the same period are no-ops.
func resetIfNeeded(q *keystore.Quota, now time.Time) {
	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	if q.DailyAnchor.Before(dayStart) {
		q.QuotaDailyCalls = 0
		q.QuotaDailyCredits = 0
		q.DailyAnchor = dayStart
	}
	if q.MonthlyAnchor.Before(monthStart) {
		q.QuotaMonthlyCalls = 0
		q.QuotaMonthlyCredits = 0
		q.MonthlyAnchor = monthStart
	}
}

// Check returns a DenyReason if the key's quota (after rollover) would be
// exceeded by charging credits for one more call; "" means allowed. A key
// with no quota configured is always allowed.
func (t *Tracker) Check(key string, credits int64) pgerrors.DenyReason {
	var reason pgerrors.DenyReason
	t.store.MutateQuota(key, func(rec *keystore.KeyRecord) bool {
		if rec.Quota == nil {
			return false
		}
		q := rec.Quota
		resetIfNeeded(q, t.nowFn())

		switch {
		case q.DailyCallLimit != nil && q.QuotaDailyCalls+1 > *q.DailyCallLimit:
			reason = pgerrors.DenyQuotaDailyCalls
		case q.MonthlyCallLimit != nil && q.QuotaMonthlyCalls+1 > *q.MonthlyCallLimit:
			reason = pgerrors.DenyQuotaMonthlyCalls
		case q.DailyCreditLimit != nil && q.QuotaDailyCredits+credits > *q.DailyCreditLimit:
			reason = pgerrors.DenyQuotaDailyCredits
		case q.MonthlyCreditLimit != nil && q.QuotaMonthlyCredits+credits > *q.MonthlyCreditLimit:
			reason = pgerrors.DenyQuotaMonthlyCredits
		}
		// Rollover bookkeeping is a real mutation even if the check denies,
		// so the next call observes a consistent anchor.
		return true
	})
	return reason
}

// Record increments the daily/monthly counters after a call has been
// allowed and charged. No-op for keys without a quota.
func (t *Tracker) Record(key string, credits int64) {
	t.store.MutateQuota(key, func(rec *keystore.KeyRecord) bool {
		if rec.Quota == nil {
			return false
		}
		q := rec.Quota
		resetIfNeeded(q, t.nowFn())
		q.QuotaDailyCalls++
		q.QuotaMonthlyCalls++
		q.QuotaDailyCredits += credits
		q.QuotaMonthlyCredits += credits
		return true
	})
}

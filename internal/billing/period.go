package billing

import "time"

// NextMonthAnchor returns midnight UTC on the first day of the month after
// now plus the trial. Metered subscriptions anchor there so every invoice
// covers a whole calendar month.
func NextMonthAnchor(now time.Time, trialDays int) time.Time {
	t := now.UTC()
	if trialDays > 0 {
		t = t.Add(time.Duration(trialDays) * 24 * time.Hour)
	}
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// maxPeriodEnd keeps billing_period_ends_at monotonic: a stale or replayed
// event can never move the paid-through date backwards.
func maxPeriodEnd(stored, incoming *time.Time) *time.Time {
	if incoming == nil {
		return stored
	}
	if stored == nil || incoming.After(*stored) {
		return incoming
	}
	return stored
}

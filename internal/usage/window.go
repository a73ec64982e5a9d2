package usage

import (
	"time"
)

// ttlSlack keeps expired windows readable for a short grace period so
// late-arriving counts and the reporting job still see them.
const ttlSlack = 48 * time.Hour

// Window identifies the billing window an event counts against and how long
// its counter should live. Flat subscriptions scope usage to the paid period;
// metered and no-plan organizations scope it to the UTC calendar month.
// Resets are free: a new window means a new key, and the old one expires.
func Window(snap Snapshot, now time.Time) (id string, ttl time.Duration) {
	now = now.UTC()
	if !snap.Metered && snap.PeriodEnd != nil && snap.PeriodEnd.After(now) {
		end := snap.PeriodEnd.UTC()
		return "pe-" + end.Format("20060102T150405"), end.Sub(now) + ttlSlack
	}
	monthEnd := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return now.Format("200601"), monthEnd.Sub(now) + ttlSlack
}

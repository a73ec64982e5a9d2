package usage

import (
	"testing"
	"time"

	"github.com/tracelighthq/billing-backend/pkg/enums"
)

func TestWindowCalendarMonthForMetered(t *testing.T) {
	now := time.Date(2025, time.September, 15, 10, 30, 0, 0, time.UTC)
	snap := Snapshot{State: enums.BillingStateActiveMetered, Metered: true}

	id, ttl := Window(snap, now)
	if id != "202509" {
		t.Fatalf("expected calendar window 202509, got %q", id)
	}
	wantTTL := time.Date(2025, time.October, 1, 0, 0, 0, 0, time.UTC).Sub(now) + ttlSlack
	if ttl != wantTTL {
		t.Fatalf("expected ttl %v, got %v", wantTTL, ttl)
	}
}

func TestWindowCalendarMonthForNoPlan(t *testing.T) {
	now := time.Date(2025, time.December, 31, 23, 0, 0, 0, time.UTC)
	id, _ := Window(Snapshot{State: enums.BillingStateNoPlan}, now)
	if id != "202512" {
		t.Fatalf("expected 202512, got %q", id)
	}

	// Rolling into January starts a fresh window; the counter resets by key.
	next := now.Add(2 * time.Hour)
	id, _ = Window(Snapshot{State: enums.BillingStateNoPlan}, next)
	if id != "202601" {
		t.Fatalf("expected 202601, got %q", id)
	}
}

func TestWindowPeriodEndForFlat(t *testing.T) {
	now := time.Date(2025, time.September, 15, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, time.October, 3, 12, 0, 0, 0, time.UTC)
	snap := Snapshot{State: enums.BillingStateActiveFlat, PeriodEnd: &end}

	id, ttl := Window(snap, now)
	if id != "pe-20251003T120000" {
		t.Fatalf("unexpected window id %q", id)
	}
	if ttl != end.Sub(now)+ttlSlack {
		t.Fatalf("unexpected ttl %v", ttl)
	}
}

func TestWindowFlatWithLapsedPeriodFallsBackToMonth(t *testing.T) {
	now := time.Date(2025, time.September, 15, 0, 0, 0, 0, time.UTC)
	end := now.Add(-24 * time.Hour)
	snap := Snapshot{State: enums.BillingStateActiveFlat, PeriodEnd: &end}

	id, _ := Window(snap, now)
	if id != "202509" {
		t.Fatalf("expected month fallback, got %q", id)
	}
}

package payments

import (
	"time"

	"github.com/stripe/stripe-go/v84"
)

// SubscriptionPeriodEnd returns the latest current-period end across the
// subscription's items, or nil when none is set.
func SubscriptionPeriodEnd(sub *stripe.Subscription) *time.Time {
	if sub == nil || sub.Items == nil {
		return nil
	}
	var latest int64
	for _, item := range sub.Items.Data {
		if item != nil && item.CurrentPeriodEnd > latest {
			latest = item.CurrentPeriodEnd
		}
	}
	if latest == 0 {
		return nil
	}
	end := time.Unix(latest, 0).UTC()
	return &end
}

// SubscriptionPriceID returns the price id of the first subscription item.
func SubscriptionPriceID(sub *stripe.Subscription) string {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 {
		return ""
	}
	if sub.Items.Data[0].Price != nil {
		return sub.Items.Data[0].Price.ID
	}
	return ""
}

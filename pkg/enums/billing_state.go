package enums

import "fmt"

// BillingState is the lifecycle state of an organization's billing record.
type BillingState string

const (
	BillingStateNoPlan               BillingState = "no_plan"
	BillingStatePendingCheckout      BillingState = "pending_checkout"
	BillingStatePendingAuthorization BillingState = "pending_authorization"
	BillingStateActiveFlat           BillingState = "active_flat"
	BillingStateActiveMetered        BillingState = "active_metered"
	BillingStateCanceled             BillingState = "canceled"
)

var validBillingStates = []BillingState{
	BillingStateNoPlan,
	BillingStatePendingCheckout,
	BillingStatePendingAuthorization,
	BillingStateActiveFlat,
	BillingStateActiveMetered,
	BillingStateCanceled,
}

// String implements fmt.Stringer.
func (s BillingState) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s BillingState) IsValid() bool {
	for _, candidate := range validBillingStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsActive reports whether the organization holds a live subscription.
func (s BillingState) IsActive() bool {
	return s == BillingStateActiveFlat || s == BillingStateActiveMetered
}

// CanStartCheckout reports whether a new checkout may begin from this state.
func (s BillingState) CanStartCheckout() bool {
	return s == BillingStateNoPlan || s == BillingStateCanceled
}

// ParseBillingState converts raw input into a BillingState.
func ParseBillingState(value string) (BillingState, error) {
	for _, candidate := range validBillingStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid billing state %q", value)
}

package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/tracelighthq/billing-backend/pkg/enums"
)

// OrganizationBilling is the single billing record per organization. All
// state transitions load the row FOR UPDATE so writes for one organization
// serialize.
type OrganizationBilling struct {
	OrganizationID uuid.UUID          `gorm:"column:organization_id;type:uuid;primaryKey"`
	PlanKey        *string            `gorm:"column:plan_key"`
	State          enums.BillingState `gorm:"column:state;type:billing_state;not null;default:no_plan"`

	StripeCustomerID     string `gorm:"column:stripe_customer_id"`
	StripeSubscriptionID string `gorm:"column:stripe_subscription_id"`

	CheckoutSessionID        string     `gorm:"column:checkout_session_id"`
	CheckoutSessionCreatedAt *time.Time `gorm:"column:checkout_session_created_at"`

	BillingPeriodEndsAt *time.Time `gorm:"column:billing_period_ends_at"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName keeps the historical table name.
func (OrganizationBilling) TableName() string {
	return "organization_billing"
}

// HasActivePeriod reports whether the paid period covers the given instant.
func (b OrganizationBilling) HasActivePeriod(now time.Time) bool {
	return b.BillingPeriodEndsAt != nil && b.BillingPeriodEndsAt.After(now)
}

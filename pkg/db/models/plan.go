package models

import (
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/tracelighthq/billing-backend/pkg/enums"
)

// Plan is a purchasable billing plan. Rows are seeded by migrations and
// edited operationally; the process keeps an in-memory snapshot of them.
type Plan struct {
	Key             string                `gorm:"column:key;primaryKey"`
	Name            string                `gorm:"column:name;not null"`
	PricingCategory enums.PricingCategory `gorm:"column:pricing_category;type:pricing_category;not null"`
	MonthlyFee      *decimal.Decimal      `gorm:"column:monthly_fee;type:numeric(12,2)"`
	StripePriceID   string                `gorm:"column:stripe_price_id;not null;uniqueIndex"`
	EventAllowance  *int64                `gorm:"column:event_allowance"`
	TrialDays       int                   `gorm:"column:trial_days;not null;default:0"`
	SelfServe       bool                  `gorm:"column:self_serve;not null;default:true"`
	IsActive        bool                  `gorm:"column:is_active;not null;default:true"`
	Features        pq.StringArray        `gorm:"column:features;type:text[];default:ARRAY[]::text[]"`
	CreatedAt       time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

// IsMetered reports whether the plan bills per ingested event.
func (p Plan) IsMetered() bool {
	return p.PricingCategory == enums.PricingCategoryMetered
}

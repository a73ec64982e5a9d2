package controllers

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/tracelighthq/billing-backend/api/responses"
	"github.com/tracelighthq/billing-backend/pkg/db/models"
)

type PlanCatalog interface {
	ActivePlans() []models.Plan
	SelfServePlans() []models.Plan
}

type planView struct {
	Key            string           `json:"key"`
	Name           string           `json:"name"`
	Pricing        string           `json:"pricing"`
	MonthlyFee     *decimal.Decimal `json:"monthly_fee,omitempty"`
	EventAllowance *int64           `json:"event_allowance,omitempty"`
	TrialDays      int              `json:"trial_days"`
	Features       []string         `json:"features,omitempty"`
}

func newPlanView(plan *models.Plan) planView {
	return planView{
		Key:            plan.Key,
		Name:           plan.Name,
		Pricing:        plan.PricingCategory.String(),
		MonthlyFee:     plan.MonthlyFee,
		EventAllowance: plan.EventAllowance,
		TrialDays:      plan.TrialDays,
		Features:       []string(plan.Features),
	}
}

// ListPlans returns the active catalog; ?self_serve=true narrows it to the
// plans purchasable from the pricing page.
func ListPlans(catalog PlanCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plans := catalog.ActivePlans()
		if r.URL.Query().Get("self_serve") == "true" {
			plans = catalog.SelfServePlans()
		}
		views := make([]planView, 0, len(plans))
		for i := range plans {
			views = append(views, newPlanView(&plans[i]))
		}
		responses.WriteSuccess(w, views)
	}
}

package routes

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/tracelighthq/billing-backend/internal/billing"
	"github.com/tracelighthq/billing-backend/internal/checkout"
	"github.com/tracelighthq/billing-backend/internal/usage"
	"github.com/tracelighthq/billing-backend/pkg/config"
	"github.com/tracelighthq/billing-backend/pkg/db/models"
	"github.com/tracelighthq/billing-backend/pkg/enums"
	"github.com/tracelighthq/billing-backend/pkg/logger"
)

type stubBilling struct{}

func (s *stubBilling) Status(ctx context.Context, orgID uuid.UUID) (*billing.StatusView, error) {
	return &billing.StatusView{Record: &models.OrganizationBilling{
		OrganizationID: orgID,
		State:          enums.BillingStateNoPlan,
	}}, nil
}

func (s *stubBilling) Cancel(ctx context.Context, orgID uuid.UUID) (*models.OrganizationBilling, error) {
	return &models.OrganizationBilling{OrganizationID: orgID, State: enums.BillingStateCanceled}, nil
}

type stubCheckout struct{}

func (s *stubCheckout) StartCheckout(ctx context.Context, orgID uuid.UUID, planKey string) (*checkout.StartResult, error) {
	return &checkout.StartResult{SessionID: "cs_1", CheckoutURL: "https://checkout.example/cs_1"}, nil
}

func (s *stubCheckout) CompleteCheckout(ctx context.Context, orgID uuid.UUID, sessionID string) (*models.OrganizationBilling, error) {
	return &models.OrganizationBilling{OrganizationID: orgID, State: enums.BillingStateActiveFlat}, nil
}

func (s *stubCheckout) BillingPortalURL(ctx context.Context, orgID uuid.UUID) (string, error) {
	return "https://portal.example", nil
}

type stubUsage struct{}

func (s *stubUsage) Summary(ctx context.Context, orgID uuid.UUID) (usage.UsageSummary, error) {
	return usage.UsageSummary{Window: "202509", Total: 10}, nil
}

type stubCatalog struct{}

func (s *stubCatalog) ActivePlans() []models.Plan {
	return []models.Plan{{Key: "starter", Name: "Starter", PricingCategory: enums.PricingCategoryFlat}}
}

func (s *stubCatalog) SelfServePlans() []models.Plan {
	return s.ActivePlans()
}

func newTestRouter() http.Handler {
	billingStub := &stubBilling{}
	return NewRouter(Deps{
		Config:   &config.Config{},
		Logger:   logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Plans:    &stubCatalog{},
		Billing:  billingStub,
		Cancel:   billingStub,
		Checkout: &stubCheckout{},
		Usage:    &stubUsage{},
		Webhook: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	})
}

func TestRouterPublicRoutes(t *testing.T) {
	router := newTestRouter()

	for _, path := range []string{"/health/live", "/api/v1/plans", "/metrics"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("GET %s: expected 200, got %d", path, w.Code)
		}
	}
}

func TestRouterBillingRequiresOrgHeader(t *testing.T) {
	router := newTestRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/billing", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without org header, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/billing", nil)
	req.Header.Set("X-Org-ID", uuid.NewString())
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with org header, got %d", w.Code)
	}
}

func TestRouterUsageRoute(t *testing.T) {
	router := newTestRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/usage", nil)
	req.Header.Set("X-Org-ID", uuid.NewString())
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

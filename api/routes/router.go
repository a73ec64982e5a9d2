package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tracelighthq/billing-backend/api/controllers"
	"github.com/tracelighthq/billing-backend/api/middleware"
	"github.com/tracelighthq/billing-backend/pkg/config"
	"github.com/tracelighthq/billing-backend/pkg/logger"
)

// Deps carries everything the router wires into handlers.
type Deps struct {
	Config   *config.Config
	Logger   *logger.Logger
	Pingers  map[string]controllers.Pinger
	Plans    controllers.PlanCatalog
	Billing  controllers.BillingStatusService
	Cancel   controllers.BillingCancelService
	Checkout controllers.CheckoutService
	Usage    controllers.UsageReader
	Webhook  http.HandlerFunc
}

func NewRouter(deps Deps) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.Pingers))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", deps.Webhook)
	})

	r.Get("/api/v1/plans", controllers.ListPlans(deps.Plans))

	r.Route("/api/v1/billing", func(r chi.Router) {
		r.Use(middleware.RequireOrg(logg))
		r.Get("/", controllers.BillingStatus(deps.Billing, deps.Usage, logg))
		r.Get("/usage", controllers.UsageSummary(deps.Usage, logg))
		r.Post("/checkout", controllers.StartCheckout(deps.Checkout, logg))
		r.Post("/checkout/complete", controllers.CompleteCheckout(deps.Checkout, logg))
		r.Get("/portal", controllers.BillingPortal(deps.Checkout, logg))
		r.Post("/cancel", controllers.CancelBilling(deps.Cancel, logg))
	})

	return r
}

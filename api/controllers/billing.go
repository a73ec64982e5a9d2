package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tracelighthq/billing-backend/api/middleware"
	"github.com/tracelighthq/billing-backend/api/responses"
	"github.com/tracelighthq/billing-backend/api/validators"
	"github.com/tracelighthq/billing-backend/internal/billing"
	"github.com/tracelighthq/billing-backend/internal/checkout"
	"github.com/tracelighthq/billing-backend/internal/usage"
	"github.com/tracelighthq/billing-backend/pkg/db/models"
	pkgerrors "github.com/tracelighthq/billing-backend/pkg/errors"
	"github.com/tracelighthq/billing-backend/pkg/logger"
)

type BillingStatusService interface {
	Status(ctx context.Context, orgID uuid.UUID) (*billing.StatusView, error)
}

type BillingCancelService interface {
	Cancel(ctx context.Context, orgID uuid.UUID) (*models.OrganizationBilling, error)
}

type CheckoutService interface {
	StartCheckout(ctx context.Context, orgID uuid.UUID, planKey string) (*checkout.StartResult, error)
	CompleteCheckout(ctx context.Context, orgID uuid.UUID, sessionID string) (*models.OrganizationBilling, error)
	BillingPortalURL(ctx context.Context, orgID uuid.UUID) (string, error)
}

type billingStatusResponse struct {
	State               string              `json:"state"`
	Plan                *planView           `json:"plan,omitempty"`
	BillingPeriodEndsAt *time.Time          `json:"billing_period_ends_at,omitempty"`
	CheckoutPending     bool                `json:"checkout_pending"`
	Usage               *usage.UsageSummary `json:"usage,omitempty"`
}

func billingStatusView(view *billing.StatusView) billingStatusResponse {
	resp := billingStatusResponse{
		State:               view.Record.State.String(),
		BillingPeriodEndsAt: view.Record.BillingPeriodEndsAt,
		CheckoutPending:     view.Record.CheckoutSessionID != "",
	}
	if view.Plan != nil {
		pv := newPlanView(view.Plan)
		resp.Plan = &pv
	}
	return resp
}

func billingRecordView(record *models.OrganizationBilling) billingStatusResponse {
	return billingStatusResponse{
		State:               record.State.String(),
		BillingPeriodEndsAt: record.BillingPeriodEndsAt,
		CheckoutPending:     record.CheckoutSessionID != "",
	}
}

func BillingStatus(svc BillingStatusService, usageSvc UsageReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		orgID, ok := middleware.OrgIDFromContext(ctx)
		if !ok {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "organization required"))
			return
		}

		view, err := svc.Status(ctx, orgID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		resp := billingStatusView(view)
		if usageSvc != nil {
			summary, err := usageSvc.Summary(ctx, orgID)
			if err != nil {
				// Usage counters are advisory on this endpoint; a counter
				// outage must not hide the billing state from the UI.
				logg.Warn(logg.WithField(ctx, "error", err.Error()), "usage summary unavailable for billing status")
			} else {
				resp.Usage = &summary
			}
		}
		responses.WriteSuccess(w, resp)
	}
}

type startCheckoutRequest struct {
	PlanKey string `json:"plan_key" validate:"required"`
}

func StartCheckout(svc CheckoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		orgID, ok := middleware.OrgIDFromContext(ctx)
		if !ok {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "organization required"))
			return
		}

		var body startCheckoutRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.StartCheckout(ctx, orgID, body.PlanKey)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{
			"session_id":   result.SessionID,
			"checkout_url": result.CheckoutURL,
		})
	}
}

type completeCheckoutRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

func CompleteCheckout(svc CheckoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		orgID, ok := middleware.OrgIDFromContext(ctx)
		if !ok {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "organization required"))
			return
		}

		var body completeCheckoutRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		record, err := svc.CompleteCheckout(ctx, orgID, body.SessionID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, billingRecordView(record))
	}
}

func BillingPortal(svc CheckoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		orgID, ok := middleware.OrgIDFromContext(ctx)
		if !ok {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "organization required"))
			return
		}

		url, err := svc.BillingPortalURL(ctx, orgID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{"portal_url": url})
	}
}

func CancelBilling(svc BillingCancelService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		orgID, ok := middleware.OrgIDFromContext(ctx)
		if !ok {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "organization required"))
			return
		}

		record, err := svc.Cancel(ctx, orgID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, billingRecordView(record))
	}
}

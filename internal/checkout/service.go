package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/tracelighthq/billing-backend/internal/billing"
	"github.com/tracelighthq/billing-backend/internal/payments"
	"github.com/tracelighthq/billing-backend/pkg/config"
	"github.com/tracelighthq/billing-backend/pkg/db/models"
	"github.com/tracelighthq/billing-backend/pkg/enums"
	pkgerrors "github.com/tracelighthq/billing-backend/pkg/errors"
	"github.com/tracelighthq/billing-backend/pkg/logger"
)

type planCatalog interface {
	Lookup(key string) *models.Plan
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams configure the checkout service.
type ServiceParams struct {
	Repo              billing.Repository
	Billing           *billing.Service
	Plans             planCatalog
	Payments          payments.Client
	TransactionRunner txRunner
	Logger            *logger.Logger
	Stripe            config.StripeConfig
	TrialDays         int
	Now               func() time.Time
}

// Service drives self-serve plan purchases: hosted checkout for both pricing
// models, card validation for metered plans, and the billing portal.
type Service struct {
	repo      billing.Repository
	billing   *billing.Service
	plans     planCatalog
	payments  payments.Client
	txRunner  txRunner
	logg      *logger.Logger
	stripeCfg config.StripeConfig
	trialDays int
	now       func() time.Time
}

// NewService builds a checkout service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "billing repo required")
	}
	if params.Billing == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "billing service required")
	}
	if params.Plans == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "plan catalog required")
	}
	if params.Payments == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payments client required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:      params.Repo,
		billing:   params.Billing,
		plans:     params.Plans,
		payments:  params.Payments,
		txRunner:  params.TransactionRunner,
		logg:      params.Logger,
		stripeCfg: params.Stripe,
		trialDays: params.TrialDays,
		now:       now,
	}, nil
}

// StartResult is returned to the web tier so it can redirect the user.
type StartResult struct {
	SessionID   string
	CheckoutURL string
}

// StartCheckout creates a hosted checkout session for the plan and moves the
// record to pending_checkout. Processor calls happen outside the row lock;
// the transition re-validates under FOR UPDATE before persisting.
func (s *Service) StartCheckout(ctx context.Context, orgID uuid.UUID, planKey string) (*StartResult, error) {
	plan := s.plans.Lookup(planKey)
	if plan == nil || !plan.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown plan %q", planKey))
	}
	if !plan.SelfServe {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("plan %q is not self-serve", planKey))
	}

	record, err := s.billing.GetOrCreate(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !record.State.CanStartCheckout() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict,
			fmt.Sprintf("cannot start checkout from state %s", record.State))
	}

	customerID := record.StripeCustomerID
	if customerID == "" {
		cust, err := s.payments.CreateCustomer(ctx, &stripe.CustomerParams{
			Params: stripe.Params{
				Metadata: map[string]string{"organization_id": orgID.String()},
			},
		})
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create customer")
		}
		customerID = cust.ID
	}

	session, err := s.payments.CreateCheckoutSession(ctx, s.sessionParams(plan, customerID))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create checkout session")
	}

	sessionCreatedAt := s.now().UTC()
	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		locked, err := repo.FindForUpdate(ctx, orgID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load billing record")
		}
		if locked == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "billing record not found")
		}
		if !locked.State.CanStartCheckout() {
			return pkgerrors.New(pkgerrors.CodeStateConflict,
				fmt.Sprintf("cannot start checkout from state %s", locked.State))
		}
		locked.PlanKey = &plan.Key
		locked.State = enums.BillingStatePendingCheckout
		locked.StripeCustomerID = customerID
		locked.CheckoutSessionID = session.ID
		locked.CheckoutSessionCreatedAt = &sessionCreatedAt
		return repo.Update(ctx, locked)
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithOrgID(ctx, orgID.String())
	s.logg.Info(s.logg.WithField(logCtx, "plan", plan.Key), "checkout session created")
	return &StartResult{SessionID: session.ID, CheckoutURL: session.URL}, nil
}

// sessionParams builds the hosted session. Metered plans validate the card
// with a small manual-capture hold instead of charging anything; flat plans
// go straight to subscription mode.
func (s *Service) sessionParams(plan *models.Plan, customerID string) *stripe.CheckoutSessionParams {
	params := &stripe.CheckoutSessionParams{
		Customer:   stripe.String(customerID),
		SuccessURL: stripe.String(s.stripeCfg.SuccessURL),
		CancelURL:  stripe.String(s.stripeCfg.CancelURL),
	}

	if plan.IsMetered() {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(s.stripeCfg.ZeroAuthCurrency),
					UnitAmount: stripe.Int64(s.stripeCfg.ZeroAuthAmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Card validation"),
					},
				},
				Quantity: stripe.Int64(1),
			},
		}
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
			CaptureMethod:    stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
			SetupFutureUsage: stripe.String("off_session"),
		}
		return params
	}

	params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
	params.LineItems = []*stripe.CheckoutSessionLineItemParams{
		{
			Price:    stripe.String(plan.StripePriceID),
			Quantity: stripe.Int64(1),
		},
	}
	if s.trialDays > 0 {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			TrialPeriodDays: stripe.Int64(int64(s.trialDays)),
		}
	}
	return params
}

// CompleteCheckout is called by the web tier after the hosted flow returns.
// Flat plans activate immediately; metered plans wait in
// pending_authorization for the card-hold event.
func (s *Service) CompleteCheckout(ctx context.Context, orgID uuid.UUID, sessionID string) (*models.OrganizationBilling, error) {
	if sessionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session id required")
	}

	session, err := s.payments.GetCheckoutSession(ctx, sessionID, &stripe.CheckoutSessionParams{})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch checkout session")
	}

	var subscriptionPeriodEnd *time.Time
	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
		sub, err := s.payments.GetSubscription(ctx, subscriptionID, &stripe.SubscriptionParams{})
		if err == nil {
			subscriptionPeriodEnd = payments.SubscriptionPeriodEnd(sub)
		}
	}

	var record *models.OrganizationBilling
	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		locked, err := repo.FindForUpdate(ctx, orgID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load billing record")
		}
		if locked == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "billing record not found")
		}
		if locked.State != enums.BillingStatePendingCheckout {
			return pkgerrors.New(pkgerrors.CodeStateConflict,
				fmt.Sprintf("state %s does not accept checkout completion", locked.State))
		}
		if locked.CheckoutSessionID != sessionID {
			return pkgerrors.New(pkgerrors.CodeConflict, "session does not match pending checkout")
		}
		if locked.PlanKey == nil {
			return pkgerrors.New(pkgerrors.CodeInternal, "pending checkout without plan")
		}
		plan := s.plans.Lookup(*locked.PlanKey)
		if plan == nil {
			return pkgerrors.New(pkgerrors.CodeInternal, "pending checkout references unknown plan")
		}

		if locked.StripeCustomerID == "" && session.Customer != nil {
			locked.StripeCustomerID = session.Customer.ID
		}

		if plan.IsMetered() {
			locked.State = enums.BillingStatePendingAuthorization
		} else {
			locked.State = enums.BillingStateActiveFlat
			locked.StripeSubscriptionID = subscriptionID
			periodEnd := subscriptionPeriodEnd
			if periodEnd == nil {
				end := s.now().UTC().AddDate(0, 1, 0)
				periodEnd = &end
			}
			if locked.BillingPeriodEndsAt == nil || periodEnd.After(*locked.BillingPeriodEndsAt) {
				locked.BillingPeriodEndsAt = periodEnd
			}
			locked.CheckoutSessionID = ""
			locked.CheckoutSessionCreatedAt = nil
		}

		if err := repo.Update(ctx, locked); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist checkout completion")
		}
		record = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithOrgID(ctx, orgID.String())
	s.logg.Info(s.logg.WithField(logCtx, "state", record.State.String()), "checkout completed")
	return record, nil
}

// BillingPortalURL creates a billing portal session for the organization.
func (s *Service) BillingPortalURL(ctx context.Context, orgID uuid.UUID) (string, error) {
	record, err := s.billing.GetOrCreate(ctx, orgID)
	if err != nil {
		return "", err
	}
	if record.StripeCustomerID == "" {
		return "", pkgerrors.New(pkgerrors.CodeStateConflict, "organization has no billing account yet")
	}

	session, err := s.payments.CreatePortalSession(ctx, &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(record.StripeCustomerID),
		ReturnURL: stripe.String(s.stripeCfg.PortalURL),
	})
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create portal session")
	}
	return session.URL, nil
}

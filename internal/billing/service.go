package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/tracelighthq/billing-backend/internal/payments"
	"github.com/tracelighthq/billing-backend/pkg/db"
	"github.com/tracelighthq/billing-backend/pkg/db/models"
	"github.com/tracelighthq/billing-backend/pkg/enums"
	pkgerrors "github.com/tracelighthq/billing-backend/pkg/errors"
	"github.com/tracelighthq/billing-backend/pkg/logger"
)

type planCatalog interface {
	Lookup(key string) *models.Plan
	LookupByPriceID(priceID string) *models.Plan
}

type commandEnqueuer interface {
	EnqueueCancelAuthorization(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, paymentIntentID string) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

const defaultProcessorTimeout = 15 * time.Second

// ServiceParams configure the billing service.
type ServiceParams struct {
	Repo              Repository
	Plans             planCatalog
	Payments          payments.Client
	Commands          commandEnqueuer
	TransactionRunner txRunner
	Logger            *logger.Logger
	TrialDays         int

	// ProcessorTimeout bounds outbound processor calls made while the
	// billing row is locked, so a slow processor cannot stall the row or
	// the webhook acknowledgement window.
	ProcessorTimeout time.Duration

	Now func() time.Time
}

// Service owns the organization billing state machine. Every transition runs
// against a row locked FOR UPDATE.
type Service struct {
	repo             Repository
	plans            planCatalog
	payments         payments.Client
	commands         commandEnqueuer
	txRunner         txRunner
	logg             *logger.Logger
	trialDays        int
	processorTimeout time.Duration
	now              func() time.Time
}

// NewService builds a billing service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "billing repo required")
	}
	if params.Plans == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "plan catalog required")
	}
	if params.Payments == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payments client required")
	}
	if params.Commands == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "command enqueuer required")
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
	timeout := params.ProcessorTimeout
	if timeout <= 0 {
		timeout = defaultProcessorTimeout
	}
	return &Service{
		repo:             params.Repo,
		plans:            params.Plans,
		payments:         params.Payments,
		commands:         params.Commands,
		txRunner:         params.TransactionRunner,
		logg:             params.Logger,
		trialDays:        params.TrialDays,
		processorTimeout: timeout,
		now:              now,
	}, nil
}

// GetOrCreate loads the organization's billing record, creating the initial
// no_plan row on first touch.
func (s *Service) GetOrCreate(ctx context.Context, orgID uuid.UUID) (*models.OrganizationBilling, error) {
	record, err := s.repo.Find(ctx, orgID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load billing record")
	}
	if record != nil {
		return record, nil
	}

	record = &models.OrganizationBilling{
		OrganizationID: orgID,
		State:          enums.BillingStateNoPlan,
	}
	if err := s.repo.Create(ctx, record); err != nil {
		// Two concurrent first touches race on the primary key.
		if db.IsDuplicateKey(err) {
			return s.repo.Find(ctx, orgID)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create billing record")
	}
	return record, nil
}

// StatusView is the read model served to API clients.
type StatusView struct {
	Record *models.OrganizationBilling
	Plan   *models.Plan
}

// Status returns the billing record plus the resolved plan.
func (s *Service) Status(ctx context.Context, orgID uuid.UUID) (*StatusView, error) {
	record, err := s.GetOrCreate(ctx, orgID)
	if err != nil {
		return nil, err
	}
	view := &StatusView{Record: record}
	if record.PlanKey != nil {
		view.Plan = s.plans.Lookup(*record.PlanKey)
		if view.Plan == nil {
			return nil, pkgerrors.New(pkgerrors.CodeInternal,
				fmt.Sprintf("billing record references unknown plan %q", *record.PlanKey))
		}
	}
	return view, nil
}

// ApplyAuthorizationCapturable finishes metered activation after the card
// hold succeeds: it creates the anchored subscription, queues the hold
// release, and flips the record to active_metered. Runs inside the caller's
// transaction so the ledger row and the transition commit together.
func (s *Service) ApplyAuthorizationCapturable(ctx context.Context, tx *gorm.DB, customerID, paymentIntentID string) (enums.WebhookOutcome, string, error) {
	repo := s.repo.WithTx(tx)

	record, err := repo.FindByCustomerIDForUpdate(ctx, customerID)
	if err != nil {
		return "", "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load billing record by customer")
	}
	if record == nil {
		return enums.WebhookOutcomeIgnoredForeign, fmt.Sprintf("no record for customer %s", customerID), nil
	}
	if record.State != enums.BillingStatePendingAuthorization {
		return enums.WebhookOutcomeIgnoredState, fmt.Sprintf("state %s does not accept authorization", record.State), nil
	}
	if record.PlanKey == nil {
		return "", "", pkgerrors.New(pkgerrors.CodeInternal, "pending authorization without plan")
	}
	plan := s.plans.Lookup(*record.PlanKey)
	if plan == nil {
		return "", "", pkgerrors.New(pkgerrors.CodeInternal, "pending authorization references unknown plan")
	}

	now := s.now().UTC()
	anchor := NextMonthAnchor(now, s.trialDays)

	subParams := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(plan.StripePriceID)},
		},
		BillingCycleAnchor: stripe.Int64(anchor.Unix()),
	}
	if s.trialDays > 0 {
		subParams.TrialEnd = stripe.Int64(now.Add(time.Duration(s.trialDays) * 24 * time.Hour).Unix())
	}

	callCtx, cancel := context.WithTimeout(ctx, s.processorTimeout)
	sub, err := s.payments.CreateSubscription(callCtx, subParams)
	cancel()
	if err != nil {
		return "", "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create metered subscription")
	}

	periodEnd := payments.SubscriptionPeriodEnd(sub)
	if periodEnd == nil {
		periodEnd = &anchor
	}

	record.State = enums.BillingStateActiveMetered
	record.StripeSubscriptionID = sub.ID
	record.BillingPeriodEndsAt = maxPeriodEnd(record.BillingPeriodEndsAt, periodEnd)
	record.CheckoutSessionID = ""
	record.CheckoutSessionCreatedAt = nil
	if err := repo.Update(ctx, record); err != nil {
		return "", "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist activation")
	}

	if err := s.commands.EnqueueCancelAuthorization(ctx, tx, record.OrganizationID, paymentIntentID); err != nil {
		return "", "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue authorization release")
	}

	logCtx := s.logg.WithOrgID(ctx, record.OrganizationID.String())
	s.logg.Info(logCtx, "metered subscription activated")
	return enums.WebhookOutcomeProcessed, "", nil
}

// ApplyRenewal extends the paid period after a successful invoice. The
// priceIDs are the invoice's line prices: a paying customer we don't know who
// bought one of our catalog prices is a provisioning gap, so the event is
// rejected for redelivery instead of swallowed.
func (s *Service) ApplyRenewal(ctx context.Context, tx *gorm.DB, customerID, subscriptionID string, priceIDs []string) (enums.WebhookOutcome, string, error) {
	repo := s.repo.WithTx(tx)

	record, err := repo.FindByCustomerIDForUpdate(ctx, customerID)
	if err != nil {
		return "", "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load billing record by customer")
	}
	if record == nil {
		for _, priceID := range priceIDs {
			if s.plans.LookupByPriceID(priceID) != nil {
				return "", "", pkgerrors.New(pkgerrors.CodeDependency,
					fmt.Sprintf("invoice for catalog price %s references unknown customer %s", priceID, customerID))
			}
		}
		return enums.WebhookOutcomeIgnoredForeign, fmt.Sprintf("no record for customer %s", customerID), nil
	}

	if subscriptionID == "" {
		subscriptionID = record.StripeSubscriptionID
	}
	if subscriptionID == "" {
		return enums.WebhookOutcomeIgnoredState, "record has no subscription", nil
	}
	if record.StripeSubscriptionID != "" && record.StripeSubscriptionID != subscriptionID {
		return enums.WebhookOutcomeIgnoredForeign, fmt.Sprintf("subscription %s does not match record", subscriptionID), nil
	}
	if !record.State.IsActive() {
		return enums.WebhookOutcomeIgnoredState, fmt.Sprintf("state %s does not accept renewal", record.State), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.processorTimeout)
	sub, err := s.payments.GetSubscription(callCtx, subscriptionID, &stripe.SubscriptionParams{})
	cancel()
	if err != nil {
		return "", "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch subscription")
	}

	record.BillingPeriodEndsAt = maxPeriodEnd(record.BillingPeriodEndsAt, payments.SubscriptionPeriodEnd(sub))
	if err := repo.Update(ctx, record); err != nil {
		return "", "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist renewal")
	}

	logCtx := s.logg.WithOrgID(ctx, record.OrganizationID.String())
	s.logg.Info(logCtx, "billing period extended")
	return enums.WebhookOutcomeProcessed, "", nil
}

// Cancel ends the organization's subscription. The local record flips first;
// the processor-side cancel is best effort and never blocks the transition.
func (s *Service) Cancel(ctx context.Context, orgID uuid.UUID) (*models.OrganizationBilling, error) {
	var (
		record         *models.OrganizationBilling
		subscriptionID string
	)

	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		loaded, err := repo.FindForUpdate(ctx, orgID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load billing record")
		}
		if loaded == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "billing record not found")
		}
		switch loaded.State {
		case enums.BillingStateNoPlan, enums.BillingStateCanceled:
			return pkgerrors.New(pkgerrors.CodeStateConflict,
				fmt.Sprintf("cannot cancel from state %s", loaded.State))
		}

		subscriptionID = loaded.StripeSubscriptionID
		loaded.State = enums.BillingStateCanceled
		loaded.StripeSubscriptionID = ""
		loaded.CheckoutSessionID = ""
		loaded.CheckoutSessionCreatedAt = nil
		loaded.BillingPeriodEndsAt = nil
		if err := repo.Update(ctx, loaded); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist cancel")
		}
		record = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithOrgID(ctx, orgID.String())
	if subscriptionID != "" {
		if _, err := s.payments.CancelSubscription(ctx, subscriptionID, &stripe.SubscriptionCancelParams{}); err != nil {
			s.logg.Warn(s.logg.WithField(logCtx, "subscription_id", subscriptionID),
				"processor-side cancel failed; subscription may linger")
		}
	}
	s.logg.Info(logCtx, "billing canceled")
	return record, nil
}

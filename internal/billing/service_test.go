package billing

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/tracelighthq/billing-backend/pkg/db/models"
	"github.com/tracelighthq/billing-backend/pkg/enums"
	pkgerrors "github.com/tracelighthq/billing-backend/pkg/errors"
	"github.com/tracelighthq/billing-backend/pkg/logger"
)

type stubRepo struct {
	record    *models.OrganizationBilling
	findQueue []*models.OrganizationBilling
	useQueue  bool
	createErr error
	creates   int
	updates   int
}

func (s *stubRepo) WithTx(tx *gorm.DB) Repository { return s }

func (s *stubRepo) Create(ctx context.Context, record *models.OrganizationBilling) error {
	s.creates++
	if s.createErr != nil {
		return s.createErr
	}
	copied := *record
	s.record = &copied
	return nil
}

func (s *stubRepo) Update(ctx context.Context, record *models.OrganizationBilling) error {
	s.updates++
	copied := *record
	s.record = &copied
	return nil
}

func (s *stubRepo) Find(ctx context.Context, orgID uuid.UUID) (*models.OrganizationBilling, error) {
	if s.useQueue {
		if len(s.findQueue) == 0 {
			return nil, nil
		}
		next := s.findQueue[0]
		s.findQueue = s.findQueue[1:]
		return next, nil
	}
	if s.record == nil || s.record.OrganizationID != orgID {
		return nil, nil
	}
	copied := *s.record
	return &copied, nil
}

func (s *stubRepo) FindForUpdate(ctx context.Context, orgID uuid.UUID) (*models.OrganizationBilling, error) {
	return s.Find(ctx, orgID)
}

func (s *stubRepo) FindByCustomerIDForUpdate(ctx context.Context, customerID string) (*models.OrganizationBilling, error) {
	if s.record == nil || customerID == "" || s.record.StripeCustomerID != customerID {
		return nil, nil
	}
	copied := *s.record
	return &copied, nil
}

func (s *stubRepo) ListByState(ctx context.Context, state enums.BillingState) ([]models.OrganizationBilling, error) {
	if s.record == nil || s.record.State != state {
		return nil, nil
	}
	return []models.OrganizationBilling{*s.record}, nil
}

type stubPayments struct {
	createSubParams      *stripe.SubscriptionParams
	createSubResult      *stripe.Subscription
	createSubErr         error
	createSubHadDeadline bool
	getSubResult         *stripe.Subscription
	getSubErr            error
	getSubHadDeadline    bool
	canceledSubs         []string
	cancelSubErr         error
}

func (s *stubPayments) CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	return &stripe.Customer{ID: "cus_new"}, nil
}

func (s *stubPayments) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return nil, nil
}

func (s *stubPayments) GetCheckoutSession(ctx context.Context, id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return nil, nil
}

func (s *stubPayments) CreateSubscription(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	s.createSubParams = params
	_, s.createSubHadDeadline = ctx.Deadline()
	if s.createSubErr != nil {
		return nil, s.createSubErr
	}
	return s.createSubResult, nil
}

func (s *stubPayments) GetSubscription(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	_, s.getSubHadDeadline = ctx.Deadline()
	if s.getSubErr != nil {
		return nil, s.getSubErr
	}
	return s.getSubResult, nil
}

func (s *stubPayments) CancelSubscription(ctx context.Context, id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
	s.canceledSubs = append(s.canceledSubs, id)
	if s.cancelSubErr != nil {
		return nil, s.cancelSubErr
	}
	return &stripe.Subscription{ID: id}, nil
}

func (s *stubPayments) CancelPaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	return &stripe.PaymentIntent{ID: id}, nil
}

func (s *stubPayments) CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	return nil, nil
}

func (s *stubPayments) CreateMeterEvent(ctx context.Context, params *stripe.BillingMeterEventParams) (*stripe.BillingMeterEvent, error) {
	return nil, nil
}

type stubCatalog struct {
	byKey   map[string]*models.Plan
	byPrice map[string]*models.Plan
}

func (s *stubCatalog) Lookup(key string) *models.Plan { return s.byKey[key] }

func (s *stubCatalog) LookupByPriceID(priceID string) *models.Plan { return s.byPrice[priceID] }

type stubCommands struct {
	paymentIntents []string
	err            error
}

func (s *stubCommands) EnqueueCancelAuthorization(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, paymentIntentID string) error {
	if s.err != nil {
		return s.err
	}
	s.paymentIntents = append(s.paymentIntents, paymentIntentID)
	return nil
}

type stubTxRunner struct{}

func (s *stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func meteredPlan() *models.Plan {
	return &models.Plan{
		Key:             "growth",
		PricingCategory: enums.PricingCategoryMetered,
		StripePriceID:   "price_growth",
		SelfServe:       true,
		IsActive:        true,
	}
}

func subscriptionWithPeriodEnd(id string, end time.Time) *stripe.Subscription {
	return &stripe.Subscription{
		ID: id,
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{CurrentPeriodEnd: end.Unix()},
			},
		},
	}
}

func newTestService(t *testing.T, repo *stubRepo, pay *stubPayments, catalog *stubCatalog, cmds *stubCommands, now time.Time) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Repo:              repo,
		Plans:             catalog,
		Payments:          pay,
		Commands:          cmds,
		TransactionRunner: &stubTxRunner{},
		Logger:            testLogger(),
		Now:               func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return svc
}

func TestGetOrCreateCreatesNoPlanRow(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(t, repo, &stubPayments{}, &stubCatalog{}, &stubCommands{}, time.Now())
	orgID := uuid.New()

	record, err := svc.GetOrCreate(context.Background(), orgID)
	if err != nil {
		t.Fatalf("GetOrCreate returned error: %v", err)
	}
	if record.State != enums.BillingStateNoPlan {
		t.Fatalf("expected no_plan state, got %s", record.State)
	}
	if repo.creates != 1 {
		t.Fatalf("expected 1 create, got %d", repo.creates)
	}
}

func TestGetOrCreateSurvivesConcurrentFirstTouch(t *testing.T) {
	orgID := uuid.New()
	existing := &models.OrganizationBilling{OrganizationID: orgID, State: enums.BillingStateNoPlan}
	repo := &stubRepo{
		useQueue:  true,
		findQueue: []*models.OrganizationBilling{nil, existing},
		createErr: gorm.ErrDuplicatedKey,
	}
	svc := newTestService(t, repo, &stubPayments{}, &stubCatalog{}, &stubCommands{}, time.Now())

	record, err := svc.GetOrCreate(context.Background(), orgID)
	if err != nil {
		t.Fatalf("GetOrCreate returned error: %v", err)
	}
	if record == nil || record.OrganizationID != orgID {
		t.Fatalf("expected the concurrently created record, got %+v", record)
	}
}

func TestApplyAuthorizationCapturableActivates(t *testing.T) {
	now := time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC)
	orgID := uuid.New()
	planKey := "growth"
	repo := &stubRepo{record: &models.OrganizationBilling{
		OrganizationID:    orgID,
		PlanKey:           &planKey,
		State:             enums.BillingStatePendingAuthorization,
		StripeCustomerID:  "cus_1",
		CheckoutSessionID: "cs_1",
	}}
	periodEnd := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)
	pay := &stubPayments{createSubResult: subscriptionWithPeriodEnd("sub_1", periodEnd)}
	catalog := &stubCatalog{byKey: map[string]*models.Plan{planKey: meteredPlan()}}
	cmds := &stubCommands{}
	svc := newTestService(t, repo, pay, catalog, cmds, now)

	outcome, _, err := svc.ApplyAuthorizationCapturable(context.Background(), nil, "cus_1", "pi_1")
	if err != nil {
		t.Fatalf("ApplyAuthorizationCapturable returned error: %v", err)
	}
	if outcome != enums.WebhookOutcomeProcessed {
		t.Fatalf("expected processed, got %s", outcome)
	}

	record := repo.record
	if record.State != enums.BillingStateActiveMetered {
		t.Fatalf("expected active_metered, got %s", record.State)
	}
	if record.StripeSubscriptionID != "sub_1" {
		t.Fatalf("expected subscription id sub_1, got %q", record.StripeSubscriptionID)
	}
	if record.BillingPeriodEndsAt == nil || !record.BillingPeriodEndsAt.Equal(periodEnd) {
		t.Fatalf("expected period end %v, got %v", periodEnd, record.BillingPeriodEndsAt)
	}
	if record.CheckoutSessionID != "" || record.CheckoutSessionCreatedAt != nil {
		t.Fatal("expected checkout session fields cleared")
	}

	if len(cmds.paymentIntents) != 1 || cmds.paymentIntents[0] != "pi_1" {
		t.Fatalf("expected hold release queued for pi_1, got %v", cmds.paymentIntents)
	}

	anchor := NextMonthAnchor(now, 0)
	if pay.createSubParams == nil || pay.createSubParams.BillingCycleAnchor == nil {
		t.Fatal("expected billing cycle anchor on subscription params")
	}
	if *pay.createSubParams.BillingCycleAnchor != anchor.Unix() {
		t.Fatalf("expected anchor %d, got %d", anchor.Unix(), *pay.createSubParams.BillingCycleAnchor)
	}
}

func TestStatusFailsOnUnknownPlan(t *testing.T) {
	orgID := uuid.New()
	planKey := "retired"
	repo := &stubRepo{record: &models.OrganizationBilling{
		OrganizationID: orgID,
		PlanKey:        &planKey,
		State:          enums.BillingStateActiveFlat,
	}}
	svc := newTestService(t, repo, &stubPayments{}, &stubCatalog{}, &stubCommands{}, time.Now())

	_, err := svc.Status(context.Background(), orgID)
	if err == nil {
		t.Fatal("expected error when the record's plan is missing from the catalog")
	}
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeInternal {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestApplyAuthorizationCapturableBoundsProcessorCall(t *testing.T) {
	orgID := uuid.New()
	planKey := "growth"
	repo := &stubRepo{record: &models.OrganizationBilling{
		OrganizationID:   orgID,
		PlanKey:          &planKey,
		State:            enums.BillingStatePendingAuthorization,
		StripeCustomerID: "cus_1",
	}}
	pay := &stubPayments{createSubResult: subscriptionWithPeriodEnd("sub_1", time.Now().AddDate(0, 1, 0))}
	catalog := &stubCatalog{byKey: map[string]*models.Plan{planKey: meteredPlan()}}
	svc := newTestService(t, repo, pay, catalog, &stubCommands{}, time.Now())

	if _, _, err := svc.ApplyAuthorizationCapturable(context.Background(), nil, "cus_1", "pi_1"); err != nil {
		t.Fatalf("ApplyAuthorizationCapturable returned error: %v", err)
	}
	if !pay.createSubHadDeadline {
		t.Fatal("expected the subscription create to run under a deadline")
	}
}

func TestApplyAuthorizationCapturableForeignCustomer(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(t, repo, &stubPayments{}, &stubCatalog{}, &stubCommands{}, time.Now())

	outcome, _, err := svc.ApplyAuthorizationCapturable(context.Background(), nil, "cus_other", "pi_1")
	if err != nil {
		t.Fatalf("ApplyAuthorizationCapturable returned error: %v", err)
	}
	if outcome != enums.WebhookOutcomeIgnoredForeign {
		t.Fatalf("expected ignored_foreign, got %s", outcome)
	}
}

func TestApplyAuthorizationCapturableWrongState(t *testing.T) {
	orgID := uuid.New()
	repo := &stubRepo{record: &models.OrganizationBilling{
		OrganizationID:   orgID,
		State:            enums.BillingStateActiveMetered,
		StripeCustomerID: "cus_1",
	}}
	svc := newTestService(t, repo, &stubPayments{}, &stubCatalog{}, &stubCommands{}, time.Now())

	outcome, _, err := svc.ApplyAuthorizationCapturable(context.Background(), nil, "cus_1", "pi_1")
	if err != nil {
		t.Fatalf("ApplyAuthorizationCapturable returned error: %v", err)
	}
	if outcome != enums.WebhookOutcomeIgnoredState {
		t.Fatalf("expected ignored_state, got %s", outcome)
	}
	if repo.updates != 0 {
		t.Fatalf("expected no update, got %d", repo.updates)
	}
}

func TestApplyRenewalExtendsPeriod(t *testing.T) {
	orgID := uuid.New()
	stored := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	repo := &stubRepo{record: &models.OrganizationBilling{
		OrganizationID:       orgID,
		State:                enums.BillingStateActiveFlat,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		BillingPeriodEndsAt:  &stored,
	}}
	extended := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)
	pay := &stubPayments{getSubResult: subscriptionWithPeriodEnd("sub_1", extended)}
	svc := newTestService(t, repo, pay, &stubCatalog{}, &stubCommands{}, time.Now())

	outcome, _, err := svc.ApplyRenewal(context.Background(), nil, "cus_1", "sub_1", nil)
	if err != nil {
		t.Fatalf("ApplyRenewal returned error: %v", err)
	}
	if outcome != enums.WebhookOutcomeProcessed {
		t.Fatalf("expected processed, got %s", outcome)
	}
	if repo.record.BillingPeriodEndsAt == nil || !repo.record.BillingPeriodEndsAt.Equal(extended) {
		t.Fatalf("expected period end %v, got %v", extended, repo.record.BillingPeriodEndsAt)
	}
}

func TestApplyRenewalBoundsProcessorCall(t *testing.T) {
	orgID := uuid.New()
	repo := &stubRepo{record: &models.OrganizationBilling{
		OrganizationID:       orgID,
		State:                enums.BillingStateActiveFlat,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
	}}
	pay := &stubPayments{getSubResult: subscriptionWithPeriodEnd("sub_1", time.Now().AddDate(0, 1, 0))}
	svc := newTestService(t, repo, pay, &stubCatalog{}, &stubCommands{}, time.Now())

	if _, _, err := svc.ApplyRenewal(context.Background(), nil, "cus_1", "sub_1", nil); err != nil {
		t.Fatalf("ApplyRenewal returned error: %v", err)
	}
	if !pay.getSubHadDeadline {
		t.Fatal("expected the subscription fetch to run under a deadline")
	}
}

func TestApplyRenewalNeverMovesPeriodBackwards(t *testing.T) {
	orgID := uuid.New()
	stored := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	repo := &stubRepo{record: &models.OrganizationBilling{
		OrganizationID:       orgID,
		State:                enums.BillingStateActiveFlat,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		BillingPeriodEndsAt:  &stored,
	}}
	stale := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)
	pay := &stubPayments{getSubResult: subscriptionWithPeriodEnd("sub_1", stale)}
	svc := newTestService(t, repo, pay, &stubCatalog{}, &stubCommands{}, time.Now())

	outcome, _, err := svc.ApplyRenewal(context.Background(), nil, "cus_1", "sub_1", nil)
	if err != nil {
		t.Fatalf("ApplyRenewal returned error: %v", err)
	}
	if outcome != enums.WebhookOutcomeProcessed {
		t.Fatalf("expected processed, got %s", outcome)
	}
	if !repo.record.BillingPeriodEndsAt.Equal(stored) {
		t.Fatalf("expected period end to stay %v, got %v", stored, repo.record.BillingPeriodEndsAt)
	}
}

func TestApplyRenewalUnknownCustomerKnownPriceRetries(t *testing.T) {
	catalog := &stubCatalog{byPrice: map[string]*models.Plan{"price_growth": meteredPlan()}}
	svc := newTestService(t, &stubRepo{}, &stubPayments{}, catalog, &stubCommands{}, time.Now())

	_, _, err := svc.ApplyRenewal(context.Background(), nil, "cus_ghost", "sub_1", []string{"price_growth"})
	if err == nil {
		t.Fatal("expected error for catalog price on unknown customer")
	}
	if !pkgerrors.Retryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestApplyRenewalUnknownCustomerUnknownPriceIgnored(t *testing.T) {
	svc := newTestService(t, &stubRepo{}, &stubPayments{}, &stubCatalog{}, &stubCommands{}, time.Now())

	outcome, _, err := svc.ApplyRenewal(context.Background(), nil, "cus_ghost", "sub_1", []string{"price_theirs"})
	if err != nil {
		t.Fatalf("ApplyRenewal returned error: %v", err)
	}
	if outcome != enums.WebhookOutcomeIgnoredForeign {
		t.Fatalf("expected ignored_foreign, got %s", outcome)
	}
}

func TestApplyRenewalSubscriptionMismatch(t *testing.T) {
	orgID := uuid.New()
	repo := &stubRepo{record: &models.OrganizationBilling{
		OrganizationID:       orgID,
		State:                enums.BillingStateActiveFlat,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
	}}
	svc := newTestService(t, repo, &stubPayments{}, &stubCatalog{}, &stubCommands{}, time.Now())

	outcome, _, err := svc.ApplyRenewal(context.Background(), nil, "cus_1", "sub_other", nil)
	if err != nil {
		t.Fatalf("ApplyRenewal returned error: %v", err)
	}
	if outcome != enums.WebhookOutcomeIgnoredForeign {
		t.Fatalf("expected ignored_foreign, got %s", outcome)
	}
}

func TestApplyRenewalInactiveStateIgnored(t *testing.T) {
	orgID := uuid.New()
	repo := &stubRepo{record: &models.OrganizationBilling{
		OrganizationID:       orgID,
		State:                enums.BillingStateCanceled,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
	}}
	svc := newTestService(t, repo, &stubPayments{}, &stubCatalog{}, &stubCommands{}, time.Now())

	outcome, _, err := svc.ApplyRenewal(context.Background(), nil, "cus_1", "sub_1", nil)
	if err != nil {
		t.Fatalf("ApplyRenewal returned error: %v", err)
	}
	if outcome != enums.WebhookOutcomeIgnoredState {
		t.Fatalf("expected ignored_state, got %s", outcome)
	}
}

func TestCancelFlipsStateAndReleasesSubscription(t *testing.T) {
	orgID := uuid.New()
	periodEnd := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)
	repo := &stubRepo{record: &models.OrganizationBilling{
		OrganizationID:       orgID,
		State:                enums.BillingStateActiveFlat,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		BillingPeriodEndsAt:  &periodEnd,
	}}
	pay := &stubPayments{}
	svc := newTestService(t, repo, pay, &stubCatalog{}, &stubCommands{}, time.Now())

	record, err := svc.Cancel(context.Background(), orgID)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if record.State != enums.BillingStateCanceled {
		t.Fatalf("expected canceled, got %s", record.State)
	}
	if record.StripeSubscriptionID != "" || record.BillingPeriodEndsAt != nil {
		t.Fatal("expected subscription fields cleared")
	}
	if len(pay.canceledSubs) != 1 || pay.canceledSubs[0] != "sub_1" {
		t.Fatalf("expected processor-side cancel of sub_1, got %v", pay.canceledSubs)
	}
}

func TestCancelSurvivesProcessorFailure(t *testing.T) {
	orgID := uuid.New()
	repo := &stubRepo{record: &models.OrganizationBilling{
		OrganizationID:       orgID,
		State:                enums.BillingStateActiveMetered,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
	}}
	pay := &stubPayments{cancelSubErr: pkgerrors.New(pkgerrors.CodeDependency, "processor down")}
	svc := newTestService(t, repo, pay, &stubCatalog{}, &stubCommands{}, time.Now())

	record, err := svc.Cancel(context.Background(), orgID)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if record.State != enums.BillingStateCanceled {
		t.Fatalf("expected canceled despite processor failure, got %s", record.State)
	}
}

func TestCancelRejectsNoPlan(t *testing.T) {
	orgID := uuid.New()
	repo := &stubRepo{record: &models.OrganizationBilling{
		OrganizationID: orgID,
		State:          enums.BillingStateNoPlan,
	}}
	svc := newTestService(t, repo, &stubPayments{}, &stubCatalog{}, &stubCommands{}, time.Now())

	_, err := svc.Cancel(context.Background(), orgID)
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

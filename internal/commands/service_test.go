package commands

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
	cmds []models.BillingCommand
}

func (s *stubRepo) WithTx(tx *gorm.DB) Repository { return s }

func (s *stubRepo) Create(ctx context.Context, cmd *models.BillingCommand) error {
	s.cmds = append(s.cmds, *cmd)
	return nil
}

func (s *stubRepo) Update(ctx context.Context, cmd *models.BillingCommand) error {
	for i := range s.cmds {
		if s.cmds[i].ID == cmd.ID {
			s.cmds[i] = *cmd
			return nil
		}
	}
	s.cmds = append(s.cmds, *cmd)
	return nil
}

func (s *stubRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]models.BillingCommand, error) {
	var due []models.BillingCommand
	for _, cmd := range s.cmds {
		if cmd.Status == enums.CommandStatusPending && !cmd.NextAttemptAt.After(now) {
			due = append(due, cmd)
		}
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

type stubPayments struct {
	canceled []string
	err      error
}

func (s *stubPayments) CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	return nil, nil
}

func (s *stubPayments) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return nil, nil
}

func (s *stubPayments) GetCheckoutSession(ctx context.Context, id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return nil, nil
}

func (s *stubPayments) CreateSubscription(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return nil, nil
}

func (s *stubPayments) GetSubscription(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return nil, nil
}

func (s *stubPayments) CancelSubscription(ctx context.Context, id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
	return nil, nil
}

func (s *stubPayments) CancelPaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.canceled = append(s.canceled, id)
	return &stripe.PaymentIntent{ID: id}, nil
}

func (s *stubPayments) CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	return nil, nil
}

func (s *stubPayments) CreateMeterEvent(ctx context.Context, params *stripe.BillingMeterEventParams) (*stripe.BillingMeterEvent, error) {
	return nil, nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func newTestService(t *testing.T, repo *stubRepo, pay *stubPayments, maxAttempts int, now time.Time) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Repo:        repo,
		Payments:    pay,
		Logger:      testLogger(),
		MaxAttempts: maxAttempts,
		BaseBackoff: 30 * time.Second,
		MaxBackoff:  time.Hour,
		Now:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return svc
}

func TestEnqueueCancelAuthorization(t *testing.T) {
	now := time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC)
	repo := &stubRepo{}
	svc := newTestService(t, repo, &stubPayments{}, 8, now)
	orgID := uuid.New()

	if err := svc.EnqueueCancelAuthorization(context.Background(), nil, orgID, "pi_1"); err != nil {
		t.Fatalf("EnqueueCancelAuthorization returned error: %v", err)
	}
	if len(repo.cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(repo.cmds))
	}
	cmd := repo.cmds[0]
	if cmd.Type != enums.CommandTypeCancelAuthorization || cmd.Status != enums.CommandStatusPending {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if !cmd.NextAttemptAt.Equal(now) {
		t.Fatalf("expected immediate first attempt, got %v", cmd.NextAttemptAt)
	}
}

func TestEnqueueCancelAuthorizationRequiresPaymentIntent(t *testing.T) {
	svc := newTestService(t, &stubRepo{}, &stubPayments{}, 8, time.Now())

	err := svc.EnqueueCancelAuthorization(context.Background(), nil, uuid.New(), "")
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestProcessDueSucceeds(t *testing.T) {
	now := time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC)
	repo := &stubRepo{cmds: []models.BillingCommand{{
		ID:              uuid.New(),
		Type:            enums.CommandTypeCancelAuthorization,
		OrganizationID:  uuid.New(),
		PaymentIntentID: "pi_1",
		Status:          enums.CommandStatusPending,
		NextAttemptAt:   now.Add(-time.Minute),
	}}}
	pay := &stubPayments{}
	svc := newTestService(t, repo, pay, 8, now)

	processed, err := svc.ProcessDue(context.Background())
	if err != nil {
		t.Fatalf("ProcessDue returned error: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed, got %d", processed)
	}
	if len(pay.canceled) != 1 || pay.canceled[0] != "pi_1" {
		t.Fatalf("expected pi_1 canceled, got %v", pay.canceled)
	}
	if repo.cmds[0].Status != enums.CommandStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", repo.cmds[0].Status)
	}
}

func TestProcessDueSchedulesRetryWithBackoff(t *testing.T) {
	now := time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC)
	repo := &stubRepo{cmds: []models.BillingCommand{{
		ID:              uuid.New(),
		Type:            enums.CommandTypeCancelAuthorization,
		PaymentIntentID: "pi_1",
		Status:          enums.CommandStatusPending,
		Attempts:        1,
		NextAttemptAt:   now.Add(-time.Minute),
	}}}
	pay := &stubPayments{err: pkgerrors.New(pkgerrors.CodeDependency, "processor down")}
	svc := newTestService(t, repo, pay, 8, now)

	processed, err := svc.ProcessDue(context.Background())
	if err == nil {
		t.Fatal("expected error from failed attempt")
	}
	if processed != 0 {
		t.Fatalf("expected 0 processed, got %d", processed)
	}

	cmd := repo.cmds[0]
	if cmd.Status != enums.CommandStatusPending {
		t.Fatalf("expected command to stay pending, got %s", cmd.Status)
	}
	if cmd.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", cmd.Attempts)
	}
	// Second attempt doubles the base backoff.
	want := now.Add(time.Minute)
	if !cmd.NextAttemptAt.Equal(want) {
		t.Fatalf("expected retry at %v, got %v", want, cmd.NextAttemptAt)
	}
	if cmd.LastError == "" {
		t.Fatal("expected last error recorded")
	}
}

func TestProcessDueAbandonsAfterMaxAttempts(t *testing.T) {
	now := time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC)
	repo := &stubRepo{cmds: []models.BillingCommand{{
		ID:              uuid.New(),
		Type:            enums.CommandTypeCancelAuthorization,
		PaymentIntentID: "pi_1",
		Status:          enums.CommandStatusPending,
		Attempts:        2,
		NextAttemptAt:   now.Add(-time.Minute),
	}}}
	pay := &stubPayments{err: pkgerrors.New(pkgerrors.CodeDependency, "processor down")}
	svc := newTestService(t, repo, pay, 3, now)

	if _, err := svc.ProcessDue(context.Background()); err == nil {
		t.Fatal("expected error from final attempt")
	}
	if repo.cmds[0].Status != enums.CommandStatusAbandoned {
		t.Fatalf("expected abandoned, got %s", repo.cmds[0].Status)
	}
}

func TestProcessDueFailureDoesNotBlockBatch(t *testing.T) {
	now := time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC)
	repo := &stubRepo{cmds: []models.BillingCommand{
		{
			ID:              uuid.New(),
			Type:            "unknown_type",
			PaymentIntentID: "pi_bad",
			Status:          enums.CommandStatusPending,
			NextAttemptAt:   now.Add(-time.Minute),
		},
		{
			ID:              uuid.New(),
			Type:            enums.CommandTypeCancelAuthorization,
			PaymentIntentID: "pi_good",
			Status:          enums.CommandStatusPending,
			NextAttemptAt:   now.Add(-time.Minute),
		},
	}}
	pay := &stubPayments{}
	svc := newTestService(t, repo, pay, 8, now)

	processed, err := svc.ProcessDue(context.Background())
	if err == nil {
		t.Fatal("expected error from the bad command")
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed, got %d", processed)
	}
	if len(pay.canceled) != 1 || pay.canceled[0] != "pi_good" {
		t.Fatalf("expected pi_good canceled, got %v", pay.canceled)
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	svc := newTestService(t, &stubRepo{}, &stubPayments{}, 8, time.Now())

	if got := svc.backoff(1); got != 30*time.Second {
		t.Fatalf("expected 30s, got %v", got)
	}
	if got := svc.backoff(3); got != 2*time.Minute {
		t.Fatalf("expected 2m, got %v", got)
	}
	if got := svc.backoff(20); got != time.Hour {
		t.Fatalf("expected cap at 1h, got %v", got)
	}
}

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/tracelighthq/billing-backend/internal/payments"
	"github.com/tracelighthq/billing-backend/pkg/db/models"
	"github.com/tracelighthq/billing-backend/pkg/enums"
	pkgerrors "github.com/tracelighthq/billing-backend/pkg/errors"
	"github.com/tracelighthq/billing-backend/pkg/logger"
)

const (
	defaultMaxAttempts    = 8
	defaultBaseBackoff    = 30 * time.Second
	defaultMaxBackoff     = time.Hour
	defaultAttemptTimeout = 15 * time.Second
	defaultBatchSize      = 50
)

// ServiceParams configure the command service.
type ServiceParams struct {
	Repo           Repository
	Payments       payments.Client
	Logger         *logger.Logger
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	BatchSize      int
	Now            func() time.Time
}

// Service owns deferred processor side effects. Enqueue rides the caller's
// transaction; the sweep retries pending commands with exponential backoff
// until they succeed or run out of attempts.
type Service struct {
	repo           Repository
	payments       payments.Client
	logg           *logger.Logger
	maxAttempts    int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	attemptTimeout time.Duration
	batchSize      int
	now            func() time.Time
}

// NewService builds a command service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "command repo required")
	}
	if params.Payments == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payments client required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	svc := &Service{
		repo:           params.Repo,
		payments:       params.Payments,
		logg:           params.Logger,
		maxAttempts:    params.MaxAttempts,
		baseBackoff:    params.BaseBackoff,
		maxBackoff:     params.MaxBackoff,
		attemptTimeout: params.AttemptTimeout,
		batchSize:      params.BatchSize,
		now:            params.Now,
	}
	if svc.maxAttempts <= 0 {
		svc.maxAttempts = defaultMaxAttempts
	}
	if svc.baseBackoff <= 0 {
		svc.baseBackoff = defaultBaseBackoff
	}
	if svc.maxBackoff <= 0 {
		svc.maxBackoff = defaultMaxBackoff
	}
	if svc.attemptTimeout <= 0 {
		svc.attemptTimeout = defaultAttemptTimeout
	}
	if svc.batchSize <= 0 {
		svc.batchSize = defaultBatchSize
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc, nil
}

// EnqueueCancelAuthorization records a pending release of the card hold in
// the caller's transaction, so the command exists iff the activation commits.
func (s *Service) EnqueueCancelAuthorization(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, paymentIntentID string) error {
	if paymentIntentID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment intent id required")
	}
	cmd := &models.BillingCommand{
		ID:              uuid.New(),
		Type:            enums.CommandTypeCancelAuthorization,
		OrganizationID:  orgID,
		PaymentIntentID: paymentIntentID,
		Status:          enums.CommandStatusPending,
		NextAttemptAt:   s.now().UTC(),
	}
	return s.repo.WithTx(tx).Create(ctx, cmd)
}

// ProcessDue executes every command whose retry time has passed. One failed
// command never blocks the rest of the batch.
func (s *Service) ProcessDue(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.repo.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list due commands")
	}

	processed := 0
	var errs []error
	for i := range due {
		cmd := &due[i]
		if err := s.processOne(ctx, cmd); err != nil {
			errs = append(errs, err)
			continue
		}
		processed++
	}
	return processed, multierr.Combine(errs...)
}

func (s *Service) processOne(ctx context.Context, cmd *models.BillingCommand) error {
	logCtx := s.logg.WithOrgID(ctx, cmd.OrganizationID.String())
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"command_id":   cmd.ID.String(),
		"command_type": cmd.Type.String(),
		"attempt":      cmd.Attempts + 1,
	})

	execErr := s.execute(logCtx, cmd)
	cmd.Attempts++

	if execErr == nil {
		cmd.Status = enums.CommandStatusSucceeded
		cmd.LastError = ""
		if err := s.repo.Update(logCtx, cmd); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist command success")
		}
		s.logg.Info(logCtx, "command succeeded")
		return nil
	}

	cmd.LastError = execErr.Error()
	if cmd.Attempts >= s.maxAttempts {
		cmd.Status = enums.CommandStatusAbandoned
		if err := s.repo.Update(logCtx, cmd); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist command abandonment")
		}
		s.logg.Error(logCtx, "command abandoned after max attempts", execErr)
		return execErr
	}

	cmd.NextAttemptAt = s.now().UTC().Add(s.backoff(cmd.Attempts))
	if err := s.repo.Update(logCtx, cmd); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist command retry")
	}
	s.logg.Warn(logCtx, "command failed; retry scheduled")
	return execErr
}

func (s *Service) execute(ctx context.Context, cmd *models.BillingCommand) error {
	attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
	defer cancel()

	switch cmd.Type {
	case enums.CommandTypeCancelAuthorization:
		_, err := s.payments.CancelPaymentIntent(attemptCtx, cmd.PaymentIntentID, &stripe.PaymentIntentCancelParams{})
		return err
	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

// backoff doubles per attempt starting from the base, capped at the max.
func (s *Service) backoff(attempts int) time.Duration {
	d := s.baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.maxBackoff {
			return s.maxBackoff
		}
	}
	if d > s.maxBackoff {
		return s.maxBackoff
	}
	return d
}

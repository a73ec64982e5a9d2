package stripewebhook

import (
	"context"
	"encoding/json"

	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/tracelighthq/billing-backend/pkg/db"
	"github.com/tracelighthq/billing-backend/pkg/db/models"
	"github.com/tracelighthq/billing-backend/pkg/enums"
	pkgerrors "github.com/tracelighthq/billing-backend/pkg/errors"
	"github.com/tracelighthq/billing-backend/pkg/logger"
	"github.com/tracelighthq/billing-backend/pkg/metrics"
)

// ResultStatus says how the gateway resolved a delivery.
type ResultStatus string

const (
	// StatusAccepted means the event was handled and recorded.
	StatusAccepted ResultStatus = "accepted"
	// StatusAlreadyProcessed means the ledger already holds the event id.
	StatusAlreadyProcessed ResultStatus = "already_processed"
)

// Result reports how one delivery was resolved.
type Result struct {
	Status  ResultStatus
	Outcome enums.WebhookOutcome
	Detail  string
}

type billingHandler interface {
	ApplyAuthorizationCapturable(ctx context.Context, tx *gorm.DB, customerID, paymentIntentID string) (enums.WebhookOutcome, string, error)
	ApplyRenewal(ctx context.Context, tx *gorm.DB, customerID, subscriptionID string, priceIDs []string) (enums.WebhookOutcome, string, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// GatewayParams configure the webhook gateway.
type GatewayParams struct {
	Ledger            LedgerRepository
	Billing           billingHandler
	TransactionRunner txRunner
	Logger            *logger.Logger
	Metrics           *metrics.WebhookMetrics
}

// Gateway is the single entry point for processor events. The ledger insert
// and the state transition share one transaction: an event either lands fully
// or not at all, and a replayed id is acknowledged without side effects.
type Gateway struct {
	ledger   LedgerRepository
	billing  billingHandler
	txRunner txRunner
	logg     *logger.Logger
	metrics  *metrics.WebhookMetrics
}

// NewGateway builds a webhook gateway.
func NewGateway(params GatewayParams) (*Gateway, error) {
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger repo required")
	}
	if params.Billing == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "billing handler required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Gateway{
		ledger:   params.Ledger,
		billing:  params.Billing,
		txRunner: params.TransactionRunner,
		logg:     params.Logger,
		metrics:  params.Metrics,
	}, nil
}

var errDuplicateEvent = pkgerrors.New(pkgerrors.CodeConflict, "event already processed")

// Receive handles one verified event. A returned error means the caller
// should hand the delivery back to the processor for redelivery.
func (g *Gateway) Receive(ctx context.Context, event *stripe.Event) (Result, error) {
	if event == nil || event.ID == "" {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "event id required")
	}

	logCtx := g.logg.WithEventID(ctx, event.ID)
	logCtx = g.logg.WithField(logCtx, "event_type", string(event.Type))

	var (
		outcome enums.WebhookOutcome
		detail  string
	)

	err := g.txRunner.WithTx(logCtx, func(tx *gorm.DB) error {
		ledger := g.ledger.WithTx(tx)

		// The insert claims the event id; a duplicate claim aborts before
		// any state is touched.
		row := &models.WebhookEvent{
			ID:      event.ID,
			Type:    string(event.Type),
			Outcome: enums.WebhookOutcomeProcessed,
		}
		if err := ledger.Insert(logCtx, row); err != nil {
			if db.IsDuplicateKey(err) {
				return errDuplicateEvent
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record event")
		}

		var err error
		outcome, detail, err = g.dispatch(logCtx, tx, event)
		if err != nil {
			return err
		}

		if err := ledger.UpdateOutcome(logCtx, event.ID, outcome, detail); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record outcome")
		}
		return nil
	})

	if err != nil {
		if pkgerrors.As(err) == errDuplicateEvent {
			g.logg.Info(logCtx, "duplicate event acknowledged")
			return Result{Status: StatusAlreadyProcessed}, nil
		}
		g.metrics.IncFailure(string(event.Type))
		g.logg.Error(logCtx, "event handling failed", err)
		return Result{}, err
	}

	g.metrics.IncOutcome(string(event.Type), outcome.String())
	g.logg.Info(g.logg.WithField(logCtx, "outcome", outcome.String()), "event resolved")
	return Result{Status: StatusAccepted, Outcome: outcome, Detail: detail}, nil
}

func (g *Gateway) dispatch(ctx context.Context, tx *gorm.DB, event *stripe.Event) (enums.WebhookOutcome, string, error) {
	switch event.Type {
	case stripe.EventTypeInvoicePaymentSucceeded:
		payload, err := parseInvoicePayload(event)
		if err != nil {
			return "", "", err
		}
		return g.billing.ApplyRenewal(ctx, tx, payload.customerID, payload.subscriptionID, payload.priceIDs)

	case stripe.EventTypePaymentIntentAmountCapturableUpdated:
		customerID := event.GetObjectValue("customer")
		paymentIntentID := event.GetObjectValue("id")
		if paymentIntentID == "" {
			return "", "", pkgerrors.New(pkgerrors.CodeValidation, "payment intent id missing")
		}
		return g.billing.ApplyAuthorizationCapturable(ctx, tx, customerID, paymentIntentID)

	default:
		return enums.WebhookOutcomeIgnoredUnhandled, "event type not handled", nil
	}
}

type invoicePayload struct {
	customerID     string
	subscriptionID string
	priceIDs       []string
}

// parseInvoicePayload pulls the fields the renewal handler needs. Line
// prices appear under price.id on older API versions and under
// pricing.price_details.price on newer ones; both are read.
func parseInvoicePayload(event *stripe.Event) (invoicePayload, error) {
	var raw struct {
		Customer     string `json:"customer"`
		Subscription string `json:"subscription"`
		Parent       *struct {
			SubscriptionDetails *struct {
				Subscription string `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
		Lines struct {
			Data []struct {
				Price *struct {
					ID string `json:"id"`
				} `json:"price"`
				Pricing *struct {
					PriceDetails *struct {
						Price string `json:"price"`
					} `json:"price_details"`
				} `json:"pricing"`
			} `json:"data"`
		} `json:"lines"`
	}
	if err := json.Unmarshal(event.Data.Raw, &raw); err != nil {
		return invoicePayload{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode invoice payload")
	}

	payload := invoicePayload{
		customerID:     raw.Customer,
		subscriptionID: raw.Subscription,
	}
	if payload.subscriptionID == "" && raw.Parent != nil && raw.Parent.SubscriptionDetails != nil {
		payload.subscriptionID = raw.Parent.SubscriptionDetails.Subscription
	}
	for _, line := range raw.Lines.Data {
		switch {
		case line.Price != nil && line.Price.ID != "":
			payload.priceIDs = append(payload.priceIDs, line.Price.ID)
		case line.Pricing != nil && line.Pricing.PriceDetails != nil && line.Pricing.PriceDetails.Price != "":
			payload.priceIDs = append(payload.priceIDs, line.Pricing.PriceDetails.Price)
		}
	}
	return payload, nil
}

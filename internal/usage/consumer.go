package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/tracelighthq/billing-backend/pkg/logger"
)

// CountMessage is the payload published by the ingest tier for each batch of
// accepted events.
type CountMessage struct {
	OrganizationID string    `json:"organization_id"`
	Count          int64     `json:"count"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type recorder interface {
	Record(ctx context.Context, orgID uuid.UUID, count int64) (int64, bool, error)
}

// Consumer drains usage-count messages from Pub/Sub into the tracker.
type Consumer struct {
	subscriber *pubsub.Subscriber
	tracker    recorder
	logg       *logger.Logger
}

// NewConsumer builds the usage consumer.
func NewConsumer(subscriber *pubsub.Subscriber, tracker recorder, logg *logger.Logger) (*Consumer, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{subscriber: subscriber, tracker: tracker, logg: logg}, nil
}

// Run blocks receiving messages until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscriber.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		if c.handle(msgCtx, msg.Data) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
}

// handle reports whether the message should be acked. Malformed payloads are
// acked: redelivery cannot fix them and they would pin the subscription.
func (c *Consumer) handle(ctx context.Context, data []byte) bool {
	var payload CountMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		c.logg.Error(ctx, "malformed usage message dropped", err)
		return true
	}

	orgID, err := uuid.Parse(payload.OrganizationID)
	if err != nil {
		c.logg.Error(ctx, "usage message with invalid organization id dropped", err)
		return true
	}
	if payload.Count <= 0 {
		c.logg.Warn(c.logg.WithOrgID(ctx, payload.OrganizationID), "usage message with non-positive count dropped")
		return true
	}

	logCtx := c.logg.WithOrgID(ctx, payload.OrganizationID)
	total, exceeded, err := c.tracker.Record(logCtx, orgID, payload.Count)
	if err != nil {
		c.logg.Error(logCtx, "failed to record usage", err)
		return false
	}
	if exceeded {
		c.logg.Warn(c.logg.WithField(logCtx, "total", total), "organization exceeded event allocation")
	}
	return true
}

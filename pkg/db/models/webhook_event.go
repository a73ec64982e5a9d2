package models

import (
	"time"

	"github.com/tracelighthq/billing-backend/pkg/enums"
)

// WebhookEvent is the idempotency ledger for processor events. The primary
// key is the processor's event id, so a redelivered event fails insertion and
// is acknowledged without reprocessing.
type WebhookEvent struct {
	ID         string               `gorm:"column:id;primaryKey"`
	Type       string               `gorm:"column:type;not null"`
	Outcome    enums.WebhookOutcome `gorm:"column:outcome;type:webhook_outcome;not null"`
	Detail     string               `gorm:"column:detail"`
	ReceivedAt time.Time            `gorm:"column:received_at;autoCreateTime"`
}

package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/tracelighthq/billing-backend/pkg/enums"
)

// BillingCommand is a durable deferred side effect against the payment
// processor, retried with backoff by the worker until it succeeds or is
// abandoned.
type BillingCommand struct {
	ID              uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	Type            enums.CommandType   `gorm:"column:type;type:command_type;not null"`
	OrganizationID  uuid.UUID           `gorm:"column:organization_id;type:uuid;not null;index"`
	PaymentIntentID string              `gorm:"column:payment_intent_id"`
	Status          enums.CommandStatus `gorm:"column:status;type:command_status;not null;default:pending"`
	Attempts        int                 `gorm:"column:attempts;not null;default:0"`
	NextAttemptAt   time.Time           `gorm:"column:next_attempt_at;not null;index"`
	LastError       string              `gorm:"column:last_error"`
	CreatedAt       time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

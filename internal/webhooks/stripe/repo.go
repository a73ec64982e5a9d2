package stripewebhook

import (
	"context"

	"gorm.io/gorm"

	"github.com/tracelighthq/billing-backend/pkg/db/models"
	"github.com/tracelighthq/billing-backend/pkg/enums"
)

// LedgerRepository persists the processed-event ledger. The event id is the
// primary key, so inserting a redelivered event fails with a duplicate-key
// error.
type LedgerRepository interface {
	WithTx(tx *gorm.DB) LedgerRepository
	Insert(ctx context.Context, event *models.WebhookEvent) error
	UpdateOutcome(ctx context.Context, id string, outcome enums.WebhookOutcome, detail string) error
	Find(ctx context.Context, id string) (*models.WebhookEvent, error)
}

type ledgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository returns a ledger repository bound to the provided database.
func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepository{db: db}
}

func (r *ledgerRepository) WithTx(tx *gorm.DB) LedgerRepository {
	if tx == nil {
		return r
	}
	return &ledgerRepository{db: tx}
}

func (r *ledgerRepository) Insert(ctx context.Context, event *models.WebhookEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *ledgerRepository) UpdateOutcome(ctx context.Context, id string, outcome enums.WebhookOutcome, detail string) error {
	return r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{"outcome": outcome, "detail": detail}).Error
}

func (r *ledgerRepository) Find(ctx context.Context, id string) (*models.WebhookEvent, error) {
	if id == "" {
		return nil, nil
	}
	var event models.WebhookEvent
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&event).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

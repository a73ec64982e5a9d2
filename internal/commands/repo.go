package commands

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tracelighthq/billing-backend/pkg/db/models"
	"github.com/tracelighthq/billing-backend/pkg/enums"
)

// Repository handles billing command persistence.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, cmd *models.BillingCommand) error
	Update(ctx context.Context, cmd *models.BillingCommand) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.BillingCommand, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a command repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, cmd *models.BillingCommand) error {
	return r.db.WithContext(ctx).Create(cmd).Error
}

func (r *repository) Update(ctx context.Context, cmd *models.BillingCommand) error {
	return r.db.WithContext(ctx).Save(cmd).Error
}

func (r *repository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.BillingCommand, error) {
	if limit <= 0 {
		limit = 50
	}
	var cmds []models.BillingCommand
	if err := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", enums.CommandStatusPending, now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&cmds).Error; err != nil {
		return nil, err
	}
	return cmds, nil
}

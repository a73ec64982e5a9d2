package billing

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tracelighthq/billing-backend/pkg/db/models"
	"github.com/tracelighthq/billing-backend/pkg/enums"
)

// Repository handles organization billing persistence. The ForUpdate variants
// lock the row so all transitions for one organization serialize.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, record *models.OrganizationBilling) error
	Update(ctx context.Context, record *models.OrganizationBilling) error
	Find(ctx context.Context, orgID uuid.UUID) (*models.OrganizationBilling, error)
	FindForUpdate(ctx context.Context, orgID uuid.UUID) (*models.OrganizationBilling, error)
	FindByCustomerIDForUpdate(ctx context.Context, customerID string) (*models.OrganizationBilling, error)
	ListByState(ctx context.Context, state enums.BillingState) ([]models.OrganizationBilling, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a billing repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, record *models.OrganizationBilling) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *repository) Update(ctx context.Context, record *models.OrganizationBilling) error {
	return r.db.WithContext(ctx).Save(record).Error
}

func (r *repository) Find(ctx context.Context, orgID uuid.UUID) (*models.OrganizationBilling, error) {
	return r.find(ctx, false, "organization_id = ?", orgID)
}

func (r *repository) FindForUpdate(ctx context.Context, orgID uuid.UUID) (*models.OrganizationBilling, error) {
	return r.find(ctx, true, "organization_id = ?", orgID)
}

func (r *repository) FindByCustomerIDForUpdate(ctx context.Context, customerID string) (*models.OrganizationBilling, error) {
	if customerID == "" {
		return nil, nil
	}
	return r.find(ctx, true, "stripe_customer_id = ?", customerID)
}

func (r *repository) ListByState(ctx context.Context, state enums.BillingState) ([]models.OrganizationBilling, error) {
	var records []models.OrganizationBilling
	if err := r.db.WithContext(ctx).
		Where("state = ?", state).
		Order("organization_id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repository) find(ctx context.Context, forUpdate bool, query string, arg any) (*models.OrganizationBilling, error) {
	db := r.db.WithContext(ctx)
	if forUpdate {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var record models.OrganizationBilling
	if err := db.Where(query, arg).First(&record).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

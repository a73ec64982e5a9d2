package usage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tracelighthq/billing-backend/pkg/enums"
)

// Snapshot is the slice of billing state the ingest path needs. It is served
// from a short-lived cache; allocation checks tolerate that staleness.
type Snapshot struct {
	State     enums.BillingState
	PlanKey   *string
	Metered   bool
	PeriodEnd *time.Time
	Allowance int64
	Unlimited bool
}

// SnapshotSource resolves the billing snapshot for an organization.
type SnapshotSource interface {
	BillingSnapshot(ctx context.Context, orgID uuid.UUID) (Snapshot, error)
}

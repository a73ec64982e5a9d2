package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracelighthq/billing-backend/internal/usage"
	"github.com/tracelighthq/billing-backend/pkg/enums"
	pkgerrors "github.com/tracelighthq/billing-backend/pkg/errors"
)

const defaultSnapshotTTL = 5 * time.Minute

type allowanceCatalog interface {
	AllowanceFor(planKey *string) (int64, bool, error)
}

// SnapshotProvider serves usage snapshots from a short-lived in-process
// cache. The ingest path hits this for every counted batch, so the billing
// row is only re-read when an entry expires.
type SnapshotProvider struct {
	billing *Service
	plans   allowanceCatalog
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[uuid.UUID]snapshotEntry
}

type snapshotEntry struct {
	snap      usage.Snapshot
	expiresAt time.Time
}

// SnapshotProviderParams configure the provider.
type SnapshotProviderParams struct {
	Billing *Service
	Plans   allowanceCatalog
	TTL     time.Duration
	Now     func() time.Time
}

// NewSnapshotProvider builds a snapshot provider.
func NewSnapshotProvider(params SnapshotProviderParams) (*SnapshotProvider, error) {
	if params.Billing == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "billing service required")
	}
	if params.Plans == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "plan catalog required")
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &SnapshotProvider{
		billing: params.Billing,
		plans:   params.Plans,
		ttl:     ttl,
		now:     now,
		cache:   make(map[uuid.UUID]snapshotEntry),
	}, nil
}

// BillingSnapshot implements usage.SnapshotSource.
func (p *SnapshotProvider) BillingSnapshot(ctx context.Context, orgID uuid.UUID) (usage.Snapshot, error) {
	now := p.now()

	p.mu.Lock()
	if entry, ok := p.cache[orgID]; ok && entry.expiresAt.After(now) {
		p.mu.Unlock()
		return entry.snap, nil
	}
	p.mu.Unlock()

	record, err := p.billing.GetOrCreate(ctx, orgID)
	if err != nil {
		return usage.Snapshot{}, err
	}

	// Inactive organizations fall back to the no-plan allocation.
	effectiveKey := record.PlanKey
	if !record.State.IsActive() {
		effectiveKey = nil
	}
	allowance, unlimited, err := p.plans.AllowanceFor(effectiveKey)
	if err != nil {
		return usage.Snapshot{}, err
	}

	snap := usage.Snapshot{
		State:     record.State,
		PlanKey:   record.PlanKey,
		Metered:   record.State == enums.BillingStateActiveMetered,
		PeriodEnd: record.BillingPeriodEndsAt,
		Allowance: allowance,
		Unlimited: unlimited,
	}

	p.mu.Lock()
	p.cache[orgID] = snapshotEntry{snap: snap, expiresAt: now.Add(p.ttl)}
	p.mu.Unlock()
	return snap, nil
}

// Invalidate drops the cached snapshot after a state transition.
func (p *SnapshotProvider) Invalidate(orgID uuid.UUID) {
	p.mu.Lock()
	delete(p.cache, orgID)
	p.mu.Unlock()
}

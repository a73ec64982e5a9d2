package plans

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tracelighthq/billing-backend/pkg/db/models"
	pkgerrors "github.com/tracelighthq/billing-backend/pkg/errors"
	"github.com/tracelighthq/billing-backend/pkg/logger"
)

// Registry serves the plan catalog from an in-process snapshot. Lookups never
// touch the database; Reload swaps the whole snapshot atomically so readers
// observe either the old catalog or the new one, never a mix.
type Registry struct {
	repo             Repository
	logg             *logger.Logger
	noPlanAllocation int64
	snapshot         atomic.Pointer[snapshot]
}

type snapshot struct {
	byKey     map[string]models.Plan
	byPriceID map[string]models.Plan
	ordered   []models.Plan
	loadedAt  time.Time
}

// RegistryParams configures the plan registry.
type RegistryParams struct {
	Repo   Repository
	Logger *logger.Logger

	// NoPlanAllocation caps monthly events for organizations without a plan.
	// Zero or negative means unlimited.
	NoPlanAllocation int64
}

// NewRegistry builds a registry and performs the initial catalog load.
func NewRegistry(ctx context.Context, params RegistryParams) (*Registry, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "plan repo required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	r := &Registry{
		repo:             params.Repo,
		logg:             params.Logger,
		noPlanAllocation: params.NoPlanAllocation,
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the snapshot with the current catalog. Inactive plans stay
// resolvable by key and price id so existing subscribers keep their
// allowance; only the listing surfaces hide them.
func (r *Registry) Reload(ctx context.Context) error {
	plans, err := r.repo.List(ctx)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan catalog")
	}

	next := &snapshot{
		byKey:     make(map[string]models.Plan, len(plans)),
		byPriceID: make(map[string]models.Plan, len(plans)),
		ordered:   plans,
		loadedAt:  time.Now().UTC(),
	}
	for _, plan := range plans {
		next.byKey[plan.Key] = plan
		if plan.StripePriceID != "" {
			next.byPriceID[plan.StripePriceID] = plan
		}
	}

	r.snapshot.Store(next)
	logCtx := r.logg.WithField(ctx, "plans", len(plans))
	r.logg.Info(logCtx, "plan catalog loaded")
	return nil
}

// Lookup returns the plan for key, or nil when unknown.
func (r *Registry) Lookup(key string) *models.Plan {
	snap := r.snapshot.Load()
	if snap == nil {
		return nil
	}
	if plan, ok := snap.byKey[key]; ok {
		return &plan
	}
	return nil
}

// LookupByPriceID returns the plan selling the given processor price.
func (r *Registry) LookupByPriceID(priceID string) *models.Plan {
	snap := r.snapshot.Load()
	if snap == nil || priceID == "" {
		return nil
	}
	if plan, ok := snap.byPriceID[priceID]; ok {
		return &plan
	}
	return nil
}

// ActivePlans returns the active catalog in repository order.
func (r *Registry) ActivePlans() []models.Plan {
	snap := r.snapshot.Load()
	if snap == nil {
		return nil
	}
	out := make([]models.Plan, 0, len(snap.ordered))
	for _, plan := range snap.ordered {
		if plan.IsActive {
			out = append(out, plan)
		}
	}
	return out
}

// SelfServePlans returns the active plans purchasable without sales
// involvement.
func (r *Registry) SelfServePlans() []models.Plan {
	snap := r.snapshot.Load()
	if snap == nil {
		return nil
	}
	out := make([]models.Plan, 0, len(snap.ordered))
	for _, plan := range snap.ordered {
		if plan.IsActive && plan.SelfServe {
			out = append(out, plan)
		}
	}
	return out
}

// DefaultNoPlanAllocation returns the monthly event cap applied before an
// organization picks a plan. Zero or negative means unlimited.
func (r *Registry) DefaultNoPlanAllocation() int64 {
	return r.noPlanAllocation
}

// AllowanceFor resolves the event allowance for one organization given its
// plan key. A nil plan key falls back to the no-plan allocation. A billing
// record pointing at a key the catalog cannot resolve is a data-integrity
// error and is surfaced, never defaulted to unlimited.
func (r *Registry) AllowanceFor(planKey *string) (allowance int64, unlimited bool, err error) {
	if planKey == nil || *planKey == "" {
		if r.noPlanAllocation <= 0 {
			return 0, true, nil
		}
		return r.noPlanAllocation, false, nil
	}
	plan := r.Lookup(*planKey)
	if plan == nil {
		return 0, false, pkgerrors.New(pkgerrors.CodeInternal,
			fmt.Sprintf("billing record references unknown plan %q", *planKey))
	}
	// Metered plans never hit a hard cap, whatever the row says.
	if plan.IsMetered() || plan.EventAllowance == nil || *plan.EventAllowance <= 0 {
		return 0, true, nil
	}
	return *plan.EventAllowance, false, nil
}

package usage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/tracelighthq/billing-backend/pkg/errors"
	"github.com/tracelighthq/billing-backend/pkg/logger"
	"github.com/tracelighthq/billing-backend/pkg/metrics"
	"github.com/tracelighthq/billing-backend/pkg/redis"
)

const defaultFlagTTL = time.Minute

type redisStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	IncrByWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	UsageKey(orgID, window string) string
	UsageFlagKey(orgID string) string
}

// TrackerParams configure the usage tracker.
type TrackerParams struct {
	Redis   redisStore
	Source  SnapshotSource
	Logger  *logger.Logger
	Metrics *metrics.UsageMetrics
	FlagTTL time.Duration
	Now     func() time.Time
}

// Tracker counts ingested events per organization per billing window and
// answers the hot-path question "is this organization over its allocation".
type Tracker struct {
	redis   redisStore
	source  SnapshotSource
	logg    *logger.Logger
	metrics *metrics.UsageMetrics
	flagTTL time.Duration
	now     func() time.Time
}

// NewTracker builds a usage tracker.
func NewTracker(params TrackerParams) (*Tracker, error) {
	if params.Redis == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "redis store required")
	}
	if params.Source == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "snapshot source required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	flagTTL := params.FlagTTL
	if flagTTL <= 0 {
		flagTTL = defaultFlagTTL
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		redis:   params.Redis,
		source:  params.Source,
		logg:    params.Logger,
		metrics: params.Metrics,
		flagTTL: flagTTL,
		now:     now,
	}, nil
}

// Record counts events against the organization's current window and reports
// whether the increment left the organization over its allocation.
func (t *Tracker) Record(ctx context.Context, orgID uuid.UUID, count int64) (total int64, exceeded bool, err error) {
	if count <= 0 {
		return 0, false, pkgerrors.New(pkgerrors.CodeValidation, "count must be positive")
	}

	snap, err := t.source.BillingSnapshot(ctx, orgID)
	if err != nil {
		return 0, false, err
	}

	window, ttl := Window(snap, t.now())
	key := t.redis.UsageKey(orgID.String(), window)
	total, err = t.redis.IncrByWithTTL(ctx, key, count, ttl)
	if err != nil {
		return 0, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "increment usage counter")
	}

	t.metrics.AddRecorded(t.pricingLabel(snap), count)

	if snap.Unlimited {
		return total, false, nil
	}
	exceeded = total > snap.Allowance
	if exceeded && total-count <= snap.Allowance {
		// First increment past the line; refresh the flag eagerly.
		t.metrics.IncExceeded(t.pricingLabel(snap))
		if setErr := t.redis.Set(ctx, t.redis.UsageFlagKey(orgID.String()), "1", t.flagTTL); setErr != nil {
			t.logg.Warn(t.logg.WithOrgID(ctx, orgID.String()), "failed to cache exceeded flag")
		}
	}
	return total, exceeded, nil
}

// IsExceeded reports whether the organization is over its allocation. The
// answer is cached briefly, so it may lag Record by up to the flag TTL.
func (t *Tracker) IsExceeded(ctx context.Context, orgID uuid.UUID) (bool, error) {
	flagKey := t.redis.UsageFlagKey(orgID.String())
	cached, err := t.redis.Get(ctx, flagKey)
	if err == nil {
		return cached == "1", nil
	}
	if !errors.Is(err, redis.Nil) {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read exceeded flag")
	}

	snap, err := t.source.BillingSnapshot(ctx, orgID)
	if err != nil {
		return false, err
	}

	exceeded := false
	if !snap.Unlimited {
		total, err := t.CurrentUsage(ctx, orgID, snap)
		if err != nil {
			return false, err
		}
		exceeded = total > snap.Allowance
	}

	value := "0"
	if exceeded {
		value = "1"
	}
	if setErr := t.redis.Set(ctx, flagKey, value, t.flagTTL); setErr != nil {
		t.logg.Warn(t.logg.WithOrgID(ctx, orgID.String()), "failed to cache exceeded flag")
	}
	return exceeded, nil
}

// CurrentUsage returns the counted events in the organization's current window.
func (t *Tracker) CurrentUsage(ctx context.Context, orgID uuid.UUID, snap Snapshot) (int64, error) {
	window, _ := Window(snap, t.now())
	raw, err := t.redis.Get(ctx, t.redis.UsageKey(orgID.String(), window))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read usage counter")
	}
	total, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "parse usage counter")
	}
	return total, nil
}

// UsageSummary is the read model served to API clients.
type UsageSummary struct {
	Window    string `json:"window"`
	Total     int64  `json:"total"`
	Allowance int64  `json:"allowance"`
	Unlimited bool   `json:"unlimited"`
	Exceeded  bool   `json:"exceeded"`
}

// Summary reads the organization's usage for its current window.
func (t *Tracker) Summary(ctx context.Context, orgID uuid.UUID) (UsageSummary, error) {
	snap, err := t.source.BillingSnapshot(ctx, orgID)
	if err != nil {
		return UsageSummary{}, err
	}
	window, _ := Window(snap, t.now())
	total, err := t.CurrentUsage(ctx, orgID, snap)
	if err != nil {
		return UsageSummary{}, err
	}
	summary := UsageSummary{
		Window:    window,
		Total:     total,
		Allowance: snap.Allowance,
		Unlimited: snap.Unlimited,
	}
	if !snap.Unlimited {
		summary.Exceeded = total > snap.Allowance
	}
	return summary, nil
}

func (t *Tracker) pricingLabel(snap Snapshot) string {
	if snap.PlanKey == nil {
		return "no_plan"
	}
	if snap.Metered {
		return "metered"
	}
	return "flat"
}

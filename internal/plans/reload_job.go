package plans

import (
	"context"
	"fmt"
	"time"
)

// ReloadJob refreshes the in-memory plan catalog so price or allowance edits
// land without a restart. The cron cycle runs more often than the catalog
// needs refreshing, so the job tracks its own cadence.
type ReloadJob struct {
	registry *Registry
	interval time.Duration
	lastRun  time.Time
	now      func() time.Time
}

// NewReloadJob builds the catalog refresh cron job.
func NewReloadJob(registry *Registry, interval time.Duration, now func() time.Time) (*ReloadJob, error) {
	if registry == nil {
		return nil, fmt.Errorf("plan registry required")
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &ReloadJob{registry: registry, interval: interval, now: now}, nil
}

func (j *ReloadJob) Name() string { return "plan-reload" }

func (j *ReloadJob) Run(ctx context.Context) error {
	now := j.now()
	if !j.lastRun.IsZero() && now.Sub(j.lastRun) < j.interval {
		return nil
	}
	if err := j.registry.Reload(ctx); err != nil {
		return err
	}
	j.lastRun = now
	return nil
}

package commands

import (
	"context"
	"fmt"

	"github.com/tracelighthq/billing-backend/pkg/logger"
)

// SweepJob drains due billing commands on the worker's schedule.
type SweepJob struct {
	svc  *Service
	logg *logger.Logger
}

// NewSweepJob builds the command sweep cron job.
func NewSweepJob(svc *Service, logg *logger.Logger) (*SweepJob, error) {
	if svc == nil {
		return nil, fmt.Errorf("command service required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &SweepJob{svc: svc, logg: logg}, nil
}

func (j *SweepJob) Name() string { return "billing-commands" }

func (j *SweepJob) Run(ctx context.Context) error {
	processed, err := j.svc.ProcessDue(ctx)
	logCtx := j.logg.WithField(ctx, "processed", processed)
	if err != nil {
		// Failed commands stay queued with their next retry time.
		j.logg.Warn(logCtx, "command sweep finished with failures")
		return nil
	}
	j.logg.Info(logCtx, "command sweep complete")
	return nil
}

package reporting

import (
	"context"
	"fmt"
	"strconv"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
	"github.com/stripe/stripe-go/v84"
	"go.uber.org/multierr"
	"google.golang.org/api/iterator"

	"github.com/tracelighthq/billing-backend/internal/payments"
	"github.com/tracelighthq/billing-backend/pkg/db/models"
	"github.com/tracelighthq/billing-backend/pkg/enums"
	"github.com/tracelighthq/billing-backend/pkg/logger"
)

const (
	jobName       = "usage-report"
	markerTTL     = 48 * time.Hour
	queryTemplate = "SELECT COUNT(*) AS event_count FROM `%s` WHERE organization_id = @org_id AND ingested_at >= @day_start AND ingested_at < @day_end"
)

type billingLister interface {
	ListByState(ctx context.Context, state enums.BillingState) ([]models.OrganizationBilling, error)
}

type warehouse interface {
	Query(ctx context.Context, sql string, params []cbigquery.QueryParameter) (*cbigquery.RowIterator, error)
	EventsTable() string
}

type markerStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	JobKey(name, suffix string) string
}

// UsageReportJobParams configure the daily usage reporting job.
type UsageReportJobParams struct {
	Billing   billingLister
	Warehouse warehouse
	Payments  payments.Client
	Redis     markerStore
	Logger    *logger.Logger
	MeterName string
	Now       func() time.Time
}

// UsageReportJob pushes the prior UTC day's ingested-event counts to the
// processor's billing meter for every active metered organization. A Redis
// marker keyed by day makes reruns within the cron interval no-ops.
type UsageReportJob struct {
	billing   billingLister
	warehouse warehouse
	payments  payments.Client
	redis     markerStore
	logg      *logger.Logger
	meterName string
	now       func() time.Time
}

// NewUsageReportJob builds the usage reporting cron job.
func NewUsageReportJob(params UsageReportJobParams) (*UsageReportJob, error) {
	if params.Billing == nil {
		return nil, fmt.Errorf("billing lister required")
	}
	if params.Warehouse == nil {
		return nil, fmt.Errorf("warehouse client required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payments client required")
	}
	if params.Redis == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.MeterName == "" {
		return nil, fmt.Errorf("meter name required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &UsageReportJob{
		billing:   params.Billing,
		warehouse: params.Warehouse,
		payments:  params.Payments,
		redis:     params.Redis,
		logg:      params.Logger,
		meterName: params.MeterName,
		now:       now,
	}, nil
}

func (j *UsageReportJob) Name() string { return jobName }

func (j *UsageReportJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	dayEnd := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayStart := dayEnd.Add(-24 * time.Hour)
	day := dayStart.Format("2006-01-02")

	acquired, err := j.redis.SetNX(ctx, j.redis.JobKey(jobName, day), "1", markerTTL)
	if err != nil {
		return fmt.Errorf("claim day marker: %w", err)
	}
	if !acquired {
		j.logg.Info(j.logg.WithField(ctx, "day", day), "usage already reported for day")
		return nil
	}

	orgs, err := j.billing.ListByState(ctx, enums.BillingStateActiveMetered)
	if err != nil {
		return fmt.Errorf("list metered organizations: %w", err)
	}

	reported := 0
	var errs []error
	for _, org := range orgs {
		if org.StripeCustomerID == "" {
			continue
		}
		count, err := j.countEvents(ctx, org.OrganizationID.String(), dayStart, dayEnd)
		if err != nil {
			errs = append(errs, fmt.Errorf("count events for %s: %w", org.OrganizationID, err))
			continue
		}
		if count == 0 {
			continue
		}
		if err := j.report(ctx, org, day, count, dayEnd); err != nil {
			errs = append(errs, fmt.Errorf("report usage for %s: %w", org.OrganizationID, err))
			continue
		}
		reported++
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{"day": day, "organizations": len(orgs), "reported": reported})
	j.logg.Info(logCtx, "usage report complete")
	return multierr.Combine(errs...)
}

func (j *UsageReportJob) countEvents(ctx context.Context, orgID string, dayStart, dayEnd time.Time) (int64, error) {
	sql := fmt.Sprintf(queryTemplate, j.warehouse.EventsTable())
	it, err := j.warehouse.Query(ctx, sql, []cbigquery.QueryParameter{
		{Name: "org_id", Value: orgID},
		{Name: "day_start", Value: dayStart},
		{Name: "day_end", Value: dayEnd},
	})
	if err != nil {
		return 0, err
	}

	var row struct {
		EventCount int64 `bigquery:"event_count"`
	}
	if err := it.Next(&row); err != nil {
		if err == iterator.Done {
			return 0, nil
		}
		return 0, err
	}
	return row.EventCount, nil
}

func (j *UsageReportJob) report(ctx context.Context, org models.OrganizationBilling, day string, count int64, at time.Time) error {
	// The identifier dedupes on the processor side should a marker be lost.
	identifier := fmt.Sprintf("%s-%s-%s", jobName, org.OrganizationID, day)
	_, err := j.payments.CreateMeterEvent(ctx, &stripe.BillingMeterEventParams{
		EventName:  stripe.String(j.meterName),
		Identifier: stripe.String(identifier),
		Timestamp:  stripe.Int64(at.Add(-time.Second).Unix()),
		Payload: map[string]string{
			"stripe_customer_id": org.StripeCustomerID,
			"value":              strconv.FormatInt(count, 10),
		},
	})
	return err
}

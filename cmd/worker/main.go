package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tracelighthq/billing-backend/internal/billing"
	"github.com/tracelighthq/billing-backend/internal/commands"
	"github.com/tracelighthq/billing-backend/internal/cron"
	"github.com/tracelighthq/billing-backend/internal/payments"
	"github.com/tracelighthq/billing-backend/internal/plans"
	"github.com/tracelighthq/billing-backend/internal/reporting"
	"github.com/tracelighthq/billing-backend/internal/usage"
	"github.com/tracelighthq/billing-backend/pkg/bigquery"
	"github.com/tracelighthq/billing-backend/pkg/config"
	"github.com/tracelighthq/billing-backend/pkg/db"
	"github.com/tracelighthq/billing-backend/pkg/logger"
	"github.com/tracelighthq/billing-backend/pkg/metrics"
	"github.com/tracelighthq/billing-backend/pkg/migrate"
	"github.com/tracelighthq/billing-backend/pkg/pubsub"
	"github.com/tracelighthq/billing-backend/pkg/redis"
	"github.com/tracelighthq/billing-backend/pkg/stripe"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub", err)
		}
	}()

	bigqueryClient, err := bigquery.NewClient(context.Background(), cfg.GCP, cfg.BigQuery, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap bigquery", err)
		os.Exit(1)
	}
	defer func() {
		if err := bigqueryClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing bigquery", err)
		}
	}()

	stripeClient, err := stripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe", err)
		os.Exit(1)
	}
	paymentsClient := payments.NewStripeClient(stripeClient)

	registry, err := plans.NewRegistry(context.Background(), plans.RegistryParams{
		Repo:             plans.NewRepository(dbClient.DB()),
		Logger:           logg,
		NoPlanAllocation: cfg.Billing.DefaultNoPlanAllocation,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to load plan catalog", err)
		os.Exit(1)
	}

	commandService, err := commands.NewService(commands.ServiceParams{
		Repo:           commands.NewRepository(dbClient.DB()),
		Payments:       paymentsClient,
		Logger:         logg,
		MaxAttempts:    cfg.Commands.MaxAttempts,
		BaseBackoff:    cfg.Commands.BaseBackoff,
		MaxBackoff:     cfg.Commands.MaxBackoff,
		AttemptTimeout: cfg.Commands.AttemptTimeout,
		BatchSize:      cfg.Commands.SweepBatchSize,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create command service", err)
		os.Exit(1)
	}

	billingRepo := billing.NewRepository(dbClient.DB())
	billingService, err := billing.NewService(billing.ServiceParams{
		Repo:              billingRepo,
		Plans:             registry,
		Payments:          paymentsClient,
		Commands:          commandService,
		TransactionRunner: dbClient,
		Logger:            logg,
		TrialDays:         cfg.Billing.TrialDays,
		ProcessorTimeout:  cfg.Commands.AttemptTimeout,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create billing service", err)
		os.Exit(1)
	}

	snapshots, err := billing.NewSnapshotProvider(billing.SnapshotProviderParams{
		Billing: billingService,
		Plans:   registry,
		TTL:     cfg.Billing.SnapshotTTL,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create snapshot provider", err)
		os.Exit(1)
	}

	tracker, err := usage.NewTracker(usage.TrackerParams{
		Redis:   redisClient,
		Source:  snapshots,
		Logger:  logg,
		Metrics: metrics.NewUsageMetrics(prometheus.DefaultRegisterer),
		FlagTTL: cfg.Billing.UsageFlagTTL,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create usage tracker", err)
		os.Exit(1)
	}

	usageConsumer, err := usage.NewConsumer(pubsubClient.UsageSubscription(), tracker, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create usage consumer", err)
		os.Exit(1)
	}

	sweepJob, err := commands.NewSweepJob(commandService, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create command sweep job", err)
		os.Exit(1)
	}

	reportJob, err := reporting.NewUsageReportJob(reporting.UsageReportJobParams{
		Billing:   billingRepo,
		Warehouse: bigqueryClient,
		Payments:  paymentsClient,
		Redis:     redisClient,
		Logger:    logg,
		MeterName: cfg.Stripe.UsageMeterEventName,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create usage report job", err)
		os.Exit(1)
	}

	reloadJob, err := plans.NewReloadJob(registry, cfg.Billing.PlanRefreshInterval, nil)
	if err != nil {
		logg.Error(context.Background(), "failed to create plan reload job", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("cron-worker"), 2*cfg.Cron.Interval)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	cronService, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(sweepJob, reloadJob, reportJob),
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		DB:            dbClient,
		Redis:         redisClient,
		PubSub:        pubsubClient,
		BigQuery:      bigqueryClient,
		UsageConsumer: usageConsumer,
		Cron:          cronService,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "worker shutting down gracefully")
}

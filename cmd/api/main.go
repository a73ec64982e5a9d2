package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tracelighthq/billing-backend/api/controllers"
	webhookcontrollers "github.com/tracelighthq/billing-backend/api/controllers/webhooks"
	"github.com/tracelighthq/billing-backend/api/routes"
	"github.com/tracelighthq/billing-backend/internal/billing"
	"github.com/tracelighthq/billing-backend/internal/checkout"
	"github.com/tracelighthq/billing-backend/internal/commands"
	"github.com/tracelighthq/billing-backend/internal/payments"
	"github.com/tracelighthq/billing-backend/internal/plans"
	"github.com/tracelighthq/billing-backend/internal/usage"
	stripewebhook "github.com/tracelighthq/billing-backend/internal/webhooks/stripe"
	"github.com/tracelighthq/billing-backend/pkg/config"
	"github.com/tracelighthq/billing-backend/pkg/db"
	"github.com/tracelighthq/billing-backend/pkg/logger"
	"github.com/tracelighthq/billing-backend/pkg/metrics"
	"github.com/tracelighthq/billing-backend/pkg/migrate"
	"github.com/tracelighthq/billing-backend/pkg/redis"
	"github.com/tracelighthq/billing-backend/pkg/stripe"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	checkoutService, err := checkout.NewService(checkout.ServiceParams{
		Repo:              billingRepo,
		Billing:           billingService,
		Plans:             registry,
		Payments:          paymentsClient,
		TransactionRunner: dbClient,
		Logger:            logg,
		Stripe:            cfg.Stripe,
		TrialDays:         cfg.Billing.TrialDays,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create checkout service", err)
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

	gateway, err := stripewebhook.NewGateway(stripewebhook.GatewayParams{
		Ledger:            stripewebhook.NewLedgerRepository(dbClient.DB()),
		Billing:           billingService,
		TransactionRunner: dbClient,
		Logger:            logg,
		Metrics:           metrics.NewWebhookMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook gateway", err)
		os.Exit(1)
	}

	router := routes.NewRouter(routes.Deps{
		Config: cfg,
		Logger: logg,
		Pingers: map[string]controllers.Pinger{
			"database": dbClient,
			"redis":    redisClient,
		},
		Plans:    registry,
		Billing:  billingService,
		Cancel:   billingService,
		Checkout: checkoutService,
		Usage:    tracker,
		Webhook:  webhookcontrollers.StripeWebhook(gateway, stripeClient, logg),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{Addr: addr, Handler: router}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}

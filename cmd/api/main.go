package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mesaflow/mesaflow-backend/api/routes"
	"github.com/mesaflow/mesaflow-backend/internal/billing"
	"github.com/mesaflow/mesaflow-backend/internal/entitlements"
	"github.com/mesaflow/mesaflow-backend/internal/gateway"
	"github.com/mesaflow/mesaflow-backend/internal/plans"
	"github.com/mesaflow/mesaflow-backend/internal/subscription"
	"github.com/mesaflow/mesaflow-backend/internal/webhooks"
	manualwebhook "github.com/mesaflow/mesaflow-backend/internal/webhooks/manual"
	squarewebhook "github.com/mesaflow/mesaflow-backend/internal/webhooks/square"
	stripewebhook "github.com/mesaflow/mesaflow-backend/internal/webhooks/stripe"
	"github.com/mesaflow/mesaflow-backend/pkg/config"
	"github.com/mesaflow/mesaflow-backend/pkg/db"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
	"github.com/mesaflow/mesaflow-backend/pkg/metrics"
	"github.com/mesaflow/mesaflow-backend/pkg/migrate"
	"github.com/mesaflow/mesaflow-backend/pkg/outbox"
	"github.com/mesaflow/mesaflow-backend/pkg/redis"
	"github.com/mesaflow/mesaflow-backend/pkg/square"
	"github.com/mesaflow/mesaflow-backend/pkg/stripe"
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
	squareClient, err := square.NewClient(context.Background(), cfg.Square, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap square", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	billingMetrics := metrics.NewBillingMetrics(registry)

	billingRepo := billing.NewRepository(dbClient.DB())
	outboxService := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)
	policy := subscription.PolicyFromConfig(cfg.Billing)

	machine := subscription.NewMachine(dbClient, billingRepo, outboxService, billingMetrics, policy, logg)
	gateways := gateway.NewRegistry(cfg.Billing.ChargeTimeout, billingMetrics, logg,
		gateway.NewStripeGateway(),
		gateway.NewSquareGateway(squareClient),
		gateway.NewManualGateway(),
	)

	subscriptionService := subscription.NewService(dbClient, billingRepo, machine, gateways, logg)
	planService := plans.NewService(plans.NewRepository(dbClient.DB()), logg)
	resolver := entitlements.NewResolver(billingRepo, logg)

	stripeWebhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		BillingRepo: billingRepo,
		Machine:     machine,
		Metrics:     billingMetrics,
		Logger:      logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create stripe webhook service", err)
		os.Exit(1)
	}
	squareWebhookService, err := squarewebhook.NewService(squarewebhook.ServiceParams{
		BillingRepo: billingRepo,
		Machine:     machine,
		Metrics:     billingMetrics,
		Logger:      logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create square webhook service", err)
		os.Exit(1)
	}
	manualWebhookService, err := manualwebhook.NewService(machine, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create manual webhook service", err)
		os.Exit(1)
	}

	stripeGuard, err := webhooks.NewIdempotencyGuard(redisClient, cfg.Billing.WebhookDedupTTL, "webhook:stripe")
	if err != nil {
		logg.Error(context.Background(), "failed to create stripe webhook guard", err)
		os.Exit(1)
	}
	squareGuard, err := webhooks.NewIdempotencyGuard(redisClient, cfg.Billing.WebhookDedupTTL, "webhook:square")
	if err != nil {
		logg.Error(context.Background(), "failed to create square webhook guard", err)
		os.Exit(1)
	}
	manualGuard, err := webhooks.NewIdempotencyGuard(redisClient, cfg.Billing.WebhookDedupTTL, "webhook:manual")
	if err != nil {
		logg.Error(context.Background(), "failed to create manual webhook guard", err)
		os.Exit(1)
	}

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

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg,
			logg,
			dbClient,
			redisClient,
			planService,
			subscriptionService,
			resolver,
			stripeWebhookService,
			squareWebhookService,
			manualWebhookService,
			stripeClient,
			squareClient,
			stripeGuard,
			squareGuard,
			manualGuard,
			registry,
		),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mesaflow/mesaflow-backend/internal/billing"
	"github.com/mesaflow/mesaflow-backend/internal/cron"
	"github.com/mesaflow/mesaflow-backend/internal/gateway"
	"github.com/mesaflow/mesaflow-backend/internal/notifications"
	"github.com/mesaflow/mesaflow-backend/internal/scheduler"
	"github.com/mesaflow/mesaflow-backend/internal/subscription"
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

const lockKeyFormat = "mf:cron-worker:lock:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
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

	if _, err := stripe.NewClient(context.Background(), cfg.Stripe, logg); err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe", err)
		os.Exit(1)
	}
	squareClient, err := square.NewClient(context.Background(), cfg.Square, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap square", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	cronMetrics := metrics.NewCronJobMetrics(registry)
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

	sender, err := notifications.NewOutboxSender(outboxService, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create notification sender", err)
		os.Exit(1)
	}

	jobs, err := buildJobs(cfg, logg, dbClient, billingRepo, machine, gateways, policy, sender)
	if err != nil {
		logg.Error(context.Background(), "failed to build sweep jobs", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, lockKey(cfg.App.Env), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(jobs...),
		Lock:     lock,
		Metrics:  cronMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

// buildJobs assembles the billing sweeps in the order they must run:
// renew, retry, expire, trial, then reminders against the post-sweep state.
func buildJobs(
	cfg *config.Config,
	logg *logger.Logger,
	dbClient *db.Client,
	billingRepo billing.Repository,
	machine *subscription.Machine,
	gateways *gateway.Registry,
	policy subscription.Policy,
	sender notifications.Sender,
) ([]cron.Job, error) {
	limit := cfg.Billing.SweepBatchLimit

	renewal, err := scheduler.NewRenewalJob(scheduler.RenewalJobParams{
		Logger:  logg,
		Repo:    billingRepo,
		Machine: machine,
		Charges: gateways,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("renewal job: %w", err)
	}

	retry, err := scheduler.NewRetryJob(scheduler.RetryJobParams{
		Logger:  logg,
		Repo:    billingRepo,
		Machine: machine,
		Charges: gateways,
		Policy:  policy,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("retry job: %w", err)
	}

	expiration, err := scheduler.NewExpirationJob(scheduler.ExpirationJobParams{
		Logger:  logg,
		Repo:    billingRepo,
		Machine: machine,
		Policy:  policy,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("expiration job: %w", err)
	}

	trial, err := scheduler.NewTrialJob(scheduler.TrialJobParams{
		Logger:  logg,
		Repo:    billingRepo,
		Machine: machine,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("trial job: %w", err)
	}

	notification, err := scheduler.NewNotificationJob(scheduler.NotificationJobParams{
		Logger:   logg,
		DB:       dbClient,
		Repo:     billingRepo,
		Sender:   sender,
		LeadDays: cfg.Billing.ReminderLeadDays,
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("notification job: %w", err)
	}

	return []cron.Job{renewal, retry, expiration, trial, notification}, nil
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}

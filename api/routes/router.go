package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mesaflow/mesaflow-backend/api/controllers"
	webhookcontrollers "github.com/mesaflow/mesaflow-backend/api/controllers/webhooks"
	"github.com/mesaflow/mesaflow-backend/api/middleware"
	"github.com/mesaflow/mesaflow-backend/pkg/auth"
	"github.com/mesaflow/mesaflow-backend/pkg/config"
	"github.com/mesaflow/mesaflow-backend/pkg/db"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
	"github.com/mesaflow/mesaflow-backend/pkg/redis"
)

type signingClient interface {
	SigningSecret() string
}

type webhookGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

// NewRouter wires the middleware chain and every route group. Webhook routes
// stay open (they authenticate by signature); the manual test hook and the
// plan admin routes require the admin role.
func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisP redis.Pinger,
	planService controllers.PlanCatalog,
	subscriptionService controllers.SubscriptionService,
	entitlementResolver controllers.EntitlementResolver,
	stripeWebhookService webhookcontrollers.StripeWebhookService,
	squareWebhookService webhookcontrollers.SquareWebhookService,
	manualWebhookService webhookcontrollers.ManualWebhookService,
	stripeClient signingClient,
	squareClient signingClient,
	stripeGuard webhookGuard,
	squareGuard webhookGuard,
	manualGuard webhookGuard,
	metricsGatherer prometheus.Gatherer,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisP))
	})

	if metricsGatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metricsGatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(stripeWebhookService, stripeClient, stripeGuard, logg))
		r.Post("/square", webhookcontrollers.SquareWebhook(squareWebhookService, squareClient, squareGuard, logg))
		r.With(
			middleware.Auth(cfg.JWT, logg),
			middleware.RequireRole(string(auth.RoleAdmin), logg),
		).Post("/test", webhookcontrollers.ManualWebhook(manualWebhookService, manualGuard, logg))
	})

	r.Get("/api/v1/plans", controllers.PlanList(planService, logg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", controllers.SubscriptionCreate(subscriptionService, logg))
			r.Post("/trial", controllers.SubscriptionTrialStart(subscriptionService, logg))
			r.Get("/current", controllers.SubscriptionCurrent(subscriptionService, logg))
			r.Delete("/current", controllers.SubscriptionCancel(subscriptionService, logg))
			r.Get("/current/events", controllers.SubscriptionEvents(subscriptionService, logg))
		})

		r.Get("/entitlements/{feature}", controllers.EntitlementCheck(entitlementResolver, logg))
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(
			middleware.Auth(cfg.JWT, logg),
			middleware.RequireRole(string(auth.RoleAdmin), logg),
		)

		r.Route("/plans", func(r chi.Router) {
			r.Get("/", controllers.AdminPlanList(planService, logg))
			r.Post("/", controllers.AdminPlanCreate(planService, logg))
			r.Patch("/{planId}", controllers.AdminPlanUpdate(planService, logg))
			r.Delete("/{planId}", controllers.AdminPlanDeactivate(planService, logg))
		})
	})

	return r
}

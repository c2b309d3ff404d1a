package routes

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"

	"github.com/mesaflow/mesaflow-backend/internal/entitlements"
	"github.com/mesaflow/mesaflow-backend/internal/plans"
	"github.com/mesaflow/mesaflow-backend/internal/subscription"
	manualwebhook "github.com/mesaflow/mesaflow-backend/internal/webhooks/manual"
	squarewebhook "github.com/mesaflow/mesaflow-backend/internal/webhooks/square"
	pkgauth "github.com/mesaflow/mesaflow-backend/pkg/auth"
	"github.com/mesaflow/mesaflow-backend/pkg/config"
	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
	"github.com/mesaflow/mesaflow-backend/pkg/pagination"
)

type stubPinger struct{}

func (stubPinger) Ping(context.Context) error {
	return nil
}

type stubPlanCatalog struct{}

func (stubPlanCatalog) Create(ctx context.Context, input plans.CreateInput) (*models.Plan, error) {
	return &models.Plan{}, nil
}

func (stubPlanCatalog) Update(ctx context.Context, id uuid.UUID, input plans.UpdateInput) (*models.Plan, error) {
	return &models.Plan{}, nil
}

func (stubPlanCatalog) Deactivate(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	return &models.Plan{}, nil
}

func (stubPlanCatalog) List(ctx context.Context, filter plans.ListFilter) ([]models.Plan, error) {
	return nil, nil
}

type stubSubscriptionService struct{}

func (stubSubscriptionService) StartTrial(ctx context.Context, input subscription.StartTrialInput) (*models.Subscription, error) {
	return &models.Subscription{}, nil
}

func (stubSubscriptionService) Subscribe(ctx context.Context, input subscription.SubscribeInput) (*models.Subscription, error) {
	return &models.Subscription{}, nil
}

func (stubSubscriptionService) Cancel(ctx context.Context, subscriptionID uuid.UUID, source string) (*models.Subscription, error) {
	return &models.Subscription{}, nil
}

func (stubSubscriptionService) GetLiveForOwner(ctx context.Context, ownerID uuid.UUID) (*models.Subscription, error) {
	return nil, nil
}

func (stubSubscriptionService) ListEvents(ctx context.Context, subscriptionID uuid.UUID, params pagination.Params) ([]models.SubscriptionEvent, string, error) {
	return nil, "", nil
}

type stubResolver struct{}

func (stubResolver) Resolve(ctx context.Context, ownerID uuid.UUID, feature string, opts entitlements.Options) (*entitlements.Decision, error) {
	return &entitlements.Decision{Allowed: true}, nil
}

type stubStripeWebhookService struct{}

func (stubStripeWebhookService) HandleEvent(ctx context.Context, event *stripe.Event) error {
	return nil
}

type stubSquareWebhookService struct{}

func (stubSquareWebhookService) HandleEvent(ctx context.Context, event *squarewebhook.SquareWebhookEvent) error {
	return nil
}

type stubManualWebhookService struct{}

func (stubManualWebhookService) HandleEvent(ctx context.Context, event *manualwebhook.ManualEvent) error {
	return nil
}

type stubSigningClient struct{}

func (stubSigningClient) SigningSecret() string {
	return "whsec_test"
}

type stubGuard struct{}

func (stubGuard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	return false, nil
}

func (stubGuard) Delete(ctx context.Context, eventID string) error {
	return nil
}

func testRouterConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Env: "test", Port: "8080"},
		JWT: config.JWTConfig{Secret: "router-secret", Issuer: "mesaflow-test", ExpirationMinutes: 15},
	}
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "routes-test", Output: io.Discard})
	return NewRouter(
		testRouterConfig(),
		logg,
		stubPinger{},
		stubPinger{},
		stubPlanCatalog{},
		stubSubscriptionService{},
		stubResolver{},
		stubStripeWebhookService{},
		stubSquareWebhookService{},
		stubManualWebhookService{},
		stubSigningClient{},
		stubSigningClient{},
		stubGuard{},
		stubGuard{},
		stubGuard{},
		nil,
	)
}

func TestRouterHealthAndPublicPlans(t *testing.T) {
	router := newTestRouter(t)

	for _, path := range []string{"/health/live", "/health/ready", "/api/v1/plans"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status %d (%s)", path, rec.Code, rec.Body.String())
		}
	}
}

func TestRouterProtectedRoutesRequireAuth(t *testing.T) {
	router := newTestRouter(t)

	checks := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/subscriptions/current"},
		{http.MethodPost, "/api/v1/subscriptions"},
		{http.MethodGet, "/api/v1/entitlements/reports.basic"},
		{http.MethodGet, "/api/admin/v1/plans"},
		{http.MethodPost, "/api/v1/webhooks/test"},
	}
	for _, check := range checks {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(check.method, check.path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s status %d, want 401", check.method, check.path, rec.Code)
		}
	}
}

func TestRouterAdminRoutesRejectOwnerRole(t *testing.T) {
	router := newTestRouter(t)
	cfg := testRouterConfig()
	token, err := pkgauth.MintAccessToken(cfg.JWT, time.Now(), pkgauth.AccessTokenPayload{
		UserID:  uuid.New(),
		OwnerID: uuid.New(),
		Role:    pkgauth.RoleOwner,
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/v1/plans", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", rec.Code)
	}
}

func TestRouterAdminTokenReachesAdminPlans(t *testing.T) {
	router := newTestRouter(t)
	cfg := testRouterConfig()
	token, err := pkgauth.MintAccessToken(cfg.JWT, time.Now(), pkgauth.AccessTokenPayload{
		UserID:  uuid.New(),
		OwnerID: uuid.New(),
		Role:    pkgauth.RoleAdmin,
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/v1/plans", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d (%s)", rec.Code, rec.Body.String())
	}
}

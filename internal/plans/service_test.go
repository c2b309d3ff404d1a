package plans

import (
	"context"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/enums"
	apperrors "github.com/mesaflow/mesaflow-backend/pkg/errors"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&models.Plan{}, &models.Subscription{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	session := conn.Session(&gorm.Session{AllowGlobalUpdate: true})
	for _, model := range []any{&models.Subscription{}, &models.Plan{}} {
		if err := session.Delete(model).Error; err != nil {
			t.Fatalf("failed to reset table: %v", err)
		}
	}
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	return NewService(NewRepository(conn), logg), conn
}

func validCreateInput() CreateInput {
	return CreateInput{
		Code:         "Pro-Monthly",
		Name:         "Pro Monthly",
		Interval:     enums.BillingIntervalMonthly,
		PriceAmount:  decimal.NewFromFloat(49.99),
		CurrencyCode: "usd",
		TrialDays:    15,
		IsPublic:     true,
		Features:     []string{"reports", "multi_location"},
	}
}

func TestCreateNormalizesAndValidates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	plan, err := svc.Create(ctx, validCreateInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if plan.Code != "pro-monthly" {
		t.Fatalf("code not normalized: %q", plan.Code)
	}
	if plan.CurrencyCode != "USD" {
		t.Fatalf("currency not normalized: %q", plan.CurrencyCode)
	}
	if plan.Status != enums.PlanStatusActive {
		t.Fatalf("new plan should be active, got %v", plan.Status)
	}

	_, err = svc.Create(ctx, validCreateInput())
	if !apperrors.HasCode(err, apperrors.CodeConflict) {
		t.Fatalf("duplicate code should conflict, got %v", err)
	}

	bad := validCreateInput()
	bad.Code = "negative"
	bad.PriceAmount = decimal.NewFromInt(-1)
	if _, err := svc.Create(ctx, bad); !apperrors.HasCode(err, apperrors.CodeValidation) {
		t.Fatalf("negative price should be rejected, got %v", err)
	}

	custom := validCreateInput()
	custom.Code = "custom-nodays"
	custom.Interval = enums.BillingIntervalCustom
	custom.IntervalDays = nil
	if _, err := svc.Create(ctx, custom); !apperrors.HasCode(err, apperrors.CodeValidation) {
		t.Fatalf("custom interval without days should be rejected, got %v", err)
	}
}

func TestUpdateFreezesFinancialTermsOnceReferenced(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	plan, err := svc.Create(ctx, validCreateInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Unreferenced plans can still be repriced.
	newPrice := decimal.NewFromFloat(59.99)
	updated, err := svc.Update(ctx, plan.ID, UpdateInput{PriceAmount: &newPrice})
	if err != nil {
		t.Fatalf("Update before reference: %v", err)
	}
	if !updated.PriceAmount.Equal(newPrice) {
		t.Fatalf("price %s, want %s", updated.PriceAmount, newPrice)
	}

	sub := models.Subscription{
		OwnerID:   uuid.New(),
		UserID:    uuid.New(),
		PlanID:    plan.ID,
		Provider:  enums.PaymentProviderStripe,
		Status:    enums.SubscriptionStatusActive,
		AutoRenew: true,
		Amount:    newPrice,
		Currency:  "USD",
	}
	if err := conn.Create(&sub).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	again := decimal.NewFromFloat(99.99)
	if _, err := svc.Update(ctx, plan.ID, UpdateInput{PriceAmount: &again}); !apperrors.HasCode(err, apperrors.CodeConflict) {
		t.Fatalf("repricing a referenced plan should conflict, got %v", err)
	}

	// Non-financial edits stay open.
	name := "Pro Monthly v2"
	renamed, err := svc.Update(ctx, plan.ID, UpdateInput{Name: &name})
	if err != nil {
		t.Fatalf("rename after reference: %v", err)
	}
	if renamed.Name != name {
		t.Fatalf("name %q, want %q", renamed.Name, name)
	}
}

func TestDeactivateKeepsRowAndIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	plan, err := svc.Create(ctx, validCreateInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	retired, err := svc.Deactivate(ctx, plan.ID)
	if err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if retired.Status != enums.PlanStatusInactive {
		t.Fatalf("status %v, want inactive", retired.Status)
	}

	if _, err := svc.Deactivate(ctx, plan.ID); err != nil {
		t.Fatalf("second Deactivate: %v", err)
	}

	if _, err := svc.Get(ctx, plan.ID); err != nil {
		t.Fatalf("retired plan should still load: %v", err)
	}
}

func TestListFiltersVisibility(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	public, err := svc.Create(ctx, validCreateInput())
	if err != nil {
		t.Fatalf("Create public: %v", err)
	}

	hidden := validCreateInput()
	hidden.Code = "enterprise"
	hidden.IsPublic = false
	if _, err := svc.Create(ctx, hidden); err != nil {
		t.Fatalf("Create private: %v", err)
	}

	retired := validCreateInput()
	retired.Code = "legacy"
	retiredPlan, err := svc.Create(ctx, retired)
	if err != nil {
		t.Fatalf("Create legacy: %v", err)
	}
	if _, err := svc.Deactivate(ctx, retiredPlan.ID); err != nil {
		t.Fatalf("Deactivate legacy: %v", err)
	}

	visible, err := svc.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != public.ID {
		t.Fatalf("default listing should show one public active plan, got %d", len(visible))
	}

	all, err := svc.List(ctx, ListFilter{IncludePrivate: true, IncludeInactive: true})
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("admin listing should show 3 plans, got %d", len(all))
	}
}

package subscription

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mesaflow/mesaflow-backend/internal/gateway"
	"github.com/mesaflow/mesaflow-backend/pkg/db"
	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/enums"
	apperrors "github.com/mesaflow/mesaflow-backend/pkg/errors"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
	"github.com/mesaflow/mesaflow-backend/pkg/pagination"
)

type fakeGateway struct {
	provider enums.PaymentProvider
	outcome  gateway.Outcome
	requests []gateway.Request
}

func (f *fakeGateway) Provider() enums.PaymentProvider { return f.provider }

func (f *fakeGateway) Renew(_ context.Context, req gateway.Request) gateway.Outcome {
	f.requests = append(f.requests, req)
	return f.outcome
}

func newServiceHarness(t *testing.T, gw *fakeGateway) (*Service, *machineHarness) {
	t.Helper()
	h := newMachineHarness(t)
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})

	gateways := []gateway.Gateway{gateway.NewManualGateway()}
	if gw != nil {
		gateways = append(gateways, gw)
	}
	registry := gateway.NewRegistry(time.Second, nil, nil, gateways...)

	svc := NewService(db.NewFromGorm(h.conn), h.repo, h.machine, registry, logg)
	svc.now = func() time.Time { return h.now }
	return svc, h
}

func TestStartTrial(t *testing.T) {
	svc, h := newServiceHarness(t, nil)
	plan := h.seedPlan(t)
	ctx := context.Background()

	sub, err := svc.StartTrial(ctx, StartTrialInput{
		OwnerID: uuid.New(),
		UserID:  uuid.New(),
		PlanID:  plan.ID,
	})
	if err != nil {
		t.Fatalf("StartTrial: %v", err)
	}
	if sub.Status != enums.SubscriptionStatusTrial {
		t.Fatalf("status %v, want trial", sub.Status)
	}
	if !sub.Amount.IsZero() {
		t.Fatalf("trial amount must be zero, got %s", sub.Amount)
	}
	wantEnd := h.now.AddDate(0, 0, plan.TrialDays)
	if sub.TrialEndsAt == nil || !sub.TrialEndsAt.Equal(wantEnd) {
		t.Fatalf("trial end %v, want %v", sub.TrialEndsAt, wantEnd)
	}
	if sub.NextPaymentAt != nil {
		t.Fatal("trials have no billing schedule")
	}
}

func TestStartTrialRejectsSecondLiveSubscription(t *testing.T) {
	svc, h := newServiceHarness(t, nil)
	plan := h.seedPlan(t)
	ctx := context.Background()
	ownerID := uuid.New()

	if _, err := svc.StartTrial(ctx, StartTrialInput{OwnerID: ownerID, UserID: uuid.New(), PlanID: plan.ID}); err != nil {
		t.Fatalf("first StartTrial: %v", err)
	}
	_, err := svc.StartTrial(ctx, StartTrialInput{OwnerID: ownerID, UserID: uuid.New(), PlanID: plan.ID})
	if !apperrors.HasCode(err, apperrors.CodeConflict) {
		t.Fatalf("second trial should conflict, got %v", err)
	}
}

func TestStartTrialRequiresTrialPlan(t *testing.T) {
	svc, h := newServiceHarness(t, nil)
	plan := models.Plan{
		Code:         "basic-monthly",
		Name:         "Basic Monthly",
		Status:       enums.PlanStatusActive,
		Interval:     enums.BillingIntervalMonthly,
		PriceAmount:  decimal.NewFromInt(19),
		CurrencyCode: "USD",
	}
	if err := h.conn.Create(&plan).Error; err != nil {
		t.Fatalf("seed plan: %v", err)
	}

	_, err := svc.StartTrial(context.Background(), StartTrialInput{OwnerID: uuid.New(), UserID: uuid.New(), PlanID: plan.ID})
	if !apperrors.HasCode(err, apperrors.CodeValidation) {
		t.Fatalf("plan without trial days should be rejected, got %v", err)
	}
}

func TestSubscribeActivatesOnConfirmedCharge(t *testing.T) {
	gw := &fakeGateway{
		provider: enums.PaymentProviderStripe,
		outcome:  gateway.Outcome{Success: true, ProviderPaymentID: "pi_1"},
	}
	svc, h := newServiceHarness(t, gw)
	plan := h.seedPlan(t)

	sub, err := svc.Subscribe(context.Background(), SubscribeInput{
		OwnerID:          uuid.New(),
		UserID:           uuid.New(),
		PlanID:           plan.ID,
		Provider:         enums.PaymentProviderStripe,
		CustomerRef:      "cus_1",
		PaymentMethodRef: "pm_1",
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.Status != enums.SubscriptionStatusActive {
		t.Fatalf("status %v, want active", sub.Status)
	}
	if !sub.Amount.Equal(plan.PriceAmount) {
		t.Fatalf("amount snapshot %s, want %s", sub.Amount, plan.PriceAmount)
	}
	wantNext := h.now.AddDate(0, 0, 30)
	if sub.NextPaymentAt == nil || !sub.NextPaymentAt.Equal(wantNext) {
		t.Fatalf("next payment %v, want %v", sub.NextPaymentAt, wantNext)
	}
	if len(gw.requests) != 1 {
		t.Fatalf("expected one charge, got %d", len(gw.requests))
	}
	if !gw.requests[0].Amount.Equal(plan.PriceAmount) {
		t.Fatalf("charged %s, want %s", gw.requests[0].Amount, plan.PriceAmount)
	}
}

func TestSubscribeStaysPendingWhenChargeUnconfirmed(t *testing.T) {
	gw := &fakeGateway{
		provider: enums.PaymentProviderStripe,
		outcome:  gateway.Outcome{Success: false, FailureReason: "requires_action"},
	}
	svc, h := newServiceHarness(t, gw)
	plan := h.seedPlan(t)

	sub, err := svc.Subscribe(context.Background(), SubscribeInput{
		OwnerID:  uuid.New(),
		UserID:   uuid.New(),
		PlanID:   plan.ID,
		Provider: enums.PaymentProviderStripe,
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.Status != enums.SubscriptionStatusPending {
		t.Fatalf("status %v, want pending", sub.Status)
	}

	stored, err := svc.Get(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != enums.SubscriptionStatusPending {
		t.Fatalf("stored status %v, want pending", stored.Status)
	}
}

func TestSubscribeManualProviderStaysPending(t *testing.T) {
	svc, h := newServiceHarness(t, nil)
	plan := h.seedPlan(t)

	sub, err := svc.Subscribe(context.Background(), SubscribeInput{
		OwnerID:  uuid.New(),
		UserID:   uuid.New(),
		PlanID:   plan.ID,
		Provider: enums.PaymentProviderManual,
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.Status != enums.SubscriptionStatusPending {
		t.Fatalf("manual signup should stay pending, got %v", sub.Status)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	svc, h := newServiceHarness(t, nil)
	plan := h.seedPlan(t)
	sub := h.seedSubscription(t, plan.ID, nil)
	ctx := context.Background()

	first, err := svc.Cancel(ctx, sub.ID, "api")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if first.Status != enums.SubscriptionStatusCanceled || first.CanceledAt == nil {
		t.Fatalf("unexpected state after cancel: %+v", first)
	}

	second, err := svc.Cancel(ctx, sub.ID, "api")
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if second.Status != enums.SubscriptionStatusCanceled {
		t.Fatalf("second cancel changed status: %v", second.Status)
	}
}

func TestListEventsPaginates(t *testing.T) {
	svc, h := newServiceHarness(t, nil)
	plan := h.seedPlan(t)
	sub := h.seedSubscription(t, plan.ID, nil)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		event := models.SubscriptionEvent{
			SubscriptionID: sub.ID,
			IdempotencyKey: "k" + string(rune('1'+i)),
			Trigger:        TriggerPaymentSucceeded.String(),
			FromStatus:     enums.SubscriptionStatusActive,
			ToStatus:       enums.SubscriptionStatusActive,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := h.conn.Create(&event).Error; err != nil {
			t.Fatalf("seed event: %v", err)
		}
	}

	page, next, err := svc.ListEvents(ctx, sub.ID, pagination.Params{Limit: 2})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 events, got %d", len(page))
	}
	if next == "" {
		t.Fatal("expected a next cursor")
	}

	rest, next, err := svc.ListEvents(ctx, sub.ID, pagination.Params{Limit: 2, Cursor: next})
	if err != nil {
		t.Fatalf("ListEvents page 2: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("expected 1 remaining event, got %d", len(rest))
	}
	if next != "" {
		t.Fatalf("expected no further cursor, got %q", next)
	}
}

package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mesaflow/mesaflow-backend/internal/billing"
	"github.com/mesaflow/mesaflow-backend/internal/gateway"
	"github.com/mesaflow/mesaflow-backend/internal/notifications"
	"github.com/mesaflow/mesaflow-backend/internal/subscription"
	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/enums"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
	"github.com/shopspring/decimal"
)

var sweepNow = time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "scheduler-test", Output: io.Discard})
}

func fixedNow() time.Time { return sweepNow }

// fakeMachine records every command and reports each as applied unless told
// otherwise.
type fakeMachine struct {
	commands []subscription.Command
	noop     bool
	failKeys map[string]error
}

func (f *fakeMachine) Apply(_ context.Context, cmd subscription.Command) (*subscription.Result, error) {
	f.commands = append(f.commands, cmd)
	if err, ok := f.failKeys[cmd.IdempotencyKey]; ok {
		return nil, err
	}
	return &subscription.Result{Applied: !f.noop}, nil
}

// fakeCharges returns a canned outcome and records what it was asked to
// charge.
type fakeCharges struct {
	outcome   gateway.Outcome
	requests  []gateway.Request
	providers []enums.PaymentProvider
}

func (f *fakeCharges) Renew(_ context.Context, provider enums.PaymentProvider, req gateway.Request) gateway.Outcome {
	f.providers = append(f.providers, provider)
	f.requests = append(f.requests, req)
	return f.outcome
}

// fakeRepo serves the sweep list queries from fixed slices. Methods the
// sweeps never call fall through to the embedded nil interface and panic,
// which is the failure we want in a test.
type fakeRepo struct {
	billing.Repository
	dueRenewal     []models.Subscription
	dueRetry       []models.Subscription
	pastGrace      []models.Subscription
	trials         []models.Subscription
	renewing       []models.Subscription
	events         map[string]bool
	reminders      []models.RenewalReminder
	reminderExists bool

	renewalDueBy time.Time
	graceCutoff  time.Time
	windows      [][2]time.Time
}

func (f *fakeRepo) WithTx(*gorm.DB) billing.Repository { return f }

func (f *fakeRepo) FindEventByKey(_ context.Context, subscriptionID uuid.UUID, key string) (*models.SubscriptionEvent, error) {
	if f.events[key] {
		return &models.SubscriptionEvent{SubscriptionID: subscriptionID, IdempotencyKey: key}, nil
	}
	return nil, nil
}

func (f *fakeRepo) ListSubscriptionsDueForRenewal(_ context.Context, dueBy time.Time, _ int) ([]models.Subscription, error) {
	f.renewalDueBy = dueBy
	return f.dueRenewal, nil
}

func (f *fakeRepo) ListSubscriptionsDueForRetry(_ context.Context, _ time.Time, _, _ int) ([]models.Subscription, error) {
	return f.dueRetry, nil
}

func (f *fakeRepo) ListSubscriptionsPastGrace(_ context.Context, cutoff time.Time, _ int) ([]models.Subscription, error) {
	f.graceCutoff = cutoff
	return f.pastGrace, nil
}

func (f *fakeRepo) ListTrialsEndingBy(_ context.Context, _ time.Time, _ int) ([]models.Subscription, error) {
	return f.trials, nil
}

func (f *fakeRepo) ListSubscriptionsRenewingBetween(_ context.Context, from, to time.Time, _ int) ([]models.Subscription, error) {
	f.windows = append(f.windows, [2]time.Time{from, to})
	var out []models.Subscription
	for _, sub := range f.renewing {
		due := sub.RenewalDate()
		if !due.Before(from) && due.Before(to) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (f *fakeRepo) ReminderExists(context.Context, uuid.UUID, time.Time, int) (bool, error) {
	return f.reminderExists, nil
}

func (f *fakeRepo) InsertReminder(_ context.Context, reminder *models.RenewalReminder) error {
	f.reminders = append(f.reminders, *reminder)
	return nil
}

// fakeTx runs the callback without a real transaction.
type fakeTx struct{}

func (fakeTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error { return fn(nil) }

type fakeSender struct {
	messages []notifications.Message
	err      error
}

func (f *fakeSender) Send(_ context.Context, _ *gorm.DB, msg notifications.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msg)
	return nil
}

func dueSubscription(status enums.SubscriptionStatus, dueAt time.Time) models.Subscription {
	customer := "cus_test"
	return models.Subscription{
		ID:                 uuid.New(),
		OwnerID:            uuid.New(),
		UserID:             uuid.New(),
		PlanID:             uuid.New(),
		Provider:           enums.PaymentProviderStripe,
		ProviderCustomerID: &customer,
		Status:             status,
		AutoRenew:          true,
		Amount:             decimal.RequireFromString("49.99"),
		Currency:           "USD",
		NextPaymentAt:      &dueAt,
		Metadata:           json.RawMessage(`{"payment_method_ref":"pm_card_123"}`),
	}
}

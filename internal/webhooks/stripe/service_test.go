package stripewebhook

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"gorm.io/gorm"

	"github.com/mesaflow/mesaflow-backend/internal/billing"
	"github.com/mesaflow/mesaflow-backend/internal/subscription"
	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/enums"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
	"github.com/mesaflow/mesaflow-backend/pkg/pagination"
)

type stubMachine struct {
	commands []subscription.Command
}

func (s *stubMachine) Apply(_ context.Context, cmd subscription.Command) (*subscription.Result, error) {
	s.commands = append(s.commands, cmd)
	return &subscription.Result{Applied: true}, nil
}

type stubBillingRepo struct {
	existing *models.Subscription
}

func (s *stubBillingRepo) WithTx(*gorm.DB) billing.Repository { return s }

func (s *stubBillingRepo) CreateSubscription(context.Context, *models.Subscription) error { return nil }
func (s *stubBillingRepo) UpdateSubscription(context.Context, *models.Subscription) error { return nil }

func (s *stubBillingRepo) FindSubscriptionByID(_ context.Context, id uuid.UUID) (*models.Subscription, error) {
	if s.existing != nil && s.existing.ID == id {
		return s.existing, nil
	}
	return nil, nil
}

func (s *stubBillingRepo) FindSubscriptionByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return s.FindSubscriptionByID(ctx, id)
}

func (s *stubBillingRepo) FindLiveSubscriptionByOwner(context.Context, uuid.UUID) (*models.Subscription, error) {
	return nil, nil
}

func (s *stubBillingRepo) FindSubscriptionByProviderRef(_ context.Context, _ enums.PaymentProvider, ref string) (*models.Subscription, error) {
	if s.existing != nil && s.existing.ProviderRef != nil && *s.existing.ProviderRef == ref {
		return s.existing, nil
	}
	return nil, nil
}

func (s *stubBillingRepo) ListSubscriptionsByOwner(context.Context, uuid.UUID) ([]models.Subscription, error) {
	return nil, nil
}

func (s *stubBillingRepo) ListSubscriptionsDueForRenewal(context.Context, time.Time, int) ([]models.Subscription, error) {
	return nil, nil
}

func (s *stubBillingRepo) ListSubscriptionsDueForRetry(context.Context, time.Time, int, int) ([]models.Subscription, error) {
	return nil, nil
}

func (s *stubBillingRepo) ListSubscriptionsPastGrace(context.Context, time.Time, int) ([]models.Subscription, error) {
	return nil, nil
}

func (s *stubBillingRepo) ListTrialsEndingBy(context.Context, time.Time, int) ([]models.Subscription, error) {
	return nil, nil
}

func (s *stubBillingRepo) ListSubscriptionsRenewingBetween(context.Context, time.Time, time.Time, int) ([]models.Subscription, error) {
	return nil, nil
}

func (s *stubBillingRepo) FindPlanByID(context.Context, uuid.UUID) (*models.Plan, error) {
	return nil, nil
}

func (s *stubBillingRepo) InsertEvent(context.Context, *models.SubscriptionEvent) error { return nil }

func (s *stubBillingRepo) FindEventByKey(context.Context, uuid.UUID, string) (*models.SubscriptionEvent, error) {
	return nil, nil
}

func (s *stubBillingRepo) ListEvents(context.Context, uuid.UUID, pagination.Params) ([]models.SubscriptionEvent, error) {
	return nil, nil
}

func (s *stubBillingRepo) ReminderExists(context.Context, uuid.UUID, time.Time, int) (bool, error) {
	return false, nil
}

func (s *stubBillingRepo) InsertReminder(context.Context, *models.RenewalReminder) error { return nil }

func newTestService(t *testing.T, repo *stubBillingRepo, machine *stubMachine) *Service {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	svc, err := NewService(ServiceParams{
		BillingRepo: repo,
		Machine:     machine,
		Logger:      logg,
	})
	if err != nil {
		t.Fatalf("setup service: %v", err)
	}
	return svc
}

func TestHandleEventMapsInvoicePaid(t *testing.T) {
	ref := "sub_stripe_1"
	existing := &models.Subscription{
		ID:          uuid.New(),
		Provider:    enums.PaymentProviderStripe,
		ProviderRef: &ref,
		Status:      enums.SubscriptionStatusActive,
	}
	machine := &stubMachine{}
	svc := newTestService(t, &stubBillingRepo{existing: existing}, machine)

	event := &stripe.Event{
		ID:   "evt_1",
		Type: stripe.EventTypeInvoicePaid,
		Data: &stripe.EventData{
			Object: map[string]interface{}{"id": "in_1", "subscription": ref},
		},
	}
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if len(machine.commands) != 1 {
		t.Fatalf("expected one command, got %d", len(machine.commands))
	}
	cmd := machine.commands[0]
	if cmd.Trigger != subscription.TriggerPaymentSucceeded {
		t.Fatalf("trigger %v, want payment_succeeded", cmd.Trigger)
	}
	if cmd.SubscriptionID != existing.ID {
		t.Fatalf("wrong subscription %v", cmd.SubscriptionID)
	}
	if cmd.IdempotencyKey != "evt_1" {
		t.Fatalf("idempotency key %q, want provider event id", cmd.IdempotencyKey)
	}
}

func TestHandleEventMapsPaymentIntentFailureByMetadata(t *testing.T) {
	existing := &models.Subscription{
		ID:       uuid.New(),
		Provider: enums.PaymentProviderStripe,
		Status:   enums.SubscriptionStatusActive,
	}
	machine := &stubMachine{}
	svc := newTestService(t, &stubBillingRepo{existing: existing}, machine)

	event := &stripe.Event{
		ID:   "evt_2",
		Type: stripe.EventTypePaymentIntentPaymentFailed,
		Data: &stripe.EventData{
			Object: map[string]interface{}{
				"id":       "pi_2",
				"metadata": map[string]interface{}{"subscription_id": existing.ID.String()},
				"last_payment_error": map[string]interface{}{
					"message": "Your card has insufficient funds.",
				},
			},
		},
	}
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if len(machine.commands) != 1 {
		t.Fatalf("expected one command, got %d", len(machine.commands))
	}
	cmd := machine.commands[0]
	if cmd.Trigger != subscription.TriggerPaymentFailed {
		t.Fatalf("trigger %v, want payment_failed", cmd.Trigger)
	}
	if cmd.FailureReason != "Your card has insufficient funds." {
		t.Fatalf("failure reason %q", cmd.FailureReason)
	}
}

func TestHandleEventMapsSubscriptionDeletedToCancel(t *testing.T) {
	ref := "sub_stripe_3"
	existing := &models.Subscription{
		ID:          uuid.New(),
		Provider:    enums.PaymentProviderStripe,
		ProviderRef: &ref,
		Status:      enums.SubscriptionStatusActive,
	}
	machine := &stubMachine{}
	svc := newTestService(t, &stubBillingRepo{existing: existing}, machine)

	event := &stripe.Event{
		ID:   "evt_3",
		Type: stripe.EventTypeCustomerSubscriptionDeleted,
		Data: &stripe.EventData{
			Object: map[string]interface{}{"id": ref, "subscription": ref},
		},
	}
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(machine.commands) != 1 || machine.commands[0].Trigger != subscription.TriggerCanceled {
		t.Fatalf("expected cancel command, got %+v", machine.commands)
	}
}

func TestHandleEventIgnoresUnknownTypesAndUnmatchedRows(t *testing.T) {
	machine := &stubMachine{}
	svc := newTestService(t, &stubBillingRepo{}, machine)

	unknown := &stripe.Event{
		ID:   "evt_4",
		Type: stripe.EventType("customer.created"),
		Data: &stripe.EventData{Object: map[string]interface{}{}},
	}
	if err := svc.HandleEvent(context.Background(), unknown); err != nil {
		t.Fatalf("unknown type should be acknowledged: %v", err)
	}

	unmatched := &stripe.Event{
		ID:   "evt_5",
		Type: stripe.EventTypeInvoicePaid,
		Data: &stripe.EventData{
			Object: map[string]interface{}{"subscription": "sub_unknown"},
		},
	}
	if err := svc.HandleEvent(context.Background(), unmatched); err != nil {
		t.Fatalf("unmatched subscription should be acknowledged: %v", err)
	}

	if len(machine.commands) != 0 {
		t.Fatalf("no commands expected, got %d", len(machine.commands))
	}
}

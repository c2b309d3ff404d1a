package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	sq "github.com/square/square-go-sdk"
	"github.com/stripe/stripe-go/v82"

	"github.com/mesaflow/mesaflow-backend/pkg/enums"
	"github.com/mesaflow/mesaflow-backend/pkg/square"
)

type stubGateway struct {
	provider enums.PaymentProvider
	outcome  Outcome
	delay    time.Duration
}

func (s *stubGateway) Provider() enums.PaymentProvider { return s.provider }

func (s *stubGateway) Renew(ctx context.Context, _ Request) Outcome {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	return s.outcome
}

func renewalRequest() Request {
	return Request{
		SubscriptionID:   uuid.New(),
		Amount:           decimal.NewFromFloat(49.99),
		Currency:         "USD",
		CustomerRef:      "cust_1",
		PaymentMethodRef: "pm_1",
		IdempotencyKey:   "renewal:abc:2026-02-01",
	}
}

func TestRegistryDispatchesByProvider(t *testing.T) {
	want := Outcome{Success: true, ProviderPaymentID: "pay_1"}
	reg := NewRegistry(time.Second, nil, nil, &stubGateway{provider: enums.PaymentProviderStripe, outcome: want})

	got := reg.Renew(context.Background(), enums.PaymentProviderStripe, renewalRequest())
	if got != want {
		t.Fatalf("unexpected outcome: %+v", got)
	}
}

func TestRegistryUnknownProviderFails(t *testing.T) {
	reg := NewRegistry(time.Second, nil, nil)

	got := reg.Renew(context.Background(), enums.PaymentProviderSquare, renewalRequest())
	if got.Success {
		t.Fatal("charge through unregistered provider should fail")
	}
	if got.FailureReason == "" {
		t.Fatal("expected a failure reason")
	}
}

func TestRegistryTimesOutSlowCharges(t *testing.T) {
	slow := &stubGateway{
		provider: enums.PaymentProviderStripe,
		outcome:  Outcome{Success: true, ProviderPaymentID: "pay_late"},
		delay:    200 * time.Millisecond,
	}
	reg := NewRegistry(10*time.Millisecond, nil, nil, slow)

	got := reg.Renew(context.Background(), enums.PaymentProviderStripe, renewalRequest())
	if got.Success {
		t.Fatal("slow charge should be treated as failed")
	}
	if got.FailureReason != "charge timed out" {
		t.Fatalf("unexpected failure reason %q", got.FailureReason)
	}
}

func TestManualGatewayAlwaysFails(t *testing.T) {
	gw := NewManualGateway()
	if gw.Provider() != enums.PaymentProviderManual {
		t.Fatalf("unexpected provider %v", gw.Provider())
	}

	out := gw.Renew(context.Background(), renewalRequest())
	if out.Success {
		t.Fatal("manual gateway must never auto-charge")
	}
	if out.FailureReason != "manual renewal required" {
		t.Fatalf("unexpected failure reason %q", out.FailureReason)
	}
}

type stubStripeAPI struct {
	intent *stripe.PaymentIntent
	err    error
	params *stripe.PaymentIntentParams
}

func (s *stubStripeAPI) Create(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.params = params
	return s.intent, s.err
}

func TestStripeGatewayOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		intent      *stripe.PaymentIntent
		err         error
		wantSuccess bool
		wantReason  string
	}{
		{
			name:        "succeeded intent",
			intent:      &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusSucceeded},
			wantSuccess: true,
		},
		{
			name:       "requires action",
			intent:     &stripe.PaymentIntent{ID: "pi_2", Status: stripe.PaymentIntentStatusRequiresAction},
			wantReason: "payment intent status requires_action",
		},
		{
			name:       "card declined",
			err:        &stripe.Error{Code: stripe.ErrorCodeCardDeclined, DeclineCode: stripe.DeclineCodeInsufficientFunds},
			wantReason: "card declined: insufficient_funds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &stubStripeAPI{intent: tt.intent, err: tt.err}
			gw := NewStripeGatewayWithAPI(api)

			out := gw.Renew(context.Background(), renewalRequest())
			if out.Success != tt.wantSuccess {
				t.Fatalf("success=%v, want %v (%+v)", out.Success, tt.wantSuccess, out)
			}
			if tt.wantReason != "" && out.FailureReason != tt.wantReason {
				t.Fatalf("failure reason %q, want %q", out.FailureReason, tt.wantReason)
			}
			if api.params != nil {
				if api.params.Amount == nil || *api.params.Amount != 4999 {
					t.Fatalf("expected amount in cents 4999, got %+v", api.params.Amount)
				}
				if api.params.OffSession == nil || !*api.params.OffSession {
					t.Fatal("renewal charges must be off-session")
				}
			}
		})
	}
}

func TestStripeGatewayStampsSubscriptionMetadata(t *testing.T) {
	api := &stubStripeAPI{intent: &stripe.PaymentIntent{ID: "pi_meta", Status: stripe.PaymentIntentStatusSucceeded}}
	gw := NewStripeGatewayWithAPI(api)
	req := renewalRequest()

	out := gw.Renew(context.Background(), req)
	if !out.Success {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if api.params == nil {
		t.Fatal("expected intent params to be captured")
	}
	// The webhook resolver correlates payment_intent events back to the row
	// through this metadata key; without it, gateway-created charges cannot
	// settle a pending subscription.
	if got := api.params.Metadata["subscription_id"]; got != req.SubscriptionID.String() {
		t.Fatalf("metadata subscription_id %q, want %q", got, req.SubscriptionID)
	}
}

type stubSquarePayments struct {
	payment *sq.Payment
	err     error
	params  square.PaymentCreateParams
}

func (s *stubSquarePayments) CreatePayment(_ context.Context, params square.PaymentCreateParams) (*sq.Payment, error) {
	s.params = params
	return s.payment, s.err
}

func (s *stubSquarePayments) LocationID() string { return "loc_1" }

func TestSquareGatewayOutcomes(t *testing.T) {
	completed := "COMPLETED"
	failed := "FAILED"
	paymentID := "sq_pay_1"

	t.Run("completed payment", func(t *testing.T) {
		payments := &stubSquarePayments{payment: &sq.Payment{ID: &paymentID, Status: &completed}}
		gw := NewSquareGateway(payments)

		out := gw.Renew(context.Background(), renewalRequest())
		if !out.Success || out.ProviderPaymentID != paymentID {
			t.Fatalf("unexpected outcome %+v", out)
		}
		if payments.params.AmountCents != 4999 {
			t.Fatalf("expected 4999 cents, got %d", payments.params.AmountCents)
		}
		if payments.params.LocationID != "loc_1" {
			t.Fatalf("expected configured location, got %q", payments.params.LocationID)
		}
	})

	t.Run("failed payment", func(t *testing.T) {
		payments := &stubSquarePayments{payment: &sq.Payment{ID: &paymentID, Status: &failed}}
		gw := NewSquareGateway(payments)

		out := gw.Renew(context.Background(), renewalRequest())
		if out.Success {
			t.Fatal("failed payment should not succeed")
		}
		if out.FailureReason != "square payment status FAILED" {
			t.Fatalf("unexpected failure reason %q", out.FailureReason)
		}
	})
}

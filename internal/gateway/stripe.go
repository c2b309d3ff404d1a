package gateway

import (
	"context"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"

	"github.com/mesaflow/mesaflow-backend/pkg/enums"
)

// StripeIntentCreator is the slice of the Stripe SDK the gateway uses.
type StripeIntentCreator interface {
	Create(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeIntentAPI struct{}

func (stripeIntentAPI) Create(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.New(params)
}

// StripeGateway renews subscriptions through off-session payment intents on
// the customer's saved payment method.
type StripeGateway struct {
	intents StripeIntentCreator
}

func NewStripeGateway() *StripeGateway {
	return &StripeGateway{intents: stripeIntentAPI{}}
}

// NewStripeGatewayWithAPI exists for tests that stub the SDK.
func NewStripeGatewayWithAPI(intents StripeIntentCreator) *StripeGateway {
	return &StripeGateway{intents: intents}
}

func (g *StripeGateway) Provider() enums.PaymentProvider {
	return enums.PaymentProviderStripe
}

func (g *StripeGateway) Renew(ctx context.Context, req Request) Outcome {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount.Mul(centsPerUnit).IntPart()),
		Currency:      stripe.String(req.Currency),
		Customer:      stripe.String(req.CustomerRef),
		PaymentMethod: stripe.String(req.PaymentMethodRef),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Description:   stripe.String(req.Note),
		Metadata: map[string]string{
			"subscription_id": req.SubscriptionID.String(),
		},
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	intent, err := g.intents.Create(params)
	if err != nil {
		return Outcome{Success: false, FailureReason: stripeFailureReason(err)}
	}
	if intent == nil {
		return Outcome{Success: false, FailureReason: "stripe returned no payment intent"}
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return Outcome{
			Success:           false,
			ProviderPaymentID: intent.ID,
			FailureReason:     "payment intent status " + string(intent.Status),
		}
	}
	return Outcome{Success: true, ProviderPaymentID: intent.ID}
}

func stripeFailureReason(err error) string {
	if stripeErr, ok := err.(*stripe.Error); ok {
		if stripeErr.DeclineCode != "" {
			return "card declined: " + string(stripeErr.DeclineCode)
		}
		if stripeErr.Code != "" {
			return string(stripeErr.Code)
		}
	}
	return err.Error()
}

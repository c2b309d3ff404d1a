package gateway

import (
	"context"

	"github.com/shopspring/decimal"
	sq "github.com/square/square-go-sdk"

	"github.com/mesaflow/mesaflow-backend/pkg/enums"
	"github.com/mesaflow/mesaflow-backend/pkg/square"
)

var centsPerUnit = decimal.NewFromInt(100)

// SquarePaymentCreator is the slice of the Square wrapper the gateway uses.
type SquarePaymentCreator interface {
	CreatePayment(ctx context.Context, params square.PaymentCreateParams) (*sq.Payment, error)
	LocationID() string
}

// SquareGateway renews subscriptions by charging the customer's card on file.
type SquareGateway struct {
	payments SquarePaymentCreator
}

func NewSquareGateway(payments SquarePaymentCreator) *SquareGateway {
	return &SquareGateway{payments: payments}
}

func (g *SquareGateway) Provider() enums.PaymentProvider {
	return enums.PaymentProviderSquare
}

func (g *SquareGateway) Renew(ctx context.Context, req Request) Outcome {
	payment, err := g.payments.CreatePayment(ctx, square.PaymentCreateParams{
		AmountCents:    req.Amount.Mul(centsPerUnit).IntPart(),
		Currency:       req.Currency,
		LocationID:     g.payments.LocationID(),
		CustomerID:     req.CustomerRef,
		SourceID:       req.PaymentMethodRef,
		IdempotencyKey: req.IdempotencyKey,
		Note:           req.Note,
		ReferenceID:    req.SubscriptionID.String(),
	})
	if err != nil {
		return Outcome{Success: false, FailureReason: err.Error()}
	}
	if payment == nil {
		return Outcome{Success: false, FailureReason: "square returned no payment"}
	}

	status := stringValue(payment.GetStatus())
	switch status {
	case "COMPLETED", "APPROVED":
		return Outcome{Success: true, ProviderPaymentID: stringValue(payment.GetID())}
	default:
		return Outcome{
			Success:           false,
			ProviderPaymentID: stringValue(payment.GetID()),
			FailureReason:     "square payment status " + status,
		}
	}
}

func stringValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

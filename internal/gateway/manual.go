package gateway

import (
	"context"

	"github.com/mesaflow/mesaflow-backend/pkg/enums"
)

// ManualGateway covers subscriptions renewed offline (bank transfer,
// sales-managed invoicing). It never charges: every automatic renewal fails
// and the account team confirms payment through the test webhook endpoint or
// an operator action before the grace period runs out.
type ManualGateway struct{}

func NewManualGateway() *ManualGateway {
	return &ManualGateway{}
}

func (g *ManualGateway) Provider() enums.PaymentProvider {
	return enums.PaymentProviderManual
}

func (g *ManualGateway) Renew(context.Context, Request) Outcome {
	return Outcome{Success: false, FailureReason: "manual renewal required"}
}

package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mesaflow/mesaflow-backend/pkg/enums"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
	"github.com/mesaflow/mesaflow-backend/pkg/metrics"
)

// Request is the provider-agnostic renewal charge. The scheduler builds one
// per due subscription; implementations never see subscription rows.
type Request struct {
	SubscriptionID   uuid.UUID
	Amount           decimal.Decimal
	Currency         string
	CustomerRef      string
	PaymentMethodRef string
	Note             string
	IdempotencyKey   string
}

// Outcome is a structured charge result. Implementations never return a Go
// error: a decline, timeout or malformed provider response is a failed
// Outcome so retry accounting stays reliable.
type Outcome struct {
	Success           bool
	ProviderPaymentID string
	FailureReason     string
}

// Gateway is implemented once per payment provider. Implementations must be
// substitutable; callers only branch on provider to pick one.
type Gateway interface {
	Provider() enums.PaymentProvider
	Renew(ctx context.Context, req Request) Outcome
}

// Registry dispatches renewal charges to the per-provider implementations and
// enforces the charge timeout.
type Registry struct {
	gateways map[enums.PaymentProvider]Gateway
	timeout  time.Duration
	metrics  *metrics.BillingMetrics
	logg     *logger.Logger
}

func NewRegistry(timeout time.Duration, bm *metrics.BillingMetrics, logg *logger.Logger, gateways ...Gateway) *Registry {
	byProvider := make(map[enums.PaymentProvider]Gateway, len(gateways))
	for _, gw := range gateways {
		byProvider[gw.Provider()] = gw
	}
	return &Registry{
		gateways: byProvider,
		timeout:  timeout,
		metrics:  bm,
		logg:     logg,
	}
}

// Renew charges through the named provider. A charge that does not come back
// within the timeout is a failure, not an unknown, so the retry state machine
// always progresses.
func (r *Registry) Renew(ctx context.Context, provider enums.PaymentProvider, req Request) Outcome {
	gw, ok := r.gateways[provider]
	if !ok {
		return Outcome{Success: false, FailureReason: "no gateway registered for provider " + provider.String()}
	}

	timeout := r.timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		done <- gw.Renew(cctx, req)
	}()

	var out Outcome
	select {
	case out = <-done:
	case <-cctx.Done():
		out = Outcome{Success: false, FailureReason: "charge timed out"}
	}

	result := "failure"
	if out.Success {
		result = "success"
	}
	r.metrics.IncChargeResult(provider.String(), result)
	if r.logg != nil {
		fields := map[string]any{
			"provider":        provider.String(),
			"subscription_id": req.SubscriptionID.String(),
			"result":          result,
		}
		r.logg.Info(r.logg.WithFields(ctx, fields), "renewal charge attempted")
	}
	return out
}

// Package scheduler holds the daily billing sweeps. Each sweep is a cron job:
// it recomputes its candidate set from persisted rows, drives each candidate
// through the state machine, and isolates per-item failures so one bad row
// never aborts the batch. Re-running a sweep is always safe; the idempotency
// keys below make replays no-ops.
package scheduler

import (
	"context"

	"github.com/mesaflow/mesaflow-backend/internal/gateway"
	"github.com/mesaflow/mesaflow-backend/internal/subscription"
	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/enums"
	"gorm.io/gorm"
)

const (
	source            = "scheduler"
	defaultSweepLimit = 250
	sweepDateLayout   = "2006-01-02"
)

type transitionApplier interface {
	Apply(ctx context.Context, cmd subscription.Command) (*subscription.Result, error)
}

type chargeRunner interface {
	Renew(ctx context.Context, provider enums.PaymentProvider, req gateway.Request) gateway.Outcome
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// chargeRequest builds the provider-agnostic renewal charge for a due row.
// Amount and currency come from the subscription snapshot, never the plan.
func chargeRequest(sub *models.Subscription, idempotencyKey string) gateway.Request {
	return gateway.Request{
		SubscriptionID:   sub.ID,
		Amount:           sub.Amount,
		Currency:         sub.Currency,
		CustomerRef:      sub.CustomerRef(),
		PaymentMethodRef: sub.PaymentMethodRef(),
		Note:             "subscription renewal",
		IdempotencyKey:   idempotencyKey,
	}
}

func triggerForOutcome(out gateway.Outcome) subscription.Trigger {
	if out.Success {
		return subscription.TriggerPaymentSucceeded
	}
	return subscription.TriggerPaymentFailed
}

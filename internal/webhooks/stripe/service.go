package stripewebhook

import (
	"context"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"

	"github.com/mesaflow/mesaflow-backend/internal/billing"
	"github.com/mesaflow/mesaflow-backend/internal/subscription"
	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/enums"
	pkgerrors "github.com/mesaflow/mesaflow-backend/pkg/errors"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
	"github.com/mesaflow/mesaflow-backend/pkg/metrics"
)

const source = "webhook:stripe"

type transitionApplier interface {
	Apply(ctx context.Context, cmd subscription.Command) (*subscription.Result, error)
}

type ServiceParams struct {
	BillingRepo billing.Repository
	Machine     transitionApplier
	Metrics     *metrics.BillingMetrics
	Logger      *logger.Logger
}

// Service translates Stripe's event vocabulary into lifecycle triggers. The
// state machine's journal makes redelivered events no-ops; anything Stripe
// sends that has no mapping is acknowledged and ignored.
type Service struct {
	billingRepo billing.Repository
	machine     transitionApplier
	metrics     *metrics.BillingMetrics
	logg        *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.BillingRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "billing repo required")
	}
	if params.Machine == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "state machine required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		billingRepo: params.BillingRepo,
		machine:     params.Machine,
		metrics:     params.Metrics,
		logg:        params.Logger,
	}, nil
}

func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}

	trigger, ok := triggerForEventType(event.Type)
	if !ok {
		s.ignore(ctx, string(event.Type), event.ID)
		return nil
	}

	sub, err := s.resolveSubscription(ctx, event)
	if err != nil {
		return err
	}
	if sub == nil {
		s.ignore(ctx, string(event.Type), event.ID)
		return nil
	}

	cmd := subscription.Command{
		SubscriptionID:    sub.ID,
		Trigger:           trigger,
		IdempotencyKey:    event.ID,
		Source:            source,
		ProviderPaymentID: event.GetObjectValue("id"),
		ProviderRef:       event.GetObjectValue("subscription"),
		ProviderPayload:   event.Data.Raw,
	}
	if trigger == subscription.TriggerPaymentFailed {
		cmd.FailureReason = failureReason(event)
	}

	_, err = s.machine.Apply(ctx, cmd)
	return err
}

// resolveSubscription maps the event back to our row: first by the
// subscription id we stamp into provider metadata, then by the provider's own
// subscription reference.
func (s *Service) resolveSubscription(ctx context.Context, event *stripe.Event) (*models.Subscription, error) {
	if raw := event.GetObjectValue("metadata", "subscription_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err == nil {
			sub, err := s.billingRepo.FindSubscriptionByID(ctx, id)
			if err != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading subscription")
			}
			if sub != nil {
				return sub, nil
			}
		}
	}

	if ref := event.GetObjectValue("subscription"); ref != "" {
		sub, err := s.billingRepo.FindSubscriptionByProviderRef(ctx, enums.PaymentProviderStripe, ref)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading subscription by provider ref")
		}
		return sub, nil
	}
	return nil, nil
}

func (s *Service) ignore(ctx context.Context, eventType, eventID string) {
	s.metrics.IncWebhookIgnored(enums.PaymentProviderStripe.String())
	fields := map[string]any{"event_type": eventType, "event_id": eventID}
	s.logg.Info(s.logg.WithFields(ctx, fields), "stripe event ignored")
}

func triggerForEventType(eventType stripe.EventType) (subscription.Trigger, bool) {
	switch eventType {
	case stripe.EventTypeInvoicePaid,
		stripe.EventTypeInvoicePaymentSucceeded,
		stripe.EventTypePaymentIntentSucceeded:
		return subscription.TriggerPaymentSucceeded, true
	case stripe.EventTypeInvoicePaymentFailed,
		stripe.EventTypePaymentIntentPaymentFailed:
		return subscription.TriggerPaymentFailed, true
	case stripe.EventTypeCustomerSubscriptionDeleted:
		return subscription.TriggerCanceled, true
	default:
		return "", false
	}
}

func failureReason(event *stripe.Event) string {
	if msg := event.GetObjectValue("last_payment_error", "message"); msg != "" {
		return msg
	}
	if code := event.GetObjectValue("last_payment_error", "decline_code"); code != "" {
		return code
	}
	return "payment failed at provider"
}

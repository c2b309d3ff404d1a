package squarewebhook

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/mesaflow/mesaflow-backend/internal/billing"
	"github.com/mesaflow/mesaflow-backend/internal/subscription"
	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/enums"
	pkgerrors "github.com/mesaflow/mesaflow-backend/pkg/errors"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
	"github.com/mesaflow/mesaflow-backend/pkg/metrics"
)

const source = "webhook:square"

type transitionApplier interface {
	Apply(ctx context.Context, cmd subscription.Command) (*subscription.Result, error)
}

type ServiceParams struct {
	BillingRepo billing.Repository
	Machine     transitionApplier
	Metrics     *metrics.BillingMetrics
	Logger      *logger.Logger
}

// Service translates Square's event vocabulary into lifecycle triggers.
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

// SquareWebhookEvent is the envelope Square posts to the webhook endpoint.
type SquareWebhookEvent struct {
	EventID string            `json:"event_id"`
	Type    string            `json:"type"`
	Data    SquareWebhookData `json:"data"`
}

type SquareWebhookData struct {
	Type   string              `json:"type"`
	ID     string              `json:"id"`
	Object SquareWebhookObject `json:"object"`
}

type SquareWebhookObject struct {
	Payment      *SquarePayment      `json:"payment"`
	Subscription *SquareSubscription `json:"subscription"`
}

// SquarePayment is the slice of Square's payment object the translation
// needs. ReferenceID carries our subscription id, stamped at charge time.
type SquarePayment struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ReferenceID string `json:"reference_id"`
	Note        string `json:"note"`
}

type SquareSubscription struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HandleEvent processes Square payment and subscription events.
func (s *Service) HandleEvent(ctx context.Context, event *SquareWebhookEvent) error {
	if event == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "square event required")
	}

	switch strings.ToLower(event.Type) {
	case "payment.created", "payment.updated":
		return s.handlePayment(ctx, event)
	case "subscription.canceled":
		return s.handleCancellation(ctx, event)
	default:
		s.ignore(ctx, event.Type, event.EventID)
		return nil
	}
}

func (s *Service) handlePayment(ctx context.Context, event *SquareWebhookEvent) error {
	payment := event.Data.Object.Payment
	if payment == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment payload missing")
	}

	var trigger subscription.Trigger
	switch strings.ToUpper(payment.Status) {
	case "COMPLETED", "APPROVED":
		trigger = subscription.TriggerPaymentSucceeded
	case "FAILED", "CANCELED":
		trigger = subscription.TriggerPaymentFailed
	default:
		// PENDING payments settle in a later payment.updated delivery.
		s.ignore(ctx, event.Type+":"+payment.Status, event.EventID)
		return nil
	}

	sub, err := s.resolveByReference(ctx, payment.ReferenceID)
	if err != nil {
		return err
	}
	if sub == nil {
		s.ignore(ctx, event.Type, event.EventID)
		return nil
	}

	payload, _ := json.Marshal(payment)
	cmd := subscription.Command{
		SubscriptionID:    sub.ID,
		Trigger:           trigger,
		IdempotencyKey:    event.EventID,
		Source:            source,
		ProviderPaymentID: payment.ID,
		ProviderPayload:   payload,
	}
	if trigger == subscription.TriggerPaymentFailed {
		cmd.FailureReason = "square payment status " + strings.ToUpper(payment.Status)
	}

	_, err = s.machine.Apply(ctx, cmd)
	return err
}

func (s *Service) handleCancellation(ctx context.Context, event *SquareWebhookEvent) error {
	squareSub := event.Data.Object.Subscription
	if squareSub == nil || squareSub.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription payload missing")
	}

	sub, err := s.billingRepo.FindSubscriptionByProviderRef(ctx, enums.PaymentProviderSquare, squareSub.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading subscription by provider ref")
	}
	if sub == nil {
		s.ignore(ctx, event.Type, event.EventID)
		return nil
	}

	payload, _ := json.Marshal(squareSub)
	_, err = s.machine.Apply(ctx, subscription.Command{
		SubscriptionID:  sub.ID,
		Trigger:         subscription.TriggerCanceled,
		IdempotencyKey:  event.EventID,
		Source:          source,
		ProviderRef:     squareSub.ID,
		ProviderPayload: payload,
	})
	return err
}

func (s *Service) resolveByReference(ctx context.Context, referenceID string) (*models.Subscription, error) {
	if referenceID == "" {
		return nil, nil
	}
	id, err := uuid.Parse(referenceID)
	if err != nil {
		return nil, nil
	}
	sub, err := s.billingRepo.FindSubscriptionByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading subscription")
	}
	return sub, nil
}

func (s *Service) ignore(ctx context.Context, eventType, eventID string) {
	s.metrics.IncWebhookIgnored(enums.PaymentProviderSquare.String())
	fields := map[string]any{"event_type": eventType, "event_id": eventID}
	s.logg.Info(s.logg.WithFields(ctx, fields), "square event ignored")
}

package manualwebhook

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/mesaflow/mesaflow-backend/internal/subscription"
	pkgerrors "github.com/mesaflow/mesaflow-backend/pkg/errors"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
)

const source = "webhook:manual"

type transitionApplier interface {
	Apply(ctx context.Context, cmd subscription.Command) (*subscription.Result, error)
}

// ManualEvent is the admin-posted test/manual event: it speaks the internal
// trigger vocabulary directly instead of a provider's. Operators use it to
// confirm offline payments and to exercise the pipeline end to end.
type ManualEvent struct {
	EventID        string `json:"event_id" validate:"required"`
	SubscriptionID string `json:"subscription_id" validate:"required,uuid"`
	Trigger        string `json:"trigger" validate:"required"`
	Reason         string `json:"reason"`
}

// Service applies manual events to the state machine.
type Service struct {
	machine transitionApplier
	logg    *logger.Logger
}

func NewService(machine transitionApplier, logg *logger.Logger) (*Service, error) {
	if machine == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "state machine required")
	}
	if logg == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{machine: machine, logg: logg}, nil
}

func (s *Service) HandleEvent(ctx context.Context, event *ManualEvent) error {
	if event == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "manual event required")
	}
	subscriptionID, err := uuid.Parse(strings.TrimSpace(event.SubscriptionID))
	if err != nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription id must be a uuid")
	}
	trigger := subscription.Trigger(strings.TrimSpace(event.Trigger))
	if !trigger.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown trigger "+event.Trigger)
	}

	res, err := s.machine.Apply(ctx, subscription.Command{
		SubscriptionID: subscriptionID,
		Trigger:        trigger,
		IdempotencyKey: event.EventID,
		Source:         source,
		FailureReason:  event.Reason,
	})
	if err != nil {
		return err
	}

	fields := map[string]any{
		"event_id": event.EventID,
		"trigger":  trigger.String(),
		"applied":  res.Applied,
	}
	s.logg.Info(s.logg.WithFields(ctx, fields), "manual event processed")
	return nil
}

package notifications

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mesaflow/mesaflow-backend/pkg/enums"
	pkgerrors "github.com/mesaflow/mesaflow-backend/pkg/errors"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
	"github.com/mesaflow/mesaflow-backend/pkg/outbox"
)

// Message is a template reference plus parameters. Rendering and delivery
// belong to the notification collaborator downstream of the billing topic;
// the billing core only decides that a message is owed.
type Message struct {
	OwnerID        uuid.UUID
	SubscriptionID uuid.UUID
	Kind           enums.NotificationKind
	Params         map[string]any
}

// Sender queues subscriber-facing notifications.
type Sender interface {
	Send(ctx context.Context, tx *gorm.DB, msg Message) error
}

// OutboxSender writes the notification as a billing-notification event inside
// the caller's transaction, so the message commits or rolls back with the
// state change (or reminder row) that owed it.
type OutboxSender struct {
	events *outbox.Service
	logg   *logger.Logger
}

func NewOutboxSender(events *outbox.Service, logg *logger.Logger) (*OutboxSender, error) {
	if events == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox service required")
	}
	return &OutboxSender{events: events, logg: logg}, nil
}

func (s *OutboxSender) Send(ctx context.Context, tx *gorm.DB, msg Message) error {
	if msg.OwnerID == uuid.Nil || msg.Kind == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "owner id and notification kind are required")
	}

	data := map[string]any{
		"owner_id":        msg.OwnerID.String(),
		"subscription_id": msg.SubscriptionID.String(),
		"kind":            msg.Kind.String(),
	}
	for k, v := range msg.Params {
		data[k] = v
	}

	err := s.events.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventBillingNotification,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   msg.SubscriptionID,
		Data:          data,
		Version:       1,
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "queueing notification")
	}

	if s.logg != nil {
		fields := map[string]any{
			"kind":            msg.Kind.String(),
			"subscription_id": msg.SubscriptionID.String(),
		}
		s.logg.Info(s.logg.WithFields(ctx, fields), "notification queued")
	}
	return nil
}

package subscription

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mesaflow/mesaflow-backend/internal/billing"
	"github.com/mesaflow/mesaflow-backend/pkg/db"
	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/enums"
	apperrors "github.com/mesaflow/mesaflow-backend/pkg/errors"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
	"github.com/mesaflow/mesaflow-backend/pkg/metrics"
	"github.com/mesaflow/mesaflow-backend/pkg/outbox"
)

// Command carries one trigger into the state machine. IdempotencyKey is a
// scheduler-built key or a provider event id; replaying the same key against
// the same subscription is a no-op.
type Command struct {
	SubscriptionID    uuid.UUID
	Trigger           Trigger
	IdempotencyKey    string
	OccurredAt        time.Time
	Source            string
	FailureReason     string
	ProviderPaymentID string
	ProviderRef       string
	ProviderPayload   json.RawMessage
}

// Result reports what Apply did. Applied is false for idempotent replays,
// terminal states and guard violations; those are outcomes, not errors.
type Result struct {
	Subscription *models.Subscription
	Applied      bool
	Reason       string
	From         enums.SubscriptionStatus
	To           enums.SubscriptionStatus
}

const (
	reasonDuplicate = "duplicate"
	reasonTerminal  = "terminal"
	reasonGuard     = "guard"
)

// Machine owns every status transition. Webhook translation and the sweeps
// are its only callers; both funnel through Apply, which serializes on the
// subscription row.
type Machine struct {
	client  *db.Client
	repo    billing.Repository
	events  *outbox.Service
	metrics *metrics.BillingMetrics
	policy  Policy
	logg    *logger.Logger
	now     func() time.Time
}

func NewMachine(client *db.Client, repo billing.Repository, events *outbox.Service, bm *metrics.BillingMetrics, policy Policy, logg *logger.Logger) *Machine {
	return &Machine{
		client:  client,
		repo:    repo,
		events:  events,
		metrics: bm,
		policy:  policy,
		logg:    logg,
		now:     time.Now,
	}
}

// Policy exposes the machine's immutable tuning to collaborators.
func (m *Machine) Policy() Policy {
	return m.policy
}

// Apply runs one transition inside a transaction holding the subscription's
// row lock. Callers must not hold the lock across provider round trips; the
// charge happens first, then its boolean outcome is fed in here.
func (m *Machine) Apply(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.SubscriptionID == uuid.Nil {
		return nil, apperrors.New(apperrors.CodeValidation, "subscription id is required")
	}
	if !cmd.Trigger.IsValid() {
		return nil, apperrors.New(apperrors.CodeValidation, "unknown trigger "+cmd.Trigger.String())
	}
	if cmd.IdempotencyKey == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "idempotency key is required")
	}
	at := cmd.OccurredAt
	if at.IsZero() {
		at = m.now()
	}

	ctx = m.logg.WithSubscriptionID(ctx, cmd.SubscriptionID.String())

	var res *Result
	err := m.client.WithTx(ctx, func(tx *gorm.DB) error {
		repo := m.repo.WithTx(tx)

		sub, err := repo.FindSubscriptionByIDForUpdate(ctx, cmd.SubscriptionID)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, err, "loading subscription")
		}
		if sub == nil {
			return apperrors.New(apperrors.CodeNotFound, "subscription not found")
		}

		prior, err := repo.FindEventByKey(ctx, sub.ID, cmd.IdempotencyKey)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, err, "checking idempotency key")
		}
		if prior != nil {
			res = &Result{Subscription: sub, Applied: false, Reason: reasonDuplicate, From: sub.Status, To: sub.Status}
			return nil
		}

		if sub.Status.IsTerminal() {
			m.logg.Info(m.logg.WithField(ctx, "trigger", cmd.Trigger.String()), "trigger ignored on terminal subscription")
			res = &Result{Subscription: sub, Applied: false, Reason: reasonTerminal, From: sub.Status, To: sub.Status}
			return nil
		}

		to, ok := nextStatus(sub.Status, cmd.Trigger)
		if !ok || m.violatesRetryGuard(sub, cmd) {
			fields := map[string]any{"trigger": cmd.Trigger.String(), "status": sub.Status.String()}
			m.logg.Warn(m.logg.WithFields(ctx, fields), "transition guard rejected trigger")
			res = &Result{Subscription: sub, Applied: false, Reason: reasonGuard, From: sub.Status, To: sub.Status}
			return nil
		}

		from := sub.Status
		if err := m.mutate(ctx, repo, sub, cmd, to, at); err != nil {
			return err
		}

		detail, _ := json.Marshal(map[string]string{
			"source":              cmd.Source,
			"provider_payment_id": cmd.ProviderPaymentID,
			"error":               cmd.FailureReason,
		})
		event := models.SubscriptionEvent{
			SubscriptionID: sub.ID,
			IdempotencyKey: cmd.IdempotencyKey,
			Trigger:        cmd.Trigger.String(),
			FromStatus:     from,
			ToStatus:       to,
			Detail:         detail,
		}
		if err := repo.InsertEvent(ctx, &event); err != nil {
			if db.IsUniqueViolation(err, "ux_subscription_events_idempotency") {
				res = &Result{Subscription: sub, Applied: false, Reason: reasonDuplicate, From: from, To: from}
				return nil
			}
			return apperrors.Wrap(apperrors.CodeInternal, err, "recording transition")
		}

		if err := repo.UpdateSubscription(ctx, sub); err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, err, "persisting subscription")
		}

		if err := m.emit(ctx, tx, sub, cmd, from, to); err != nil {
			return err
		}

		res = &Result{Subscription: sub, Applied: true, From: from, To: to}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Applied {
		m.metrics.IncTransition(cmd.Trigger.String(), res.To.String())
		fields := map[string]any{
			"trigger": cmd.Trigger.String(),
			"from":    res.From.String(),
			"to":      res.To.String(),
			"source":  cmd.Source,
		}
		m.logg.Info(m.logg.WithFields(ctx, fields), "subscription transition applied")
	}
	return res, nil
}

// violatesRetryGuard blocks a retry bookkeeping update once the attempt
// budget is spent; the expiration sweep owns the row from there.
func (m *Machine) violatesRetryGuard(sub *models.Subscription, cmd Command) bool {
	return cmd.Trigger == TriggerPaymentFailed &&
		sub.Status == enums.SubscriptionStatusFailed &&
		sub.RetryAttempts >= m.policy.MaxRetryAttempts
}

func (m *Machine) mutate(ctx context.Context, repo billing.Repository, sub *models.Subscription, cmd Command, to enums.SubscriptionStatus, at time.Time) error {
	switch cmd.Trigger {
	case TriggerPaymentSucceeded:
		plan, err := repo.FindPlanByID(ctx, sub.PlanID)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, err, "loading plan")
		}
		if plan == nil {
			return apperrors.New(apperrors.CodeNotFound, "plan not found")
		}
		next := at.AddDate(0, 0, plan.PeriodDays())
		sub.Status = to
		sub.LastPaymentAt = &at
		sub.NextPaymentAt = &next
		sub.RetryAttempts = 0
		sub.NextRetryAt = nil
		sub.LastError = nil
		if sub.StartedAt == nil {
			sub.StartedAt = &at
		}

	case TriggerPaymentFailed:
		sub.Status = to
		sub.RetryAttempts++
		retryAt := at.Add(m.policy.RetryDelay(sub.RetryAttempts))
		sub.NextRetryAt = &retryAt
		if cmd.FailureReason != "" {
			reason := cmd.FailureReason
			sub.LastError = &reason
		}

	case TriggerCanceled:
		sub.Status = to
		sub.CanceledAt = &at
		sub.AutoRenew = false

	case TriggerExpired:
		sub.Status = to
		sub.ExpiredAt = &at
		sub.AutoRenew = false
	}

	if cmd.ProviderRef != "" && sub.ProviderRef == nil {
		ref := cmd.ProviderRef
		sub.ProviderRef = &ref
	}
	if len(cmd.ProviderPayload) > 0 {
		// Audit snapshot only; transition logic never reads it back.
		sub.LastProviderPayload = cmd.ProviderPayload
	}
	return nil
}

func (m *Machine) emit(ctx context.Context, tx *gorm.DB, sub *models.Subscription, cmd Command, from, to enums.SubscriptionStatus) error {
	eventType := enums.EventSubscriptionChanged
	switch {
	case cmd.Trigger == TriggerPaymentSucceeded && from != enums.SubscriptionStatusPending:
		eventType = enums.EventSubscriptionRenewed
	case to == enums.SubscriptionStatusExpired:
		eventType = enums.EventSubscriptionExpired
	}

	payload := map[string]any{
		"subscription_id": sub.ID.String(),
		"owner_id":        sub.OwnerID.String(),
		"trigger":         cmd.Trigger.String(),
		"from":            from.String(),
		"to":              to.String(),
	}
	domainEvent := outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   sub.ID,
		Actor:         &outbox.ActorRef{Source: cmd.Source},
		Data:          payload,
		Version:       1,
	}
	if err := m.events.Emit(ctx, tx, domainEvent); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, err, "queueing lifecycle event")
	}

	kind := notificationKindFor(cmd.Trigger, to)
	if kind == "" {
		return nil
	}
	notification := outbox.DomainEvent{
		EventType:     enums.EventBillingNotification,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   sub.ID,
		Actor:         &outbox.ActorRef{Source: cmd.Source},
		Data: map[string]any{
			"subscription_id": sub.ID.String(),
			"owner_id":        sub.OwnerID.String(),
			"kind":            kind.String(),
			"error":           cmd.FailureReason,
		},
		Version: 1,
	}
	if err := m.events.Emit(ctx, tx, notification); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, err, "queueing notification")
	}
	return nil
}

// notificationKindFor maps subscriber-visible transitions to templates; other
// transitions stay silent.
func notificationKindFor(trigger Trigger, to enums.SubscriptionStatus) enums.NotificationKind {
	switch {
	case trigger == TriggerPaymentFailed:
		return enums.NotificationRenewalFailed
	case to == enums.SubscriptionStatusExpired:
		return enums.NotificationSubscriptionExpired
	case to == enums.SubscriptionStatusCanceled:
		return enums.NotificationSubscriptionCanceled
	}
	return ""
}

package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mesaflow/mesaflow-backend/internal/billing"
	"github.com/mesaflow/mesaflow-backend/internal/gateway"
	"github.com/mesaflow/mesaflow-backend/pkg/db"
	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/enums"
	apperrors "github.com/mesaflow/mesaflow-backend/pkg/errors"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
	"github.com/mesaflow/mesaflow-backend/pkg/pagination"
)

// StartTrialInput creates a zero-amount trial subscription.
type StartTrialInput struct {
	OwnerID uuid.UUID
	UserID  uuid.UUID
	PlanID  uuid.UUID
}

// SubscribeInput creates a paid subscription and attempts the first charge.
type SubscribeInput struct {
	OwnerID          uuid.UUID
	UserID           uuid.UUID
	PlanID           uuid.UUID
	Provider         enums.PaymentProvider
	CustomerRef      string
	PaymentMethodRef string
}

// Service is the subscriber-facing lifecycle API: trials, paid signups,
// cancellation and reads. All status changes go through the state machine.
type Service struct {
	client   *db.Client
	repo     billing.Repository
	machine  *Machine
	gateways *gateway.Registry
	logg     *logger.Logger
	now      func() time.Time
}

func NewService(client *db.Client, repo billing.Repository, machine *Machine, gateways *gateway.Registry, logg *logger.Logger) *Service {
	return &Service{
		client:   client,
		repo:     repo,
		machine:  machine,
		gateways: gateways,
		logg:     logg,
		now:      time.Now,
	}
}

// StartTrial opens a trial subscription. Trials never charge: amount is zero
// and the trial-expiry sweep retires the row when the window ends.
func (s *Service) StartTrial(ctx context.Context, input StartTrialInput) (*models.Subscription, error) {
	if input.OwnerID == uuid.Nil || input.PlanID == uuid.Nil {
		return nil, apperrors.New(apperrors.CodeValidation, "owner id and plan id are required")
	}

	plan, err := s.loadActivePlan(ctx, input.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.TrialDays <= 0 {
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("plan %s does not offer a trial", plan.Code))
	}

	now := s.now()
	trialEnd := now.AddDate(0, 0, plan.TrialDays)
	sub := &models.Subscription{
		OwnerID:     input.OwnerID,
		UserID:      input.UserID,
		PlanID:      plan.ID,
		Provider:    enums.PaymentProviderManual,
		Status:      enums.SubscriptionStatusTrial,
		AutoRenew:   true,
		Amount:      decimal.Zero,
		Currency:    plan.CurrencyCode,
		StartedAt:   &now,
		TrialEndsAt: &trialEnd,
	}

	if err := s.createGuardingLiveConflict(ctx, sub); err != nil {
		return nil, err
	}

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"subscription_id": sub.ID.String(),
		"plan":            plan.Code,
		"trial_ends_at":   trialEnd.Format(time.RFC3339),
	}), "trial subscription started")
	return sub, nil
}

// Subscribe creates a paid subscription and attempts the first charge. The
// row is committed as pending before the provider round trip: if the charge
// confirms synchronously the machine activates it, otherwise it stays pending
// until a webhook settles the payment.
func (s *Service) Subscribe(ctx context.Context, input SubscribeInput) (*models.Subscription, error) {
	if input.OwnerID == uuid.Nil || input.PlanID == uuid.Nil {
		return nil, apperrors.New(apperrors.CodeValidation, "owner id and plan id are required")
	}
	if !input.Provider.IsValid() {
		return nil, apperrors.New(apperrors.CodeValidation, "unknown payment provider")
	}

	plan, err := s.loadActivePlan(ctx, input.PlanID)
	if err != nil {
		return nil, err
	}

	sub := &models.Subscription{
		OwnerID:   input.OwnerID,
		UserID:    input.UserID,
		PlanID:    plan.ID,
		Provider:  input.Provider,
		Status:    enums.SubscriptionStatusPending,
		AutoRenew: true,
		Amount:    plan.PriceAmount,
		Currency:  plan.CurrencyCode,
	}
	if input.CustomerRef != "" {
		ref := input.CustomerRef
		sub.ProviderCustomerID = &ref
	}
	if input.PaymentMethodRef != "" {
		meta, _ := json.Marshal(map[string]string{"payment_method_ref": input.PaymentMethodRef})
		sub.Metadata = meta
	}

	if err := s.createGuardingLiveConflict(ctx, sub); err != nil {
		return nil, err
	}

	outcome := s.gateways.Renew(ctx, sub.Provider, gateway.Request{
		SubscriptionID:   sub.ID,
		Amount:           sub.Amount,
		Currency:         sub.Currency,
		CustomerRef:      input.CustomerRef,
		PaymentMethodRef: input.PaymentMethodRef,
		Note:             "subscription signup: " + plan.Code,
		IdempotencyKey:   "subscribe:" + sub.ID.String(),
	})
	if !outcome.Success {
		fields := map[string]any{
			"subscription_id": sub.ID.String(),
			"reason":          outcome.FailureReason,
		}
		s.logg.Info(s.logg.WithFields(ctx, fields), "signup charge not confirmed, subscription stays pending")
		return sub, nil
	}

	res, err := s.machine.Apply(ctx, Command{
		SubscriptionID:    sub.ID,
		Trigger:           TriggerPaymentSucceeded,
		IdempotencyKey:    "subscribe:" + sub.ID.String(),
		Source:            "api",
		ProviderPaymentID: outcome.ProviderPaymentID,
	})
	if err != nil {
		return nil, err
	}
	return res.Subscription, nil
}

// Cancel ends the subscription immediately. Canceling a terminal row is a
// no-op, not an error.
func (s *Service) Cancel(ctx context.Context, subscriptionID uuid.UUID, source string) (*models.Subscription, error) {
	if source == "" {
		source = "api"
	}
	res, err := s.machine.Apply(ctx, Command{
		SubscriptionID: subscriptionID,
		Trigger:        TriggerCanceled,
		IdempotencyKey: "cancel:" + subscriptionID.String(),
		Source:         source,
	})
	if err != nil {
		return nil, err
	}
	return res.Subscription, nil
}

// Get loads a subscription by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	sub, err := s.repo.FindSubscriptionByID(ctx, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "loading subscription")
	}
	if sub == nil {
		return nil, apperrors.New(apperrors.CodeNotFound, "subscription not found")
	}
	return sub, nil
}

// GetLiveForOwner returns the owner's billable subscription, or nil.
func (s *Service) GetLiveForOwner(ctx context.Context, ownerID uuid.UUID) (*models.Subscription, error) {
	sub, err := s.repo.FindLiveSubscriptionByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "loading live subscription")
	}
	return sub, nil
}

// ListForOwner returns every subscription the owner ever had, newest first.
func (s *Service) ListForOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Subscription, error) {
	subs, err := s.repo.ListSubscriptionsByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "listing subscriptions")
	}
	return subs, nil
}

// ListEvents pages through the subscription's transition journal.
func (s *Service) ListEvents(ctx context.Context, subscriptionID uuid.UUID, params pagination.Params) ([]models.SubscriptionEvent, string, error) {
	params.Limit = pagination.NormalizeLimit(params.Limit)
	events, err := s.repo.ListEvents(ctx, subscriptionID, params)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.CodeInternal, err, "listing subscription events")
	}

	page, hasMore := pagination.TrimPage(events, params.Limit)
	next := ""
	if hasMore && len(page) > 0 {
		last := page[len(page)-1]
		next = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, next, nil
}

func (s *Service) loadActivePlan(ctx context.Context, planID uuid.UUID) (*models.Plan, error) {
	plan, err := s.repo.FindPlanByID(ctx, planID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "loading plan")
	}
	if plan == nil {
		return nil, apperrors.New(apperrors.CodeNotFound, "plan not found")
	}
	if plan.Status != enums.PlanStatusActive {
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("plan %s is not open for signup", plan.Code))
	}
	return plan, nil
}

// createGuardingLiveConflict inserts the subscription while enforcing the
// one-live-subscription-per-owner rule. The pre-check gives a clean error for
// the common case; the partial unique index settles races.
func (s *Service) createGuardingLiveConflict(ctx context.Context, sub *models.Subscription) error {
	err := s.client.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		existing, err := repo.FindLiveSubscriptionByOwner(ctx, sub.OwnerID)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, err, "checking live subscription")
		}
		if existing != nil {
			return apperrors.New(apperrors.CodeConflict, "owner already has a live subscription")
		}
		if err := repo.CreateSubscription(ctx, sub); err != nil {
			if db.IsUniqueViolation(err, "ux_subscriptions_owner_live") {
				return apperrors.New(apperrors.CodeConflict, "owner already has a live subscription")
			}
			return apperrors.Wrap(apperrors.CodeInternal, err, "creating subscription")
		}
		return nil
	})
	return err
}

package controllers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mesaflow/mesaflow-backend/api/middleware"
	"github.com/mesaflow/mesaflow-backend/api/responses"
	"github.com/mesaflow/mesaflow-backend/api/validators"
	"github.com/mesaflow/mesaflow-backend/internal/subscription"
	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/enums"
	pkgerrors "github.com/mesaflow/mesaflow-backend/pkg/errors"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
	"github.com/mesaflow/mesaflow-backend/pkg/pagination"
)

const cancelSourceAPI = "api"

// SubscriptionService is the slice of the lifecycle service the HTTP layer
// needs.
type SubscriptionService interface {
	StartTrial(ctx context.Context, input subscription.StartTrialInput) (*models.Subscription, error)
	Subscribe(ctx context.Context, input subscription.SubscribeInput) (*models.Subscription, error)
	Cancel(ctx context.Context, subscriptionID uuid.UUID, source string) (*models.Subscription, error)
	GetLiveForOwner(ctx context.Context, ownerID uuid.UUID) (*models.Subscription, error)
	ListEvents(ctx context.Context, subscriptionID uuid.UUID, params pagination.Params) ([]models.SubscriptionEvent, string, error)
}

type subscribeRequest struct {
	PlanID           string `json:"plan_id" validate:"required,uuid"`
	Provider         string `json:"provider" validate:"required,oneof=stripe square manual"`
	CustomerRef      string `json:"customer_ref,omitempty"`
	PaymentMethodRef string `json:"payment_method_ref,omitempty"`
}

type trialRequest struct {
	PlanID string `json:"plan_id" validate:"required,uuid"`
}

type subscriptionResponse struct {
	ID            uuid.UUID  `json:"id"`
	PlanID        uuid.UUID  `json:"plan_id"`
	Provider      string     `json:"provider"`
	Status        string     `json:"status"`
	AutoRenew     bool       `json:"auto_renew"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	TrialEndsAt   *time.Time `json:"trial_ends_at,omitempty"`
	LastPaymentAt *time.Time `json:"last_payment_at,omitempty"`
	NextPaymentAt *time.Time `json:"next_payment_at,omitempty"`
	RetryAttempts int        `json:"retry_attempts"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	CanceledAt    *time.Time `json:"canceled_at,omitempty"`
	ExpiredAt     *time.Time `json:"expired_at,omitempty"`
}

type subscriptionEventResponse struct {
	ID         uuid.UUID `json:"id"`
	Trigger    string    `json:"trigger"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	CreatedAt  time.Time `json:"created_at"`
}

// SubscriptionCreate starts a paid subscription and attempts the first
// charge synchronously.
func SubscriptionCreate(svc SubscriptionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		ownerID, userID, err := requireActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload subscribeRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		planID, _ := uuid.Parse(payload.PlanID)

		sub, err := svc.Subscribe(r.Context(), subscription.SubscribeInput{
			OwnerID:          ownerID,
			UserID:           userID,
			PlanID:           planID,
			Provider:         enums.PaymentProvider(payload.Provider),
			CustomerRef:      payload.CustomerRef,
			PaymentMethodRef: payload.PaymentMethodRef,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newSubscriptionResponse(sub))
	}
}

// SubscriptionTrialStart opens a free trial on a trial-bearing plan.
func SubscriptionTrialStart(svc SubscriptionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		ownerID, userID, err := requireActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload trialRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		planID, _ := uuid.Parse(payload.PlanID)

		sub, err := svc.StartTrial(r.Context(), subscription.StartTrialInput{
			OwnerID: ownerID,
			UserID:  userID,
			PlanID:  planID,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newSubscriptionResponse(sub))
	}
}

// SubscriptionCancel cancels the owner's live subscription.
func SubscriptionCancel(svc SubscriptionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		ownerID, _, err := requireActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := svc.GetLiveForOwner(r.Context(), ownerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if sub == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "no live subscription"))
			return
		}

		canceled, err := svc.Cancel(r.Context(), sub.ID, cancelSourceAPI)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSubscriptionResponse(canceled))
	}
}

// SubscriptionCurrent returns the owner's live subscription, if any.
func SubscriptionCurrent(svc SubscriptionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		ownerID, _, err := requireActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := svc.GetLiveForOwner(r.Context(), ownerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if sub == nil {
			responses.WriteSuccess(w, nil)
			return
		}
		responses.WriteSuccess(w, newSubscriptionResponse(sub))
	}
}

// SubscriptionEvents pages through the live subscription's transition
// journal, newest first.
func SubscriptionEvents(svc SubscriptionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		ownerID, _, err := requireActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := svc.GetLiveForOwner(r.Context(), ownerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if sub == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "no live subscription"))
			return
		}

		params := pagination.Params{Cursor: r.URL.Query().Get("cursor")}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "limit must be a positive integer"))
				return
			}
			params.Limit = limit
		}

		events, nextCursor, err := svc.ListEvents(r.Context(), sub.ID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out := make([]subscriptionEventResponse, 0, len(events))
		for _, event := range events {
			out = append(out, subscriptionEventResponse{
				ID:         event.ID,
				Trigger:    event.Trigger,
				FromStatus: event.FromStatus.String(),
				ToStatus:   event.ToStatus.String(),
				CreatedAt:  event.CreatedAt,
			})
		}
		responses.WritePage(w, out, nextCursor)
	}
}

func requireActor(r *http.Request) (ownerID, userID uuid.UUID, err error) {
	ownerID, ok := middleware.OwnerIDFromContext(r.Context())
	if !ok {
		return uuid.Nil, uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "owner context missing")
	}
	userID, ok = middleware.UserIDFromContext(r.Context())
	if !ok {
		return uuid.Nil, uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing")
	}
	return ownerID, userID, nil
}

func newSubscriptionResponse(sub *models.Subscription) *subscriptionResponse {
	if sub == nil {
		return nil
	}
	return &subscriptionResponse{
		ID:            sub.ID,
		PlanID:        sub.PlanID,
		Provider:      sub.Provider.String(),
		Status:        sub.Status.String(),
		AutoRenew:     sub.AutoRenew,
		Amount:        sub.Amount.StringFixed(2),
		Currency:      sub.Currency,
		StartedAt:     sub.StartedAt,
		TrialEndsAt:   sub.TrialEndsAt,
		LastPaymentAt: sub.LastPaymentAt,
		NextPaymentAt: sub.NextPaymentAt,
		RetryAttempts: sub.RetryAttempts,
		NextRetryAt:   sub.NextRetryAt,
		CanceledAt:    sub.CanceledAt,
		ExpiredAt:     sub.ExpiredAt,
	}
}

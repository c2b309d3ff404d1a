package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mesaflow/mesaflow-backend/api/responses"
	"github.com/mesaflow/mesaflow-backend/api/validators"
	"github.com/mesaflow/mesaflow-backend/internal/plans"
	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/enums"
	pkgerrors "github.com/mesaflow/mesaflow-backend/pkg/errors"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
)

// PlanCatalog is the slice of the plans service the HTTP layer needs.
type PlanCatalog interface {
	Create(ctx context.Context, input plans.CreateInput) (*models.Plan, error)
	Update(ctx context.Context, id uuid.UUID, input plans.UpdateInput) (*models.Plan, error)
	Deactivate(ctx context.Context, id uuid.UUID) (*models.Plan, error)
	List(ctx context.Context, filter plans.ListFilter) ([]models.Plan, error)
}

type planResponse struct {
	ID           uuid.UUID       `json:"id"`
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Status       string          `json:"status"`
	Interval     string          `json:"interval"`
	IntervalDays *int            `json:"interval_days,omitempty"`
	PriceAmount  string          `json:"price_amount"`
	CurrencyCode string          `json:"currency_code"`
	TrialDays    int             `json:"trial_days"`
	IsPublic     bool            `json:"is_public"`
	Features     []string        `json:"features"`
	Limits       json.RawMessage `json:"limits,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type planCreateRequest struct {
	Code         string          `json:"code" validate:"required"`
	Name         string          `json:"name" validate:"required"`
	Description  string          `json:"description,omitempty"`
	Interval     string          `json:"interval" validate:"required,oneof=monthly yearly custom"`
	IntervalDays *int            `json:"interval_days,omitempty"`
	PriceAmount  decimal.Decimal `json:"price_amount"`
	CurrencyCode string          `json:"currency_code,omitempty"`
	TrialDays    int             `json:"trial_days,omitempty" validate:"min=0"`
	IsPublic     bool            `json:"is_public,omitempty"`
	Features     []string        `json:"features,omitempty"`
	Limits       json.RawMessage `json:"limits,omitempty"`
}

type planUpdateRequest struct {
	Name         *string          `json:"name,omitempty"`
	Description  *string          `json:"description,omitempty"`
	PriceAmount  *decimal.Decimal `json:"price_amount,omitempty"`
	CurrencyCode *string          `json:"currency_code,omitempty"`
	Interval     *string          `json:"interval,omitempty" validate:"omitempty,oneof=monthly yearly custom"`
	IntervalDays *int             `json:"interval_days,omitempty"`
	TrialDays    *int             `json:"trial_days,omitempty"`
	IsPublic     *bool            `json:"is_public,omitempty"`
	Features     []string         `json:"features,omitempty"`
	Limits       json.RawMessage  `json:"limits,omitempty"`
}

// PlanList serves the public catalog: active, public plans only.
func PlanList(svc PlanCatalog, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		list, err := svc.List(r.Context(), plans.ListFilter{})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out := make([]planResponse, 0, len(list))
		for i := range list {
			out = append(out, newPlanResponse(&list[i]))
		}
		responses.WriteSuccess(w, out)
	}
}

// AdminPlanList includes private and retired plans.
func AdminPlanList(svc PlanCatalog, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		list, err := svc.List(r.Context(), plans.ListFilter{IncludePrivate: true, IncludeInactive: true})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out := make([]planResponse, 0, len(list))
		for i := range list {
			out = append(out, newPlanResponse(&list[i]))
		}
		responses.WriteSuccess(w, out)
	}
}

func AdminPlanCreate(svc PlanCatalog, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		var payload planCreateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		plan, err := svc.Create(r.Context(), plans.CreateInput{
			Code:         payload.Code,
			Name:         payload.Name,
			Description:  payload.Description,
			Interval:     enums.BillingInterval(payload.Interval),
			IntervalDays: payload.IntervalDays,
			PriceAmount:  payload.PriceAmount,
			CurrencyCode: payload.CurrencyCode,
			TrialDays:    payload.TrialDays,
			IsPublic:     payload.IsPublic,
			Features:     payload.Features,
			Limits:       payload.Limits,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newPlanResponse(plan))
	}
}

func AdminPlanUpdate(svc PlanCatalog, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		planID, err := uuid.Parse(chi.URLParam(r, "planId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid plan id"))
			return
		}

		var payload planUpdateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		input := plans.UpdateInput{
			Name:         payload.Name,
			Description:  payload.Description,
			PriceAmount:  payload.PriceAmount,
			CurrencyCode: payload.CurrencyCode,
			IntervalDays: payload.IntervalDays,
			TrialDays:    payload.TrialDays,
			IsPublic:     payload.IsPublic,
			Features:     payload.Features,
			Limits:       payload.Limits,
		}
		if payload.Interval != nil {
			interval := enums.BillingInterval(*payload.Interval)
			input.Interval = &interval
		}

		plan, err := svc.Update(r.Context(), planID, input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newPlanResponse(plan))
	}
}

func AdminPlanDeactivate(svc PlanCatalog, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		planID, err := uuid.Parse(chi.URLParam(r, "planId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid plan id"))
			return
		}

		plan, err := svc.Deactivate(r.Context(), planID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newPlanResponse(plan))
	}
}

func newPlanResponse(plan *models.Plan) planResponse {
	return planResponse{
		ID:           plan.ID,
		Code:         plan.Code,
		Name:         plan.Name,
		Description:  plan.Description,
		Status:       plan.Status.String(),
		Interval:     plan.Interval.String(),
		IntervalDays: plan.IntervalDays,
		PriceAmount:  plan.PriceAmount.StringFixed(2),
		CurrencyCode: plan.CurrencyCode,
		TrialDays:    plan.TrialDays,
		IsPublic:     plan.IsPublic,
		Features:     plan.Features,
		Limits:       plan.Limits,
		CreatedAt:    plan.CreatedAt,
	}
}

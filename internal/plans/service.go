package plans

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mesaflow/mesaflow-backend/pkg/db"
	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/enums"
	apperrors "github.com/mesaflow/mesaflow-backend/pkg/errors"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
)

// CreateInput describes a new plan. Code is the stable merchant-facing
// identifier; financial fields freeze once a subscription references the plan.
type CreateInput struct {
	Code         string
	Name         string
	Description  string
	Interval     enums.BillingInterval
	IntervalDays *int
	PriceAmount  decimal.Decimal
	CurrencyCode string
	TrialDays    int
	IsPublic     bool
	Features     []string
	Limits       json.RawMessage
}

// UpdateInput carries optional plan edits; nil fields keep the stored value.
type UpdateInput struct {
	Name         *string
	Description  *string
	PriceAmount  *decimal.Decimal
	CurrencyCode *string
	Interval     *enums.BillingInterval
	IntervalDays *int
	TrialDays    *int
	IsPublic     *bool
	Features     []string
	Limits       json.RawMessage
}

// Service is the plan catalog: create, edit, retire and read plans.
type Service struct {
	repo Repository
	logg *logger.Logger
}

func NewService(repo Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg}
}

// Create registers a new plan in the catalog.
func (s *Service) Create(ctx context.Context, input CreateInput) (*models.Plan, error) {
	code := strings.TrimSpace(strings.ToLower(input.Code))
	if code == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "plan code is required")
	}
	if strings.TrimSpace(input.Name) == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "plan name is required")
	}
	if !input.Interval.IsValid() {
		return nil, apperrors.New(apperrors.CodeValidation, "unknown billing interval")
	}
	if input.Interval == enums.BillingIntervalCustom && (input.IntervalDays == nil || *input.IntervalDays <= 0) {
		return nil, apperrors.New(apperrors.CodeValidation, "custom interval requires a positive interval_days")
	}
	if input.PriceAmount.IsNegative() {
		return nil, apperrors.New(apperrors.CodeValidation, "price must not be negative")
	}
	if input.TrialDays < 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "trial days must not be negative")
	}

	currency := strings.ToUpper(strings.TrimSpace(input.CurrencyCode))
	if currency == "" {
		currency = "USD"
	}

	plan := &models.Plan{
		Code:         code,
		Name:         strings.TrimSpace(input.Name),
		Description:  input.Description,
		Status:       enums.PlanStatusActive,
		Interval:     input.Interval,
		IntervalDays: input.IntervalDays,
		PriceAmount:  input.PriceAmount,
		CurrencyCode: currency,
		TrialDays:    input.TrialDays,
		IsPublic:     input.IsPublic,
		Features:     pq.StringArray(input.Features),
		Limits:       input.Limits,
	}
	if err := s.repo.Create(ctx, plan); err != nil {
		if db.IsUniqueViolation(err, "ux_plans_code") {
			return nil, apperrors.New(apperrors.CodeConflict, fmt.Sprintf("plan code %s already exists", code))
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "creating plan")
	}

	s.logg.Info(s.logg.WithField(ctx, "plan", plan.Code), "plan created")
	return plan, nil
}

// Update edits a plan. Financial terms (price, currency, interval) are frozen
// once any subscription references the plan; retire the plan and create a new
// one instead of repricing existing subscribers.
func (s *Service) Update(ctx context.Context, id uuid.UUID, input UpdateInput) (*models.Plan, error) {
	plan, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if touchesFinancialTerms(input) {
		count, err := s.repo.CountSubscriptions(ctx, plan.ID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternal, err, "counting plan subscriptions")
		}
		if count > 0 {
			return nil, apperrors.New(apperrors.CodeConflict, "financial terms are immutable once a plan has subscriptions")
		}
	}

	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return nil, apperrors.New(apperrors.CodeValidation, "plan name is required")
		}
		plan.Name = strings.TrimSpace(*input.Name)
	}
	if input.Description != nil {
		plan.Description = *input.Description
	}
	if input.PriceAmount != nil {
		if input.PriceAmount.IsNegative() {
			return nil, apperrors.New(apperrors.CodeValidation, "price must not be negative")
		}
		plan.PriceAmount = *input.PriceAmount
	}
	if input.CurrencyCode != nil {
		plan.CurrencyCode = strings.ToUpper(strings.TrimSpace(*input.CurrencyCode))
	}
	if input.Interval != nil {
		if !input.Interval.IsValid() {
			return nil, apperrors.New(apperrors.CodeValidation, "unknown billing interval")
		}
		plan.Interval = *input.Interval
	}
	if input.IntervalDays != nil {
		plan.IntervalDays = input.IntervalDays
	}
	if plan.Interval == enums.BillingIntervalCustom && (plan.IntervalDays == nil || *plan.IntervalDays <= 0) {
		return nil, apperrors.New(apperrors.CodeValidation, "custom interval requires a positive interval_days")
	}
	if input.TrialDays != nil {
		if *input.TrialDays < 0 {
			return nil, apperrors.New(apperrors.CodeValidation, "trial days must not be negative")
		}
		plan.TrialDays = *input.TrialDays
	}
	if input.IsPublic != nil {
		plan.IsPublic = *input.IsPublic
	}
	if input.Features != nil {
		plan.Features = pq.StringArray(input.Features)
	}
	if input.Limits != nil {
		plan.Limits = input.Limits
	}

	if err := s.repo.Update(ctx, plan); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "updating plan")
	}
	return plan, nil
}

// Deactivate retires a plan from new signups. Existing subscriptions keep
// billing against their snapshots; plan rows are never deleted.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	plan, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan.Status == enums.PlanStatusInactive {
		return plan, nil
	}
	plan.Status = enums.PlanStatusInactive
	if err := s.repo.Update(ctx, plan); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "deactivating plan")
	}
	s.logg.Info(s.logg.WithField(ctx, "plan", plan.Code), "plan deactivated")
	return plan, nil
}

// Get loads a plan by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	return s.load(ctx, id)
}

// GetByCode loads a plan by its stable code.
func (s *Service) GetByCode(ctx context.Context, code string) (*models.Plan, error) {
	plan, err := s.repo.FindByCode(ctx, strings.TrimSpace(strings.ToLower(code)))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "loading plan")
	}
	if plan == nil {
		return nil, apperrors.New(apperrors.CodeNotFound, "plan not found")
	}
	return plan, nil
}

// List returns catalog plans. Non-admin callers see active public plans only.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]models.Plan, error) {
	plans, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "listing plans")
	}
	return plans, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	plan, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "loading plan")
	}
	if plan == nil {
		return nil, apperrors.New(apperrors.CodeNotFound, "plan not found")
	}
	return plan, nil
}

func touchesFinancialTerms(input UpdateInput) bool {
	return input.PriceAmount != nil || input.CurrencyCode != nil || input.Interval != nil || input.IntervalDays != nil
}

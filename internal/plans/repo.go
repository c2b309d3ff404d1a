package plans

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/enums"
)

// Repository handles plan persistence.
type Repository interface {
	Create(ctx context.Context, plan *models.Plan) error
	Update(ctx context.Context, plan *models.Plan) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Plan, error)
	FindByCode(ctx context.Context, code string) (*models.Plan, error)
	List(ctx context.Context, filter ListFilter) ([]models.Plan, error)
	CountSubscriptions(ctx context.Context, planID uuid.UUID) (int64, error)
}

// ListFilter narrows plan listings. The zero value lists active public plans.
type ListFilter struct {
	IncludePrivate  bool
	IncludeInactive bool
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, plan *models.Plan) error {
	return r.db.WithContext(ctx).Create(plan).Error
}

func (r *repository) Update(ctx context.Context, plan *models.Plan) error {
	return r.db.WithContext(ctx).Save(plan).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&plan).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repository) FindByCode(ctx context.Context, code string) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.WithContext(ctx).
		Where("code = ?", code).
		First(&plan).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repository) List(ctx context.Context, filter ListFilter) ([]models.Plan, error) {
	query := r.db.WithContext(ctx).Order("created_at ASC")
	if !filter.IncludePrivate {
		query = query.Where("is_public = ?", true)
	}
	if !filter.IncludeInactive {
		query = query.Where("status = ?", enums.PlanStatusActive)
	}
	var plans []models.Plan
	if err := query.Find(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *repository) CountSubscriptions(ctx context.Context, planID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("plan_id = ?", planID).
		Count(&count).Error
	return count, err
}

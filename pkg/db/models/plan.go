package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mesaflow/mesaflow-backend/pkg/enums"
)

// Plan captures the commercial terms a subscription bills against. Financial
// fields are immutable once any subscription references the plan; retire plans
// by flipping Status to inactive instead of deleting rows.
type Plan struct {
	ID           uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Code         string                `gorm:"column:code;not null;uniqueIndex:ux_plans_code"`
	Name         string                `gorm:"column:name;not null"`
	Description  string                `gorm:"column:description;type:text"`
	Status       enums.PlanStatus      `gorm:"column:status;type:plan_status;not null;default:'active'"`
	Interval     enums.BillingInterval `gorm:"column:interval;type:billing_interval;not null"`
	IntervalDays *int                  `gorm:"column:interval_days"`
	PriceAmount  decimal.Decimal       `gorm:"column:price_amount;type:numeric(12,2);not null"`
	CurrencyCode string                `gorm:"column:currency_code;not null;default:'USD'"`
	TrialDays    int                   `gorm:"column:trial_days;not null;default:0"`
	IsPublic     bool                  `gorm:"column:is_public;not null;default:true"`
	Features     pq.StringArray        `gorm:"column:features;type:text[];default:ARRAY[]::text[]"`
	Limits       json.RawMessage       `gorm:"column:limits;type:jsonb"`
	CreatedAt    time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

// HasFeature reports whether the plan grants the named boolean feature flag.
func (p Plan) HasFeature(name string) bool {
	for _, f := range p.Features {
		if f == name {
			return true
		}
	}
	return false
}

// PeriodDays resolves the billing interval length in days.
func (p Plan) PeriodDays() int {
	switch p.Interval {
	case enums.BillingIntervalYearly:
		return 365
	case enums.BillingIntervalCustom:
		if p.IntervalDays != nil && *p.IntervalDays > 0 {
			return *p.IntervalDays
		}
		return 30
	default:
		return 30
	}
}

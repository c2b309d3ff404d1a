package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mesaflow/mesaflow-backend/pkg/enums"
)

// Subscription tracks one restaurant account's position in the billing
// lifecycle. Amount and currency are snapshots taken from the plan at
// subscribe time so later plan edits never change what a renewal charges.
//
// A partial unique index (ux_subscriptions_owner_live) keeps at most one live
// row per owner; the service layer rechecks inside the transaction before
// insert.
type Subscription struct {
	ID                  uuid.UUID                `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OwnerID             uuid.UUID                `gorm:"column:owner_id;type:uuid;not null;index"`
	UserID              uuid.UUID                `gorm:"column:user_id;type:uuid;not null"`
	PlanID              uuid.UUID                `gorm:"column:plan_id;type:uuid;not null"`
	Plan                *Plan                    `gorm:"foreignKey:PlanID"`
	Provider            enums.PaymentProvider    `gorm:"column:provider;type:payment_provider;not null"`
	ProviderCustomerID  *string                  `gorm:"column:provider_customer_id"`
	ProviderRef         *string                  `gorm:"column:provider_ref;index"`
	Status              enums.SubscriptionStatus `gorm:"column:status;type:subscription_status;not null;default:'pending'"`
	AutoRenew           bool                     `gorm:"column:auto_renew;not null;default:true"`
	Amount              decimal.Decimal          `gorm:"column:amount;type:numeric(12,2);not null;default:0"`
	Currency            string                   `gorm:"column:currency;not null;default:'USD'"`
	StartedAt           *time.Time               `gorm:"column:started_at"`
	TrialEndsAt         *time.Time               `gorm:"column:trial_ends_at"`
	LastPaymentAt       *time.Time               `gorm:"column:last_payment_at"`
	NextPaymentAt       *time.Time               `gorm:"column:next_payment_at;index"`
	RetryAttempts       int                      `gorm:"column:retry_attempts;not null;default:0"`
	NextRetryAt         *time.Time               `gorm:"column:next_retry_at"`
	LastError           *string                  `gorm:"column:last_error"`
	LastProviderPayload json.RawMessage          `gorm:"column:last_provider_payload;type:jsonb"`
	CanceledAt          *time.Time               `gorm:"column:canceled_at"`
	ExpiredAt           *time.Time               `gorm:"column:expired_at"`
	Metadata            json.RawMessage          `gorm:"column:metadata;type:jsonb"`
	CreatedAt           time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

// RenewalDate returns the date the next charge is due, zero when unset.
func (s Subscription) RenewalDate() time.Time {
	if s.NextPaymentAt == nil {
		return time.Time{}
	}
	return *s.NextPaymentAt
}

// PaymentMethodRef reads the saved payment method reference out of the
// metadata blob; empty when none was captured at signup.
func (s Subscription) PaymentMethodRef() string {
	if len(s.Metadata) == 0 {
		return ""
	}
	var meta map[string]string
	if err := json.Unmarshal(s.Metadata, &meta); err != nil {
		return ""
	}
	return meta["payment_method_ref"]
}

// CustomerRef returns the provider-side customer id, empty when unset.
func (s Subscription) CustomerRef() string {
	if s.ProviderCustomerID == nil {
		return ""
	}
	return *s.ProviderCustomerID
}

package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/mesaflow/mesaflow-backend/pkg/enums"
)

// RenewalReminder records a reminder already sent for a (subscription,
// renewal date, lead) tuple so the daily notification sweep never double
// sends. Dedup rides on ux_renewal_reminders_dedup.
type RenewalReminder struct {
	ID             uuid.UUID              `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	SubscriptionID uuid.UUID              `gorm:"column:subscription_id;type:uuid;not null;uniqueIndex:ux_renewal_reminders_dedup"`
	RenewalDate    time.Time              `gorm:"column:renewal_date;type:date;not null;uniqueIndex:ux_renewal_reminders_dedup"`
	LeadDays       int                    `gorm:"column:lead_days;not null;uniqueIndex:ux_renewal_reminders_dedup"`
	Kind           enums.NotificationKind `gorm:"column:kind;not null"`
	SentAt         time.Time              `gorm:"column:sent_at;autoCreateTime"`
}

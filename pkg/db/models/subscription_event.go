package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mesaflow/mesaflow-backend/pkg/enums"
)

// SubscriptionEvent is the append-only transition journal. The composite
// unique index on (subscription_id, idempotency_key) is what makes replays of
// the same trigger a no-op.
type SubscriptionEvent struct {
	ID             uuid.UUID                `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	SubscriptionID uuid.UUID                `gorm:"column:subscription_id;type:uuid;not null;uniqueIndex:ux_subscription_events_idempotency;index"`
	IdempotencyKey string                   `gorm:"column:idempotency_key;not null;uniqueIndex:ux_subscription_events_idempotency"`
	Trigger        string                   `gorm:"column:trigger;not null"`
	FromStatus     enums.SubscriptionStatus `gorm:"column:from_status;type:subscription_status;not null"`
	ToStatus       enums.SubscriptionStatus `gorm:"column:to_status;type:subscription_status;not null"`
	Detail         json.RawMessage          `gorm:"column:detail;type:jsonb"`
	CreatedAt      time.Time                `gorm:"column:created_at;autoCreateTime;index"`
}

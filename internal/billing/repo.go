package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/enums"
	"github.com/mesaflow/mesaflow-backend/pkg/pagination"
)

// Repository handles billing persistence for subscriptions, their transition
// journal and reminder dedup rows.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreateSubscription(ctx context.Context, subscription *models.Subscription) error
	UpdateSubscription(ctx context.Context, subscription *models.Subscription) error
	FindSubscriptionByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	FindSubscriptionByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	FindLiveSubscriptionByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Subscription, error)
	FindSubscriptionByProviderRef(ctx context.Context, provider enums.PaymentProvider, ref string) (*models.Subscription, error)
	ListSubscriptionsByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Subscription, error)

	ListSubscriptionsDueForRenewal(ctx context.Context, dueBy time.Time, limit int) ([]models.Subscription, error)
	ListSubscriptionsDueForRetry(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.Subscription, error)
	ListSubscriptionsPastGrace(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error)
	ListTrialsEndingBy(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error)
	ListSubscriptionsRenewingBetween(ctx context.Context, from, to time.Time, limit int) ([]models.Subscription, error)

	FindPlanByID(ctx context.Context, id uuid.UUID) (*models.Plan, error)

	InsertEvent(ctx context.Context, event *models.SubscriptionEvent) error
	FindEventByKey(ctx context.Context, subscriptionID uuid.UUID, idempotencyKey string) (*models.SubscriptionEvent, error)
	ListEvents(ctx context.Context, subscriptionID uuid.UUID, params pagination.Params) ([]models.SubscriptionEvent, error)

	ReminderExists(ctx context.Context, subscriptionID uuid.UUID, renewalDate time.Time, leadDays int) (bool, error)
	InsertReminder(ctx context.Context, reminder *models.RenewalReminder) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a billing repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateSubscription(ctx context.Context, subscription *models.Subscription) error {
	return r.db.WithContext(ctx).Create(subscription).Error
}

func (r *repository) UpdateSubscription(ctx context.Context, subscription *models.Subscription) error {
	return r.db.WithContext(ctx).Save(subscription).Error
}

func (r *repository) FindSubscriptionByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

// FindSubscriptionByIDForUpdate takes a row lock; callers must run inside a
// transaction so concurrent triggers on the same subscription serialize.
// SQLite has no SELECT FOR UPDATE and serializes writers itself.
func (r *repository) FindSubscriptionByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	query := r.db.WithContext(ctx)
	if r.db.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var sub models.Subscription
	if err := query.
		Where("id = ?", id).
		First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) FindLiveSubscriptionByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Where("status IN (?)", enums.LiveSubscriptionStatuses).
		Order("created_at DESC").
		First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) FindSubscriptionByProviderRef(ctx context.Context, provider enums.PaymentProvider, ref string) (*models.Subscription, error) {
	if ref == "" {
		return nil, nil
	}
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_ref = ?", provider, ref).
		First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) ListSubscriptionsByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Subscription, error) {
	var subs []models.Subscription
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) ListSubscriptionsDueForRenewal(ctx context.Context, dueBy time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 250
	}
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("status = ?", enums.SubscriptionStatusActive).
		Where("auto_renew = ?", true).
		Where("next_payment_at IS NOT NULL AND next_payment_at <= ?", dueBy).
		Order("next_payment_at ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *repository) ListSubscriptionsDueForRetry(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 250
	}
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("status = ?", enums.SubscriptionStatusFailed).
		Where("auto_renew = ?", true).
		Where("retry_attempts < ?", maxAttempts).
		Where("next_retry_at IS NOT NULL AND next_retry_at <= ?", now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

// ListSubscriptionsPastGrace selects rows whose due date fell before the
// cutoff (now minus the grace period). Both failed and active rows qualify;
// an active row with auto_renew off simply lapses once grace elapses.
func (r *repository) ListSubscriptionsPastGrace(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 250
	}
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("status IN (?)", []enums.SubscriptionStatus{enums.SubscriptionStatusFailed, enums.SubscriptionStatusActive}).
		Where("next_payment_at IS NOT NULL AND next_payment_at <= ?", cutoff).
		Order("next_payment_at ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *repository) ListTrialsEndingBy(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 250
	}
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("status = ?", enums.SubscriptionStatusTrial).
		Where("trial_ends_at IS NOT NULL AND trial_ends_at <= ?", cutoff).
		Order("trial_ends_at ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *repository) ListSubscriptionsRenewingBetween(ctx context.Context, from, to time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 250
	}
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("status = ?", enums.SubscriptionStatusActive).
		Where("auto_renew = ?", true).
		Where("next_payment_at >= ? AND next_payment_at < ?", from, to).
		Order("next_payment_at ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *repository) FindPlanByID(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
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

func (r *repository) InsertEvent(ctx context.Context, event *models.SubscriptionEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *repository) FindEventByKey(ctx context.Context, subscriptionID uuid.UUID, idempotencyKey string) (*models.SubscriptionEvent, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	var event models.SubscriptionEvent
	if err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND idempotency_key = ?", subscriptionID, idempotencyKey).
		First(&event).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *repository) ListEvents(ctx context.Context, subscriptionID uuid.UUID, params pagination.Params) ([]models.SubscriptionEvent, error) {
	query := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(pagination.LimitWithBuffer(params.Limit))

	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, err
	}
	if cursor != nil {
		query = query.Where("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID)
	}

	var events []models.SubscriptionEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repository) ReminderExists(ctx context.Context, subscriptionID uuid.UUID, renewalDate time.Time, leadDays int) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.RenewalReminder{}).
		Where("subscription_id = ? AND renewal_date = ? AND lead_days = ?", subscriptionID, renewalDate, leadDays).
		Count(&count).Error
	return count > 0, err
}

func (r *repository) InsertReminder(ctx context.Context, reminder *models.RenewalReminder) error {
	return r.db.WithContext(ctx).Create(reminder).Error
}

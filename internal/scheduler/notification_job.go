package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/mesaflow/mesaflow-backend/internal/billing"
	"github.com/mesaflow/mesaflow-backend/internal/cron"
	"github.com/mesaflow/mesaflow-backend/internal/notifications"
	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/enums"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
)

// NotificationJobParams configures the renewal reminder sweep.
type NotificationJobParams struct {
	Logger   *logger.Logger
	DB       txRunner
	Repo     billing.Repository
	Sender   notifications.Sender
	LeadDays []int
	Limit    int
	Now      func() time.Time
}

// NewNotificationJob builds the sweep that reminds subscribers about upcoming
// renewals. No state change: the reminder row and the queued message commit
// together, and the row dedups by (subscription, renewal date, lead), so the
// same renewal is never announced twice for a given lead time.
func NewNotificationJob(params NotificationJobParams) (cron.Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("billing repository required")
	}
	if params.Sender == nil {
		return nil, fmt.Errorf("notification sender required")
	}
	if len(params.LeadDays) == 0 {
		return nil, fmt.Errorf("reminder lead days required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	return &notificationJob{
		logg:     params.Logger,
		db:       params.DB,
		repo:     params.Repo,
		sender:   params.Sender,
		leadDays: params.LeadDays,
		limit:    limit,
		now:      now,
	}, nil
}

type notificationJob struct {
	logg     *logger.Logger
	db       txRunner
	repo     billing.Repository
	sender   notifications.Sender
	leadDays []int
	limit    int
	now      func() time.Time
}

func (j *notificationJob) Name() string { return "renewal-reminder-sweep" }

func (j *notificationJob) Run(ctx context.Context) error {
	today := startOfDay(j.now())

	var errs error
	candidates, sent, skipped := 0, 0, 0
	for _, lead := range j.leadDays {
		windowStart := today.AddDate(0, 0, lead)
		windowEnd := windowStart.AddDate(0, 0, 1)
		renewing, err := j.repo.ListSubscriptionsRenewingBetween(ctx, windowStart, windowEnd, j.limit)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("list subscriptions renewing in %d days: %w", lead, err))
			continue
		}
		candidates += len(renewing)
		for i := range renewing {
			delivered, err := j.remindOne(ctx, &renewing[i], lead)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if delivered {
				sent++
			} else {
				skipped++
			}
		}
	}

	reportCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": candidates,
		"sent":       sent,
		"skipped":    skipped,
	})
	j.logg.Info(reportCtx, "renewal reminder sweep complete")
	return errs
}

func (j *notificationJob) remindOne(ctx context.Context, sub *models.Subscription, lead int) (bool, error) {
	renewalDate := startOfDay(sub.RenewalDate())
	logCtx := j.logg.WithSubscriptionID(ctx, sub.ID.String())
	logCtx = j.logg.WithField(logCtx, "lead_days", lead)

	exists, err := j.repo.ReminderExists(logCtx, sub.ID, renewalDate, lead)
	if err != nil {
		return false, fmt.Errorf("reminder dedup check %s: %w", sub.ID, err)
	}
	if exists {
		return false, nil
	}

	err = j.db.WithTx(logCtx, func(tx *gorm.DB) error {
		repo := j.repo.WithTx(tx)
		reminder := models.RenewalReminder{
			SubscriptionID: sub.ID,
			RenewalDate:    renewalDate,
			LeadDays:       lead,
			Kind:           enums.NotificationRenewalUpcoming,
		}
		if err := repo.InsertReminder(logCtx, &reminder); err != nil {
			return err
		}
		return j.sender.Send(logCtx, tx, notifications.Message{
			OwnerID:        sub.OwnerID,
			SubscriptionID: sub.ID,
			Kind:           enums.NotificationRenewalUpcoming,
			Params: map[string]any{
				"days_until_renewal": lead,
				"renewal_date":       renewalDate.Format(sweepDateLayout),
				"amount":             sub.Amount.StringFixed(2),
				"currency":           sub.Currency,
			},
		})
	})
	if err != nil {
		return false, fmt.Errorf("send renewal reminder %s: %w", sub.ID, err)
	}
	j.logg.Info(logCtx, "renewal reminder queued")
	return true, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/mesaflow/mesaflow-backend/internal/billing"
	"github.com/mesaflow/mesaflow-backend/internal/cron"
	"github.com/mesaflow/mesaflow-backend/internal/subscription"
	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
)

// ExpirationJobParams configures the grace expiration sweep.
type ExpirationJobParams struct {
	Logger  *logger.Logger
	Repo    billing.Repository
	Machine transitionApplier
	Policy  subscription.Policy
	Limit   int
	Now     func() time.Time
}

// NewExpirationJob builds the sweep that lapses subscriptions whose due date
// fell more than a grace period ago. Grace is measured from the original due
// date, so a pending retry scheduled further out does not keep the row alive.
func NewExpirationJob(params ExpirationJobParams) (cron.Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("billing repository required")
	}
	if params.Machine == nil {
		return nil, fmt.Errorf("state machine required")
	}
	if params.Policy.GracePeriod <= 0 {
		return nil, fmt.Errorf("grace period required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	return &expirationJob{
		logg:    params.Logger,
		repo:    params.Repo,
		machine: params.Machine,
		grace:   params.Policy.GracePeriod,
		limit:   limit,
		now:     now,
	}, nil
}

type expirationJob struct {
	logg    *logger.Logger
	repo    billing.Repository
	machine transitionApplier
	grace   time.Duration
	limit   int
	now     func() time.Time
}

func (j *expirationJob) Name() string { return "expiration-sweep" }

func (j *expirationJob) Run(ctx context.Context) error {
	now := j.now()
	overdue, err := j.repo.ListSubscriptionsPastGrace(ctx, now.Add(-j.grace), j.limit)
	if err != nil {
		return fmt.Errorf("list subscriptions past grace: %w", err)
	}

	var errs error
	expired, skipped := 0, 0
	for i := range overdue {
		applied, err := j.expireOne(ctx, &overdue[i], now)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if applied {
			expired++
		} else {
			skipped++
		}
	}

	reportCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(overdue),
		"expired":    expired,
		"skipped":    skipped,
	})
	j.logg.Info(reportCtx, "expiration sweep complete")
	return errs
}

func (j *expirationJob) expireOne(ctx context.Context, sub *models.Subscription, now time.Time) (bool, error) {
	key := "expire:" + sub.ID.String() + ":" + sub.RenewalDate().UTC().Format(sweepDateLayout)
	logCtx := j.logg.WithSubscriptionID(ctx, sub.ID.String())

	res, err := j.machine.Apply(logCtx, subscription.Command{
		SubscriptionID: sub.ID,
		Trigger:        subscription.TriggerExpired,
		IdempotencyKey: key,
		OccurredAt:     now,
		Source:         source,
		FailureReason:  "grace period elapsed",
	})
	if err != nil {
		return false, fmt.Errorf("expire subscription %s: %w", sub.ID, err)
	}
	if res.Applied {
		j.logg.Info(logCtx, "subscription expired after grace period")
	}
	return res.Applied, nil
}

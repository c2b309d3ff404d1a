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

// TrialJobParams configures the trial expiry sweep.
type TrialJobParams struct {
	Logger  *logger.Logger
	Repo    billing.Repository
	Machine transitionApplier
	Limit   int
	Now     func() time.Time
}

// NewTrialJob builds the sweep that expires trials whose end date has passed.
// Trials never convert on their own; a subscriber who wants to stay signs up
// through the subscribe flow before the trial runs out.
func NewTrialJob(params TrialJobParams) (cron.Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("billing repository required")
	}
	if params.Machine == nil {
		return nil, fmt.Errorf("state machine required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	return &trialJob{
		logg:    params.Logger,
		repo:    params.Repo,
		machine: params.Machine,
		limit:   limit,
		now:     now,
	}, nil
}

type trialJob struct {
	logg    *logger.Logger
	repo    billing.Repository
	machine transitionApplier
	limit   int
	now     func() time.Time
}

func (j *trialJob) Name() string { return "trial-expiry-sweep" }

func (j *trialJob) Run(ctx context.Context) error {
	now := j.now()
	ending, err := j.repo.ListTrialsEndingBy(ctx, now, j.limit)
	if err != nil {
		return fmt.Errorf("list trials ending: %w", err)
	}

	var errs error
	expired, skipped := 0, 0
	for i := range ending {
		applied, err := j.expireOne(ctx, &ending[i], now)
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
		"candidates": len(ending),
		"expired":    expired,
		"skipped":    skipped,
	})
	j.logg.Info(reportCtx, "trial expiry sweep complete")
	return errs
}

func (j *trialJob) expireOne(ctx context.Context, sub *models.Subscription, now time.Time) (bool, error) {
	// One key per trial: a trial has exactly one end date, so no date suffix.
	key := "trial-expire:" + sub.ID.String()
	logCtx := j.logg.WithSubscriptionID(ctx, sub.ID.String())

	res, err := j.machine.Apply(logCtx, subscription.Command{
		SubscriptionID: sub.ID,
		Trigger:        subscription.TriggerExpired,
		IdempotencyKey: key,
		OccurredAt:     now,
		Source:         source,
		FailureReason:  "trial ended",
	})
	if err != nil {
		return false, fmt.Errorf("expire trial %s: %w", sub.ID, err)
	}
	if res.Applied {
		j.logg.Info(logCtx, "trial expired")
	}
	return res.Applied, nil
}

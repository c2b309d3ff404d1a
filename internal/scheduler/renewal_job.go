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

// renewalDueWindow widens the due query to tomorrow so a daily sweep never
// skips a row whose due time falls between two ticks.
const renewalDueWindow = 24 * time.Hour

// RenewalJobParams configures the renewal sweep.
type RenewalJobParams struct {
	Logger  *logger.Logger
	Repo    billing.Repository
	Machine transitionApplier
	Charges chargeRunner
	Limit   int
	Now     func() time.Time
}

// NewRenewalJob builds the sweep that charges active auto-renew subscriptions
// whose due date has arrived and feeds the charge outcome into the state
// machine.
func NewRenewalJob(params RenewalJobParams) (cron.Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("billing repository required")
	}
	if params.Machine == nil {
		return nil, fmt.Errorf("state machine required")
	}
	if params.Charges == nil {
		return nil, fmt.Errorf("charge runner required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	return &renewalJob{
		logg:    params.Logger,
		repo:    params.Repo,
		machine: params.Machine,
		charges: params.Charges,
		limit:   limit,
		now:     now,
	}, nil
}

type renewalJob struct {
	logg    *logger.Logger
	repo    billing.Repository
	machine transitionApplier
	charges chargeRunner
	limit   int
	now     func() time.Time
}

func (j *renewalJob) Name() string { return "renewal-sweep" }

func (j *renewalJob) Run(ctx context.Context) error {
	now := j.now()
	due, err := j.repo.ListSubscriptionsDueForRenewal(ctx, now.Add(renewalDueWindow), j.limit)
	if err != nil {
		return fmt.Errorf("list subscriptions due for renewal: %w", err)
	}

	var errs error
	renewed, failed, skipped := 0, 0, 0
	for i := range due {
		applied, success, err := j.renewOne(ctx, &due[i], now)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		switch {
		case !applied:
			skipped++
		case success:
			renewed++
		default:
			failed++
		}
	}

	reportCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(due),
		"renewed":    renewed,
		"failed":     failed,
		"skipped":    skipped,
	})
	j.logg.Info(reportCtx, "renewal sweep complete")
	return errs
}

// renewOne charges a single subscription and applies the outcome. The charge
// happens outside any row lock; only Apply serializes on the row. The
// idempotency pre-check keeps a re-run sweep from charging the same due date
// twice.
func (j *renewalJob) renewOne(ctx context.Context, sub *models.Subscription, now time.Time) (applied, success bool, err error) {
	key := "renewal:" + sub.ID.String() + ":" + sub.RenewalDate().UTC().Format(sweepDateLayout)
	logCtx := j.logg.WithSubscriptionID(ctx, sub.ID.String())

	prior, err := j.repo.FindEventByKey(logCtx, sub.ID, key)
	if err != nil {
		return false, false, fmt.Errorf("renewal idempotency check %s: %w", sub.ID, err)
	}
	if prior != nil {
		j.logg.Info(logCtx, "renewal already processed for this due date; skipping")
		return false, false, nil
	}

	outcome := j.charges.Renew(logCtx, sub.Provider, chargeRequest(sub, key))

	res, err := j.machine.Apply(logCtx, subscription.Command{
		SubscriptionID:    sub.ID,
		Trigger:           triggerForOutcome(outcome),
		IdempotencyKey:    key,
		OccurredAt:        now,
		Source:            source,
		FailureReason:     outcome.FailureReason,
		ProviderPaymentID: outcome.ProviderPaymentID,
	})
	if err != nil {
		return false, false, fmt.Errorf("apply renewal outcome %s: %w", sub.ID, err)
	}
	return res.Applied, outcome.Success, nil
}

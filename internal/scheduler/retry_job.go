package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/multierr"

	"github.com/mesaflow/mesaflow-backend/internal/billing"
	"github.com/mesaflow/mesaflow-backend/internal/cron"
	"github.com/mesaflow/mesaflow-backend/internal/subscription"
	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
)

// RetryJobParams configures the retry sweep.
type RetryJobParams struct {
	Logger  *logger.Logger
	Repo    billing.Repository
	Machine transitionApplier
	Charges chargeRunner
	Policy  subscription.Policy
	Limit   int
	Now     func() time.Time
}

// NewRetryJob builds the sweep that re-attempts failed renewals whose retry
// date has arrived and whose attempt budget is not yet spent.
func NewRetryJob(params RetryJobParams) (cron.Job, error) {
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
	if params.Policy.MaxRetryAttempts <= 0 {
		return nil, fmt.Errorf("retry attempt budget required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	return &retryJob{
		logg:        params.Logger,
		repo:        params.Repo,
		machine:     params.Machine,
		charges:     params.Charges,
		maxAttempts: params.Policy.MaxRetryAttempts,
		limit:       limit,
		now:         now,
	}, nil
}

type retryJob struct {
	logg        *logger.Logger
	repo        billing.Repository
	machine     transitionApplier
	charges     chargeRunner
	maxAttempts int
	limit       int
	now         func() time.Time
}

func (j *retryJob) Name() string { return "retry-sweep" }

func (j *retryJob) Run(ctx context.Context) error {
	now := j.now()
	due, err := j.repo.ListSubscriptionsDueForRetry(ctx, now, j.maxAttempts, j.limit)
	if err != nil {
		return fmt.Errorf("list subscriptions due for retry: %w", err)
	}

	var errs error
	recovered, stillFailed, skipped := 0, 0, 0
	for i := range due {
		applied, success, err := j.retryOne(ctx, &due[i], now)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		switch {
		case !applied:
			skipped++
		case success:
			recovered++
		default:
			stillFailed++
		}
	}

	reportCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates":   len(due),
		"recovered":    recovered,
		"still_failed": stillFailed,
		"skipped":      skipped,
	})
	j.logg.Info(reportCtx, "retry sweep complete")
	return errs
}

// retryOne re-attempts the same renewal charge. The attempt number in the key
// pins each retry to one charge: a sweep replayed after a crash finds the
// recorded event and skips the provider call entirely.
func (j *retryJob) retryOne(ctx context.Context, sub *models.Subscription, now time.Time) (applied, success bool, err error) {
	attempt := sub.RetryAttempts + 1
	key := "retry:" + sub.ID.String() + ":" + strconv.Itoa(attempt)
	logCtx := j.logg.WithSubscriptionID(ctx, sub.ID.String())
	logCtx = j.logg.WithField(logCtx, "attempt", attempt)

	prior, err := j.repo.FindEventByKey(logCtx, sub.ID, key)
	if err != nil {
		return false, false, fmt.Errorf("retry idempotency check %s: %w", sub.ID, err)
	}
	if prior != nil {
		j.logg.Info(logCtx, "retry attempt already processed; skipping")
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
		return false, false, fmt.Errorf("apply retry outcome %s: %w", sub.ID, err)
	}
	return res.Applied, outcome.Success, nil
}

package scheduler

import (
	"context"
	"testing"

	"github.com/mesaflow/mesaflow-backend/internal/subscription"
	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/enums"
)

func newExpirationJobForTest(t *testing.T, repo *fakeRepo, machine *fakeMachine) *expirationJob {
	t.Helper()
	job, err := NewExpirationJob(ExpirationJobParams{
		Logger:  testLogger(),
		Repo:    repo,
		Machine: machine,
		Policy:  subscription.DefaultPolicy(),
		Now:     fixedNow,
	})
	if err != nil {
		t.Fatalf("construct expiration job: %v", err)
	}
	return job.(*expirationJob)
}

func TestExpirationJobForcesExpiredPastGrace(t *testing.T) {
	dueAt := sweepNow.AddDate(0, 0, -4)
	sub := dueSubscription(enums.SubscriptionStatusFailed, dueAt)
	repo := &fakeRepo{pastGrace: []models.Subscription{sub}}
	machine := &fakeMachine{}
	job := newExpirationJobForTest(t, repo, machine)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	wantCutoff := sweepNow.Add(-subscription.DefaultPolicy().GracePeriod)
	if !repo.graceCutoff.Equal(wantCutoff) {
		t.Fatalf("grace cutoff %v, want %v", repo.graceCutoff, wantCutoff)
	}
	if len(machine.commands) != 1 {
		t.Fatalf("expected one command, got %d", len(machine.commands))
	}
	cmd := machine.commands[0]
	if cmd.Trigger != subscription.TriggerExpired {
		t.Fatalf("trigger %v", cmd.Trigger)
	}
	if cmd.IdempotencyKey != "expire:"+sub.ID.String()+":2026-03-06" {
		t.Fatalf("key %q", cmd.IdempotencyKey)
	}
}

func TestExpirationJobCountsNoOpsAsSkipped(t *testing.T) {
	sub := dueSubscription(enums.SubscriptionStatusFailed, sweepNow.AddDate(0, 0, -4))
	repo := &fakeRepo{pastGrace: []models.Subscription{sub}}
	machine := &fakeMachine{noop: true}
	job := newExpirationJobForTest(t, repo, machine)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("a guard or terminal no-op is not a sweep error: %v", err)
	}
	if len(machine.commands) != 1 {
		t.Fatalf("expected one command, got %d", len(machine.commands))
	}
}

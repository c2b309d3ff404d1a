package scheduler

import (
	"context"
	"testing"

	"github.com/mesaflow/mesaflow-backend/internal/subscription"
	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/enums"
)

func TestTrialJobExpiresEndedTrials(t *testing.T) {
	sub := dueSubscription(enums.SubscriptionStatusTrial, sweepNow)
	ended := sweepNow.AddDate(0, 0, -1)
	sub.NextPaymentAt = nil
	sub.TrialEndsAt = &ended
	repo := &fakeRepo{trials: []models.Subscription{sub}}
	machine := &fakeMachine{}
	job, err := NewTrialJob(TrialJobParams{
		Logger:  testLogger(),
		Repo:    repo,
		Machine: machine,
		Now:     fixedNow,
	})
	if err != nil {
		t.Fatalf("construct trial job: %v", err)
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(machine.commands) != 1 {
		t.Fatalf("expected one command, got %d", len(machine.commands))
	}
	cmd := machine.commands[0]
	if cmd.Trigger != subscription.TriggerExpired {
		t.Fatalf("trigger %v", cmd.Trigger)
	}
	if cmd.IdempotencyKey != "trial-expire:"+sub.ID.String() {
		t.Fatalf("key %q", cmd.IdempotencyKey)
	}
	if cmd.Source != "scheduler" {
		t.Fatalf("source %q", cmd.Source)
	}
}

func TestTrialJobRequiresCollaborators(t *testing.T) {
	if _, err := NewTrialJob(TrialJobParams{Logger: testLogger()}); err == nil {
		t.Fatal("missing repo should be rejected")
	}
}

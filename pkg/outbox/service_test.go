package outbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	"github.com/mesaflow/mesaflow-backend/pkg/enums"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&models.OutboxEvent{}, &models.OutboxDLQ{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := conn.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.OutboxEvent{}).Error; err != nil {
		t.Fatalf("failed to reset table: %v", err)
	}
	return conn
}

func TestEmitWrapsPayloadInEnvelope(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(NewRepository(db), nil)

	subID := uuid.New()
	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventSubscriptionRenewed,
			AggregateType: enums.AggregateSubscription,
			AggregateID:   subID,
			Actor:         &ActorRef{Source: "renewal-sweep"},
			Data:          map[string]string{"plan": "pro-monthly"},
			Version:       1,
		})
	})
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	var row models.OutboxEvent
	if err := db.First(&row).Error; err != nil {
		t.Fatalf("fetch outbox row: %v", err)
	}
	if row.EventType != enums.EventSubscriptionRenewed {
		t.Fatalf("unexpected event type %q", row.EventType)
	}
	if row.AggregateID != subID {
		t.Fatalf("unexpected aggregate id %s", row.AggregateID)
	}

	var envelope PayloadEnvelope
	if err := json.Unmarshal(row.Payload, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Version != 1 || envelope.EventID == "" || envelope.Actor == nil {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	if envelope.Actor.Source != "renewal-sweep" {
		t.Fatalf("unexpected actor source %q", envelope.Actor.Source)
	}
}

func TestEmitIfNotExistsSkipsDuplicates(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(NewRepository(db), nil)

	subID := uuid.New()
	event := DomainEvent{
		EventType:     enums.EventSubscriptionExpired,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   subID,
		Data:          map[string]string{"reason": "grace_elapsed"},
		Version:       1,
	}

	for range 2 {
		if err := db.Transaction(func(tx *gorm.DB) error {
			return svc.EmitIfNotExists(context.Background(), tx, event)
		}); err != nil {
			t.Fatalf("EmitIfNotExists failed: %v", err)
		}
	}

	var count int64
	if err := db.Model(&models.OutboxEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 outbox row, got %d", count)
	}
}

func TestFetchUnpublishedAndMarkPublished(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	svc := NewService(repo, nil)

	if err := db.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventBillingNotification,
			AggregateType: enums.AggregateSubscription,
			AggregateID:   uuid.New(),
			Data:          map[string]string{"kind": "renewal_upcoming"},
			Version:       1,
		})
	}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	rows, err := repo.FetchUnpublished(10)
	if err != nil {
		t.Fatalf("FetchUnpublished: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 unpublished row, got %d", len(rows))
	}

	if err := repo.MarkPublished(rows[0].ID); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	rows, err = repo.FetchUnpublished(10)
	if err != nil {
		t.Fatalf("FetchUnpublished after publish: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no unpublished rows, got %d", len(rows))
	}
}

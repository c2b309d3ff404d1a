package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	internalwebhooks "github.com/mesaflow/mesaflow-backend/internal/webhooks"
	squarewebhook "github.com/mesaflow/mesaflow-backend/internal/webhooks/square"
)

func TestSquareWebhookProcessesOnceAndDedupsReplay(t *testing.T) {
	payload := buildSquarePayload(t, "evt_"+uuid.NewString())
	service := &fakeSquareWebhookService{}
	guard, err := internalwebhooks.NewIdempotencyGuard(newInMemoryStore(), time.Minute, "webhook:square")
	if err != nil {
		t.Fatalf("guard setup: %v", err)
	}
	handler := SquareWebhook(service, &fakeSigningClient{secret: "sq_secret"}, guard, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/square", bytes.NewReader(payload))
	req.Header.Set("Square-Signature", signSquarePayload(payload, "sq_secret"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if service.calls != 1 {
		t.Fatalf("expected service called once, got %d", service.calls)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/square", bytes.NewReader(payload))
	req2.Header.Set("Square-Signature", signSquarePayload(payload, "sq_secret"))
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 on duplicate, got %d", rec2.Code)
	}
	if service.calls != 1 {
		t.Fatalf("expected duplicate not processed, call count %d", service.calls)
	}
}

func TestSquareWebhookRejectsBadSignature(t *testing.T) {
	payload := buildSquarePayload(t, "evt_"+uuid.NewString())
	service := &fakeSquareWebhookService{}
	guard, err := internalwebhooks.NewIdempotencyGuard(newInMemoryStore(), time.Minute, "webhook:square")
	if err != nil {
		t.Fatalf("guard setup: %v", err)
	}
	handler := SquareWebhook(service, &fakeSigningClient{secret: "sq_secret"}, guard, nil)

	for _, header := range []string{"", signSquarePayload(payload, "wrong-secret")} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/square", bytes.NewReader(payload))
		if header != "" {
			req.Header.Set("Square-Signature", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	}
	if service.calls != 0 {
		t.Fatal("service should not be invoked on bad signature")
	}
}

func TestSquareWebhookFallsBackToDataID(t *testing.T) {
	event := squarewebhook.SquareWebhookEvent{
		Type: "payment.updated",
		Data: squarewebhook.SquareWebhookData{
			Type: "payment",
			ID:   "pay_" + uuid.NewString(),
			Object: squarewebhook.SquareWebhookObject{
				Payment: &squarewebhook.SquarePayment{
					ID:          "pay_1",
					Status:      "COMPLETED",
					ReferenceID: uuid.NewString(),
				},
			},
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	service := &fakeSquareWebhookService{}
	guard, gerr := internalwebhooks.NewIdempotencyGuard(newInMemoryStore(), time.Minute, "webhook:square")
	if gerr != nil {
		t.Fatalf("guard setup: %v", gerr)
	}
	handler := SquareWebhook(service, &fakeSigningClient{secret: "sq_secret"}, guard, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/square", bytes.NewReader(payload))
	req.Header.Set("Square-Signature", signSquarePayload(payload, "sq_secret"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if service.calls != 1 {
		t.Fatalf("expected service called once, got %d", service.calls)
	}
}

func buildSquarePayload(t *testing.T, eventID string) []byte {
	t.Helper()
	event := squarewebhook.SquareWebhookEvent{
		EventID: eventID,
		Type:    "payment.updated",
		Data: squarewebhook.SquareWebhookData{
			Type: "payment",
			ID:   "pay_" + uuid.NewString(),
			Object: squarewebhook.SquareWebhookObject{
				Payment: &squarewebhook.SquarePayment{
					ID:          "pay_1",
					Status:      "COMPLETED",
					ReferenceID: uuid.NewString(),
				},
			},
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return payload
}

func signSquarePayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type fakeSquareWebhookService struct {
	calls int
	err   error
}

func (f *fakeSquareWebhookService) HandleEvent(ctx context.Context, event *squarewebhook.SquareWebhookEvent) error {
	f.calls++
	return f.err
}

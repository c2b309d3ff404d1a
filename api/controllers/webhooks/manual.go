package webhooks

import (
	"context"
	"net/http"

	"github.com/mesaflow/mesaflow-backend/api/responses"
	"github.com/mesaflow/mesaflow-backend/api/validators"
	manualwebhook "github.com/mesaflow/mesaflow-backend/internal/webhooks/manual"
	pkgerrors "github.com/mesaflow/mesaflow-backend/pkg/errors"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
)

type ManualWebhookService interface {
	HandleEvent(ctx context.Context, event *manualwebhook.ManualEvent) error
}

// ManualWebhook accepts operator-posted lifecycle events. The route sits
// behind admin auth, so there is no signature step; dedup and validation run
// the same as the provider endpoints.
func ManualWebhook(svc ManualWebhookService, guard webhookGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil || guard == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "manual webhook pipeline unavailable"))
			return
		}

		var event manualwebhook.ManualEvent
		if err := validators.DecodeJSONBody(r, &event); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		alreadyProcessed, err := guard.CheckAndMark(ctx, event.EventID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
			return
		}
		if alreadyProcessed {
			responses.WriteSuccess(w, nil)
			return
		}

		if err := svc.HandleEvent(ctx, &event); err != nil {
			_ = guard.Delete(ctx, event.EventID)
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, nil)
	}
}

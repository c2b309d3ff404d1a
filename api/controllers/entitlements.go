package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mesaflow/mesaflow-backend/api/middleware"
	"github.com/mesaflow/mesaflow-backend/api/responses"
	"github.com/mesaflow/mesaflow-backend/internal/entitlements"
	pkgerrors "github.com/mesaflow/mesaflow-backend/pkg/errors"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
)

// EntitlementResolver answers feature-access checks for an owner.
type EntitlementResolver interface {
	Resolve(ctx context.Context, ownerID uuid.UUID, feature string, opts entitlements.Options) (*entitlements.Decision, error)
}

// EntitlementCheck resolves whether the authenticated owner may use the
// feature named in the path. Fallback and strict mode come from the query
// string so gateway checkpoints can tune behavior per call site.
func EntitlementCheck(resolver EntitlementResolver, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if resolver == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "entitlement resolver unavailable"))
			return
		}

		ownerID, ok := middleware.OwnerIDFromContext(r.Context())
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "owner context missing"))
			return
		}

		opts := entitlements.Options{
			Strict: r.URL.Query().Get("strict") == "true",
		}
		switch fallback := r.URL.Query().Get("fallback"); fallback {
		case "":
		case string(entitlements.FallbackBlock):
			opts.Fallback = entitlements.FallbackBlock
		case string(entitlements.FallbackLimit):
			opts.Fallback = entitlements.FallbackLimit
		case string(entitlements.FallbackDegrade):
			opts.Fallback = entitlements.FallbackDegrade
		default:
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "fallback must be one of block, limit, degrade"))
			return
		}

		decision, err := resolver.Resolve(r.Context(), ownerID, chi.URLParam(r, "feature"), opts)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, decision)
	}
}

package entitlements

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mesaflow/mesaflow-backend/internal/billing"
	"github.com/mesaflow/mesaflow-backend/pkg/db/models"
	apperrors "github.com/mesaflow/mesaflow-backend/pkg/errors"
	"github.com/mesaflow/mesaflow-backend/pkg/logger"
)

// Fallback declares what an access checkpoint does when the owner has no live
// subscription: block outright, or let the request through in degraded mode.
type Fallback string

const (
	FallbackBlock   Fallback = "block"
	FallbackLimit   Fallback = "limit"
	FallbackDegrade Fallback = "degrade"
)

// Options tunes one resolution. Strict flips unmapped feature names from
// fail-open to denied.
type Options struct {
	Fallback Fallback
	Strict   bool
}

// Decision is the answer to "can this owner use feature X right now".
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Degraded bool   `json:"degraded"`
	Reason   string `json:"reason"`
	Plan     string `json:"plan,omitempty"`
}

// Resolver answers feature checks from committed subscription state. It is
// strictly read-only: it never touches subscription status, so a checkpoint
// can call it on every request without write contention.
type Resolver struct {
	repo billing.Repository
	logg *logger.Logger
}

func NewResolver(repo billing.Repository, logg *logger.Logger) *Resolver {
	return &Resolver{repo: repo, logg: logg}
}

// Resolve checks the named feature for the owner's live subscription.
func (r *Resolver) Resolve(ctx context.Context, ownerID uuid.UUID, feature string, opts Options) (*Decision, error) {
	feature = strings.TrimSpace(feature)
	if ownerID == uuid.Nil || feature == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "owner id and feature are required")
	}

	sub, err := r.repo.FindLiveSubscriptionByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "loading live subscription")
	}
	if sub == nil {
		return r.fallbackDecision(ctx, ownerID, feature, opts), nil
	}

	plan, err := r.repo.FindPlanByID(ctx, sub.PlanID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "loading plan")
	}
	if plan == nil {
		return r.fallbackDecision(ctx, ownerID, feature, opts), nil
	}

	decision := evaluate(plan, feature, opts)
	decision.Plan = plan.Code
	return decision, nil
}

func (r *Resolver) fallbackDecision(ctx context.Context, ownerID uuid.UUID, feature string, opts Options) *Decision {
	switch opts.Fallback {
	case FallbackLimit, FallbackDegrade:
		return &Decision{Allowed: true, Degraded: true, Reason: "no live subscription, degraded access"}
	default:
		if r.logg != nil {
			fields := map[string]any{"owner_id": ownerID.String(), "feature": feature}
			r.logg.Info(r.logg.WithFields(ctx, fields), "entitlement denied without live subscription")
		}
		return &Decision{Allowed: false, Reason: "no live subscription"}
	}
}

// evaluate runs the closed rule set against the plan's feature flags and
// limits. Rules are tagged by feature name shape:
//   - a plain flag matches plan.Features ("reports", "multi_location")
//   - "unlimited_<key>" checks Limits[<key>] for the "unlimited" sentinel
//   - "<key>:<n>" checks Limits[<key>] >= n (unlimited always passes)
//
// Unmapped names are allowed unless the caller asked for strict blocking.
func evaluate(plan *models.Plan, feature string, opts Options) *Decision {
	if plan.HasFeature(feature) {
		return &Decision{Allowed: true, Reason: "feature granted by plan"}
	}

	limits := parseLimits(plan.Limits)

	if key, ok := strings.CutPrefix(feature, "unlimited_"); ok {
		if isUnlimited(limits[key]) {
			return &Decision{Allowed: true, Reason: "plan grants unlimited " + key}
		}
		return &Decision{Allowed: false, Reason: "plan limits " + key}
	}

	if key, raw, ok := strings.Cut(feature, ":"); ok {
		threshold, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return &Decision{Allowed: false, Reason: "malformed limit threshold " + raw}
		}
		value, present := limits[key]
		if !present {
			return unmappedDecision(feature, opts)
		}
		if isUnlimited(value) {
			return &Decision{Allowed: true, Reason: "plan grants unlimited " + key}
		}
		if n, ok := numericLimit(value); ok && n >= threshold {
			return &Decision{Allowed: true, Reason: "within plan limit for " + key}
		}
		return &Decision{Allowed: false, Reason: "over plan limit for " + key}
	}

	return unmappedDecision(feature, opts)
}

func unmappedDecision(feature string, opts Options) *Decision {
	if opts.Strict {
		return &Decision{Allowed: false, Reason: "feature " + feature + " not granted by plan"}
	}
	return &Decision{Allowed: true, Reason: "feature " + feature + " has no rule, allowed by default"}
}

func parseLimits(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var limits map[string]any
	if err := json.Unmarshal(raw, &limits); err != nil {
		return nil
	}
	return limits
}

func isUnlimited(value any) bool {
	s, ok := value.(string)
	return ok && strings.EqualFold(s, "unlimited")
}

func numericLimit(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

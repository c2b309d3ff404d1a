package subscription

import (
	"github.com/mesaflow/mesaflow-backend/pkg/enums"
)

// Trigger is the closed set of inputs the state machine accepts. Webhook
// translation and the sweeps both speak this vocabulary; nothing else mutates
// subscription status.
type Trigger string

const (
	// TriggerPaymentSucceeded confirms a charge: a pending signup, a
	// scheduled renewal, or a retry that finally went through.
	TriggerPaymentSucceeded Trigger = "payment_succeeded"
	// TriggerPaymentFailed records a declined or timed-out charge.
	TriggerPaymentFailed Trigger = "payment_failed"
	// TriggerCanceled is an explicit cancellation, from the API or from a
	// provider-authoritative webhook.
	TriggerCanceled Trigger = "canceled"
	// TriggerExpired forces expiration: trial ran out, or the grace period
	// after a missed payment elapsed.
	TriggerExpired Trigger = "expired"
)

// String implements fmt.Stringer.
func (t Trigger) String() string {
	return string(t)
}

// IsValid reports whether the trigger is part of the closed set.
func (t Trigger) IsValid() bool {
	switch t {
	case TriggerPaymentSucceeded, TriggerPaymentFailed, TriggerCanceled, TriggerExpired:
		return true
	}
	return false
}

// transitions is the full table: absent entries are guard violations and the
// machine treats them as no-ops.
var transitions = map[enums.SubscriptionStatus]map[Trigger]enums.SubscriptionStatus{
	enums.SubscriptionStatusPending: {
		TriggerPaymentSucceeded: enums.SubscriptionStatusActive,
		TriggerCanceled:         enums.SubscriptionStatusCanceled,
		TriggerExpired:          enums.SubscriptionStatusExpired,
	},
	enums.SubscriptionStatusTrial: {
		TriggerPaymentSucceeded: enums.SubscriptionStatusActive,
		TriggerCanceled:         enums.SubscriptionStatusCanceled,
		TriggerExpired:          enums.SubscriptionStatusExpired,
	},
	enums.SubscriptionStatusActive: {
		TriggerPaymentSucceeded: enums.SubscriptionStatusActive,
		TriggerPaymentFailed:    enums.SubscriptionStatusFailed,
		TriggerCanceled:         enums.SubscriptionStatusCanceled,
		TriggerExpired:          enums.SubscriptionStatusExpired,
	},
	enums.SubscriptionStatusFailed: {
		TriggerPaymentSucceeded: enums.SubscriptionStatusActive,
		TriggerPaymentFailed:    enums.SubscriptionStatusFailed,
		TriggerCanceled:         enums.SubscriptionStatusCanceled,
		TriggerExpired:          enums.SubscriptionStatusExpired,
	},
	// Terminal states have no outgoing transitions.
}

// nextStatus resolves the transition table for a (state, trigger) pair.
func nextStatus(from enums.SubscriptionStatus, trigger Trigger) (enums.SubscriptionStatus, bool) {
	row, ok := transitions[from]
	if !ok {
		return "", false
	}
	to, ok := row[trigger]
	return to, ok
}

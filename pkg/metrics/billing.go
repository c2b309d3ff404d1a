package metrics

import "github.com/prometheus/client_golang/prometheus"

// BillingMetrics tracks webhook ingestion and lifecycle transitions.
type BillingMetrics struct {
	webhooksReceived *prometheus.CounterVec
	webhooksRejected *prometheus.CounterVec
	webhooksIgnored  *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	chargeResults    *prometheus.CounterVec
}

// NewBillingMetrics registers the billing counters on the provided registerer.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		return &BillingMetrics{}
	}
	received := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_received",
		Help: "Webhook events accepted for processing, by provider.",
	}, []string{"provider"})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_rejected",
		Help: "Webhook events rejected before processing, by provider and reason.",
	}, []string{"provider", "reason"})
	ignored := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_ignored",
		Help: "Webhook events acknowledged but not applied, by provider.",
	}, []string{"provider"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_transitions",
		Help: "Subscription state transitions, by trigger and resulting state.",
	}, []string{"trigger", "to"})
	chargeResults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "charge_results",
		Help: "Gateway charge outcomes, by provider and result.",
	}, []string{"provider", "result"})
	reg.MustRegister(received, rejected, ignored, transitions, chargeResults)
	return &BillingMetrics{
		webhooksReceived: received,
		webhooksRejected: rejected,
		webhooksIgnored:  ignored,
		transitions:      transitions,
		chargeResults:    chargeResults,
	}
}

// IncWebhookReceived counts an accepted webhook event.
func (b *BillingMetrics) IncWebhookReceived(provider string) {
	if b == nil || b.webhooksReceived == nil {
		return
	}
	b.webhooksReceived.WithLabelValues(normalizeLabel(provider)).Inc()
}

// IncWebhookRejected counts a rejected webhook event.
func (b *BillingMetrics) IncWebhookRejected(provider, reason string) {
	if b == nil || b.webhooksRejected == nil {
		return
	}
	b.webhooksRejected.WithLabelValues(normalizeLabel(provider), normalizeLabel(reason)).Inc()
}

// IncWebhookIgnored counts an event acknowledged without effect.
func (b *BillingMetrics) IncWebhookIgnored(provider string) {
	if b == nil || b.webhooksIgnored == nil {
		return
	}
	b.webhooksIgnored.WithLabelValues(normalizeLabel(provider)).Inc()
}

// IncTransition counts a state machine transition.
func (b *BillingMetrics) IncTransition(trigger, to string) {
	if b == nil || b.transitions == nil {
		return
	}
	b.transitions.WithLabelValues(normalizeLabel(trigger), normalizeLabel(to)).Inc()
}

// IncChargeResult counts a gateway charge outcome.
func (b *BillingMetrics) IncChargeResult(provider, result string) {
	if b == nil || b.chargeResults == nil {
		return
	}
	b.chargeResults.WithLabelValues(normalizeLabel(provider), normalizeLabel(result)).Inc()
}

package enums

// OutboxEventType names the domain events drained by the outbox publisher.
type OutboxEventType string

const (
	EventBillingNotification OutboxEventType = "billing.notification"
	EventSubscriptionChanged OutboxEventType = "billing.subscription_changed"
	EventSubscriptionRenewed OutboxEventType = "billing.subscription_renewed"
	EventSubscriptionExpired OutboxEventType = "billing.subscription_expired"
)

// OutboxAggregateType scopes an outbox event to the entity it concerns.
type OutboxAggregateType string

const (
	AggregateSubscription OutboxAggregateType = "subscription"
)

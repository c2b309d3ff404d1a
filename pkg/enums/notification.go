package enums

// NotificationKind selects the template the delivery collaborator renders.
// The billing core never formats subscriber-facing text itself.
type NotificationKind string

const (
	NotificationRenewalUpcoming      NotificationKind = "renewal_upcoming"
	NotificationRenewalFailed        NotificationKind = "renewal_failed"
	NotificationTrialEnding          NotificationKind = "trial_ending"
	NotificationSubscriptionExpired  NotificationKind = "subscription_expired"
	NotificationSubscriptionCanceled NotificationKind = "subscription_canceled"
)

// String implements fmt.Stringer.
func (k NotificationKind) String() string {
	return string(k)
}

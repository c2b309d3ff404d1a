package enums

import "fmt"

// BillingInterval describes how a plan's duration is expressed.
type BillingInterval string

const (
	BillingIntervalMonthly BillingInterval = "monthly"
	BillingIntervalYearly  BillingInterval = "yearly"
	// BillingIntervalCustom plans carry an explicit duration in days.
	BillingIntervalCustom BillingInterval = "custom"
)

var validBillingIntervals = []BillingInterval{
	BillingIntervalMonthly,
	BillingIntervalYearly,
	BillingIntervalCustom,
}

// String implements fmt.Stringer.
func (i BillingInterval) String() string {
	return string(i)
}

// IsValid reports whether the value is known.
func (i BillingInterval) IsValid() bool {
	for _, candidate := range validBillingIntervals {
		if candidate == i {
			return true
		}
	}
	return false
}

// ParseBillingInterval converts raw input into a BillingInterval.
func ParseBillingInterval(value string) (BillingInterval, error) {
	for _, candidate := range validBillingIntervals {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid billing interval %q", value)
}

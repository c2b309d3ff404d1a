package enums

import "fmt"

// PlanStatus flags whether a plan can accept new subscriptions.
type PlanStatus string

const (
	PlanStatusActive   PlanStatus = "active"
	PlanStatusInactive PlanStatus = "inactive"
)

var validPlanStatuses = []PlanStatus{
	PlanStatusActive,
	PlanStatusInactive,
}

// String implements fmt.Stringer.
func (s PlanStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s PlanStatus) IsValid() bool {
	for _, candidate := range validPlanStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParsePlanStatus converts raw input into a PlanStatus.
func ParsePlanStatus(value string) (PlanStatus, error) {
	for _, candidate := range validPlanStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid plan status %q", value)
}

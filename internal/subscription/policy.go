package subscription

import (
	"time"

	"github.com/mesaflow/mesaflow-backend/pkg/config"
)

// Policy is the immutable retry/grace/reminder tuning shared by the state
// machine and the sweeps. Built once at startup; never mutated.
type Policy struct {
	MaxRetryAttempts int
	RetryDelays      []time.Duration
	GracePeriod      time.Duration
	ReminderLeadDays []int
	ChargeTimeout    time.Duration
}

// DefaultPolicy returns the stock schedule: three attempts at 1/3/7 day
// spacing, a three day grace window and reminders 3 and 7 days out.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetryAttempts: 3,
		RetryDelays:      []time.Duration{day(1), day(3), day(7)},
		GracePeriod:      day(3),
		ReminderLeadDays: []int{3, 7},
		ChargeTimeout:    30 * time.Second,
	}
}

// PolicyFromConfig converts the env-driven billing block into a Policy.
func PolicyFromConfig(cfg config.BillingConfig) Policy {
	delays := make([]time.Duration, 0, len(cfg.RetryDelayDays))
	for _, d := range cfg.RetryDelayDays {
		delays = append(delays, day(d))
	}
	leads := make([]int, len(cfg.ReminderLeadDays))
	copy(leads, cfg.ReminderLeadDays)
	return Policy{
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		RetryDelays:      delays,
		GracePeriod:      day(cfg.GracePeriodDays),
		ReminderLeadDays: leads,
		ChargeTimeout:    cfg.ChargeTimeout,
	}
}

// RetryDelay returns the wait before the next charge after the given failed
// attempt count (1-based). Attempts beyond the table reuse the last entry.
func (p Policy) RetryDelay(attempt int) time.Duration {
	if len(p.RetryDelays) == 0 {
		return day(1)
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.RetryDelays) {
		return p.RetryDelays[len(p.RetryDelays)-1]
	}
	return p.RetryDelays[attempt-1]
}

func day(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

package model

import "time"

// Period is a billing/usage window over which a counter accumulates.
type Period struct {
	Start time.Time `json:"period_start"`
	End   time.Time `json:"period_end"`
}

// MonthlyPeriod returns the calendar month containing t, in UTC.
func MonthlyPeriod(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// UsageCounter is one row of the counter store, unique per
// (business, feature, period). It is created lazily on first consumption and
// incremented monotonically within the period.
type UsageCounter struct {
	BusinessID  string    `db:"business_id" json:"business_id"`
	FeatureCode string    `db:"feature_code" json:"feature_code"`
	PeriodStart time.Time `db:"period_start" json:"period_start"`
	PeriodEnd   time.Time `db:"period_end" json:"period_end"`
	UsedCount   int64     `db:"used_count" json:"used_count"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Deny reasons carried on admission decisions.
const (
	ReasonNotEntitled        = "not_entitled"
	ReasonLimitExceeded      = "limit_exceeded"
	ReasonInvalidAmount      = "invalid_amount"
	ReasonServiceUnavailable = "service_unavailable"
)

// Decision is the outcome of an admission check. Denials are values, not
// errors: callers get a structured reason plus the numbers needed to render
// actionable messaging.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	CurrentUsage int64  `json:"current_usage"`
	Limit        int64  `json:"limit"`
	Unlimited    bool   `json:"unlimited,omitempty"`
}

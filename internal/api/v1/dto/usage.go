package dto

import "time"

// AdmitRequest asks whether amount units of a feature may proceed.
type AdmitRequest struct {
	FeatureCode string `json:"feature_code" validate:"required"`
	Amount      int64  `json:"amount" validate:"gte=0"`
}

// AdmitResponse mirrors the admission decision.
type AdmitResponse struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	CurrentUsage int64  `json:"current_usage"`
	Limit        int64  `json:"limit"`
	Unlimited    bool   `json:"unlimited,omitempty"`
}

// CommitRequest records completed consumption.
type CommitRequest struct {
	FeatureCode string `json:"feature_code" validate:"required"`
	Amount      int64  `json:"amount" validate:"gt=0"`
}

// CommitResponse returns the counter after the commit.
type CommitResponse struct {
	FeatureCode string `json:"feature_code"`
	UsedCount   int64  `json:"used_count"`
}

// UsageCounterDTO is one counter row in a usage report.
type UsageCounterDTO struct {
	FeatureCode string    `json:"feature_code"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	UsedCount   int64     `json:"used_count"`
}

// ResetRequest zeroes a counter for the current period (admin only).
type ResetRequest struct {
	FeatureCode string `json:"feature_code" validate:"required"`
}

// ExportResponse returns the object key of an exported usage report.
type ExportResponse struct {
	Key string `json:"key"`
}

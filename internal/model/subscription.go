package model

import "time"

// SubscriptionStatus is the lifecycle state of a business's subscription.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusPending   SubscriptionStatus = "pending"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// Subscription is the canonical subscription record for a business. There is
// at most one row per business; lifecycle events overwrite it in place and it
// is never physically deleted.
type Subscription struct {
	BusinessID             string             `db:"business_id" json:"business_id"`
	PlanID                 string             `db:"plan_id" json:"plan_id"`
	Status                 SubscriptionStatus `db:"status" json:"status"`
	Provider               string             `db:"provider" json:"provider"`
	ProviderSubscriptionID string             `db:"provider_subscription_id" json:"provider_subscription_id"`
	PendingPlanID          *string            `db:"pending_plan_id" json:"pending_plan_id,omitempty"`
	StartsAt               time.Time          `db:"starts_at" json:"starts_at"`
	EndsAt                 time.Time          `db:"ends_at" json:"ends_at"`
	LastEventAt            time.Time          `db:"last_event_at" json:"last_event_at"`
	CreatedAt              time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time          `db:"updated_at" json:"updated_at"`
}

// CurrentPeriod returns the billing window the subscription is in at t,
// falling back to the calendar month when the subscription window is unset.
func (s *Subscription) CurrentPeriod(t time.Time) Period {
	if s != nil && !s.StartsAt.IsZero() && s.EndsAt.After(s.StartsAt) && !t.Before(s.StartsAt) && t.Before(s.EndsAt) {
		return Period{Start: s.StartsAt, End: s.EndsAt}
	}
	return MonthlyPeriod(t)
}

// BillingState is the read-only billing summary exposed to status endpoints.
type BillingState struct {
	HasSubscription bool               `json:"has_subscription"`
	Status          SubscriptionStatus `json:"status"`
	Plan            *Plan              `json:"plan,omitempty"`
	PendingPlanID   *string            `json:"pending_plan_id,omitempty"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
}

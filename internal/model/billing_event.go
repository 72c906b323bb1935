package model

import (
	"fmt"
	"time"
)

// Billing event types, provider-agnostic. Webhook adapters normalize
// provider payloads to these before anything touches subscription state.
const (
	EventSubscriptionCreated   = "subscription_created"
	EventSubscriptionUpdated   = "subscription_updated"
	EventSubscriptionCancelled = "subscription_cancelled"
	EventSubscriptionPaused    = "subscription_paused"
	EventPlanChangeRequested   = "plan_change_requested"
	EventPlanChangeForced      = "plan_change_forced"
)

// ProviderInternal marks events synthesized by our own API (plan change
// requests, admin actions) rather than a payment provider webhook.
const ProviderInternal = "internal"

// BillingEvent is the normalized subscription lifecycle event consumed by
// the reconciler. Receivers must map provider payloads to this shape; a
// missing business ID is a hard rejection.
type BillingEvent struct {
	Provider       string    `json:"provider" validate:"required"`
	EventType      string    `json:"event_type" validate:"required"`
	BusinessID     string    `json:"business_id" validate:"required"`
	PlanID         string    `json:"plan_id,omitempty"`
	PlanCode       string    `json:"plan_code,omitempty"` // provider-side plan/price code
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	PeriodStart    time.Time `json:"period_start,omitempty"`
	PeriodEnd      time.Time `json:"period_end,omitempty"`
	OccurredAt     time.Time `json:"occurred_at,omitempty"`
}

// Fingerprint identifies an event for idempotent application: the same
// provider + subscription + type + timestamp must never apply twice.
// Events without a timestamp dedupe on the triple alone.
func (e *BillingEvent) Fingerprint() string {
	ts := ""
	if !e.OccurredAt.IsZero() {
		ts = fmt.Sprintf("%d", e.OccurredAt.UnixNano())
	}
	return fmt.Sprintf("%s|%s|%s|%s", e.Provider, e.SubscriptionID, e.EventType, ts)
}

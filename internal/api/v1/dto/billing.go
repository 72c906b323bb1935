package dto

import (
	"time"

	"app/internal/model"
)

// PlanChangeRequest stages or forces a plan change.
type PlanChangeRequest struct {
	PlanID string `json:"plan_id" validate:"required"`
	Mode   string `json:"mode" validate:"required,oneof=request force"`
}

// WebhookSecretRequest rotates a provider's webhook signing secret.
type WebhookSecretRequest struct {
	Provider string `json:"provider" validate:"required,oneof=paddle stripe"`
	Secret   string `json:"secret" validate:"required"`
}

// BillingStateResponse summarizes a business's subscription.
type BillingStateResponse struct {
	HasSubscription bool       `json:"has_subscription"`
	Status          string     `json:"status"`
	PlanID          string     `json:"plan_id,omitempty"`
	PlanName        string     `json:"plan_name,omitempty"`
	PendingPlanID   *string    `json:"pending_plan_id,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
}

// WebhookEventDTO is the pre-normalized billing event accepted on the
// generic webhook endpoint. Provider-specific endpoints build the same shape
// from raw payloads.
type WebhookEventDTO struct {
	Provider       string    `json:"provider" validate:"required"`
	EventType      string    `json:"event_type" validate:"required"`
	BusinessID     string    `json:"business_id" validate:"required"`
	PlanID         string    `json:"plan_id"`
	PlanCode       string    `json:"plan_code"`
	SubscriptionID string    `json:"subscription_id"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
}

// ToModel converts the DTO to the reconciler's event type.
func (d *WebhookEventDTO) ToModel() model.BillingEvent {
	return model.BillingEvent{
		Provider:       d.Provider,
		EventType:      d.EventType,
		BusinessID:     d.BusinessID,
		PlanID:         d.PlanID,
		PlanCode:       d.PlanCode,
		SubscriptionID: d.SubscriptionID,
		Status:         d.Status,
		OccurredAt:     d.Timestamp,
	}
}

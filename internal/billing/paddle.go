package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"app/internal/model"
)

// Paddle sends signatures as "ts=<unix>;h1=<hex hmac>" over "<ts>:<body>".
var ErrBadSignature = errors.New("signature verification failed")

// VerifyPaddleSignature checks the Paddle-Signature header against the raw
// request body. Constant-time compare; an empty secret rejects everything.
func VerifyPaddleSignature(payload []byte, header, secret string) error {
	if secret == "" || header == "" {
		return ErrBadSignature
	}
	var ts, h1 string
	for _, part := range strings.Split(header, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = v
		case "h1":
			h1 = v
		}
	}
	if ts == "" || h1 == "" {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte(":"))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(h1)) {
		return ErrBadSignature
	}
	return nil
}

// paddlePayload is the slice of the Paddle webhook body we care about.
type paddlePayload struct {
	EventType  string `json:"event_type"`
	OccurredAt string `json:"occurred_at"`
	Data       struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		CustomData struct {
			BusinessID string `json:"business_id"`
		} `json:"custom_data"`
		Items []struct {
			Price struct {
				ProductID string `json:"product_id"`
			} `json:"price"`
		} `json:"items"`
		CurrentBillingPeriod struct {
			StartsAt string `json:"starts_at"`
			EndsAt   string `json:"ends_at"`
		} `json:"current_billing_period"`
	} `json:"data"`
}

// MapPaddleEvent normalizes a raw Paddle webhook body into a BillingEvent.
// Only the subscription lifecycle events are mapped; anything else returns
// ok=false and should be acknowledged without action.
func MapPaddleEvent(payload []byte) (model.BillingEvent, bool, error) {
	var p paddlePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return model.BillingEvent{}, false, fmt.Errorf("parse paddle payload: %w", err)
	}

	var eventType string
	switch p.EventType {
	case "subscription.created", "subscription_created":
		eventType = "subscription_created"
	case "subscription.updated", "subscription_updated":
		eventType = "subscription_updated"
	case "subscription.canceled", "subscription.cancelled", "subscription_cancelled":
		eventType = "subscription_cancelled"
	case "subscription.paused", "subscription_paused":
		eventType = "subscription_paused"
	default:
		return model.BillingEvent{}, false, nil
	}

	ev := model.BillingEvent{
		Provider:       "paddle",
		EventType:      eventType,
		BusinessID:     p.Data.CustomData.BusinessID,
		SubscriptionID: p.Data.ID,
		Status:         p.Data.Status,
	}
	if len(p.Data.Items) > 0 {
		ev.PlanCode = p.Data.Items[0].Price.ProductID
	}
	if t, err := time.Parse(time.RFC3339, p.OccurredAt); err == nil {
		ev.OccurredAt = t
	}
	if t, err := time.Parse(time.RFC3339, p.Data.CurrentBillingPeriod.StartsAt); err == nil {
		ev.PeriodStart = t
	}
	if t, err := time.Parse(time.RFC3339, p.Data.CurrentBillingPeriod.EndsAt); err == nil {
		ev.PeriodEnd = t
	}
	return ev, true, nil
}

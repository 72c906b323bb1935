package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"app/internal/model"
)

func signPaddle(payload []byte, ts, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte(":"))
	mac.Write(payload)
	return fmt.Sprintf("ts=%s;h1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyPaddleSignature(t *testing.T) {
	payload := []byte(`{"event_type":"subscription.created"}`)
	secret := "whsec_test"
	header := signPaddle(payload, "1714000000", secret)

	if err := VerifyPaddleSignature(payload, header, secret); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifyPaddleSignatureRejectsTampering(t *testing.T) {
	payload := []byte(`{"event_type":"subscription.created"}`)
	secret := "whsec_test"
	header := signPaddle(payload, "1714000000", secret)

	if err := VerifyPaddleSignature([]byte(`{"event_type":"evil"}`), header, secret); err == nil {
		t.Fatal("expected tampered payload to be rejected")
	}
	if err := VerifyPaddleSignature(payload, header, "wrong-secret"); err == nil {
		t.Fatal("expected wrong secret to be rejected")
	}
	if err := VerifyPaddleSignature(payload, "", secret); err == nil {
		t.Fatal("expected missing header to be rejected")
	}
	if err := VerifyPaddleSignature(payload, header, ""); err == nil {
		t.Fatal("expected empty secret to reject everything")
	}
}

func TestMapPaddleEventSubscriptionCreated(t *testing.T) {
	payload := []byte(`{
		"event_type": "subscription.created",
		"occurred_at": "2026-03-01T10:00:00Z",
		"data": {
			"id": "sub_abc",
			"status": "active",
			"custom_data": {"business_id": "biz-1"},
			"items": [{"price": {"product_id": "pri_pro"}}],
			"current_billing_period": {
				"starts_at": "2026-03-01T00:00:00Z",
				"ends_at": "2026-04-01T00:00:00Z"
			}
		}
	}`)

	ev, ok, err := MapPaddleEvent(payload)
	if err != nil {
		t.Fatalf("MapPaddleEvent returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected subscription.created to be mapped")
	}
	if ev.Provider != "paddle" || ev.EventType != model.EventSubscriptionCreated {
		t.Fatalf("unexpected event identity: %+v", ev)
	}
	if ev.BusinessID != "biz-1" || ev.SubscriptionID != "sub_abc" || ev.PlanCode != "pri_pro" {
		t.Fatalf("unexpected event fields: %+v", ev)
	}
	wantStart := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	if !ev.PeriodStart.Equal(wantStart) {
		t.Fatalf("expected period start %v, got %v", wantStart, ev.PeriodStart)
	}
	if ev.OccurredAt.IsZero() {
		t.Fatal("expected occurred_at to be parsed")
	}
}

func TestMapPaddleEventIgnoresUnrelatedTypes(t *testing.T) {
	payload := []byte(`{"event_type": "transaction.completed", "data": {}}`)
	_, ok, err := MapPaddleEvent(payload)
	if err != nil {
		t.Fatalf("MapPaddleEvent returned error: %v", err)
	}
	if ok {
		t.Fatal("expected unrelated event type to be skipped")
	}
}

func TestMapPaddleEventCancelled(t *testing.T) {
	payload := []byte(`{
		"event_type": "subscription.canceled",
		"data": {"id": "sub_abc", "status": "canceled", "custom_data": {"business_id": "biz-1"}}
	}`)
	ev, ok, err := MapPaddleEvent(payload)
	if err != nil || !ok {
		t.Fatalf("MapPaddleEvent = %v, %v", ok, err)
	}
	if ev.EventType != model.EventSubscriptionCancelled {
		t.Fatalf("expected cancellation event, got %q", ev.EventType)
	}
}
